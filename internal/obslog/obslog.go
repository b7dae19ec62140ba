// Package obslog builds the root log/slog logger once at daemon startup.
// Every component derives its own logger from the root via .With("component",
// ...) rather than reading a global; see internal/config's "global settings
// singleton" note.
package obslog

import (
	"context"
	"log/slog"
	"os"

	"github.com/outreach-orchestrator/runtime/internal/config"
)

// New builds the root logger for format/level taken from cfg.Observability.
func New(cfg config.ObservabilityConfig) *slog.Logger {
	level := parseLevel(cfg.LogLevel)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.LogFormat {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForComponent derives a child logger tagged with component, e.g.
// obslog.ForComponent(root, "supervisor").
func ForComponent(root *slog.Logger, component string) *slog.Logger {
	return root.With("component", component)
}

// WithCorrelation derives a logger carrying a correlation id, the key the
// consumer-group runtime attaches to every log line within one message's
// processing.
func WithCorrelation(logger *slog.Logger, correlationID string) *slog.Logger {
	return logger.With("correlation_id", correlationID)
}

// FromContext reads a logger stashed in ctx by WithContext, falling back to
// slog.Default() when none is present.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// WithContext returns a context carrying logger for retrieval via
// FromContext.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

type ctxKey struct{}
