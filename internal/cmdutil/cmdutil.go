// Package cmdutil holds the bootstrap and signal-handling code shared by
// the four daemon binaries under cmd/: load config, build a logger, build
// the app, run until a shutdown signal arrives or the work function
// errors, then drain.
package cmdutil

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/outreach-orchestrator/runtime/internal/app"
	"github.com/outreach-orchestrator/runtime/internal/config"
	"github.com/outreach-orchestrator/runtime/internal/obslog"
)

// Boot loads configuration from path, builds a logger from its
// observability section, and constructs an App. Every daemon's RunE calls
// this first.
func Boot(ctx context.Context, path string) (*app.App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := obslog.New(cfg.Observability)
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return a, nil
}

// Run installs a SIGINT/SIGTERM-cancelable context, starts work in a
// goroutine, and waits for either the signal or work to return. On
// shutdown it drains a.Shutdown with a bounded timeout before returning.
func Run(ctx context.Context, a *app.App, work func(ctx context.Context) error) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- work(ctx) }()

	var workErr error
	select {
	case <-ctx.Done():
	case workErr = <-errCh:
	}

	a.Logger.Info("shutdown signal received, draining")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	for _, result := range a.Shutdown.Shutdown(drainCtx) {
		if result.Error != nil {
			a.Logger.Error("shutdown handler failed", "name", result.Name, "error", result.Error)
		}
	}

	if workErr != nil && workErr != context.Canceled {
		return workErr
	}
	return nil
}
