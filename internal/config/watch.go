package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from path whenever it changes on disk and swaps
// the visible copy atomically, debounced. Only Dynamic differs across
// reloads in practice, but the whole Config is re-validated on each one —
// hot-reload fails closed, keeping the last-good Config, if the new file
// doesn't validate.
type Watcher struct {
	path     string
	logger   *slog.Logger
	debounce time.Duration

	current atomic.Pointer[Config]

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewWatcher loads path once and returns a Watcher primed with the result.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger, debounce: 250 * time.Millisecond}
	w.current.Store(cfg)
	return w, nil
}

// Config returns the currently active configuration. Safe for concurrent
// use; callers must not mutate the returned value.
func (w *Watcher) Config() *Config {
	return w.current.Load()
}

// Start begins watching path for changes until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		return fmt.Errorf("config: watch %s: %w", w.path, err)
	}
	w.watcher = fw

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				scheduleReload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded")
}
