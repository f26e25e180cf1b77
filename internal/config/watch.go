package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads Config from path on every write event, the way
// pkbatx-alert_framework/internal/watch watches a directory for new
// files — generalized here from "enqueue a job per new file" to "re-read
// and re-validate a single file, swap it in if it parses." An invalid
// reload is logged and discarded; the previously loaded Config keeps
// serving (ambient-stack hot-reload contract).
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *zap.Logger
}

// NewWatcher wraps an already-loaded Config for hot-reload from path.
func NewWatcher(path string, initial *Config, logger *zap.Logger) *Watcher {
	w := &Watcher{path: path, logger: logger}
	w.current.Store(initial)
	return w
}

// Current returns the most recently successfully loaded Config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Start watches path for writes and swaps in a freshly validated Config
// on every one. It runs until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		fw.Close()
		return err
	}

	go func() {
		defer fw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-fw.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Warn("config hot-reload failed, keeping previous config",
						zap.String("path", w.path), zap.Error(err))
					continue
				}
				w.current.Store(cfg)
				w.logger.Info("config hot-reloaded", zap.String("path", w.path))
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
