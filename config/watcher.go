package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/m4xw311/parley/errors"
)

// Watcher serves an immutable configuration snapshot and rebuilds it when the
// watched file changes. Each reload constructs a fresh *Config and swaps it
// atomically; dependents either read Current() or subscribe for the new
// snapshot. A snapshot is never mutated after it is published.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewWatcher loads the initial snapshot from path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfigFile(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, logger: logger}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the latest snapshot. The returned value must be treated as
// read-only.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Subscribe registers a callback invoked with each new snapshot. Callbacks
// run on the watcher goroutine and should return quickly.
func (w *Watcher) Subscribe(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Run watches the config file until ctx is done. Reload failures keep the
// previous snapshot.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(err, "could not create file watcher")
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return errors.Wrapf(err, "could not watch %s", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
			// Editors that replace the file break the watch; re-add.
			_ = fw.Add(w.path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadConfigFile(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous snapshot",
			"path", w.path, "error", err)
		return
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded", "path", w.path, "roles", len(cfg.Roles))

	w.mu.Lock()
	subs := make([]func(*Config), len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()
	for _, fn := range subs {
		fn(cfg)
	}
}
