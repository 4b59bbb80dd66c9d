package config

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads Config from disk whenever the underlying file changes,
// grounded on internal/config/watcher.go's fsnotify-driven reload loop.
type Watcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *Config

	onReload atomic.Value // func(*Config)
}

// NewWatcher loads the initial config and starts watching its file for
// writes. Callers must call Close when done.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := fw.Add(path); err != nil {
			logger.Warn("config watch failed, hot reload disabled", "path", path, "error", err)
		}
	}

	w := &Watcher{path: path, logger: logger, watcher: fw, current: cfg}
	go w.loop()
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.onReload.Store(fn)
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	w.logger.Info("config reloaded", "path", w.path)

	if fn, ok := w.onReload.Load().(func(*Config)); ok && fn != nil {
		fn(cfg)
	}
}

// Current returns the most recently loaded config snapshot.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
