package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
)

// ReloadCallback is called when the config file changes on disk.
// Receives the freshly loaded config; a returned error is logged, not fatal.
type ReloadCallback func(*Config) error

// Watcher watches a config file for changes and triggers reload callbacks.
// Writes are debounced so editors that write-then-rename fire once.
type Watcher struct {
	path           string
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	mu             sync.Mutex
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	done           chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errors.Wrapf(err, "watch config file %s", path)
	}

	return &Watcher{
		path:           path,
		watcher:        fw,
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(cb ReloadCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start begins watching. Non-blocking.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.done)
	w.watcher.Close()
}

func (w *Watcher) loop() {
	log := logger.Named("config")
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.scheduleReload(log)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces rapid successive writes into one reload.
func (w *Watcher) scheduleReload(log *zap.SugaredLogger) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debouncePeriod, func() {
		cfg, err := LoadFromFile(w.path)
		if err != nil {
			log.Warnw("Config reload failed, keeping previous config",
				"path", w.path, "error", err)
			return
		}
		log.Infow("Config reloaded", "path", w.path)

		w.mu.Lock()
		callbacks := make([]ReloadCallback, len(w.callbacks))
		copy(callbacks, w.callbacks)
		w.mu.Unlock()

		for _, cb := range callbacks {
			if err := cb(cfg); err != nil {
				log.Warnw("Config reload callback failed", "error", err)
			}
		}
	})
}
