package configrelay

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StorageWatcher subscribes to the local config store's change
// notifications and feeds them into the backup queue as storage triggers.
// It watches the store's directory rather than the file itself because
// the store replaces the file with an atomic rename on every write.
type StorageWatcher struct {
	store    *ConfigStore
	engine   *Engine
	registry *Registry
	logger   Logger
	watcher  *fsnotify.Watcher

	// last holds the serialized value per key as of the previous event,
	// so a file-level notification can be diffed into per-key changes.
	// Touched only by the run goroutine after construction.
	last map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

func NewStorageWatcher(store *ConfigStore, engine *Engine, registry *Registry, logger Logger) (*StorageWatcher, error) {
	if store == nil || engine == nil || registry == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = nopLogger{}
	}
	dir := filepath.Dir(store.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	w := &StorageWatcher{
		store:    store,
		engine:   engine,
		registry: registry,
		logger:   logger,
		watcher:  fsw,
		last:     store.Snapshot(),
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *StorageWatcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	return w.watcher.Close()
}

func (w *StorageWatcher) run() {
	base := filepath.Base(w.store.Path())
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.dispatchChanges()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("storage watcher error: %v", err)
		}
	}
}

func (w *StorageWatcher) dispatchChanges() {
	if err := w.store.Reload(); err != nil {
		w.logger.Printf("storage watcher reload failed: %v", err)
		return
	}
	current := w.store.Snapshot()
	changed := map[CategoryID]bool{}
	for key, value := range current {
		if w.last[key] == value {
			continue
		}
		if id, ok := w.registry.KeyCategory(key); ok {
			changed[id] = true
		}
	}
	for key := range w.last {
		if _, ok := current[key]; ok {
			continue
		}
		if id, ok := w.registry.KeyCategory(key); ok {
			changed[id] = true
		}
	}
	w.last = current
	for id := range changed {
		w.engine.EnqueueBackup(id, TriggerStorage)
	}
}
