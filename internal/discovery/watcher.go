package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the instances directory and keeps an in-memory
// view of registered relays, notifying subscribers on change.
type Watcher struct {
	instancesDir    string
	instances       map[string]*Instance
	watcher         *fsnotify.Watcher
	updateCallbacks []func(instances map[string]*Instance)
	done            chan struct{}
	mu              sync.RWMutex
}

// NewWatcher creates a watcher over the instances directory and
// performs an initial scan.
func NewWatcher(instancesDir string) (*Watcher, error) {
	if instancesDir == "" {
		instancesDir = DefaultInstancesDir()
	}
	if err := os.MkdirAll(instancesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create instances directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(instancesDir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch instances directory: %w", err)
	}

	w := &Watcher{
		instancesDir: instancesDir,
		instances:    make(map[string]*Instance),
		watcher:      fsWatcher,
		done:         make(chan struct{}),
	}

	if err := w.rescan(); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("initial directory scan failed: %w", err)
	}

	return w, nil
}

// Start begins processing file events.
func (w *Watcher) Start() {
	go w.watch()
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// Instances returns a copy of the current view.
func (w *Watcher) Instances() map[string]*Instance {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make(map[string]*Instance, len(w.instances))
	for id, inst := range w.instances {
		copied := *inst
		out[id] = &copied
	}
	return out
}

// OnUpdate registers a callback invoked with the full instance view
// after every change.
func (w *Watcher) OnUpdate(cb func(instances map[string]*Instance)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.updateCallbacks = append(w.updateCallbacks, cb)
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
				continue
			}
			switch {
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename):
				w.handleChange()
			case event.Has(fsnotify.Remove):
				w.handleChange()
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors are transient on most platforms; the next
			// event triggers a full rescan anyway.

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleChange() {
	if err := w.rescan(); err != nil {
		return
	}
	w.notify()
}

func (w *Watcher) rescan() error {
	instances, err := readInstancesDir(w.instancesDir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.instances = instances
	w.mu.Unlock()
	return nil
}

func (w *Watcher) notify() {
	w.mu.RLock()
	callbacks := make([]func(map[string]*Instance), len(w.updateCallbacks))
	copy(callbacks, w.updateCallbacks)
	w.mu.RUnlock()

	view := w.Instances()
	for _, cb := range callbacks {
		cb(view)
	}
}
