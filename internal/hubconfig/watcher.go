package hubconfig

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/pkg/logging"
)

// Diff describes how a reload changed the backend set relative to the
// previous load, so the caller can push targeted Add/Remove/Restart calls
// onto a connection.Manager instead of reconciling the whole set itself.
type Diff struct {
	Added   []hub.BackendConfig
	Changed []hub.BackendConfig
	Removed []string
}

// Watcher reloads a backend config file on change and reports the diff
// against the last successfully loaded set.
//
// Grounded on the teacher's internal/teleport/watcher.go CertWatcher:
// fsnotify on the containing directory (editors replace files via
// rename/create rather than in-place write), reloading on every matching
// event without debouncing, with the same graceful "log and keep the last good config" behavior on a
// reload that fails to parse.
type Watcher struct {
	path     string
	resolver hub.CredentialProvider
	onDiff   func(Diff)

	mu      sync.Mutex
	current map[string]hub.BackendConfig

	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
}

func NewWatcher(path string, resolver hub.CredentialProvider, onDiff func(Diff)) *Watcher {
	return &Watcher{
		path:     path,
		resolver: resolver,
		onDiff:   onDiff,
		current:  map[string]hub.BackendConfig{},
		stopCh:   make(chan struct{}),
	}
}

// Start performs the initial load (emitting an all-Added diff) and begins
// watching the config file's directory for changes.
func (w *Watcher) Start() error {
	if err := w.reload(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn("hubconfig", "fsnotify unavailable, config file changes will not be picked up: %v", err)
		return nil
	}
	w.fsWatcher = watcher

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		logging.Warn("hubconfig", "failed to watch %s: %v", dir, err)
		watcher.Close()
		w.fsWatcher = nil
		return nil
	}

	go w.processEvents(watcher.Events, watcher.Errors)
	return nil
}

func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fsWatcher != nil {
		w.fsWatcher.Close()
	}
}

func (w *Watcher) processEvents(events <-chan fsnotify.Event, errs <-chan error) {
	target := filepath.Clean(w.path)
	for {
		select {
		case <-w.stopCh:
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			logging.Warn("hubconfig", "watcher error: %v", err)
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				logging.Warn("hubconfig", "reload of %s failed, keeping previous config: %v", w.path, err)
			}
		}
	}
}

func (w *Watcher) reload() error {
	next, err := Load(w.path, w.resolver)
	if err != nil {
		return err
	}

	nextByName := make(map[string]hub.BackendConfig, len(next))
	for _, b := range next {
		nextByName[b.Name] = b
	}

	w.mu.Lock()
	prev := w.current
	w.current = nextByName
	w.mu.Unlock()

	diff := Diff{}
	for name, b := range nextByName {
		old, existed := prev[name]
		if !existed {
			diff.Added = append(diff.Added, b)
		} else if !configEqual(old, b) {
			diff.Changed = append(diff.Changed, b)
		}
	}
	for name := range prev {
		if _, ok := nextByName[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}

	if len(diff.Added)+len(diff.Changed)+len(diff.Removed) > 0 && w.onDiff != nil {
		w.onDiff(diff)
	}
	return nil
}

func configEqual(a, b hub.BackendConfig) bool {
	if a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL || a.Disabled != b.Disabled {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	if len(a.Env) != len(b.Env) || len(a.Headers) != len(b.Headers) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	for k, v := range a.Headers {
		if b.Headers[k] != v {
			return false
		}
	}
	return true
}
