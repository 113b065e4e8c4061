// Package watcher monitors session working directories and reports
// file activity so clients can refresh their views.
package watcher

import (
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceInterval = 500 * time.Millisecond
	maxWatchDepth    = 3
)

// excludedDirs never get watched; they churn constantly and carry no
// user-visible signal.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"dist":         true,
}

// ChangeCallback receives one debounced file-change notification.
type ChangeCallback func(sessionID, path, op string)

// Watcher monitors one directory tree per session.
type Watcher struct {
	log      *slog.Logger
	callback ChangeCallback

	mu       sync.Mutex
	watchers map[string]*sessionWatcher // session id → watcher
}

type sessionWatcher struct {
	sessionID string
	fsWatcher *fsnotify.Watcher
	stop      chan struct{}

	mu       sync.Mutex
	lastSent map[string]time.Time // path → last notification
}

// New creates a Watcher.
func New(log *slog.Logger, callback ChangeCallback) *Watcher {
	return &Watcher{
		log:      log.With("component", "watcher"),
		callback: callback,
		watchers: make(map[string]*sessionWatcher),
	}
}

// Watch starts watching a session's working directory, including
// subdirectories up to a fixed depth. Watching the same session again
// replaces the previous watch.
func (w *Watcher) Watch(sessionID, dir string) error {
	w.Unwatch(sessionID)

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := addRecursive(fsW, dir); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		fsWatcher: fsW,
		stop:      make(chan struct{}),
		lastSent:  make(map[string]time.Time),
	}

	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	go w.run(sw)
	w.log.Debug("watching", "session_id", sessionID, "dir", dir)
	return nil
}

func addRecursive(fsW *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if excludedDirs[name] || (strings.HasPrefix(name, ".") && path != root) {
			return filepath.SkipDir
		}
		rel, _ := filepath.Rel(root, path)
		if rel != "." && strings.Count(rel, string(filepath.Separator)) >= maxWatchDepth {
			return filepath.SkipDir
		}
		return fsW.Add(path)
	})
}

func (w *Watcher) run(sw *sessionWatcher) {
	for {
		select {
		case <-sw.stop:
			return
		case ev, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(sw, ev)
		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Debug("watch error", "session_id", sw.sessionID, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(sw *sessionWatcher, ev fsnotify.Event) {
	base := filepath.Base(ev.Name)
	if excludedDirs[base] || strings.HasPrefix(base, ".") {
		return
	}

	sw.mu.Lock()
	last, seen := sw.lastSent[ev.Name]
	now := time.Now()
	if seen && now.Sub(last) < debounceInterval {
		sw.mu.Unlock()
		return
	}
	sw.lastSent[ev.Name] = now
	sw.mu.Unlock()

	if w.callback != nil {
		w.callback(sw.sessionID, ev.Name, ev.Op.String())
	}
}

// Unwatch stops watching a session's directory; no-op for unknown ids.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.stop)
		sw.fsWatcher.Close()
	}
}

// Close stops all watches.
func (w *Watcher) Close() {
	w.mu.Lock()
	all := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		all = append(all, id)
	}
	w.mu.Unlock()

	for _, id := range all {
		w.Unwatch(id)
	}
}
