// Package watch monitors an incoming DICOM directory for new session
// exports. Scanner exports arrive file by file, so a session directory
// is reported only after its quiet period elapses with no new writes.
package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period a session directory must stay
// unchanged before it is reported.
const DefaultDebounce = 2 * time.Second

// SessionCallback is called with the settled session directory.
type SessionCallback func(dir string)

// Watcher reports incoming session directories once their copies settle.
type Watcher struct {
	root     string
	debounce time.Duration
	callback SessionCallback
	log      *slog.Logger

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	cancel context.CancelFunc
}

// New creates a watcher over the incoming directory root. A zero
// debounce uses DefaultDebounce.
func New(root string, debounce time.Duration, callback SessionCallback, log *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(root); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		root:     root,
		debounce: debounce,
		callback: callback,
		log:      log,
		watcher:  fw,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Session directories already present are
// tracked too, so exports interrupted by a restart still get reported.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	entries, err := os.ReadDir(w.root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() && isSessionName(entry.Name()) {
			w.track(filepath.Join(w.root, entry.Name()))
		}
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Warn("watch error", "error", err)
			}
		}
	}()
	return nil
}

// Stop cancels the event loop and closes the underlying watcher.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
}

// isSessionName matches the subject_timestamp naming of facility exports.
func isSessionName(name string) bool {
	return strings.Contains(name, "_") && !strings.HasPrefix(name, ".")
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}
	session := rel
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		session = rel[:i]
	}
	if !isSessionName(session) {
		return
	}
	dir := filepath.Join(w.root, session)

	if session == rel && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.forget(dir)
		return
	}
	// a new series directory inside the session needs its own watch,
	// fsnotify does not recurse on its own
	if session != rel && event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("watching series directory", "dir", event.Name, "error", err)
			}
		}
	}
	w.track(dir)
}

// track starts or resets the quiet-period timer for a session directory.
func (w *Watcher) track(dir string) {
	w.mu.Lock()
	if t, ok := w.timers[dir]; ok {
		t.Stop()
		w.timers[dir] = time.AfterFunc(w.debounce, func() { w.fire(dir) })
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return
	}
	// watch the whole tree so nested series copies keep resetting the timer
	if err := w.addTree(dir); err != nil {
		w.log.Warn("watching session directory", "dir", dir, "error", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[dir]; ok {
		t.Stop()
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() { w.fire(dir) })
}

// addTree registers dir and every directory below it with the watcher.
func (w *Watcher) addTree(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) forget(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[dir]; ok {
		t.Stop()
		delete(w.timers, dir)
	}
}

func (w *Watcher) fire(dir string) {
	w.mu.Lock()
	delete(w.timers, dir)
	w.mu.Unlock()

	w.log.Info("session export settled", "dir", dir)
	if w.callback != nil {
		w.callback(dir)
	}
}
