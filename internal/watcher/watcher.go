// Package watcher feeds filesystem change events into the session manager.
//
// It is the bundled stand-in for an editor integration: fsnotify events are
// debounced until a file has been stable for the configured interval, then
// mapped to change ops and delivered through the Tracker interface.
package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"rewindd/internal/manifest"
	"rewindd/internal/session"
	"rewindd/internal/workspace"
)

// Tracker receives debounced change events. *session.Manager satisfies it.
type Tracker interface {
	Track(absPath string, op manifest.ChangeOp, meta *session.EventMeta) error
}

// pendingEvent is a not-yet-stable file event.
type pendingEvent struct {
	op       manifest.ChangeOp
	lastSeen time.Time
}

// Watcher monitors a workspace tree and forwards stable events.
type Watcher struct {
	ws       *workspace.Root
	tracker  Tracker
	debounce time.Duration
	log      *slog.Logger

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]pendingEvent // abs path -> pending op

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a watcher over the workspace root.
func New(ws *workspace.Root, tracker Tracker, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		ws:        ws,
		tracker:   tracker,
		debounce:  debounce,
		log:       log.With("component", "watcher"),
		fsWatcher: fsWatcher,
		pending:   make(map[string]pendingEvent),
		done:      make(chan struct{}),
	}, nil
}

// Start walks the workspace, registers every non-ignored directory, and
// begins the event and debounce loops.
func (w *Watcher) Start() error {
	err := filepath.WalkDir(w.ws.Dir(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, rerr := w.ws.Rel(path); rerr == nil && w.ws.Ignored(rel) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
	if err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()

	w.log.Info("watching workspace", "root", w.ws.Dir())
	return nil
}

// Stop shuts the watcher down and flushes nothing: pending events that never
// stabilized are dropped.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	return w.fsWatcher.Close()
}

// eventLoop folds raw fsnotify events into the pending map.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := w.ws.Rel(event.Name)
	if err != nil || w.ws.Ignored(rel) {
		return
	}

	// New directories need their own watch; they produce no change record.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			w.fsWatcher.Add(event.Name)
			return
		}
	}

	var op manifest.ChangeOp
	switch {
	case event.Op&fsnotify.Create != 0:
		op = manifest.OpCreated
	case event.Op&fsnotify.Write != 0:
		op = manifest.OpModified
	case event.Op&fsnotify.Remove != 0:
		op = manifest.OpDeleted
	case event.Op&fsnotify.Rename != 0:
		// fsnotify reports the old name only; without the editor's rename
		// metadata this is a deletion of the old path. The new path arrives
		// as its own Create.
		op = manifest.OpDeleted
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, exists := w.pending[event.Name]; exists {
		// Later events refine the op: a create followed by writes is still
		// a create; anything followed by a remove is a remove.
		switch {
		case op == manifest.OpDeleted:
			if prev.op == manifest.OpCreated {
				// Created and removed within one debounce window: nothing
				// stable ever existed.
				delete(w.pending, event.Name)
				return
			}
		case prev.op == manifest.OpCreated:
			op = manifest.OpCreated
		case prev.op == manifest.OpDeleted && op == manifest.OpCreated:
			// Delete then create is an in-place rewrite.
			op = manifest.OpModified
		}
	}
	w.pending[event.Name] = pendingEvent{op: op, lastSeen: time.Now()}
}

// debounceLoop delivers events whose files have been quiet for the debounce
// interval.
func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	tick := w.debounce / 4
	if tick < 50*time.Millisecond {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.deliverStable(now)
		}
	}
}

func (w *Watcher) deliverStable(now time.Time) {
	w.mu.Lock()
	var ready []string
	for path, ev := range w.pending {
		if now.Sub(ev.lastSeen) >= w.debounce {
			ready = append(ready, path)
		}
	}
	events := make(map[string]pendingEvent, len(ready))
	for _, path := range ready {
		events[path] = w.pending[path]
		delete(w.pending, path)
	}
	w.mu.Unlock()

	for path, ev := range events {
		op := ev.op
		if op != manifest.OpDeleted {
			// The file may have vanished while waiting to stabilize.
			if _, err := os.Lstat(path); err != nil {
				op = manifest.OpDeleted
			}
		}
		if err := w.tracker.Track(path, op, nil); err != nil {
			w.log.Warn("track failed", "path", path, "op", op, "error", err)
		}
	}
}

// Pending returns the number of events waiting to stabilize.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
