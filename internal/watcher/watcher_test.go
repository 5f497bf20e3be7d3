package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rewindd/internal/manifest"
	"rewindd/internal/session"
	"rewindd/internal/workspace"
)

// recordingTracker collects delivered events.
type recordingTracker struct {
	mu     sync.Mutex
	events []trackedEvent
}

type trackedEvent struct {
	path string
	op   manifest.ChangeOp
}

func (r *recordingTracker) Track(absPath string, op manifest.ChangeOp, _ *session.EventMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, trackedEvent{path: absPath, op: op})
	return nil
}

func (r *recordingTracker) snapshot() []trackedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trackedEvent(nil), r.events...)
}

// waitFor polls until cond is true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func newTestWatcher(t *testing.T) (*Watcher, *recordingTracker, string) {
	t.Helper()

	dir := t.TempDir()
	ws, err := workspace.NewRoot(dir, nil)
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}

	tracker := &recordingTracker{}
	w, err := New(ws, tracker, 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	return w, tracker, dir
}

func TestWatcherDeliversCreate(t *testing.T) {
	_, tracker, dir := newTestWatcher(t)

	path := filepath.Join(dir, "fresh.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		for _, ev := range tracker.snapshot() {
			if ev.path == path && ev.op == manifest.OpCreated {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Errorf("create event never delivered: %v", tracker.snapshot())
	}
}

func TestWatcherCoalescesWriteBurst(t *testing.T) {
	_, tracker, dir := newTestWatcher(t)

	path := filepath.Join(dir, "busy.txt")
	if err := os.WriteFile(path, []byte("v0"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Burst of writes inside the debounce window.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("v"+string(rune('1'+i))), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		count := 0
		for _, ev := range tracker.snapshot() {
			if ev.path == path {
				count++
			}
		}
		return count == 1
	})
	if !ok {
		t.Errorf("expected exactly one coalesced event, got %v", tracker.snapshot())
	}

	// The coalesced op is still a create: the file was born in-window.
	for _, ev := range tracker.snapshot() {
		if ev.path == path && ev.op != manifest.OpCreated {
			t.Errorf("coalesced op = %s, want created", ev.op)
		}
	}
}

func TestWatcherDeliversDelete(t *testing.T) {
	_, tracker, dir := newTestWatcher(t)

	path := filepath.Join(dir, "victim.txt")
	if err := os.WriteFile(path, []byte("doomed"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Let the create stabilize first.
	waitFor(t, 3*time.Second, func() bool { return len(tracker.snapshot()) >= 1 })

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		for _, ev := range tracker.snapshot() {
			if ev.path == path && ev.op == manifest.OpDeleted {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Errorf("delete event never delivered: %v", tracker.snapshot())
	}
}

func TestWatcherIgnoresFilteredPaths(t *testing.T) {
	_, tracker, dir := newTestWatcher(t)

	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}
	ignored := filepath.Join(dir, "node_modules", "dep.js")
	if err := os.WriteFile(ignored, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	visible := filepath.Join(dir, "seen.txt")
	if err := os.WriteFile(visible, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, func() bool {
		for _, ev := range tracker.snapshot() {
			if ev.path == visible {
				return true
			}
		}
		return false
	})

	for _, ev := range tracker.snapshot() {
		if ev.path == ignored {
			t.Errorf("ignored path delivered: %v", ev)
		}
	}
}

func TestWatcherPicksUpNewDirectories(t *testing.T) {
	_, tracker, dir := newTestWatcher(t)

	sub := filepath.Join(dir, "newdir")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the watcher a moment to register the new directory.
	time.Sleep(200 * time.Millisecond)

	nested := filepath.Join(sub, "inside.txt")
	if err := os.WriteFile(nested, []byte("deep"), 0o644); err != nil {
		t.Fatal(err)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		for _, ev := range tracker.snapshot() {
			if ev.path == nested {
				return true
			}
		}
		return false
	})
	if !ok {
		t.Errorf("event in new directory never delivered: %v", tracker.snapshot())
	}
}
