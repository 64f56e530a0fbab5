package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(kind, notebook string) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+notebook)
	r.mu.Unlock()
}

func (r *recorder) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T) (string, *recorder) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "notebooks")
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	rec := &recorder{}
	go Watch(ctx, root, logger, rec.record)
	eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		_, err := os.Stat(root)
		return err == nil
	}, "watch root not created")
	time.Sleep(100 * time.Millisecond)
	return root, rec
}

func TestWatcher_NewNotebook(t *testing.T) {
	root, rec := startWatcher(t)

	_ = os.MkdirAll(filepath.Join(root, "work"), 0o700)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("created:work")
	}, "expected created:work callback")
}

func TestWatcher_FileInNewNotebookDir(t *testing.T) {
	root, rec := startWatcher(t)

	dir := filepath.Join(root, "diary", "files")
	_ = os.MkdirAll(dir, 0o700)
	time.Sleep(300 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(dir, "blob"), []byte("x"), 0o600)

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("changed:diary")
	}, "write in nested new dir not reported")
}

func TestWatcher_IgnoresTempFiles(t *testing.T) {
	root, rec := startWatcher(t)

	dir := filepath.Join(root, "nb")
	_ = os.MkdirAll(dir, 0o700)
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("created:nb")
	}, "notebook creation not reported")

	_ = os.WriteFile(filepath.Join(dir, ".vellum-tmp-1"), []byte("x"), 0o600)
	time.Sleep(500 * time.Millisecond)
	if rec.has("changed:nb") {
		t.Error("temp file write was reported")
	}
}

func TestWatcher_NotebookRemoved(t *testing.T) {
	root, rec := startWatcher(t)

	dir := filepath.Join(root, "gone")
	_ = os.MkdirAll(dir, 0o700)
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("created:gone")
	}, "notebook creation not reported")

	_ = os.Remove(dir)
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		return rec.has("removed:gone")
	}, "notebook removal not reported")
}
