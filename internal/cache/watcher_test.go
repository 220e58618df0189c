package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hollis-labs/marquee/internal/apperr"
)

func watcherTestEnv(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), 0, 0.9, tempLedger(t), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

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

func TestWatcher_NewFileRecorded(t *testing.T) {
	c := watcherTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, discardLogger())
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(c.Root(), "dropped-in.jpg"), []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		e, err := c.Ledger().Get("dropped-in.jpg")
		return err == nil && e.SizeBytes == 5
	}, "out-of-band file never recorded in ledger")
}

func TestWatcher_RemovedFileDropped(t *testing.T) {
	c := watcherTestEnv(t)
	path := filepath.Join(c.Root(), "doomed.mp4")
	if err := os.WriteFile(path, []byte("bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	_ = c.Ledger().Record("doomed.mp4", "https://x/doomed.mp4", 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, discardLogger())
	time.Sleep(100 * time.Millisecond)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	eventually(t, 2*time.Second, 20*time.Millisecond, func() bool {
		_, err := c.Ledger().Get("doomed.mp4")
		return errors.Is(err, apperr.ErrNotFound)
	}, "ledger row survived file removal")
}

func TestWatcher_IgnoresPartFiles(t *testing.T) {
	c := watcherTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Watch(ctx, discardLogger())
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(c.Root(), "inflight.mp4.part"), []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	if _, err := c.Ledger().Get("inflight.mp4.part"); !errors.Is(err, apperr.ErrNotFound) {
		t.Error("temp file leaked into ledger")
	}
}

func TestReconcileLedger(t *testing.T) {
	c := watcherTestEnv(t)

	// Row without a file, file without a row.
	_ = c.Ledger().Record("ghost.jpg", "https://x/ghost.jpg", 10)
	if err := os.WriteFile(filepath.Join(c.Root(), "unrecorded.jpg"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	c.reconcileLedger(discardLogger())

	if _, err := c.Ledger().Get("ghost.jpg"); !errors.Is(err, apperr.ErrNotFound) {
		t.Error("stale row survived reconcile")
	}
	if _, err := c.Ledger().Get("unrecorded.jpg"); err != nil {
		t.Errorf("on-disk file not recorded: %v", err)
	}
}
