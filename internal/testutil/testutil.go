// Package testutil provides shared test helpers for setting up cache
// directories and ledgers.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/hollis-labs/marquee/internal/cache"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestLedger creates a temporary SQLite ledger that is automatically cleaned up.
func TestLedger(t *testing.T) *cache.Ledger {
	t.Helper()
	dbFile, err := os.CreateTemp("", "marquee-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	l, err := cache.OpenLedger(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// TestCache creates a temporary asset cache with a ledger.
func TestCache(t *testing.T, maxBytes int64, threshold float64) *cache.Cache {
	t.Helper()
	c, err := cache.New(t.TempDir(), maxBytes, threshold, TestLedger(t), Logger())
	if err != nil {
		t.Fatal(err)
	}
	return c
}
