package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch runs an fsnotify watcher on the cache root until ctx is cancelled,
// keeping the ledger consistent with out-of-band file changes (an operator
// deleting files over SSH, another process pruning the disk). Download
// temp files (*.part) are ignored.
//
// Rename events only report the old path, so a short debounced reconcile
// pass prunes any ledger rows whose files are gone.
func (c *Cache) Watch(ctx context.Context, logger *slog.Logger) error {
	if c.ledger == nil {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(c.root); err != nil {
		return err
	}
	logger.Info("cache watcher: started", slog.String("root", c.root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			logger.Info("cache watcher: stopped")
			return nil

		case <-reconcileCh:
			c.reconcileLedger(logger)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if strings.HasSuffix(name, partSuffix) {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				info, statErr := os.Stat(ev.Name)
				if statErr != nil || info.IsDir() || info.Size() == 0 {
					continue
				}
				if recErr := c.ledger.Record(name, "", info.Size()); recErr != nil {
					logger.Warn("cache watcher: record failed",
						slog.String("file", name), slog.String("error", recErr.Error()))
				}

			case ev.Op&fsnotify.Remove != 0:
				if delErr := c.ledger.Delete(name); delErr != nil {
					logger.Warn("cache watcher: delete failed",
						slog.String("file", name), slog.String("error", delErr.Error()))
				} else {
					logger.Debug("cache watcher: removed entry", slog.String("file", name))
				}

			case ev.Op&fsnotify.Rename != 0:
				_ = c.ledger.Delete(name)
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("cache watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// reconcileLedger drops ledger rows whose files no longer exist and records
// files present on disk but missing from the ledger.
func (c *Cache) reconcileLedger(logger *slog.Logger) {
	names, err := c.ledger.AllNames()
	if err != nil {
		logger.Warn("cache reconcile: ledger read failed", slog.String("error", err.Error()))
		return
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		logger.Warn("cache reconcile: read dir failed", slog.String("error", err.Error()))
		return
	}

	disk := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		if info, infoErr := e.Info(); infoErr == nil && info.Size() > 0 {
			disk[e.Name()] = info.Size()
		}
	}

	for name := range names {
		if _, ok := disk[name]; !ok {
			if delErr := c.ledger.Delete(name); delErr == nil {
				logger.Debug("cache reconcile: removed stale", slog.String("file", name))
			}
		}
	}
	for name, size := range disk {
		if _, ok := names[name]; !ok {
			if recErr := c.ledger.Record(name, "", size); recErr == nil {
				logger.Debug("cache reconcile: recorded", slog.String("file", name))
			}
		}
	}
}
