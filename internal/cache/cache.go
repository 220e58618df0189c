// Package cache implements the on-disk asset cache: a flat directory of
// downloaded media files keyed by a sanitized URL-derived filename, plus a
// SQLite ledger tracking per-entry size and last access. Size decisions
// always walk the directory; the ledger is advisory.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hollis-labs/marquee/internal/apperr"
)

// partSuffix marks in-flight download temp files; they are never cache hits.
const partSuffix = ".part"

// Cache maps content URLs to local files under a single root directory.
type Cache struct {
	root      string
	maxBytes  int64
	threshold float64
	ledger    *Ledger
	logger    *slog.Logger
}

// New creates a cache rooted at dir, creating it if needed. The ledger may be
// nil (stats and hit tracking are then skipped), which keeps tests light.
func New(dir string, maxBytes int64, threshold float64, ledger *Ledger, logger *slog.Logger) (*Cache, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cache: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, apperr.CacheIO("cache: create root", err)
	}
	return &Cache{
		root:      abs,
		maxBytes:  maxBytes,
		threshold: threshold,
		ledger:    ledger,
		logger:    logger,
	}, nil
}

// Root returns the absolute cache directory.
func (c *Cache) Root() string { return c.root }

// Ledger returns the advisory entry ledger, or nil.
func (c *Cache) Ledger() *Ledger { return c.ledger }

// FileName maps a content URL to its cache filename: the URL path basename
// with reserved characters replaced. URLs without a usable basename fall back
// to a digest-derived name. Stable across runs.
func FileName(rawURL string) string {
	name := ""
	if u, err := url.Parse(rawURL); err == nil {
		name = path.Base(u.Path)
	}
	name = sanitize(name)
	if name == "" || name == "." || name == "/" {
		sum := sha256.Sum256([]byte(rawURL))
		name = "asset-" + hex.EncodeToString(sum[:8])
	}
	return name
}

func sanitize(name string) string {
	const reserved = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(reserved, r) {
			b.WriteRune('_')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// PathFor returns the local path the URL maps to.
func (c *Cache) PathFor(rawURL string) string {
	return filepath.Join(c.root, FileName(rawURL))
}

// Has reports whether the URL is cached: the mapped file exists with non-zero
// size. Zero-byte files count as failed downloads, never as hits.
func (c *Cache) Has(rawURL string) bool {
	info, err := os.Stat(c.PathFor(rawURL))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Touch refreshes the ledger's last-access time for a cache hit.
func (c *Cache) Touch(rawURL string) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Touch(FileName(rawURL)); err != nil {
		c.logger.Debug("cache: touch failed", slog.String("url", rawURL), slog.String("error", err.Error()))
	}
}

// Commit records a completed download in the ledger.
func (c *Cache) Commit(rawURL string, size int64) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Record(FileName(rawURL), rawURL, size); err != nil {
		c.logger.Warn("cache: ledger record failed", slog.String("url", rawURL), slog.String("error", err.Error()))
	}
}

// TotalSize sums every regular file under the cache root by walking the
// directory. No separate size counter is trusted across restarts.
func (c *Cache) TotalSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, apperr.CacheIO("cache: walk", err)
	}
	return total, nil
}

// NeedsCleanup reports whether the cache has reached the cleanup threshold
// fraction of its configured cap.
func (c *Cache) NeedsCleanup() bool {
	if c.maxBytes <= 0 {
		return false
	}
	total, err := c.TotalSize()
	if err != nil {
		c.logger.Warn("cache: size check failed", slog.String("error", err.Error()))
		return false
	}
	return float64(total) >= float64(c.maxBytes)*c.threshold
}

// Evict deletes every cached file whose URL is not in keep, including stale
// .part leftovers. It returns the number of files removed and bytes freed.
// Files named by any URL in keep are untouched.
func (c *Cache) Evict(keep map[string]struct{}) (int, int64, error) {
	keepNames := make(map[string]struct{}, len(keep))
	for u := range keep {
		keepNames[FileName(u)] = struct{}{}
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, 0, apperr.CacheIO("cache: read dir", err)
	}

	removed := 0
	var freed int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := keepNames[name]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if err := os.Remove(filepath.Join(c.root, name)); err != nil {
			c.logger.Warn("cache: evict remove failed", slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		removed++
		freed += info.Size()
		if c.ledger != nil {
			_ = c.ledger.Delete(name)
		}
	}

	if removed > 0 {
		c.logger.Info("cache: evicted",
			slog.Int("files", removed),
			slog.Int64("bytes_freed", freed))
	}
	return removed, freed, nil
}

// Stats combines a directory walk with ledger counters for the status API.
type Stats struct {
	Files      int    `json:"files"`
	TotalBytes int64  `json:"total_bytes"`
	MaxBytes   int64  `json:"max_bytes"`
	Hits       int64  `json:"hits,omitempty"`
	Root       string `json:"root"`
}

// Stat reports current cache occupancy.
func (c *Cache) Stat() (Stats, error) {
	st := Stats{MaxBytes: c.maxBytes, Root: c.root}
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		st.Files++
		st.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return Stats{}, apperr.CacheIO("cache: stat", err)
	}
	if c.ledger != nil {
		if hits, err := c.ledger.TotalHits(); err == nil {
			st.Hits = hits
		}
	}
	return st, nil
}
