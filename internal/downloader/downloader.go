// Package downloader resolves playlist items to guaranteed-present local
// files: cached items are reused, missing ones are fetched by a bounded pool
// of workers with per-item retry and atomic cache commits.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hollis-labs/marquee/internal/apperr"
	"github.com/hollis-labs/marquee/internal/cache"
	"github.com/hollis-labs/marquee/internal/playlist"
)

// ResolvedItem is a playlist item with a verified-present local file. Only
// resolved items ever reach the playback consumer.
type ResolvedItem struct {
	playlist.Item
	LocalPath string `json:"local_path"`
}

// Failure records one item whose download exhausted its retries. The item is
// dropped from the resolved list and retried on the next sync cycle.
type Failure struct {
	Item playlist.Item
	Err  error
}

// Options tunes the download manager.
type Options struct {
	Concurrency int           // parallel transfers (default 3)
	MaxRetries  int           // attempts per item (default 3)
	BackoffBase time.Duration // first retry delay, doubles per attempt (default 2s)
	Timeout     time.Duration // per-attempt deadline (default 5m)
	ChunkSize   int           // copy buffer size (default 1 MiB)
	RatePerSec  float64       // request rate cap across workers, 0 disables
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Concurrency <= 0 {
		out.Concurrency = 3
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	if out.Timeout <= 0 {
		out.Timeout = 5 * time.Minute
	}
	if out.ChunkSize <= 0 {
		out.ChunkSize = 1 << 20
	}
	return out
}

// Manager downloads media into the asset cache. It holds no state beyond the
// in-flight transfer set; every call to Resolve is self-contained.
type Manager struct {
	cache      *cache.Cache
	httpClient *http.Client
	opts       Options
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a download manager writing into c.
func New(c *cache.Cache, httpClient *http.Client, opts Options, logger *slog.Logger) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts = (&opts).withDefaults()
	m := &Manager{
		cache:      c,
		httpClient: httpClient,
		opts:       opts,
		logger:     logger,
	}
	if opts.RatePerSec > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), 1)
	}
	return m
}

// Resolve maps every item to a local file, downloading misses with bounded
// concurrency. Failures are isolated per item: the returned resolved list
// keeps input order and simply omits items that could not be fetched.
// Resolve returns only after every item has settled.
func (m *Manager) Resolve(ctx context.Context, items []playlist.Item) ([]ResolvedItem, []Failure) {
	if len(items) == 0 {
		return nil, nil
	}

	type slot struct {
		resolved ResolvedItem
		err      error
	}
	slots := make([]slot, len(items))

	// Group misses by URL so a URL shared by several items is fetched once
	// and the single result fans out to every slot that wants it. Without
	// this, two workers would race on the same cache path.
	misses := make(map[string][]int)
	var order []string
	for i, item := range items {
		if m.cache.Has(item.SourceURL) {
			m.cache.Touch(item.SourceURL)
			slots[i] = slot{resolved: ResolvedItem{Item: item, LocalPath: m.cache.PathFor(item.SourceURL)}}
			continue
		}
		if _, seen := misses[item.SourceURL]; !seen {
			order = append(order, item.SourceURL)
		}
		misses[item.SourceURL] = append(misses[item.SourceURL], i)
	}

	var g errgroup.Group
	g.SetLimit(m.opts.Concurrency)

	for _, url := range order {
		idx := misses[url]
		g.Go(func() error {
			path, err := m.download(ctx, url)
			for _, i := range idx {
				if err != nil {
					slots[i] = slot{err: err}
					continue
				}
				slots[i] = slot{resolved: ResolvedItem{Item: items[i], LocalPath: path}}
			}
			return nil
		})
	}
	_ = g.Wait()

	var resolved []ResolvedItem
	var failures []Failure
	for i, s := range slots {
		if s.err != nil {
			m.logger.Warn("download: item unresolved",
				slog.String("id", items[i].ID),
				slog.String("url", items[i].SourceURL),
				slog.String("error", s.err.Error()))
			failures = append(failures, Failure{Item: items[i], Err: s.err})
			continue
		}
		resolved = append(resolved, s.resolved)
	}

	m.logger.Info("download: resolve finished",
		slog.Int("requested", len(items)),
		slog.Int("resolved", len(resolved)),
		slog.Int("failed", len(failures)))
	return resolved, failures
}

// download fetches url into the cache with retry and backoff. Each attempt
// streams to a temp file and only renames into place on full success, so a
// failed attempt never leaves a file Has() would mistake for a hit.
func (m *Manager) download(ctx context.Context, url string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < m.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.opts.BackoffBase << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", apperr.Transport("download "+url, ctx.Err())
			}
			m.logger.Debug("download: retrying",
				slog.String("url", url),
				slog.Int("attempt", attempt+1))
		}

		path, err := m.attempt(ctx, url)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if !apperr.Retryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("after %d attempts: %w", m.opts.MaxRetries, lastErr)
}

func (m *Manager) attempt(ctx context.Context, url string) (string, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return "", apperr.Transport("rate wait", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperr.Transport("download "+url, err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", apperr.Transport("download "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apperr.BadResponse("download "+url, resp.StatusCode)
	}

	final := m.cache.PathFor(url)

	// The random infix keeps concurrent attempts on the same URL from
	// sharing an inode; only the rename below is the point of contention,
	// and a rename always installs a complete file.
	tmp, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".*.part")
	if err != nil {
		return "", apperr.CacheIO("download: create temp", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	written, err := copyChunked(ctx, tmp, resp, m.opts.ChunkSize)
	if err != nil {
		return "", apperr.Transport("download "+url, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", apperr.CacheIO("download: fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperr.CacheIO("download: close temp", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", apperr.CacheIO("download: rename", err)
	}
	success = true

	m.cache.Commit(url, written)
	m.logger.Info("download: completed",
		slog.String("url", url),
		slog.Int64("bytes", written))
	return final, nil
}

// copyChunked streams the response body in fixed-size chunks, bailing out
// early when ctx is cancelled between chunks.
func copyChunked(ctx context.Context, dst *os.File, resp *http.Response, chunkSize int) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, readErr
		}
	}
}
