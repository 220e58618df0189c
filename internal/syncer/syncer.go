// Package syncer orchestrates sync cycles: fetch the playlist, make room
// in the cache, resolve media to local files and hand the result to the
// player. Cycles are serialized in one loop goroutine; every trigger
// (timer, push notification, manual refresh) funnels into it, so at most
// one cycle runs at a time and bursts coalesce.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hollis-labs/marquee/internal/apperr"
	"github.com/hollis-labs/marquee/internal/cache"
	"github.com/hollis-labs/marquee/internal/channel"
	"github.com/hollis-labs/marquee/internal/downloader"
	"github.com/hollis-labs/marquee/internal/playlist"
	"github.com/hollis-labs/marquee/internal/sse"
)

// Fetcher retrieves the current playlist from the backend.
type Fetcher interface {
	Fetch(ctx context.Context) (*playlist.Playlist, error)
}

// Resolver turns playlist items into locally cached files.
type Resolver interface {
	Resolve(ctx context.Context, items []playlist.Item) ([]downloader.ResolvedItem, []downloader.Failure)
}

// Publisher receives the resolved playlist for playback.
type Publisher interface {
	SetPlaylist(items []downloader.ResolvedItem)
}

// Events receives sync lifecycle events. The SSE broker satisfies it.
type Events interface {
	PublishSyncEvent(kind string, data map[string]any)
}

// nopEvents lets the syncer run without a broker wired in.
type nopEvents struct{}

func (nopEvents) PublishSyncEvent(string, map[string]any) {}

// Options configures the sync loop.
type Options struct {
	Interval             time.Duration
	DefaultImageDuration int

	// Notifications and ChannelDown come from the push channel. Both may
	// be nil, leaving the loop on timer-only polling.
	Notifications <-chan channel.Notification
	ChannelDown   <-chan struct{}
	ChannelState  func() channel.State
}

// Status is a point-in-time snapshot of sync state for the HTTP API.
type Status struct {
	PlaylistID    string      `json:"playlist_id,omitempty"`
	Version       string      `json:"version,omitempty"`
	ItemCount     int         `json:"item_count"`
	ResolvedCount int         `json:"resolved_count"`
	LastSync      time.Time   `json:"last_sync,omitempty"`
	LastResult    string      `json:"last_result"`
	LastError     string      `json:"last_error,omitempty"`
	ChannelState  string      `json:"channel_state"`
	Cache         cache.Stats `json:"cache"`
}

// Syncer owns the current playlist and its resolved form. Only the Run
// loop touches them.
type Syncer struct {
	fetcher   Fetcher
	store     *playlist.Store
	cache     *cache.Cache
	resolver  Resolver
	publisher Publisher
	events    Events
	opts      Options
	logger    *slog.Logger

	refreshCh chan struct{}
	status    atomic.Pointer[Status]

	// Loop-owned, never read outside Run.
	current  *playlist.Playlist
	resolved []downloader.ResolvedItem
}

// New creates a syncer. events may be nil.
func New(fetcher Fetcher, store *playlist.Store, c *cache.Cache, resolver Resolver, publisher Publisher, events Events, opts Options, logger *slog.Logger) *Syncer {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.DefaultImageDuration <= 0 {
		opts.DefaultImageDuration = 10
	}
	if events == nil {
		events = nopEvents{}
	}
	s := &Syncer{
		fetcher:   fetcher,
		store:     store,
		cache:     c,
		resolver:  resolver,
		publisher: publisher,
		events:    events,
		opts:      opts,
		logger:    logger,
		refreshCh: make(chan struct{}, 1),
	}
	s.status.Store(&Status{LastResult: "none", ChannelState: s.channelState()})
	return s
}

// ForceRefresh requests a sync cycle. Requests arriving while a cycle is
// already pending coalesce into one.
func (s *Syncer) ForceRefresh() {
	select {
	case s.refreshCh <- struct{}{}:
	default:
	}
}

// Status returns the latest sync snapshot.
func (s *Syncer) Status() Status {
	st := *s.status.Load()
	st.ChannelState = s.channelState()
	if stats, err := s.cache.Stat(); err == nil {
		st.Cache = stats
	}
	return st
}

func (s *Syncer) channelState() string {
	if s.opts.ChannelState == nil {
		return string(channel.StateDisconnected)
	}
	return string(s.opts.ChannelState())
}

// Run executes the bootstrap, then serves triggers until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	s.bootstrap(ctx)
	s.cycle(ctx, "startup")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	notifs := s.opts.Notifications
	down := s.opts.ChannelDown

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			s.cycle(ctx, "timer")

		case <-s.refreshCh:
			s.cycle(ctx, "manual")

		case n, ok := <-notifs:
			if !ok {
				notifs = nil
				continue
			}
			s.handleNotification(ctx, n)

		case <-down:
			down = nil
			s.logger.Warn("syncer: push channel stopped, degrading to timer polling",
				slog.Duration("interval", s.opts.Interval))
			s.events.PublishSyncEvent(sse.EventChannelState, map[string]any{
				"state": string(channel.StateStopped),
			})
		}
	}
}

// bootstrap republishes whatever survived the last run: the persisted
// playlist restricted to items already on disk. No network involved, so a
// device that boots offline still plays.
func (s *Syncer) bootstrap(_ context.Context) {
	pl, err := s.store.Load()
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.logger.Warn("syncer: bootstrap load failed", slog.String("error", err.Error()))
		}
		return
	}

	var resolved []downloader.ResolvedItem
	for _, it := range pl.Items {
		if !s.cache.Has(it.SourceURL) {
			continue
		}
		s.cache.Touch(it.SourceURL)
		resolved = append(resolved, downloader.ResolvedItem{
			Item:      it,
			LocalPath: s.cache.PathFor(it.SourceURL),
		})
	}
	if len(resolved) == 0 {
		s.logger.Info("syncer: bootstrap found no cached items",
			slog.String("playlist", pl.PlaylistID))
		return
	}

	s.current = pl
	s.resolved = resolved
	s.publisher.SetPlaylist(resolved)
	s.setStatus(pl, "bootstrap", nil)
	s.logger.Info("syncer: bootstrapped from cache",
		slog.String("playlist", pl.PlaylistID),
		slog.Int("items", len(resolved)),
		slog.Int("skipped", len(pl.Items)-len(resolved)))
}

// cycle runs one full fetch-evict-resolve-publish pass. A fetch failure
// leaves current playback untouched.
func (s *Syncer) cycle(ctx context.Context, trigger string) {
	s.events.PublishSyncEvent(sse.EventSyncStarted, map[string]any{"trigger": trigger})
	s.logger.Info("syncer: cycle start", slog.String("trigger", trigger))

	pl, err := s.fetcher.Fetch(ctx)
	if err != nil {
		s.logger.Warn("syncer: fetch failed, keeping current playlist",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()))
		s.setStatus(s.current, "failed", err)
		s.events.PublishSyncEvent(sse.EventSyncFailed, map[string]any{
			"trigger": trigger,
			"error":   err.Error(),
		})
		return
	}

	s.apply(ctx, pl, trigger)
}

// apply makes pl the current playlist: evict if the cache is over its
// threshold, resolve, publish, persist. Eviction runs strictly before any
// download so new media never lands on a full disk.
func (s *Syncer) apply(ctx context.Context, pl *playlist.Playlist, trigger string) {
	if s.cache.NeedsCleanup() {
		keep := pl.URLSet()
		for _, r := range s.resolved {
			keep[r.SourceURL] = struct{}{}
		}
		if _, _, err := s.cache.Evict(keep); err != nil {
			s.logger.Warn("syncer: eviction failed", slog.String("error", err.Error()))
		}
	}

	resolved, failures := s.resolver.Resolve(ctx, pl.Items)
	for _, f := range failures {
		s.logger.Warn("syncer: item unresolved",
			slog.String("item", f.Item.ID),
			slog.String("error", f.Err.Error()))
	}

	if len(resolved) == 0 {
		s.logger.Warn("syncer: nothing resolved, keeping current playback",
			slog.String("playlist", pl.PlaylistID),
			slog.Int("failures", len(failures)))
		err := fmt.Errorf("no items resolved (%d failures)", len(failures))
		s.setStatus(s.current, "failed", err)
		s.events.PublishSyncEvent(sse.EventSyncFailed, map[string]any{
			"trigger": trigger,
			"error":   err.Error(),
		})
		return
	}

	s.current = pl
	s.resolved = resolved
	s.publisher.SetPlaylist(resolved)

	if err := s.store.Save(pl); err != nil {
		s.logger.Warn("syncer: persist failed", slog.String("error", err.Error()))
	}

	s.setStatus(pl, "ok", nil)
	s.events.PublishSyncEvent(sse.EventPlaylistPublished, map[string]any{
		"playlist_id": pl.PlaylistID,
		"version":     pl.Version,
		"items":       len(resolved),
	})
	s.events.PublishSyncEvent(sse.EventSyncCompleted, map[string]any{
		"trigger":  trigger,
		"items":    len(resolved),
		"failures": len(failures),
	})
	s.logger.Info("syncer: cycle complete",
		slog.String("trigger", trigger),
		slog.String("playlist", pl.PlaylistID),
		slog.String("version", pl.Version),
		slog.Int("items", len(resolved)),
		slog.Int("failures", len(failures)))
}

// notificationBody is the useful part of an incremental update payload.
// The backend spells the removed item's id both ways depending on event
// source, so both are accepted.
type notificationBody struct {
	Item   json.RawMessage `json:"item"`
	ItemID string          `json:"itemId"`
	ID     string          `json:"id"`
}

func (b notificationBody) removedID() string {
	if b.ItemID != "" {
		return b.ItemID
	}
	return b.ID
}

// handleNotification applies a push notification. Incremental actions with
// a usable payload mutate the current playlist in place; anything doubtful
// falls back to a full refresh.
func (s *Syncer) handleNotification(ctx context.Context, n channel.Notification) {
	if n.Action == channel.ActionRefresh || s.current == nil {
		s.cycle(ctx, "channel")
		return
	}

	var body notificationBody
	if len(n.Payload) > 0 {
		if err := json.Unmarshal(n.Payload, &body); err != nil {
			s.logger.Warn("syncer: bad notification payload, falling back to refresh",
				slog.String("action", string(n.Action)),
				slog.String("error", err.Error()))
			s.cycle(ctx, "channel")
			return
		}
	}

	if err := s.applyIncremental(n.Action, body); err != nil {
		s.logger.Warn("syncer: incremental apply failed, falling back to refresh",
			slog.String("action", string(n.Action)),
			slog.String("error", err.Error()))
		s.cycle(ctx, "channel")
		return
	}

	s.apply(ctx, s.current, "channel-"+string(n.Action))
}

// applyIncremental mutates the current playlist for add/remove/update.
// Any error here stands for "payload not trustworthy".
func (s *Syncer) applyIncremental(action channel.Action, body notificationBody) error {
	switch action {
	case channel.ActionAdd:
		if len(body.Item) == 0 {
			return fmt.Errorf("add without item")
		}
		it, err := playlist.ParseItem(body.Item, s.opts.DefaultImageDuration)
		if err != nil {
			return err
		}
		return s.current.Add(it, s.opts.DefaultImageDuration)

	case channel.ActionRemove:
		id := body.removedID()
		if id == "" {
			return fmt.Errorf("remove without item id")
		}
		if !s.current.Remove(id) {
			return fmt.Errorf("remove %s: %w", id, apperr.ErrNotFound)
		}
		return nil

	case channel.ActionUpdate:
		if len(body.Item) == 0 {
			return fmt.Errorf("update without item")
		}
		id, patch, err := playlist.ParsePatch(body.Item)
		if err != nil {
			return err
		}
		return s.current.Update(id, patch, s.opts.DefaultImageDuration)

	default:
		return fmt.Errorf("unhandled action %q", action)
	}
}

func (s *Syncer) setStatus(pl *playlist.Playlist, result string, err error) {
	st := &Status{
		LastSync:      time.Now().UTC(),
		LastResult:    result,
		ResolvedCount: len(s.resolved),
	}
	if pl != nil {
		st.PlaylistID = pl.PlaylistID
		st.Version = pl.Version
		st.ItemCount = len(pl.Items)
	}
	if err != nil {
		st.LastError = err.Error()
	}
	s.status.Store(st)
}
