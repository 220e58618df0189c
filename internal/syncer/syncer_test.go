package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hollis-labs/marquee/internal/channel"
	"github.com/hollis-labs/marquee/internal/downloader"
	"github.com/hollis-labs/marquee/internal/playlist"
	"github.com/hollis-labs/marquee/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	pl    *playlist.Playlist
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(context.Context) (*playlist.Playlist, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.pl
	cp.Items = append([]playlist.Item(nil), f.pl.Items...)
	return &cp, nil
}

type fakeResolver struct {
	fail      map[string]bool
	onResolve func()
	calls     int
}

func (r *fakeResolver) Resolve(_ context.Context, items []playlist.Item) ([]downloader.ResolvedItem, []downloader.Failure) {
	r.calls++
	if r.onResolve != nil {
		r.onResolve()
	}
	var ok []downloader.ResolvedItem
	var bad []downloader.Failure
	for _, it := range items {
		if r.fail[it.ID] {
			bad = append(bad, downloader.Failure{Item: it, Err: errors.New("unresolvable")})
			continue
		}
		ok = append(ok, downloader.ResolvedItem{Item: it, LocalPath: "/cache/" + it.ID})
	}
	return ok, bad
}

type fakePublisher struct {
	mu    sync.Mutex
	lists [][]downloader.ResolvedItem
}

func (p *fakePublisher) SetPlaylist(items []downloader.ResolvedItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lists = append(p.lists, items)
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lists)
}

func (p *fakePublisher) last() []downloader.ResolvedItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.lists) == 0 {
		return nil
	}
	return p.lists[len(p.lists)-1]
}

func items(ids ...string) []playlist.Item {
	out := make([]playlist.Item, 0, len(ids))
	for i, id := range ids {
		out = append(out, playlist.Item{
			ID:              id,
			Kind:            playlist.KindImage,
			SourceURL:       "http://cdn.local/" + id + ".jpg",
			Order:           i + 1,
			DurationSeconds: 10,
		})
	}
	return out
}

func testPlaylist(version string, ids ...string) *playlist.Playlist {
	return &playlist.Playlist{
		PlaylistID: "pl-1",
		Version:    version,
		Items:      items(ids...),
	}
}

type env struct {
	syncer    *Syncer
	fetcher   *fakeFetcher
	resolver  *fakeResolver
	publisher *fakePublisher
	store     *playlist.Store
}

func newEnv(t *testing.T, f *fakeFetcher, opts Options) *env {
	t.Helper()
	c := testutil.TestCache(t, 1<<30, 0.9)
	store := playlist.NewStore(filepath.Join(t.TempDir(), "playlist.json"), 10)
	r := &fakeResolver{}
	p := &fakePublisher{}
	s := New(f, store, c, r, p, nil, opts, discardLogger())
	return &env{syncer: s, fetcher: f, resolver: r, publisher: p, store: store}
}

func TestCyclePublishesAndPersists(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a", "b")}, Options{})

	e.syncer.cycle(context.Background(), "test")

	if e.publisher.count() != 1 {
		t.Fatalf("publishes = %d, want 1", e.publisher.count())
	}
	got := e.publisher.last()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("published %+v", got)
	}

	saved, err := e.store.Load()
	if err != nil {
		t.Fatalf("playlist not persisted: %v", err)
	}
	if saved.Version != "v1" {
		t.Fatalf("persisted version = %q, want v1", saved.Version)
	}

	st := e.syncer.Status()
	if st.LastResult != "ok" || st.Version != "v1" || st.ResolvedCount != 2 {
		t.Fatalf("status = %+v", st)
	}
}

func TestFetchFailureKeepsCurrentPlaylist(t *testing.T) {
	f := &fakeFetcher{pl: testPlaylist("v1", "a")}
	e := newEnv(t, f, Options{})

	e.syncer.cycle(context.Background(), "test")
	if e.publisher.count() != 1 {
		t.Fatalf("publishes = %d, want 1", e.publisher.count())
	}

	f.err = errors.New("backend down")
	e.syncer.cycle(context.Background(), "test")

	if e.publisher.count() != 1 {
		t.Fatal("failed fetch must not republish")
	}
	st := e.syncer.Status()
	if st.LastResult != "failed" {
		t.Fatalf("result = %q, want failed", st.LastResult)
	}
	if st.Version != "v1" {
		t.Fatalf("version = %q, want the surviving v1", st.Version)
	}
}

func TestNothingResolvedIsNotPublished(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a", "b")}, Options{})
	e.resolver.fail = map[string]bool{"a": true, "b": true}

	e.syncer.cycle(context.Background(), "test")

	if e.publisher.count() != 0 {
		t.Fatal("empty resolution must not reach the player")
	}
	if st := e.syncer.Status(); st.LastResult != "failed" {
		t.Fatalf("result = %q, want failed", st.LastResult)
	}
}

func TestPartialResolutionPublishesSubset(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a", "b", "c")}, Options{})
	e.resolver.fail = map[string]bool{"b": true}

	e.syncer.cycle(context.Background(), "test")

	got := e.publisher.last()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("published %+v, want a and c", got)
	}
}

func TestEvictionRunsBeforeResolve(t *testing.T) {
	f := &fakeFetcher{pl: testPlaylist("v1", "a")}
	c := testutil.TestCache(t, 100, 0.5)
	store := playlist.NewStore(filepath.Join(t.TempDir(), "playlist.json"), 10)

	stale := c.PathFor("http://cdn.local/stale.jpg")
	if err := os.WriteFile(stale, make([]byte, 80), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &fakeResolver{}
	r.onResolve = func() {
		if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
			t.Error("stale file still present when resolve started")
		}
	}
	s := New(f, store, c, r, &fakePublisher{}, nil, Options{}, discardLogger())

	s.cycle(context.Background(), "test")

	if r.calls != 1 {
		t.Fatalf("resolve calls = %d, want 1", r.calls)
	}
}

func TestEvictionKeepsCurrentlyPlayingFiles(t *testing.T) {
	f := &fakeFetcher{pl: testPlaylist("v1", "a")}
	c := testutil.TestCache(t, 100, 0.5)
	store := playlist.NewStore(filepath.Join(t.TempDir(), "playlist.json"), 10)

	// "old" is what the previous cycle resolved; it must survive eviction
	// even though the new playlist no longer references it.
	oldURL := "http://cdn.local/old.jpg"
	oldPath := c.PathFor(oldURL)
	if err := os.WriteFile(oldPath, make([]byte, 80), 0o644); err != nil {
		t.Fatal(err)
	}

	r := &fakeResolver{}
	s := New(f, store, c, r, &fakePublisher{}, nil, Options{}, discardLogger())
	s.resolved = []downloader.ResolvedItem{{
		Item:      playlist.Item{ID: "old", SourceURL: oldURL},
		LocalPath: oldPath,
	}}

	s.cycle(context.Background(), "test")

	if _, err := os.Stat(oldPath); err != nil {
		t.Fatalf("currently playing file evicted: %v", err)
	}
}

func TestBootstrapPublishesCachedSubset(t *testing.T) {
	c := testutil.TestCache(t, 1<<30, 0.9)
	store := playlist.NewStore(filepath.Join(t.TempDir(), "playlist.json"), 10)

	pl := testPlaylist("v7", "a", "b", "c")
	if err := store.Save(pl); err != nil {
		t.Fatal(err)
	}
	// Only a and c survived on disk.
	for _, id := range []string{"a", "c"} {
		url := "http://cdn.local/" + id + ".jpg"
		if err := os.WriteFile(c.PathFor(url), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	p := &fakePublisher{}
	s := New(&fakeFetcher{err: errors.New("offline")}, store, c, &fakeResolver{}, p, nil, Options{}, discardLogger())

	s.bootstrap(context.Background())

	got := p.last()
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("bootstrap published %+v, want cached a and c", got)
	}
	if st := s.Status(); st.LastResult != "bootstrap" || st.Version != "v7" {
		t.Fatalf("status = %+v", st)
	}
}

func TestBootstrapWithNoStoreIsQuiet(t *testing.T) {
	e := newEnv(t, &fakeFetcher{err: errors.New("offline")}, Options{})
	e.syncer.bootstrap(context.Background())
	if e.publisher.count() != 0 {
		t.Fatal("nothing to bootstrap from, nothing should publish")
	}
}

func TestForceRefreshCoalesces(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a")}, Options{})
	e.syncer.ForceRefresh()
	e.syncer.ForceRefresh()
	e.syncer.ForceRefresh()
	if pending := len(e.syncer.refreshCh); pending != 1 {
		t.Fatalf("pending refreshes = %d, want 1", pending)
	}
}

func TestNotificationIncrementalAdd(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a")}, Options{})
	e.syncer.cycle(context.Background(), "test")
	fetchesAfterCycle := e.fetcher.calls

	payload, _ := json.Marshal(map[string]any{
		"playlistId": "pl-1",
		"action":     "add",
		"item": map[string]any{
			"id":    "b",
			"type":  "image",
			"url":   "http://cdn.local/b.jpg",
			"order": 2,
		},
	})
	e.syncer.handleNotification(context.Background(), channel.Notification{
		Action:  channel.ActionAdd,
		Payload: payload,
	})

	if e.fetcher.calls != fetchesAfterCycle {
		t.Fatal("incremental add must not refetch")
	}
	got := e.publisher.last()
	if len(got) != 2 || got[1].ID != "b" {
		t.Fatalf("published %+v, want a then b", got)
	}
	if got[1].DurationSeconds != 10 {
		t.Fatalf("added image duration = %d, want default 10", got[1].DurationSeconds)
	}
}

func TestNotificationIncrementalRemove(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a", "b")}, Options{})
	e.syncer.cycle(context.Background(), "test")
	fetchesAfterCycle := e.fetcher.calls

	// The backend spells the id field both ways; either must work without
	// a refetch.
	for _, payload := range []string{`{"itemId":"a"}`, `{"id":"b"}`} {
		e.syncer.handleNotification(context.Background(), channel.Notification{
			Action:  channel.ActionRemove,
			Payload: json.RawMessage(payload),
		})
	}
	if e.fetcher.calls != fetchesAfterCycle {
		t.Fatal("incremental remove triggered a refetch")
	}

	// Removing "a" published [b]; removing "b" empties the playlist and an
	// empty list never reaches the player, so [b] stays the last publish.
	got := e.publisher.last()
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("last publish %+v, want [b]", got)
	}
}

func TestNotificationIncrementalUpdate(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a", "b")}, Options{})
	e.syncer.cycle(context.Background(), "test")

	payload, _ := json.Marshal(map[string]any{
		"item": map[string]any{"id": "a", "duration": 42},
	})
	e.syncer.handleNotification(context.Background(), channel.Notification{
		Action:  channel.ActionUpdate,
		Payload: payload,
	})

	got := e.publisher.last()
	if got[0].ID != "a" || got[0].DurationSeconds != 42 {
		t.Fatalf("published %+v, want a with duration 42", got)
	}
}

func TestNotificationBadPayloadFallsBackToRefresh(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a")}, Options{})
	e.syncer.cycle(context.Background(), "test")
	before := e.fetcher.calls

	// Remove for an item that does not exist.
	payload, _ := json.Marshal(map[string]any{"itemId": "ghost"})
	e.syncer.handleNotification(context.Background(), channel.Notification{
		Action:  channel.ActionRemove,
		Payload: payload,
	})

	if e.fetcher.calls != before+1 {
		t.Fatalf("fetches = %d, want fallback refresh", e.fetcher.calls)
	}
}

func TestNotificationRefreshAlwaysFetches(t *testing.T) {
	e := newEnv(t, &fakeFetcher{pl: testPlaylist("v1", "a")}, Options{})
	e.syncer.handleNotification(context.Background(), channel.Notification{Action: channel.ActionRefresh})
	if e.fetcher.calls != 1 {
		t.Fatalf("fetches = %d, want 1", e.fetcher.calls)
	}
}

func TestRunTicksAndStops(t *testing.T) {
	f := &fakeFetcher{pl: testPlaylist("v1", "a")}
	e := newEnv(t, f, Options{Interval: 30 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.syncer.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if e.publisher.count() >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if e.publisher.count() < 2 {
		t.Fatal("ticker never drove a second cycle")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
