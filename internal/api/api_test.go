package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/hollis-labs/marquee/internal/player"
	"github.com/hollis-labs/marquee/internal/playlist"
	"github.com/hollis-labs/marquee/internal/registration"
	"github.com/hollis-labs/marquee/internal/syncer"
)

type fakeSync struct {
	st        syncer.Status
	refreshed int
}

func (f *fakeSync) Status() syncer.Status { return f.st }
func (f *fakeSync) ForceRefresh()         { f.refreshed++ }

type fakePlay struct {
	snap     player.Snapshot
	ok       bool
	advanced int
}

func (f *fakePlay) Current() (player.Snapshot, bool) { return f.snap, f.ok }
func (f *fakePlay) Advance()                         { f.advanced++ }

func testServer(t *testing.T, h *Handler, authEnabled bool, token string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(h, authEnabled, token, nil))
	t.Cleanup(srv.Close)
	return srv
}

func newHandler(t *testing.T, sync *fakeSync, play PlayerService) (*Handler, *playlist.Store) {
	t.Helper()
	store := playlist.NewStore(filepath.Join(t.TempDir(), "playlist.json"), 10)
	device := &registration.State{
		AssignedGUID: "g-1",
		DeviceStatus: registration.StatusActivated,
		APIKey:       "topsecret",
		AccessToken:  "alsosecret",
	}
	return NewHandler(sync, play, store, device), store
}

func TestStatusEndpoint(t *testing.T) {
	sync := &fakeSync{st: syncer.Status{Version: "v3", LastResult: "ok", ItemCount: 4}}
	h, _ := newHandler(t, sync, nil)
	srv := testServer(t, h, false, "")

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got syncer.Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Version != "v3" || got.ItemCount != 4 {
		t.Fatalf("body = %+v", got)
	}
}

func TestRefreshEndpoint(t *testing.T) {
	sync := &fakeSync{}
	h, _ := newHandler(t, sync, nil)
	srv := testServer(t, h, false, "")

	resp, err := http.Post(srv.URL+"/refresh", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if sync.refreshed != 1 {
		t.Fatalf("refreshes = %d, want 1", sync.refreshed)
	}
}

func TestPlaylistEndpoint(t *testing.T) {
	h, store := newHandler(t, &fakeSync{}, nil)
	srv := testServer(t, h, false, "")

	resp, err := http.Get(srv.URL + "/playlist")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 before first publish", resp.StatusCode)
	}

	err = store.Save(&playlist.Playlist{
		PlaylistID: "pl-1",
		Version:    "v1",
		Items: []playlist.Item{
			{ID: "a", Kind: playlist.KindImage, SourceURL: "http://cdn/a.jpg", Order: 1, DurationSeconds: 10},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err = http.Get(srv.URL + "/playlist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got struct {
		Version string `json:"version"`
		Items   []any  `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Version != "v1" || len(got.Items) != 1 {
		t.Fatalf("body = %+v", got)
	}
}

func TestNowPlayingAndAdvance(t *testing.T) {
	play := &fakePlay{}
	h, _ := newHandler(t, &fakeSync{}, play)
	srv := testServer(t, h, false, "")

	resp, err := http.Get(srv.URL + "/now-playing")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 with nothing playing", resp.StatusCode)
	}

	play.ok = true
	play.snap = player.Snapshot{Index: 2, Total: 5}
	resp, err = http.Get(srv.URL + "/now-playing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var snap player.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Index != 2 || snap.Total != 5 {
		t.Fatalf("snapshot = %+v", snap)
	}

	resp, err = http.Post(srv.URL+"/advance", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("advance status = %d, want 202", resp.StatusCode)
	}
	if play.advanced != 1 {
		t.Fatalf("advances = %d, want 1", play.advanced)
	}
}

func TestDeviceEndpointRedactsCredentials(t *testing.T) {
	h, _ := newHandler(t, &fakeSync{}, nil)
	srv := testServer(t, h, false, "")

	resp, err := http.Get(srv.URL + "/device")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["assignedGuid"] != "g-1" {
		t.Fatalf("body = %+v", got)
	}
	if got["activated"] != true {
		t.Fatal("activated flag missing")
	}
	for _, secret := range []string{"ApiKey", "apiKey", "AccessToken", "accessToken"} {
		if _, ok := got[secret]; ok {
			t.Fatalf("credential %q leaked in response", secret)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := newHandler(t, &fakeSync{}, nil)
	srv := testServer(t, h, true, "tok-123")

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/status", nil)
	req.Header.Set("Authorization", "Bearer tok-123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp.StatusCode)
	}
}
