package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hollis-labs/marquee/internal/apperr"
	"github.com/hollis-labs/marquee/internal/player"
	"github.com/hollis-labs/marquee/internal/playlist"
	"github.com/hollis-labs/marquee/internal/registration"
	"github.com/hollis-labs/marquee/internal/syncer"
)

// SyncService is the part of the syncer the API needs.
type SyncService interface {
	Status() syncer.Status
	ForceRefresh()
}

// PlayerService is the part of the sequencer the API needs.
type PlayerService interface {
	Current() (player.Snapshot, bool)
	Advance()
}

// Handler holds API route handlers.
type Handler struct {
	sync   SyncService
	play   PlayerService
	store  *playlist.Store
	device *registration.State
}

// NewHandler creates a new Handler. play may be nil when the daemon runs
// without a renderer attached.
func NewHandler(sync SyncService, play PlayerService, store *playlist.Store, device *registration.State) *Handler {
	return &Handler{sync: sync, play: play, store: store, device: device}
}

// Status handles GET /api/status.
//
//	@Summary		Current sync, channel and cache state
//	@Tags			status
//	@Produce		json
//	@Success		200	{object}	syncer.Status
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sync.Status())
}

// GetPlaylist handles GET /api/playlist. It serves the last persisted
// playlist, which is also what playback restarts from.
//
//	@Summary		Last published playlist
//	@Tags			playlist
//	@Produce		json
//	@Success		200	{object}	playlist.Playlist
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/playlist [get]
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	pl, err := h.store.Load()
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("no playlist published yet"))
			return
		}
		slog.Error("playlist load failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

// Refresh handles POST /api/refresh.
//
//	@Summary		Request an immediate sync cycle
//	@Tags			sync
//	@Produce		json
//	@Success		202	{object}	map[string]string
//	@Security		BearerAuth
//	@Router			/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.sync.ForceRefresh()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested"})
}

// NowPlaying handles GET /api/now-playing.
//
//	@Summary		Item currently on screen
//	@Tags			playback
//	@Produce		json
//	@Success		200	{object}	player.Snapshot
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/now-playing [get]
func (h *Handler) NowPlaying(w http.ResponseWriter, r *http.Request) {
	if h.play == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no renderer attached"))
		return
	}
	snap, ok := h.play.Current()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody("nothing playing"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Advance handles POST /api/advance.
//
//	@Summary		Skip to the next playlist item
//	@Tags			playback
//	@Produce		json
//	@Success		202	{object}	map[string]string
//	@Security		BearerAuth
//	@Router			/advance [post]
func (h *Handler) Advance(w http.ResponseWriter, r *http.Request) {
	if h.play == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no renderer attached"))
		return
	}
	h.play.Advance()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "advanced"})
}

// Device handles GET /api/device. Credentials are redacted.
//
//	@Summary		Device registration state
//	@Tags			device
//	@Produce		json
//	@Success		200	{object}	map[string]any
//	@Security		BearerAuth
//	@Router			/device [get]
func (h *Handler) Device(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"assignedGuid": h.device.AssignedGUID,
		"deviceStatus": h.device.DeviceStatus,
		"activated":    h.device.Activated(),
		"branchId":     h.device.BranchID,
		"branch":       h.device.Branch,
	})
}
