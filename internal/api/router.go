package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(h *Handler, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Sync state.
	r.Get("/status", h.Status)
	r.Get("/playlist", h.GetPlaylist)
	r.Post("/refresh", h.Refresh)

	// Playback.
	r.Get("/now-playing", h.NowPlaying)
	r.Post("/advance", h.Advance)

	// Device identity.
	r.Get("/device", h.Device)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
