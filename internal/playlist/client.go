package playlist

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/hollis-labs/marquee/internal/apperr"
)

// Client fetches the playlist definition from the backend.
type Client struct {
	endpoint        string
	apiKey          string
	defaultDuration int
	httpClient      *http.Client
	logger          *slog.Logger
}

// NewClient creates a playlist client for the given endpoint. The access key
// authorizes the request; timeouts come from the supplied http.Client.
func NewClient(endpoint, apiKey string, defaultDuration int, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		endpoint:        endpoint,
		apiKey:          apiKey,
		defaultDuration: defaultDuration,
		httpClient:      httpClient,
		logger:          logger,
	}
}

// Fetch issues a bounded-timeout GET to the playlist endpoint and parses the
// response. On any failure the caller keeps whatever playlist it already has.
func (c *Client) Fetch(ctx context.Context) (*Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, apperr.Transport("fetch playlist", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transport("fetch playlist", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apperr.BadResponse("fetch playlist", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transport("read playlist body", err)
	}

	p, dropped, err := Parse(body, c.defaultDuration)
	if err != nil {
		return nil, err
	}
	for _, d := range dropped {
		c.logger.Warn("playlist: dropped invalid item", slog.String("error", d.Error()))
	}
	c.logger.Info("playlist: fetched",
		slog.String("playlist_id", p.PlaylistID),
		slog.String("version", p.Version),
		slog.Int("items", len(p.Items)),
		slog.Int("dropped", len(dropped)))
	return p, nil
}
