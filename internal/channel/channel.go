// Package channel maintains the persistent push connection to the backend
// hub and normalizes its heterogeneous events into update notifications.
//
// The connection cycles Disconnected → Connecting → Connected and back.
// Reconnects follow an increasing backoff schedule; a successful connection
// resets the attempt counter. After the attempt budget is exhausted the
// channel stops for good and signals Done, leaving the orchestrator on
// timer-only polling.
package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Action is the normalized update verb carried by a notification.
type Action string

const (
	ActionRefresh Action = "refresh"
	ActionAdd     Action = "add"
	ActionRemove  Action = "remove"
	ActionUpdate  Action = "update"
)

// Notification is the single internal shape every inbound event maps to.
// Payload carries the raw event body for incremental actions; it may be nil.
type Notification struct {
	Action     Action          `json:"action"`
	PlaylistID string          `json:"playlist_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// State names the connection lifecycle phase.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStopped      State = "stopped"
)

// DefaultSchedule mirrors the backend hub's reconnect intervals. The last
// value repeats for any further attempts.
var DefaultSchedule = []time.Duration{
	0,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Options configures the channel.
type Options struct {
	URL         string
	APIKey      string
	Schedule    []time.Duration
	MaxAttempts int
}

// Channel is the reconnecting push client.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	notifs chan Notification

	mu    sync.Mutex
	state State

	down     chan struct{}
	downOnce sync.Once
}

// New creates a channel. Run must be called to start it.
func New(opts Options, logger *slog.Logger) *Channel {
	if len(opts.Schedule) == 0 {
		opts.Schedule = DefaultSchedule
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Channel{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		logger: logger,
		notifs: make(chan Notification, 16),
		state:  StateDisconnected,
		down:   make(chan struct{}),
	}
}

// Notifications returns the stream of normalized update notifications.
func (c *Channel) Notifications() <-chan Notification {
	return c.notifs
}

// Done is closed when the channel gives up reconnecting permanently.
func (c *Channel) Done() <-chan struct{} {
	return c.down
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Channel) delayFor(attempt int) time.Duration {
	sched := c.opts.Schedule
	if attempt >= len(sched) {
		return sched[len(sched)-1]
	}
	return sched[attempt]
}

// Run drives the connect/read/reconnect loop until ctx is cancelled or the
// attempt budget runs out. It never returns an error that should stop the
// process: persistent disconnection degrades, it does not kill.
func (c *Channel) Run(ctx context.Context) error {
	attempts := 0
	for {
		delay := c.delayFor(attempts)
		if delay > 0 {
			c.logger.Info("channel: reconnect wait",
				slog.Duration("delay", delay),
				slog.Int("attempt", attempts+1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return nil
			}
		}
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return nil
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			c.setState(StateDisconnected)
			c.logger.Warn("channel: connect failed",
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()))
			if attempts >= c.opts.MaxAttempts {
				c.setState(StateStopped)
				c.logger.Warn("channel: reconnect budget exhausted, falling back to polling",
					slog.Int("attempts", attempts))
				c.downOnce.Do(func() { close(c.down) })
				return nil
			}
			continue
		}

		attempts = 0
		c.setState(StateConnected)
		c.logger.Info("channel: connected", slog.String("url", c.opts.URL))

		c.readLoop(ctx, conn)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("channel: connection lost")
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("X-Api-Key", c.opts.APIKey)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// readLoop consumes frames until the connection breaks or ctx is cancelled.
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Unblock ReadMessage when ctx is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
			_ = conn.Close()
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		n := normalize(msg, c.logger)
		select {
		case c.notifs <- n:
		case <-ctx.Done():
			return
		}
	}
}

// frame is the wire shape of inbound hub events.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type payloadHead struct {
	PlaylistID string `json:"playlistId"`
	Action     string `json:"action"`
}

// normalize maps any inbound frame to a Notification. Unknown event types
// and malformed frames become a full refresh: the most conservative action,
// so a backend change is never silently ignored.
func normalize(msg []byte, logger *slog.Logger) Notification {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		logger.Warn("channel: malformed frame", slog.String("error", err.Error()))
		return Notification{Action: ActionRefresh}
	}

	switch f.Event {
	case "PlaylistUpdated", "ContentChanged":
	default:
		logger.Debug("channel: unknown event mapped to refresh", slog.String("event", f.Event))
		return Notification{Action: ActionRefresh, Payload: f.Payload}
	}

	var head payloadHead
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &head); err != nil {
			logger.Warn("channel: malformed payload", slog.String("error", err.Error()))
			return Notification{Action: ActionRefresh}
		}
	}

	action := ActionRefresh
	switch Action(head.Action) {
	case ActionAdd, ActionRemove, ActionUpdate:
		action = Action(head.Action)
	case ActionRefresh, "":
		// refresh is the default
	default:
		logger.Debug("channel: unknown action mapped to refresh", slog.String("action", head.Action))
	}

	return Notification{
		Action:     action,
		PlaylistID: head.PlaylistID,
		Payload:    f.Payload,
	}
}
