// Package player sequences the published playlist on a Renderer. It owns
// playback order and timing; actual drawing is behind the Renderer
// interface so the daemon can run headless in tests and on machines
// without a display attached.
package player

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hollis-labs/marquee/internal/downloader"
	"github.com/hollis-labs/marquee/internal/playlist"
)

// Renderer displays a single resolved item. Show blocks only for as long
// as it takes to put the item on screen, not for its display duration.
// Renderers that advance asynchronously (end-of-media callbacks, timers)
// should hand the snapshot back through AdvanceFrom so a callback that
// outlives its item cannot skip a later one.
type Renderer interface {
	Show(ctx context.Context, s Snapshot) error
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, s Snapshot) error

func (f RendererFunc) Show(ctx context.Context, s Snapshot) error {
	return f(ctx, s)
}

// Snapshot describes what is currently on screen. The unexported generation
// ties it to one Show call; AdvanceFrom uses it to drop stale advances.
type Snapshot struct {
	Item  downloader.ResolvedItem `json:"item"`
	Index int                     `json:"index"`
	Total int                     `json:"total"`

	gen uint64
}

// retryDelay spaces out Show retries so a renderer that fails for every
// item does not spin the loop.
const retryDelay = time.Second

// Sequencer drives playback. A single loop goroutine (Run) owns the
// playlist and position; SetPlaylist and Advance hand work to it over
// channels.
type Sequencer struct {
	renderer     Renderer
	defaultImage time.Duration
	logger       *slog.Logger

	setCh     chan []downloader.ResolvedItem
	advanceCh chan uint64

	current atomic.Pointer[Snapshot]
}

// New creates a sequencer. defaultImage is the display time for image
// items whose duration is missing or zero.
func New(renderer Renderer, defaultImage time.Duration, logger *slog.Logger) *Sequencer {
	if defaultImage <= 0 {
		defaultImage = 10 * time.Second
	}
	return &Sequencer{
		renderer:     renderer,
		defaultImage: defaultImage,
		logger:       logger,
		setCh:        make(chan []downloader.ResolvedItem, 1),
		advanceCh:    make(chan uint64, 1),
	}
}

// SetPlaylist replaces the playback list. Empty lists are ignored: the
// screen keeps showing whatever it has rather than going blank. Only the
// latest pending list is kept if the loop is busy.
func (s *Sequencer) SetPlaylist(items []downloader.ResolvedItem) {
	if len(items) == 0 {
		s.logger.Debug("player: ignoring empty playlist")
		return
	}
	for {
		select {
		case s.setCh <- items:
			return
		default:
			// Drop the stale pending list and retry with the newer one.
			select {
			case <-s.setCh:
			default:
			}
		}
	}
}

// Advance moves to the next item unconditionally; it serves as a manual
// skip.
func (s *Sequencer) Advance() {
	select {
	case s.advanceCh <- 0:
	default:
	}
}

// AdvanceFrom moves to the next item only if snap is still what Show last
// put on screen. Renderers call this from end-of-playback callbacks; if the
// playlist was replaced in the meantime, the advance is dropped instead of
// skipping an unrelated item.
func (s *Sequencer) AdvanceFrom(snap Snapshot) {
	if snap.gen == 0 {
		return
	}
	select {
	case s.advanceCh <- snap.gen:
	default:
	}
}

// Current returns what is on screen now, or false before the first item
// has been shown.
func (s *Sequencer) Current() (Snapshot, bool) {
	snap := s.current.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// Run drives the playback loop until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) error {
	var (
		items  []downloader.ResolvedItem
		idx    int
		gen    uint64
		timerC <-chan time.Time
	)

	show := func() {
		timerC = nil
		gen++
		it := items[idx]
		snap := Snapshot{Item: it, Index: idx, Total: len(items), gen: gen}
		if err := s.renderer.Show(ctx, snap); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("player: show failed, skipping",
				slog.String("item", it.ID),
				slog.String("error", err.Error()))
			timerC = time.After(retryDelay)
			return
		}
		s.current.Store(&snap)
		if it.Kind == playlist.KindImage {
			d := time.Duration(it.DurationSeconds) * time.Second
			if d <= 0 {
				d = s.defaultImage
			}
			timerC = time.After(d)
		}
		// Video items wait for Advance from the renderer.
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case next := <-s.setCh:
			if sameOrder(items, next) {
				// Same playlist, possibly re-resolved paths. Keep position.
				items = next
				continue
			}
			items = next
			idx = 0
			show()

		case <-timerC:
			idx = (idx + 1) % len(items)
			show()

		case g := <-s.advanceCh:
			if len(items) == 0 {
				continue
			}
			if g != 0 && g != gen {
				// The item this advance was scheduled for is no longer
				// on screen.
				continue
			}
			idx = (idx + 1) % len(items)
			show()
		}
	}
}

// sameOrder reports whether both lists carry the same items in the same
// sequence.
func sameOrder(a, b []downloader.ResolvedItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return len(a) > 0
}
