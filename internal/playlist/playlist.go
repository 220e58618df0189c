// Package playlist implements the versioned playlist model: parsing and
// normalization of backend responses, incremental mutations driven by push
// events, the fetch client, and the on-disk bootstrap store.
package playlist

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hollis-labs/marquee/internal/apperr"
)

// Kind identifies what a playlist item renders as.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Item is one entry in a playlist, already normalized: the upstream "photo"
// and "image" type spellings both map to KindImage, and image items always
// carry a positive duration.
type Item struct {
	ID              string `json:"id"`
	Kind            Kind   `json:"kind"`
	SourceURL       string `json:"url"`
	Order           int    `json:"order"`
	DurationSeconds int    `json:"duration,omitempty"`
}

// Validate checks the invariants every item must hold before it may enter a
// playlist. Video durations are not required; the renderer plays to the end.
func (it Item) Validate() error {
	return validation.ValidateStruct(&it,
		validation.Field(&it.ID, validation.Required),
		validation.Field(&it.SourceURL, validation.Required),
		validation.Field(&it.Kind, validation.Required, validation.In(KindImage, KindVideo)),
		validation.Field(&it.DurationSeconds,
			validation.When(it.Kind == KindImage, validation.Required, validation.Min(1))),
	)
}

// Playlist is a versioned, ordered sequence of items. Items are kept sorted
// ascending by Order; ties preserve source order (stable sort).
type Playlist struct {
	PlaylistID  string    `json:"playlistId"`
	Version     string    `json:"version"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Items       []Item    `json:"items"`
}

// URLSet returns the set of source URLs, used as the eviction keep-set.
func (p *Playlist) URLSet() map[string]struct{} {
	set := make(map[string]struct{}, len(p.Items))
	for _, it := range p.Items {
		set[it.SourceURL] = struct{}{}
	}
	return set
}

func (p *Playlist) sortItems() {
	sort.SliceStable(p.Items, func(i, j int) bool {
		return p.Items[i].Order < p.Items[j].Order
	})
}

// Add validates item (filling a default image duration if absent) and inserts
// it in order position. An invalid item is rejected and the list is unchanged.
func (p *Playlist) Add(item Item, defaultImageDuration int) error {
	fillDuration(&item, defaultImageDuration)
	if err := item.Validate(); err != nil {
		return apperr.Validation(item.ID, err)
	}
	p.Items = append(p.Items, item)
	p.sortItems()
	return nil
}

// Remove deletes the item with the given id. It reports whether anything
// was removed.
func (p *Playlist) Remove(id string) bool {
	for i, it := range p.Items {
		if it.ID == id {
			p.Items = append(p.Items[:i], p.Items[i+1:]...)
			return true
		}
	}
	return false
}

// ItemPatch carries partial fields for an update mutation. Nil fields are
// left untouched by the merge.
type ItemPatch struct {
	Kind            *Kind
	SourceURL       *string
	Order           *int
	DurationSeconds *int
}

// Update merges patch into the item with the given id and re-validates. A
// failed re-validation discards the change and leaves the list as it was.
func (p *Playlist) Update(id string, patch ItemPatch, defaultImageDuration int) error {
	for i, it := range p.Items {
		if it.ID != id {
			continue
		}
		merged := it
		if patch.Kind != nil {
			merged.Kind = *patch.Kind
		}
		if patch.SourceURL != nil {
			merged.SourceURL = *patch.SourceURL
		}
		if patch.Order != nil {
			merged.Order = *patch.Order
		}
		if patch.DurationSeconds != nil {
			merged.DurationSeconds = *patch.DurationSeconds
		}
		fillDuration(&merged, defaultImageDuration)
		if err := merged.Validate(); err != nil {
			return apperr.Validation(id, err)
		}
		p.Items[i] = merged
		p.sortItems()
		return nil
	}
	return fmt.Errorf("item %q: %w", id, apperr.ErrNotFound)
}

// wireItem is the §6 fetch-response item shape. Duration is a pointer so an
// absent or null value is distinguishable from zero.
type wireItem struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	URL      string `json:"url"`
	Duration *int   `json:"duration,omitempty"`
	Order    int    `json:"order"`
}

type wirePlaylist struct {
	PlaylistID  string     `json:"playlistId"`
	Version     string     `json:"version"`
	LastUpdated string     `json:"lastUpdated,omitempty"`
	Items       []wireItem `json:"items"`
}

// normalizeKind maps every accepted upstream type spelling onto the internal
// Kind. Unknown spellings return false and the item is dropped.
func normalizeKind(upstream string) (Kind, bool) {
	switch upstream {
	case "photo", "image":
		return KindImage, true
	case "video":
		return KindVideo, true
	default:
		return "", false
	}
}

func fillDuration(it *Item, defaultImageDuration int) {
	if it.Kind == KindImage && it.DurationSeconds <= 0 {
		it.DurationSeconds = defaultImageDuration
	}
}

func itemFromWire(w wireItem, defaultImageDuration int) (Item, error) {
	kind, ok := normalizeKind(w.Type)
	if !ok {
		return Item{}, apperr.Validation(w.ID, fmt.Errorf("unknown media type %q", w.Type))
	}
	it := Item{
		ID:        w.ID,
		Kind:      kind,
		SourceURL: w.URL,
		Order:     w.Order,
	}
	if w.Duration != nil && kind == KindImage {
		it.DurationSeconds = *w.Duration
	}
	fillDuration(&it, defaultImageDuration)
	if err := it.Validate(); err != nil {
		return Item{}, apperr.Validation(w.ID, err)
	}
	return it, nil
}

// Parse decodes a fetch-response body into a Playlist. Items failing
// validation are dropped and reported in the second return value so the
// caller can log them; a playlist with zero surviving items is still valid.
// A body that is not a JSON object is a bad-response error.
func Parse(raw []byte, defaultImageDuration int) (*Playlist, []error, error) {
	var w wirePlaylist
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, fmt.Errorf("parse playlist: %w: %w", apperr.ErrBadResponse, err)
	}

	p := &Playlist{
		PlaylistID: w.PlaylistID,
		Version:    w.Version,
	}
	if w.LastUpdated != "" {
		if ts, err := time.Parse(time.RFC3339, w.LastUpdated); err == nil {
			p.LastUpdated = ts
		}
	}

	var dropped []error
	for _, wi := range w.Items {
		it, err := itemFromWire(wi, defaultImageDuration)
		if err != nil {
			dropped = append(dropped, err)
			continue
		}
		p.Items = append(p.Items, it)
	}
	p.sortItems()
	return p, dropped, nil
}

// ParseItem decodes a single wire-shaped item from a push payload.
func ParseItem(raw json.RawMessage, defaultImageDuration int) (Item, error) {
	var w wireItem
	if err := json.Unmarshal(raw, &w); err != nil {
		return Item{}, fmt.Errorf("parse item: %w: %w", apperr.ErrBadResponse, err)
	}
	return itemFromWire(w, defaultImageDuration)
}

// ParsePatch decodes a partial wire-shaped item from a push payload. Only the
// fields present in the JSON take part in the merge.
func ParsePatch(raw json.RawMessage) (string, ItemPatch, error) {
	var w struct {
		ID       string  `json:"id"`
		Type     *string `json:"type"`
		URL      *string `json:"url"`
		Duration *int    `json:"duration"`
		Order    *int    `json:"order"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return "", ItemPatch{}, fmt.Errorf("parse patch: %w: %w", apperr.ErrBadResponse, err)
	}
	if w.ID == "" {
		return "", ItemPatch{}, fmt.Errorf("parse patch: %w: missing id", apperr.ErrValidation)
	}
	patch := ItemPatch{
		SourceURL:       w.URL,
		Order:           w.Order,
		DurationSeconds: w.Duration,
	}
	if w.Type != nil {
		kind, ok := normalizeKind(*w.Type)
		if !ok {
			return "", ItemPatch{}, apperr.Validation(w.ID, fmt.Errorf("unknown media type %q", *w.Type))
		}
		patch.Kind = &kind
	}
	return w.ID, patch, nil
}

func (p *Playlist) toWire() wirePlaylist {
	w := wirePlaylist{
		PlaylistID: p.PlaylistID,
		Version:    p.Version,
		Items:      make([]wireItem, len(p.Items)),
	}
	if !p.LastUpdated.IsZero() {
		w.LastUpdated = p.LastUpdated.UTC().Format(time.RFC3339)
	}
	for i, it := range p.Items {
		wi := wireItem{
			ID:    it.ID,
			Type:  string(it.Kind),
			URL:   it.SourceURL,
			Order: it.Order,
		}
		if it.DurationSeconds > 0 {
			d := it.DurationSeconds
			wi.Duration = &d
		}
		w.Items[i] = wi
	}
	return w
}
