package playlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hollis-labs/marquee/internal/apperr"
)

// Store persists the full playlist as JSON for offline bootstrap. The file
// uses the same shape as the fetch response, so a cached playlist round-trips
// through the same parser.
type Store struct {
	path            string
	defaultDuration int
}

// NewStore creates a store writing to path.
func NewStore(path string, defaultDuration int) *Store {
	return &Store{path: path, defaultDuration: defaultDuration}
}

// Save atomically writes the playlist: tmp file → fsync → rename.
func (s *Store) Save(p *Playlist) error {
	data, err := json.MarshalIndent(p.toWire(), "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal playlist: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.CacheIO("store: mkdir", err)
	}

	tmp, err := os.CreateTemp(dir, ".playlist-tmp-*")
	if err != nil {
		return apperr.CacheIO("store: create temp", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return apperr.CacheIO("store: write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		return apperr.CacheIO("store: fsync", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.CacheIO("store: close temp", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return apperr.CacheIO("store: rename", err)
	}
	success = true
	return nil
}

// Load reads the cached playlist. A missing or corrupt file is a miss
// (ErrNotFound), not a fatal error: the device simply starts without an
// offline bootstrap.
func (s *Store) Load() (*Playlist, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("store: %w: %s", apperr.ErrNotFound, s.path)
	}
	p, _, err := Parse(data, s.defaultDuration)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt cache file: %w", apperr.ErrNotFound)
	}
	return p, nil
}
