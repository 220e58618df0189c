// Package registration manages the local device identity record. A device
// is provisioned out of band: the backend operator fills in the API key
// after the device's generated GUID is claimed. Until then the daemon must
// refuse to start syncing.
package registration

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/hollis-labs/marquee/internal/apperr"
)

// Device statuses as the backend reports them.
const (
	StatusPending   = "Pending"
	StatusActivated = "Activated"
)

// State is the on-disk registration record. Field names follow the backend's
// JSON contract and must not change.
type State struct {
	AssignedGUID string `json:"AssignedGuid"`
	AccessToken  string `json:"AccessToken,omitempty"`
	DeviceStatus string `json:"DeviceStatus"`
	APIKey       string `json:"ApiKey,omitempty"`
	BranchID     string `json:"BranchId,omitempty"`
	Branch       string `json:"Branch,omitempty"`
}

// Activated reports whether the device can authenticate against the backend.
// The API key is the single source of truth here; DeviceStatus is advisory.
func (s *State) Activated() bool {
	return s != nil && s.APIKey != ""
}

// Load reads the registration record at path. A missing file is
// apperr.ErrNotFound.
func Load(path string) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("registration %s: %w", path, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("read registration %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse registration %s: %w", path, err)
	}
	return &s, nil
}

// Save writes the record atomically so a crash mid-write never corrupts the
// device identity.
func Save(path string, s *State) error {
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registration dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registration-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp registration: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp registration: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp registration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp registration: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace registration: %w", err)
	}
	return nil
}

// LoadOrInit returns the existing record, or creates a fresh pending one
// with a new GUID when none exists yet.
func LoadOrInit(path string) (*State, error) {
	s, err := Load(path)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	s = &State{
		AssignedGUID: uuid.NewString(),
		DeviceStatus: StatusPending,
	}
	if err := Save(path, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Require loads the record and enforces activation. This is the startup
// precondition for everything that talks to the backend.
func Require(path string) (*State, error) {
	s, err := LoadOrInit(path)
	if err != nil {
		return nil, err
	}
	if !s.Activated() {
		return s, fmt.Errorf("device %s awaiting activation: %w", s.AssignedGUID, apperr.ErrNotActivated)
	}
	return s, nil
}
