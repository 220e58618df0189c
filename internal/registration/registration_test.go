package registration

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hollis-labs/marquee/internal/apperr"
)

func TestLoadOrInitCreatesPendingRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registration.json")

	s, err := LoadOrInit(path)
	if err != nil {
		t.Fatalf("LoadOrInit: %v", err)
	}
	if s.AssignedGUID == "" {
		t.Fatal("no GUID assigned")
	}
	if s.DeviceStatus != StatusPending {
		t.Fatalf("status = %q, want %q", s.DeviceStatus, StatusPending)
	}
	if s.Activated() {
		t.Fatal("fresh record must not be activated")
	}

	// The record must persist and keep its identity across restarts.
	again, err := LoadOrInit(path)
	if err != nil {
		t.Fatalf("second LoadOrInit: %v", err)
	}
	if again.AssignedGUID != s.AssignedGUID {
		t.Fatalf("GUID changed across loads: %q vs %q", again.AssignedGUID, s.AssignedGUID)
	}
}

func TestJSONFieldContract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registration.json")
	s := &State{
		AssignedGUID: "g-1",
		AccessToken:  "tok",
		DeviceStatus: StatusActivated,
		APIKey:       "key",
		BranchID:     "b-7",
		Branch:       "Downtown",
	}
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"AssignedGuid", "AccessToken", "DeviceStatus", "ApiKey", "BranchId", "Branch"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("field %q missing from on-disk record", key)
		}
	}
}

func TestRequire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registration.json")

	if _, err := Require(path); !errors.Is(err, apperr.ErrNotActivated) {
		t.Fatalf("err = %v, want ErrNotActivated", err)
	}

	// Operator fills in the key.
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.APIKey = "secret"
	s.DeviceStatus = StatusActivated
	if err := Save(path, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Require(path)
	if err != nil {
		t.Fatalf("Require after activation: %v", err)
	}
	if !got.Activated() {
		t.Fatal("record with API key must be activated")
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registration.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("corrupt record must not load")
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registration.json")
	if err := Save(path, &State{AssignedGUID: "g", DeviceStatus: StatusPending}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "registration.json" {
		t.Fatalf("unexpected directory contents: %v", entries)
	}
}
