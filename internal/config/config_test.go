package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  - address: 10.0.0.1
    username: root
    password: hunter2
settings:
  exclusion_ids: [R-1]
  max_in_flight: 4
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].Address != "10.0.0.1" {
		t.Fatalf("unexpected devices: %+v", cfg.Devices)
	}
	if cfg.Settings.MaxInFlight != 4 {
		t.Fatalf("expected max_in_flight=4, got %d", cfg.Settings.MaxInFlight)
	}
	if len(cfg.Settings.ExclusionIDs) != 1 || cfg.Settings.ExclusionIDs[0] != "R-1" {
		t.Fatalf("unexpected exclusion_ids: %+v", cfg.Settings.ExclusionIDs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsDeviceWithoutAddress(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  - username: root
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing address")
	}
}

func TestLoadRejectsDeviceWithoutUsername(t *testing.T) {
	path := writeTempConfig(t, `
devices:
  - address: 10.0.0.1
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing username")
	}
}

func TestLoadEmptyDevicesIsValid(t *testing.T) {
	path := writeTempConfig(t, `
settings:
  exclusion_ids: []
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Devices) != 0 {
		t.Fatalf("expected zero devices, got %d", len(cfg.Devices))
	}
}
