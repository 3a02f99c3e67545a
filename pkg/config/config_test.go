package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default configuration rejected: %v", err)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Acquisition.TR != 2.0 || cfg.Decoding.RadiusMM != 6.0 {
		t.Errorf("unexpected defaults: TR=%v radius=%v", cfg.Acquisition.TR, cfg.Decoding.RadiusMM)
	}
}

func TestLoadConfigOverridesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "study.yaml")
	body := `
acquisition:
  tr: 1.5
decoding:
  radiusMM: 8
subjects:
  - id: sub-001
    group: control
    sessions: [1, 2]
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Acquisition.TR != 1.5 || cfg.Decoding.RadiusMM != 8 {
		t.Errorf("overrides not applied: TR=%v radius=%v", cfg.Acquisition.TR, cfg.Decoding.RadiusMM)
	}
	// Untouched knobs keep their defaults.
	if cfg.Decoding.Seed != 42 {
		t.Errorf("seed = %d, want default 42", cfg.Decoding.Seed)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("acquisition:\n  tr: -1\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expected validation error for negative TR")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "study.yaml")
	cfg := DefaultConfig()
	cfg.Decoding.Splits = 50
	cfg.Subjects = []SubjectSpec{{ID: "sub-009", Group: "patient", Sessions: []int{1, 2, 3}}}

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Decoding.Splits != 50 {
		t.Errorf("splits = %d, want 50", got.Decoding.Splits)
	}
	if len(got.Subjects) != 1 || got.Subjects[0].ID != "sub-009" {
		t.Errorf("subjects not preserved: %+v", got.Subjects)
	}
}
