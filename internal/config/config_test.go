package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sessions.IdleMs != 105_000 {
		t.Errorf("expected default idle_ms, got %d", cfg.Sessions.IdleMs)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 2

[sessions]
idle_ms = 60000

[storage]
type = "memory"
data_dir = "/tmp/rewindd-test"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sessions.IdleMs != 60_000 {
		t.Errorf("idle_ms = %d, want 60000", cfg.Sessions.IdleMs)
	}
	if cfg.Storage.Type != "memory" {
		t.Errorf("storage type = %q, want memory", cfg.Storage.Type)
	}
	// Untouched fields keep defaults.
	if cfg.Sessions.FlushBatchSize != 50 {
		t.Errorf("flush_batch_size = %d, want default 50", cfg.Sessions.FlushBatchSize)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
version: 2
sessions:
  idle_ms: 42000
storage:
  data_dir: /tmp/rewindd-yaml
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sessions.IdleMs != 42_000 {
		t.Errorf("idle_ms = %d, want 42000", cfg.Sessions.IdleMs)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 2

[storage]
type = "etcd"
data_dir = "/tmp/x"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for unknown storage type")
	}
}

func TestMigrateV1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[sessions]
idle_ms = 105000
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("version = %d, want %d after migration", cfg.Version, Version)
	}
	if cfg.Sessions.DedupCacheSize != 100 {
		t.Errorf("migration did not fill dedup_cache_size: %d", cfg.Sessions.DedupCacheSize)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REWINDD_DATA_DIR", "/tmp/env-override")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.DataDir != "/tmp/env-override" {
		t.Errorf("env override not applied: %s", cfg.Storage.DataDir)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := DefaultConfig()
	cfg.Sessions.IdleMs = 99_000
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Sessions.IdleMs != 99_000 {
		t.Errorf("idle_ms = %d, want 99000", got.Sessions.IdleMs)
	}
}
