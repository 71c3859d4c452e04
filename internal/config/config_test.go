package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Replay.Mode != ModeLive {
		t.Errorf("default mode = %q, want live", cfg.Replay.Mode)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("default retry attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Session.MaxToolFailuresPerTurn <= 0 {
		t.Error("tool failure limit must be positive")
	}
	if cfg.Offline() {
		t.Error("live mode must not be offline")
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Provider != "openai" {
		t.Errorf("provider = %q, want default", cfg.Provider)
	}
}

func TestLoadFromPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"model":"gpt-4o-mini","replay":{"mode":"replay","cache_dir":"/tmp/cache"}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.Model)
	}
	if cfg.Replay.Mode != ModeReplay || !cfg.Offline() {
		t.Errorf("replay mode = %q, offline = %v", cfg.Replay.Mode, cfg.Offline())
	}
	if cfg.CacheDir() != "/tmp/cache" {
		t.Errorf("cache dir = %q", cfg.CacheDir())
	}
	// Untouched sections keep defaults.
	if cfg.Retry.MinDelay != 200*time.Millisecond {
		t.Errorf("retry min delay = %v", cfg.Retry.MinDelay)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_MODEL", "env-model")
	t.Setenv("FORGE_REPLAY_MODE", "record")
	t.Setenv("FORGE_UPDATE_CACHE", "true")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Model != "env-model" {
		t.Errorf("model = %q, env override lost", cfg.Model)
	}
	if cfg.Replay.Mode != ModeRecord || !cfg.Replay.UpdateCache {
		t.Errorf("replay = %+v", cfg.Replay)
	}
}

func TestLoadFromCorruptFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path)
	if err == nil {
		t.Fatal("corrupt file should surface an error")
	}
	if cfg.Provider != "openai" {
		t.Errorf("corrupt file should still yield defaults, got %q", cfg.Provider)
	}
}
