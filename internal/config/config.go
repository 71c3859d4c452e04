// Package config holds the runtime configuration for the agent.
//
// Configuration lives in .forge/config.json inside the workspace, falling
// back to ~/.forge for global installs. Everything has a sensible default so
// a missing or partial file is never an error.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ProviderMode selects how outbound model calls are satisfied.
type ProviderMode string

const (
	// ModeLive sends every request over the network.
	ModeLive ProviderMode = "live"
	// ModeRecord sends over the network and persists each response to the
	// replay cache.
	ModeRecord ProviderMode = "record"
	// ModeReplay serves responses from the cache only and fails on a miss.
	ModeReplay ProviderMode = "replay"
)

// Config holds user preferences and runtime policy.
type Config struct {
	APIKey   string `json:"api_key,omitempty"`
	Provider string `json:"provider"` // "openai" or "gemini"
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`

	Replay  ReplayConfig  `json:"replay"`
	Retry   RetryConfig   `json:"retry"`
	Session SessionConfig `json:"session"`
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`
}

// ReplayConfig controls the deterministic record/replay cache.
type ReplayConfig struct {
	Mode     ProviderMode `json:"mode"`
	CacheDir string       `json:"cache_dir,omitempty"`
	// UpdateCache forces record mode to overwrite existing entries.
	UpdateCache bool `json:"update_cache,omitempty"`
}

// RetryConfig shapes the provider backoff curve. The curve is configuration
// on purpose; call sites never hard-code delays.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	MinDelay       time.Duration `json:"min_delay"`
	Factor         float64       `json:"factor"`
	JitterFraction float64       `json:"jitter_fraction"`
}

// SessionConfig bounds a single turn.
type SessionConfig struct {
	MaxToolFailuresPerTurn int           `json:"max_tool_failures_per_turn"`
	MaxRequestsPerTurn     int           `json:"max_requests_per_turn"`
	ToolParallelism        int           `json:"tool_parallelism"`
	CancelGrace            time.Duration `json:"cancel_grace"`
	MaxActiveSubagents     int           `json:"max_active_subagents"`
}

// LoggingConfig mirrors what the logging package reads.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Level      string          `json:"level"`
	Categories map[string]bool `json:"categories,omitempty"`
}

// ServerConfig configures the control surface listener.
type ServerConfig struct {
	Addr string `json:"addr"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() Config {
	return Config{
		Provider: "openai",
		Model:    "gpt-4.1",
		Replay: ReplayConfig{
			Mode: ModeLive,
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			MinDelay:       200 * time.Millisecond,
			Factor:         2.0,
			JitterFraction: 0.5,
		},
		Session: SessionConfig{
			MaxToolFailuresPerTurn: 3,
			MaxRequestsPerTurn:     50,
			ToolParallelism:        4,
			CancelGrace:            5 * time.Second,
			MaxActiveSubagents:     10,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8553",
		},
	}
}

// Dir returns the directory where config is stored. A project-local .forge
// directory wins over the home-level one.
func Dir() (string, error) {
	if cwd, err := os.Getwd(); err == nil {
		localDir := filepath.Join(cwd, ".forge")
		if stat, err := os.Stat(localDir); (err == nil && stat.IsDir()) || os.IsNotExist(err) {
			return localDir, nil
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".forge"), nil
}

// File returns the full path to the config file.
func File() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the configuration from disk and applies environment overrides.
func Load() (Config, error) {
	path, err := File()
	if err != nil {
		return applyEnv(DefaultConfig()), err
	}
	return LoadFrom(path)
}

// LoadFrom reads a specific config file. A missing file yields defaults.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return applyEnv(cfg), nil
	}
	if err != nil {
		return applyEnv(cfg), err
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return applyEnv(DefaultConfig()), err
	}
	return applyEnv(cfg), nil
}

// Save writes the configuration to disk.
func Save(cfg Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	path, err := File()
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv layers FORGE_* environment variables over the file values so CI
// and tests can steer the runtime without touching config.json.
func applyEnv(cfg Config) Config {
	if v := os.Getenv("FORGE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("FORGE_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("FORGE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("FORGE_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("FORGE_REPLAY_MODE"); v != "" {
		cfg.Replay.Mode = ProviderMode(v)
	}
	if v := os.Getenv("FORGE_CACHE_DIR"); v != "" {
		cfg.Replay.CacheDir = v
	}
	if v := os.Getenv("FORGE_UPDATE_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Replay.UpdateCache = b
		}
	}
	if v := os.Getenv("FORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	return cfg
}

// CacheDir resolves the replay cache directory, defaulting to a cache
// subdirectory next to the config file.
func (c Config) CacheDir() string {
	if c.Replay.CacheDir != "" {
		return c.Replay.CacheDir
	}
	dir, err := Dir()
	if err != nil {
		return filepath.Join(".forge", "http_cache")
	}
	return filepath.Join(dir, "http_cache")
}

// Offline reports whether network I/O is forbidden.
func (c Config) Offline() bool {
	return c.Replay.Mode == ModeReplay
}
