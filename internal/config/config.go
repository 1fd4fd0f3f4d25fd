package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mercury/config.toml.
type Config struct {
	DefaultSession string        `toml:"default_session"`
	Log            LogConfig     `toml:"log"`
	Remote         RemoteConfig  `toml:"remote"`
	Sync           SyncConfig    `toml:"sync"`
	Metrics        MetricsConfig `toml:"metrics"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// RemoteConfig overrides the Messenger gateway client defaults.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxRetries     int    `toml:"max_retries"`
}

// SyncConfig controls the background refresher. An interval of zero
// disables it; conversations then sync only on request.
type SyncConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// MetricsConfig exposes the optional Prometheus endpoint. An empty addr
// keeps it off.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config from the given path. Returns an error if the file is
// missing; callers fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
