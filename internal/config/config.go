package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	// DefaultProfile selects the profile used when no --profile flag is
	// given.
	DefaultProfile string `toml:"default_profile"`

	// Identity is the raw identifier (email) of the local user.
	Identity string `toml:"identity"`

	// OutboxTickMS overrides the outbox poll interval in milliseconds.
	OutboxTickMS int `toml:"outbox_tick_ms"`
}

// OutboxTick returns the configured poll interval, or zero when unset.
func (c *Config) OutboxTick() time.Duration {
	return time.Duration(c.OutboxTickMS) * time.Millisecond
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
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
