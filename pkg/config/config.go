// Package config loads Easely's runtime configuration from a YAML file, with
// environment variable overrides for deployment settings that differ per
// environment (database path, API credentials, encryption key).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	appName    = "easely"
	configFile = "config.yaml"
)

// Config holds every tunable the background jobs accept. Batch sizing and
// pacing are configuration, not policy baked into the scheduler.
type Config struct {
	DatabasePath string `yaml:"database_path"`

	// Key for encrypting Canvas tokens at rest, hex-encoded 32 bytes.
	EncryptionKey string `yaml:"encryption_key"`

	Canvas struct {
		BaseURL string   `yaml:"base_url"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"canvas"`

	Messenger struct {
		APIURL      string   `yaml:"api_url"`
		AccessToken string   `yaml:"access_token"`
		Timeout     Duration `yaml:"timeout"`
	} `yaml:"messenger"`

	Sync struct {
		Interval    Duration `yaml:"interval"`     // min time between syncs per user
		BatchSize   int      `yaml:"batch_size"`   // users per scheduler run
		CallDelay   Duration `yaml:"call_delay"`   // pause between remote calls
		RunBudget   Duration `yaml:"run_budget"`   // wall-clock cap per run
		RateLimited Duration `yaml:"rate_limited"` // extra pause after a throttle response
	} `yaml:"sync"`

	Reminder struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"reminder"`

	FreeTierTaskLimit int `yaml:"free_tier_task_limit"`
}

// Default returns the configuration used when no file exists. The values
// mirror the production cron setup: sync every 6h in batches of 10 with a 2s
// gap between Canvas calls, reminders hourly, 5 manual tasks/month on free.
func Default() *Config {
	cfg := &Config{
		DatabasePath:      "easely.db",
		FreeTierTaskLimit: 5,
	}
	cfg.Canvas.Timeout = Duration(30 * time.Second)
	cfg.Messenger.APIURL = "https://graph.facebook.com/v18.0/me/messages"
	cfg.Messenger.Timeout = Duration(10 * time.Second)
	cfg.Sync.Interval = Duration(6 * time.Hour)
	cfg.Sync.BatchSize = 10
	cfg.Sync.CallDelay = Duration(2 * time.Second)
	cfg.Sync.RunBudget = Duration(10 * time.Minute)
	cfg.Sync.RateLimited = Duration(5 * time.Second)
	cfg.Reminder.Interval = Duration(time.Hour)
	return cfg
}

// DefaultPath returns the XDG-style location of the config file.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", appName, configFile), nil
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()

	if cfg.Sync.BatchSize <= 0 {
		return nil, fmt.Errorf("sync.batch_size must be positive, got %d", cfg.Sync.BatchSize)
	}
	if cfg.FreeTierTaskLimit <= 0 {
		return nil, fmt.Errorf("free_tier_task_limit must be positive, got %d", cfg.FreeTierTaskLimit)
	}
	return cfg, nil
}

// Save writes the config to path, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EASELY_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("EASELY_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
	if v := os.Getenv("EASELY_CANVAS_BASE_URL"); v != "" {
		c.Canvas.BaseURL = v
	}
	if v := os.Getenv("EASELY_MESSENGER_TOKEN"); v != "" {
		c.Messenger.AccessToken = v
	}
	if v := os.Getenv("EASELY_SYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Sync.BatchSize = n
		}
	}
	if v := os.Getenv("EASELY_SYNC_CALL_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.CallDelay = Duration(d)
		}
	}
	if v := os.Getenv("EASELY_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Sync.Interval = Duration(d)
		}
	}
}
