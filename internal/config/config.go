package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all emailthing client configuration. Values come from
// defaults, then the TOML config file, then environment variables.
type Config struct {
	Remote RemoteConfig `toml:"remote"`
	Sync   SyncConfig   `toml:"sync"`
	Log    LogConfig    `toml:"log"`
}

// RemoteConfig points at the server that owns the data.
type RemoteConfig struct {
	BaseURL string `toml:"base_url" env:"EMAILTHING_REMOTE_URL"`
}

// SyncConfig holds synchronization settings.
type SyncConfig struct {
	Interval         string `toml:"interval" env:"EMAILTHING_SYNC_INTERVAL"`
	BatchLimit       int    `toml:"batch_limit" env:"EMAILTHING_SYNC_BATCH_LIMIT"`
	BinRetentionDays int    `toml:"bin_retention_days" env:"EMAILTHING_BIN_RETENTION_DAYS"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" env:"EMAILTHING_LOG_LEVEL"`
}

func defaults() Config {
	return Config{
		Remote: RemoteConfig{
			BaseURL: "https://emailthing.app",
		},
		Sync: SyncConfig{
			Interval:         "5m",
			BatchLimit:       100,
			BinRetentionDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config from path, then overlays environment variables. If
// path is empty or the file does not exist, file settings are skipped.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	// A .env file is optional; real environment variables win either way.
	_ = godotenv.Load()
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config from environment: %w", err)
	}

	return &cfg, nil
}

// ConfigDir returns the emailthing config directory path.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "emailthing")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "emailthing")
}

// DataDir returns the emailthing data directory path.
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "emailthing")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "emailthing")
}
