// Package config holds FieldSync daemon configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all FieldSync configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	API     APIConfig     `toml:"api"`
	Sync    SyncConfig    `toml:"sync"`
	Network NetworkConfig `toml:"network"`
	Queue   QueueConfig   `toml:"queue"`
	Policy  PolicyConfig  `toml:"policy"`
}

// ServerConfig covers the local status API server.
type ServerConfig struct {
	Port     int    `toml:"port"`
	DataDir  string `toml:"data_dir"`
	LogLevel string `toml:"log_level"`
}

// APIConfig points at the FieldLedger backend.
type APIConfig struct {
	BaseURL   string `toml:"base_url"`
	HealthURL string `toml:"health_url"` // defaults to BaseURL + /api/health
	TokenFile string `toml:"token_file,omitempty"`
}

// SyncConfig tunes the sync engine and auto-sync cadence.
type SyncConfig struct {
	MaxRetries      int    `toml:"max_retries"`
	AutoSync        bool   `toml:"auto_sync"`
	ScheduleKind    string `toml:"schedule_kind"` // "interval" or "cron"
	IntervalMinutes int    `toml:"interval_minutes"`
	CronExpr        string `toml:"cron_expr,omitempty"`
}

// Interval returns the auto-sync cadence as a duration.
func (c SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// NetworkConfig tunes connectivity detection.
type NetworkConfig struct {
	PollIntervalSeconds int        `toml:"poll_interval_seconds"`
	PulseMs             int        `toml:"pulse_ms"`
	MQTT                MQTTConfig `toml:"mqtt"`
}

// PollInterval returns the probe cadence as a duration.
func (c NetworkConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Pulse returns the reconnect-pulse window as a duration.
func (c NetworkConfig) Pulse() time.Duration {
	return time.Duration(c.PulseMs) * time.Millisecond
}

// MQTTConfig names the site gateway broker used for push connectivity
// events. Disabled deployments fall back to polling alone.
type MQTTConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
}

// QueueConfig covers queue persistence.
type QueueConfig struct {
	DBPath string `toml:"db_path"`
	// KeyPath holds the header-encryption key. Empty disables sealing.
	KeyPath string `toml:"key_path,omitempty"`
}

// PolicyConfig points at the enqueue policy rules file. Empty uses the
// built-in defaults.
type PolicyConfig struct {
	RulesPath string `toml:"rules_path,omitempty"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8471,
			DataDir:  "./data",
			LogLevel: "info",
		},
		API: APIConfig{
			BaseURL: "http://localhost:8000",
		},
		Sync: SyncConfig{
			MaxRetries:      3,
			AutoSync:        true,
			ScheduleKind:    "interval",
			IntervalMinutes: 15,
		},
		Network: NetworkConfig{
			PollIntervalSeconds: 5,
			PulseMs:             1000,
			MQTT: MQTTConfig{
				Host: "localhost",
				Port: 1883,
			},
		},
		Queue: QueueConfig{
			DBPath: "./data/fieldsync.db",
		},
	}
}

// Load reads config from a TOML file, layering it over the defaults,
// and ensures the data directory exists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.API.HealthURL == "" {
		cfg.API.HealthURL = cfg.API.BaseURL + "/api/health"
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a TOML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, buf.Bytes(), 0640)
}
