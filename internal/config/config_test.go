package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("max retries: %d", cfg.Sync.MaxRetries)
	}
	if cfg.Network.PollInterval() != 5*time.Second {
		t.Errorf("poll interval: %v", cfg.Network.PollInterval())
	}
	if cfg.Network.Pulse() != time.Second {
		t.Errorf("pulse: %v", cfg.Network.Pulse())
	}
	if !cfg.Sync.AutoSync || cfg.Sync.Interval() != 15*time.Minute {
		t.Errorf("auto-sync defaults: %+v", cfg.Sync)
	}
	if cfg.Queue.DBPath == "" {
		t.Error("no default db path")
	}
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.toml")

	cfg := DefaultConfig()
	cfg.Server.DataDir = filepath.Join(dir, "data")
	cfg.Server.Port = 9999
	cfg.API.BaseURL = "http://backend:8000"
	cfg.Network.MQTT.Enabled = true
	cfg.Network.MQTT.Host = "gateway.local"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("port: %d", loaded.Server.Port)
	}
	if loaded.API.BaseURL != "http://backend:8000" {
		t.Errorf("base url: %s", loaded.API.BaseURL)
	}
	if !loaded.Network.MQTT.Enabled || loaded.Network.MQTT.Host != "gateway.local" {
		t.Errorf("mqtt: %+v", loaded.Network.MQTT)
	}
	if loaded.API.HealthURL != "http://backend:8000/api/health" {
		t.Errorf("derived health url: %s", loaded.API.HealthURL)
	}

	if _, err := os.Stat(loaded.Server.DataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fieldsync.toml")

	partial := `[server]
data_dir = "` + filepath.Join(dir, "d") + `"

[sync]
max_retries = 5
`
	if err := os.WriteFile(path, []byte(partial), 0640); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("override lost: %d", cfg.Sync.MaxRetries)
	}
	if cfg.Network.PollIntervalSeconds != 5 {
		t.Errorf("default lost: %d", cfg.Network.PollIntervalSeconds)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestWatcherFiresOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("a: 1\n"), 0640); err != nil {
		t.Fatal(err)
	}

	fired := make(chan struct{}, 1)
	w := NewWatcher(path, 10*time.Millisecond, nil, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	w.Start()
	defer w.Stop()

	// Make sure the mtime moves forward even on coarse filesystems.
	time.Sleep(20 * time.Millisecond)
	if err := os.WriteFile(path, []byte("a: 2\n"), 0640); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never fired")
	}
}
