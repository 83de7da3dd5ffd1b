package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittoshare/pkg/syncer"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultConfig(t *testing.T) {
	dataDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "info"

peer:
  data_dir: "`+dataDir+`"

blobs:
  type: "filesystem"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Entries.Path != filepath.Join(dataDir, "entries") {
		t.Errorf("Expected entries under data dir, got %q", cfg.Entries.Path)
	}
	if cfg.Blobs.Filesystem["path"] != filepath.Join(dataDir, "blobs") {
		t.Errorf("Expected blobs under data dir, got %v", cfg.Blobs.Filesystem["path"])
	}
	if !cfg.Adapters.GRPC.Enabled || cfg.Adapters.GRPC.Port != 7380 {
		t.Errorf("Expected sync listener enabled on 7380, got %+v", cfg.Adapters.GRPC)
	}
	if cfg.Sync.Threshold != syncer.DefaultThreshold {
		t.Errorf("Expected default threshold %d, got %d", syncer.DefaultThreshold, cfg.Sync.Threshold)
	}
	if !cfg.GC.Enabled || cfg.GC.Interval != 24*time.Hour {
		t.Errorf("Expected daily gc, got %+v", cfg.GC)
	}
}

func TestLoad_Partners(t *testing.T) {
	configPath := writeConfig(t, `
peer:
  data_dir: "`+t.TempDir()+`"

sync:
  threshold: 16
  interval: 30s
  partners:
    - address: "peer-b.example:7380"
      mode: once
    - address: "peer-c.example:7380"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Sync.Threshold != 16 || cfg.Sync.Interval != 30*time.Second {
		t.Errorf("Expected explicit sync values to be kept, got %+v", cfg.Sync)
	}

	partners := CreatePartners(cfg)
	if len(partners) != 2 {
		t.Fatalf("Expected 2 partners, got %d", len(partners))
	}
	if partners[0].Mode != syncer.ModeOnce {
		t.Errorf("Expected first partner in once mode, got %v", partners[0].Mode)
	}
	if partners[1].Mode != syncer.ModeContinuous || partners[1].Retry != 10*time.Second {
		t.Errorf("Expected second partner to default to continuous with 10s retry, got %+v", partners[1])
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Keep the user's own ~/.config/dittoshare out of the way.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected defaults without a config file, got: %v", err)
	}
	if cfg.Blobs.Type != "filesystem" {
		t.Errorf("Expected default blob driver 'filesystem', got %q", cfg.Blobs.Type)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("DITTOSHARE_PEER_PASSWORD", "hunter2")
	t.Setenv("DITTOSHARE_PEER_DATA_DIR", dataDir)
	t.Setenv("DITTOSHARE_LOGGING_LEVEL", "DEBUG")

	configPath := writeConfig(t, `
logging:
  level: "INFO"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Peer.Password != "hunter2" {
		t.Errorf("Expected password from environment, got %q", cfg.Peer.Password)
	}
	if cfg.Peer.DataDir != dataDir {
		t.Errorf("Expected data dir from environment, got %q", cfg.Peer.DataDir)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected environment to override file level, got %q", cfg.Logging.Level)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	configPath := writeConfig(t, "logging: [unterminated\n")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestGetConfigDir_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if got := GetConfigDir(); got != filepath.Join(dir, "dittoshare") {
		t.Errorf("Expected %q, got %q", filepath.Join(dir, "dittoshare"), got)
	}
	if ConfigExists() {
		t.Error("Expected no config in a fresh directory")
	}
}
