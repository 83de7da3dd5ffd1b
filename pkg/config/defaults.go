package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittoshare/pkg/adapter/grpcsync"
	"github.com/marmos91/dittoshare/pkg/gc"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Driver-specific defaults are handled by the drivers themselves
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyPeerDefaults(&cfg.Peer)
	applyEntriesDefaults(&cfg.Entries, cfg.Peer.DataDir)
	applyBlobsDefaults(&cfg.Blobs, cfg.Peer.DataDir)
	applySyncDefaults(&cfg.Sync)
	applyAdaptersDefaults(&cfg.Adapters)
	applyGCDefaults(&cfg.GC)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyServerDefaults sets server defaults.
func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

// applyPeerDefaults sets keyring defaults.
func applyPeerDefaults(cfg *PeerConfig) {
	if cfg.DataDir == "" {
		cfg.DataDir = getDataDir()
	}

	if cfg.KDF.Time == 0 {
		cfg.KDF.Time = peer.DefaultKDFParams.Time
	}
	if cfg.KDF.MemoryKiB == 0 {
		cfg.KDF.MemoryKiB = peer.DefaultKDFParams.MemoryKiB
	}
	if cfg.KDF.Threads == 0 {
		cfg.KDF.Threads = peer.DefaultKDFParams.Threads
	}
}

// applyEntriesDefaults places the entry store under the data directory.
func applyEntriesDefaults(cfg *EntriesConfig, dataDir string) {
	if cfg.Path == "" {
		cfg.Path = filepath.Join(dataDir, "entries")
	}
	// Cache sizes of 0 let the entry store pick its own defaults.
}

// applyBlobsDefaults sets blob driver defaults.
func applyBlobsDefaults(cfg *BlobsConfig, dataDir string) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}

	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = filepath.Join(dataDir, "blobs")
	}
}

// applySyncDefaults sets sync tuning defaults.
func applySyncDefaults(cfg *SyncConfig) {
	if cfg.Threshold == 0 {
		cfg.Threshold = syncer.DefaultThreshold
	}
	if cfg.MaxTransfers == 0 {
		cfg.MaxTransfers = syncer.DefaultMaxTransfers
	}
	if cfg.Interval == 0 {
		cfg.Interval = syncer.DefaultInterval
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = syncer.DefaultDebounce
	}

	for i := range cfg.Partners {
		p := &cfg.Partners[i]
		if p.Mode == "" {
			p.Mode = "continuous"
		}
		if p.Retry == 0 {
			p.Retry = 10 * time.Second
		}
	}
}

// applyAdaptersDefaults sets adapter defaults.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	// Enable the sync listener when it looks unconfigured (no port given).
	// Users can set enabled: false explicitly together with a port.
	if !cfg.GRPC.Enabled && cfg.GRPC.Port == 0 {
		cfg.GRPC.Enabled = true
	}

	applyGRPCDefaults(&cfg.GRPC)
}

// applyGRPCDefaults sets sync listener defaults.
func applyGRPCDefaults(cfg *grpcsync.Config) {
	if cfg.Port == 0 {
		cfg.Port = 7380
	}

	// MaxSessions defaults to 0 (unlimited)

	if cfg.MaxMsgBytes == 0 {
		cfg.MaxMsgBytes = 4 << 20
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyGCDefaults sets garbage collection defaults.
func applyGCDefaults(cfg *gc.Config) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
		// An untouched section enables collection.
		cfg.Enabled = true
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Minute
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Adapters: AdaptersConfig{
			GRPC: grpcsync.Config{Enabled: true},
		},
		GC: gc.Config{Enabled: true},
	}

	ApplyDefaults(cfg)
	return cfg
}
