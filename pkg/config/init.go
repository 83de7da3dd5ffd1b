package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// InitConfig writes a commented sample configuration to the default
// location and returns its path.
//
// Parameters:
//   - force: Overwrite an existing file
//
// Returns:
//   - string: Path of the written file
//   - error: The file already exists (without force), or IO errors
func InitConfig(force bool) (string, error) {
	return InitConfigAt(GetDefaultConfigPath(), force)
}

// InitConfigAt writes the sample configuration to path.
func InitConfigAt(path string, force bool) (string, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig(GetDefaultConfig())), 0o600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return path, nil
}

// sampleConfig renders cfg as YAML with comments. Driver maps other than
// the filesystem path are shown commented out.
func sampleConfig(cfg *Config) string {
	return fmt.Sprintf(`# dittoshare Configuration File
#
# Every value can be overridden with DITTOSHARE_<SECTION>_<KEY>, for example
# DITTOSHARE_LOGGING_LEVEL=DEBUG. Keep the keyring password out of this file
# and set DITTOSHARE_PEER_PASSWORD instead.

logging:
  level: %q        # DEBUG, INFO, WARN, ERROR
  format: %q        # text or json
  output: %q      # stdout, stderr or a file path

server:
  shutdown_timeout: %s
  metrics:
    enabled: false
    port: %d

peer:
  data_dir: %q
  kdf:
    time: %d
    memory_kib: %d
    threads: %d

entries:
  path: %q
  in_memory: false

blobs:
  type: %q        # filesystem, memory or s3
  filesystem:
    path: %q
  # s3:
  #   region: "us-east-1"
  #   bucket: "dittoshare"
  #   key_prefix: "peer-a/"
  #   endpoint: "http://localhost:4566"

sync:
  threshold: %d
  max_transfers: %d
  interval: %s
  debounce: %s
  bandwidth_bytes: 0      # payload bytes per second, 0 = unlimited
  bandwidth_burst: 0
  partners: []
  # partners:
  #   - address: "peer-b.example:%d"
  #     mode: continuous
  #     retry: 10s

adapters:
  grpc:
    enabled: %t
    port: %d
    max_sessions: %d
    max_msg_bytes: %d
    session_rate: 0         # new sessions per second, 0 = unlimited
    session_burst: 0
    shutdown_timeout: %s

gc:
  enabled: %t
  interval: %s
  timeout: %s
`,
		cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output,
		cfg.Server.ShutdownTimeout, cfg.Server.Metrics.Port,
		cfg.Peer.DataDir, cfg.Peer.KDF.Time, cfg.Peer.KDF.MemoryKiB, cfg.Peer.KDF.Threads,
		cfg.Entries.Path,
		cfg.Blobs.Type, cfg.Blobs.Filesystem["path"],
		cfg.Sync.Threshold, cfg.Sync.MaxTransfers, cfg.Sync.Interval, cfg.Sync.Debounce,
		cfg.Adapters.GRPC.Port,
		cfg.Adapters.GRPC.Enabled, cfg.Adapters.GRPC.Port, cfg.Adapters.GRPC.MaxSessions,
		cfg.Adapters.GRPC.MaxMsgBytes, cfg.Adapters.GRPC.ShutdownTimeout,
		cfg.GC.Enabled, cfg.GC.Interval, cfg.GC.Timeout,
	)
}
