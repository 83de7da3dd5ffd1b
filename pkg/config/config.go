package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittoshare/pkg/adapter/grpcsync"
	"github.com/marmos91/dittoshare/pkg/gc"
	"github.com/spf13/viper"
)

// Config represents the complete dittoshare peer configuration.
//
// This structure captures all configurable aspects of a peer including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics endpoint)
//   - Keyring location and unlock parameters
//   - Entry store and blob driver selection (driver-specific)
//   - Sync tuning and outbound partners
//   - Protocol adapter configurations
//   - Payload garbage collection
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOSHARE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Blob Driver Configuration Pattern:
// Each driver defines its own options. The Blobs section holds one map per
// driver type and only the map matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Peer locates and unlocks the keyring
	Peer PeerConfig `mapstructure:"peer"`

	// Entries configures the badger entry store
	Entries EntriesConfig `mapstructure:"entries"`

	// Blobs specifies the blob driver type and type-specific configuration
	Blobs BlobsConfig `mapstructure:"blobs"`

	// Sync tunes reconciliation and lists outbound partners
	Sync SyncConfig `mapstructure:"sync"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters"`

	// GC configures periodic payload collection
	GC gc.Config `mapstructure:"gc"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig configures the metrics HTTP server.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=0,max=65535"`
}

// PeerConfig locates the keyring and sets how it is unlocked.
type PeerConfig struct {
	// DataDir holds the entry store and, for the filesystem driver, blobs
	DataDir string `mapstructure:"data_dir" validate:"required"`

	// Password unlocks the keyring. Prefer DITTOSHARE_PEER_PASSWORD over
	// writing it to the config file.
	Password string `mapstructure:"password"`

	// KDF is used only when the keyring is first created
	KDF KDFConfig `mapstructure:"kdf"`
}

// KDFConfig sets argon2id cost parameters.
type KDFConfig struct {
	Time      uint32 `mapstructure:"time" validate:"gt=0"`
	MemoryKiB uint32 `mapstructure:"memory_kib" validate:"gte=1024"`
	Threads   uint8  `mapstructure:"threads" validate:"gt=0"`
}

// EntriesConfig configures the badger entry store.
type EntriesConfig struct {
	// Path defaults to <data_dir>/entries
	Path string `mapstructure:"path"`

	// InMemory keeps entries in RAM; everything is lost on exit
	InMemory bool `mapstructure:"in_memory"`

	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb" validate:"min=0"`
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb" validate:"min=0"`
}

// BlobsConfig specifies blob driver configuration.
//
// The Type field determines which driver is used.
// Only the corresponding type-specific configuration section is used.
// The memory driver takes no options.
type BlobsConfig struct {
	// Type specifies which blob driver to use
	// Valid values: filesystem, memory, s3
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory s3"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// S3 contains S3-specific configuration
	// Only used when Type = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// SyncConfig tunes reconciliation for every session of the peer.
type SyncConfig struct {
	// Threshold is the item count at or below which a range is exchanged
	// entry by entry instead of being split
	Threshold int `mapstructure:"threshold" validate:"min=1"`

	// MaxTransfers bounds concurrent payload fetches per session
	MaxTransfers int `mapstructure:"max_transfers" validate:"min=1"`

	// Interval between periodic re-reconciliation in continuous mode.
	// Negative disables it.
	Interval time.Duration `mapstructure:"interval"`

	// Debounce coalesces bursts of local writes before a new round
	Debounce time.Duration `mapstructure:"debounce" validate:"min=0"`

	// BandwidthBytes caps payload bytes per second across all sessions,
	// with bursts of up to BandwidthBurst. 0 means unlimited.
	BandwidthBytes uint `mapstructure:"bandwidth_bytes"`
	BandwidthBurst uint `mapstructure:"bandwidth_burst"`

	// Partners are dialled on startup
	Partners []PartnerConfig `mapstructure:"partners" validate:"dive"`
}

// PartnerConfig defines one outbound sync partner.
type PartnerConfig struct {
	// Address is host:port of the partner's sync listener
	Address string `mapstructure:"address" validate:"required,hostname_port"`

	// Mode is once or continuous
	Mode string `mapstructure:"mode" validate:"required,oneof=once continuous live"`

	// Retry is the delay before redialling a continuous partner
	Retry time.Duration `mapstructure:"retry" validate:"min=0"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// GRPC is the sync listener.
	// Uses the grpcsync.Config type directly to avoid duplication.
	GRPC grpcsync.Config `mapstructure:"grpc"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOSHARE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOSHARE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only reaches keys viper already knows about. The password
	// is usually absent from the file, so bind it explicitly.
	_ = v.BindEnv("peer.password")
	_ = v.BindEnv("peer.data_dir")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/dittoshare/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittoshare")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittoshare")
}

// getDataDir returns the default data directory, following the same rules
// as getConfigDir under XDG_DATA_HOME.
func getDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "dittoshare")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "dittoshare-data"
	}

	return filepath.Join(home, ".local", "share", "dittoshare")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
