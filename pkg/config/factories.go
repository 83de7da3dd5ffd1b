package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
	blobfs "github.com/marmos91/dittoshare/pkg/blob/fs"
	blobmemory "github.com/marmos91/dittoshare/pkg/blob/memory"
	blobs3 "github.com/marmos91/dittoshare/pkg/blob/s3"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/mitchellh/mapstructure"
)

// s3YAMLConfig represents S3 configuration loaded from YAML files.
type s3YAMLConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// CreateBlobDriver creates a blob driver based on configuration.
//
// This factory function uses the Type field to determine which driver to
// create, then decodes the type-specific configuration from the corresponding
// map and passes it to the driver's constructor.
//
// Supported types:
//   - "filesystem": Uses pkg/blob/fs (local filesystem storage)
//   - "memory": Uses pkg/blob/memory (volatile, for tests and demos)
//   - "s3": Uses pkg/blob/s3 (Amazon S3 or compatible storage)
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Blob driver configuration
//   - metrics: Optional S3 metrics (nil = no metrics)
//
// Returns:
//   - blob.Driver: Initialized driver
//   - error: Configuration or initialization error
func CreateBlobDriver(ctx context.Context, cfg *BlobsConfig, metrics blobs3.S3Metrics) (blob.Driver, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemBlobDriver(ctx, cfg.Filesystem)
	case "memory":
		return blobmemory.NewMemoryBlobDriver(), nil
	case "s3":
		return createS3BlobDriver(ctx, cfg.S3, metrics)
	default:
		return nil, fmt.Errorf("unknown blob driver type: %q", cfg.Type)
	}
}

// createFilesystemBlobDriver creates a filesystem-backed blob driver.
func createFilesystemBlobDriver(ctx context.Context, options map[string]any) (blob.Driver, error) {
	var fsCfg struct {
		Path string `mapstructure:"path"`
	}
	if err := mapstructure.Decode(options, &fsCfg); err != nil {
		return nil, fmt.Errorf("invalid filesystem config: %w", err)
	}

	if fsCfg.Path == "" {
		return nil, fmt.Errorf("filesystem blob driver: path is required")
	}

	driver, err := blobfs.NewFSBlobDriver(ctx, fsCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem blob driver: %w", err)
	}

	return driver, nil
}

// createS3BlobDriver creates an S3-backed blob driver.
func createS3BlobDriver(ctx context.Context, options map[string]any, metrics blobs3.S3Metrics) (blob.Driver, error) {
	var s3Cfg s3YAMLConfig
	if err := mapstructure.Decode(options, &s3Cfg); err != nil {
		return nil, fmt.Errorf("invalid S3 config: %w", err)
	}

	if s3Cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 blob driver: bucket is required")
	}
	if s3Cfg.Region == "" {
		return nil, fmt.Errorf("S3 blob driver: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	configOptions := []func(*awsConfig.LoadOptions) error{
		awsConfig.WithRegion(s3Cfg.Region),
	}

	// Static credentials if provided, otherwise the default credential chain
	if s3Cfg.AccessKeyID != "" && s3Cfg.SecretAccessKey != "" {
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3Cfg.AccessKeyID, s3Cfg.SecretAccessKey, ""),
		))
	}

	maxRetries := s3Cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3Cfg.Endpoint != "" {
			// MinIO, Localstack and friends
			o.BaseEndpoint = aws.String(s3Cfg.Endpoint)
			o.UsePathStyle = true
		}
		if s3Cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Blob Driver
	// ========================================================================

	driver, err := blobs3.NewS3BlobDriver(ctx, blobs3.S3BlobDriverConfig{
		Client:    client,
		Bucket:    s3Cfg.Bucket,
		KeyPrefix: s3Cfg.KeyPrefix,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 blob driver: %w", err)
	}

	logger.Info("S3 blob driver initialized: bucket=%s, region=%s, prefix=%s",
		s3Cfg.Bucket, s3Cfg.Region, s3Cfg.KeyPrefix)

	return driver, nil
}

// OpenEntryStore opens the badger entry store described by cfg.
func OpenEntryStore(ctx context.Context, cfg *EntriesConfig) (*entrystore.Store, error) {
	return entrystore.Open(ctx, entrystore.Config{
		Path:             cfg.Path,
		InMemory:         cfg.InMemory,
		BlockCacheSizeMB: cfg.BlockCacheSizeMB,
		IndexCacheSizeMB: cfg.IndexCacheSizeMB,
	})
}

// OpenPeer opens the entry store and blob driver and unlocks the keyring.
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: The complete configuration
//   - m: Metrics collectors (fields may be nil)
//
// Returns:
//   - *peer.Peer: Unlocked peer; closing it closes the entry store
//   - error: Storage, driver or unlock failure (peer.ErrWrongPassword)
func OpenPeer(ctx context.Context, cfg *Config, m *MetricsResult) (*peer.Peer, error) {
	var (
		storeMetrics store.StoreMetrics
		s3Metrics    blobs3.S3Metrics
	)
	if m != nil {
		storeMetrics = m.StoreMetrics
		s3Metrics = m.S3Metrics
	}

	driver, err := CreateBlobDriver(ctx, &cfg.Blobs, s3Metrics)
	if err != nil {
		return nil, err
	}

	entries, err := OpenEntryStore(ctx, &cfg.Entries)
	if err != nil {
		return nil, err
	}

	p, err := peer.New(ctx, peer.Config{
		Password: cfg.Peer.Password,
		KDF: peer.KDFParams{
			Time:      cfg.Peer.KDF.Time,
			MemoryKiB: cfg.Peer.KDF.MemoryKiB,
			Threads:   cfg.Peer.KDF.Threads,
		},
		Entries:      entries,
		Blobs:        driver,
		StoreMetrics: storeMetrics,
	})
	if err != nil {
		_ = entries.Close()
		return nil, err
	}

	return p, nil
}
