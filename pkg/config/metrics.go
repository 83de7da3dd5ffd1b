package config

import (
	blobs3 "github.com/marmos91/dittoshare/pkg/blob/s3"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// StoreMetrics, SyncMetrics and S3Metrics are nil when disabled; the
	// consumers then fall back to their no-op implementations.
	StoreMetrics store.StoreMetrics
	SyncMetrics  syncer.SyncMetrics
	S3Metrics    blobs3.S3Metrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled, every field of the result is nil.
//
// Parameters:
//   - cfg: The complete configuration
//
// Returns:
//   - MetricsResult containing all metrics components
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{}
	}

	metrics.InitRegistry()

	return &MetricsResult{
		Server: metrics.NewServer(metrics.ServerConfig{
			Port:            cfg.Server.Metrics.Port,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}),
		StoreMetrics: metrics.NewStoreMetrics(),
		SyncMetrics:  metrics.NewSyncMetrics(),
		S3Metrics:    metrics.NewS3Metrics(),
	}
}
