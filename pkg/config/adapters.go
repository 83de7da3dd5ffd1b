package config

import (
	"github.com/marmos91/dittoshare/internal/ratelimiter"
	"github.com/marmos91/dittoshare/pkg/adapter"
	"github.com/marmos91/dittoshare/pkg/adapter/grpcsync"
	"github.com/marmos91/dittoshare/pkg/server"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// SyncOptions returns the session template shared by listeners and
// partners. Peer, Partner and Mode are filled in per session. Every session
// built from the template shares one bandwidth budget.
func SyncOptions(cfg *Config, metrics syncer.SyncMetrics) syncer.Options {
	return syncer.Options{
		Threshold:    cfg.Sync.Threshold,
		MaxTransfers: cfg.Sync.MaxTransfers,
		Interval:     cfg.Sync.Interval,
		Debounce:     cfg.Sync.Debounce,
		Metrics:      metrics,
		Bandwidth:    ratelimiter.New(cfg.Sync.BandwidthBytes, cfg.Sync.BandwidthBurst),
	}
}

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// Parameters:
//   - cfg: The complete configuration
//   - template: Session options applied to every accepted session
//
// Returns:
//   - []adapter.Adapter: Enabled adapters ready to be added to the server.
//     Empty when every listener is disabled; the peer then only dials out.
func CreateAdapters(cfg *Config, template syncer.Options) []adapter.Adapter {
	var adapters []adapter.Adapter

	if cfg.Adapters.GRPC.Enabled {
		adapters = append(adapters, grpcsync.New(cfg.Adapters.GRPC, template))
	}

	return adapters
}

// CreatePartners converts the configured partners for server.AddPartner.
// Modes were checked by Validate.
func CreatePartners(cfg *Config) []server.Partner {
	partners := make([]server.Partner, 0, len(cfg.Sync.Partners))
	for _, p := range cfg.Sync.Partners {
		mode, err := syncer.ParseMode(p.Mode)
		if err != nil {
			mode = syncer.ModeContinuous
		}
		partners = append(partners, server.Partner{
			Address: p.Address,
			Mode:    mode,
			Retry:   p.Retry,
		})
	}
	return partners
}
