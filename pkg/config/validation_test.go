package config

import (
	"strings"
	"testing"

	"github.com/marmos91/dittoshare/pkg/adapter/grpcsync"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Peer:     PeerConfig{DataDir: t.TempDir()},
		Adapters: AdaptersConfig{GRPC: grpcsync.Config{Enabled: true}},
	}
	ApplyDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "VERBOSE" },
			wantErr: "Level",
		},
		{
			name:    "unknown blob driver",
			mutate:  func(cfg *Config) { cfg.Blobs.Type = "tape" },
			wantErr: "Type",
		},
		{
			name: "partner without port",
			mutate: func(cfg *Config) {
				cfg.Sync.Partners = []PartnerConfig{{Address: "peer-b.example", Mode: "once"}}
			},
			wantErr: "Address",
		},
		{
			name: "partner with unknown mode",
			mutate: func(cfg *Config) {
				cfg.Sync.Partners = []PartnerConfig{{Address: "peer-b.example:7380", Mode: "sometimes"}}
			},
			wantErr: "Mode",
		},
		{
			name: "duplicate partners",
			mutate: func(cfg *Config) {
				cfg.Sync.Partners = []PartnerConfig{
					{Address: "peer-b.example:7380", Mode: "once"},
					{Address: "peer-b.example:7380", Mode: "continuous"},
				}
			},
			wantErr: "duplicate partner",
		},
		{
			name:    "weak kdf",
			mutate:  func(cfg *Config) { cfg.Peer.KDF.MemoryKiB = 8 },
			wantErr: "MemoryKiB",
		},
		{
			name:    "in-memory entries with persistent blobs",
			mutate:  func(cfg *Config) { cfg.Entries.InMemory = true },
			wantErr: "in_memory",
		},
		{
			name: "metrics on the sync port",
			mutate: func(cfg *Config) {
				cfg.Server.Metrics.Enabled = true
				cfg.Server.Metrics.Port = cfg.Adapters.GRPC.Port
			},
			wantErr: "collides",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected valid config, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}
