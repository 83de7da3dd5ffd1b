package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/dittoshare/pkg/adapter/grpcsync"
	blobfs "github.com/marmos91/dittoshare/pkg/blob/fs"
	blobmemory "github.com/marmos91/dittoshare/pkg/blob/memory"
	"github.com/marmos91/dittoshare/pkg/peer"
)

func TestCreateBlobDriver_Filesystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blobs")
	cfg := &BlobsConfig{Type: "filesystem", Filesystem: map[string]any{"path": dir}}

	driver, err := CreateBlobDriver(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create filesystem driver: %v", err)
	}
	if _, ok := driver.(*blobfs.FSBlobDriver); !ok {
		t.Errorf("Expected *FSBlobDriver, got %T", driver)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("Expected driver to create %s: %v", dir, err)
	}
}

func TestCreateBlobDriver_Memory(t *testing.T) {
	driver, err := CreateBlobDriver(context.Background(), &BlobsConfig{Type: "memory"}, nil)
	if err != nil {
		t.Fatalf("Failed to create memory driver: %v", err)
	}
	if _, ok := driver.(*blobmemory.MemoryBlobDriver); !ok {
		t.Errorf("Expected *MemoryBlobDriver, got %T", driver)
	}
}

func TestCreateBlobDriver_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  BlobsConfig
	}{
		{"unknown type", BlobsConfig{Type: "tape"}},
		{"filesystem without path", BlobsConfig{Type: "filesystem", Filesystem: map[string]any{}}},
		{"filesystem path of wrong type", BlobsConfig{Type: "filesystem", Filesystem: map[string]any{"path": []int{1}}}},
		{"s3 without bucket", BlobsConfig{Type: "s3", S3: map[string]any{"region": "us-east-1"}}},
		{"s3 without region", BlobsConfig{Type: "s3", S3: map[string]any{"bucket": "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := CreateBlobDriver(context.Background(), &tt.cfg, nil); err == nil {
				t.Fatal("Expected error")
			}
		})
	}
}

func TestOpenPeer(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Peer: PeerConfig{
			DataDir:  t.TempDir(),
			Password: "correct horse",
			KDF:      KDFConfig{Time: 1, MemoryKiB: 1024, Threads: 1},
		},
	}
	ApplyDefaults(cfg)

	p, err := OpenPeer(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to open peer: %v", err)
	}
	id, err := p.CreateIdentity(ctx, "suzy")
	if err != nil {
		t.Fatalf("Failed to create identity: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Failed to close peer: %v", err)
	}

	// Reopen with the same settings: the keyring persisted.
	p, err = OpenPeer(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Failed to reopen peer: %v", err)
	}
	if _, ok := p.Identity(id.Tag); !ok {
		t.Error("Expected identity to survive a reopen")
	}
	_ = p.Close()

	cfg.Peer.Password = "wrong"
	if _, err := OpenPeer(ctx, cfg, nil); err != peer.ErrWrongPassword {
		t.Errorf("Expected ErrWrongPassword, got %v", err)
	}
}

func TestCreateAdapters(t *testing.T) {
	cfg := &Config{Adapters: AdaptersConfig{GRPC: grpcsync.Config{Enabled: true, Port: 0}}}
	ApplyDefaults(cfg)

	adapters := CreateAdapters(cfg, SyncOptions(cfg, nil))
	if len(adapters) != 1 {
		t.Fatalf("Expected 1 adapter, got %d", len(adapters))
	}
	if adapters[0].Protocol() != "SYNC" {
		t.Errorf("Expected SYNC adapter, got %q", adapters[0].Protocol())
	}

	cfg.Adapters.GRPC.Enabled = false
	if got := CreateAdapters(cfg, SyncOptions(cfg, nil)); len(got) != 0 {
		t.Errorf("Expected no adapters when disabled, got %d", len(got))
	}
}

func TestSyncOptions(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	opts := SyncOptions(cfg, nil)
	if opts.Threshold != cfg.Sync.Threshold || opts.MaxTransfers != cfg.Sync.MaxTransfers {
		t.Errorf("Expected sync limits from config, got threshold=%d max_transfers=%d", opts.Threshold, opts.MaxTransfers)
	}
	if opts.Bandwidth != nil {
		t.Error("Expected no bandwidth limiter when bandwidth_bytes is 0")
	}

	cfg.Sync.BandwidthBytes = 1 << 20
	opts = SyncOptions(cfg, nil)
	if opts.Bandwidth == nil {
		t.Fatal("Expected a bandwidth limiter")
	}
	if got := opts.Bandwidth.Tokens(); got != float64(1<<20) {
		t.Errorf("Expected burst to default to the rate, got %v tokens", got)
	}
}
