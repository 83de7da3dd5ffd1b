package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/adapter/grpcsync"
	"github.com/marmos91/dittoshare/pkg/config"
	"github.com/marmos91/dittoshare/pkg/gc"
	"github.com/marmos91/dittoshare/pkg/server"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// peerStatus is served by the metrics server at /status.
type peerStatus struct {
	Identities int `json:"identities"`
	Shares     int `json:"shares"`
	Sessions   int `json:"partner_sessions"`
}

func runServe(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// ========================================================================
	// Step 1: Metrics and peer
	// ========================================================================

	m := config.InitializeMetrics(cfg)

	p, err := config.OpenPeer(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Error("Failed to close peer: %v", err)
		}
	}()

	// ========================================================================
	// Step 2: Listeners and partners
	// ========================================================================

	template := config.SyncOptions(cfg, m.SyncMetrics)
	dial := grpcsync.SessionDialer(grpcsync.DialOptions{MaxMsgBytes: cfg.Adapters.GRPC.MaxMsgBytes})
	srv := server.New(p, dial, template)

	for _, a := range config.CreateAdapters(cfg, template) {
		if err := srv.AddAdapter(a); err != nil {
			return err
		}
	}
	for _, partner := range config.CreatePartners(cfg) {
		if err := srv.AddPartner(partner); err != nil {
			return err
		}
	}

	// ========================================================================
	// Step 3: Background services
	// ========================================================================

	collector := gc.NewCollector(p, cfg.GC)
	collector.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := collector.Stop(stopCtx); err != nil {
			logger.Warn("Garbage collector did not stop cleanly: %v", err)
		}
	}()

	if m.Server != nil {
		m.Server.SetStatus(func() any {
			return peerStatus{
				Identities: len(p.Identities()),
				Shares:     len(p.Shares()),
				Sessions:   srv.Sessions(),
			}
		})
		go func() {
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	logger.Info("dittoshare peer serving %d share(s)", len(p.Shares()))

	err = srv.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSync(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("sync")
	address := fs.String("address", "", "Partner sync listener (host:port)")
	modeName := fs.String("mode", "once", "Session mode: once or continuous")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *address == "" {
		return fmt.Errorf("--address is required")
	}
	mode, err := syncer.ParseMode(*modeName)
	if err != nil {
		return err
	}

	p, cfg, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	opts := config.SyncOptions(cfg, nil)
	opts.Mode = mode
	opts.Name = *address

	start := time.Now()
	dial := grpcsync.SessionDialer(grpcsync.DialOptions{MaxMsgBytes: cfg.Adapters.GRPC.MaxMsgBytes})
	s, err := dial(ctx, *address, p, opts)
	if err != nil {
		return err
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		_ = s.Close()
		<-s.Done()
	}
	if err := s.Err(); err != nil {
		return err
	}

	fmt.Printf("Synced %d share(s) with %s in %s\n", len(s.Shares()), *address, time.Since(start).Round(time.Millisecond))
	return nil
}

func runGC(ctx context.Context, args []string) error {
	fs, configPath := newFlagSet("gc")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p, cfg, err := openPeer(ctx, *configPath)
	if err != nil {
		return err
	}
	defer p.Close()

	gcCfg := cfg.GC
	gcCfg.Enabled = true
	stats, err := gc.NewCollector(p, gcCfg).RunNow(ctx)
	if err != nil {
		return err
	}

	fmt.Println(stats.Summary())
	return nil
}
