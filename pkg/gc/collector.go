// Package gc runs periodic garbage collection of payload blobs.
//
// A payload becomes garbage when no entry in any share references its
// digest any more, for example after a document is overwritten, or when a
// write was staged and committed but turned out to be a no-op. Collection
// is delegated to the target, which holds the lock that keeps it from
// racing with writes.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
)

// Target is something that can drop its unreferenced payloads.
// *peer.Peer implements it.
type Target interface {
	CollectGarbage(ctx context.Context) ([]blob.Ref, error)
}

// Collector performs periodic garbage collection on a Target.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	target    Target
	config    Config
	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	mu        sync.Mutex
}

// Config contains configuration for the garbage collector.
type Config struct {
	// Enabled controls whether periodic collection runs (default: true)
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often to run garbage collection (default: 24h)
	Interval time.Duration `mapstructure:"interval" validate:"min=0"`

	// Timeout bounds a single run (default: 10m)
	Timeout time.Duration `mapstructure:"timeout" validate:"min=0"`
}

// NewCollector creates a collector. Call Start to run it periodically.
func NewCollector(target Target, config Config) *Collector {
	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Minute
	}
	return &Collector{
		target: target,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background garbage collection. Subsequent calls are
// no-ops.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Info("Garbage collection disabled")
		return
	}
	c.startOnce.Do(func() {
		c.mu.Lock()
		c.started = true
		c.mu.Unlock()

		logger.Info("Starting garbage collector: interval=%s", c.config.Interval)
		go c.worker()
	})
}

// Stop stops the collector and waits for an in-progress run to finish.
// Safe to call multiple times.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		logger.Info("Garbage collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection immediately and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	logger.Info("Running garbage collection (manual trigger)...")
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Garbage collection failed: %v", err)
			} else {
				logger.Info("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}

	removed, err := c.target.CollectGarbage(ctx)
	stats.EndTime = time.Now()
	if err != nil {
		return stats, fmt.Errorf("collect garbage: %w", err)
	}

	stats.Removed = removed
	stats.DeletedCount = uint64(len(removed))
	for i, ref := range removed {
		if i == 10 {
			logger.Debug("GC: ... and %d more", len(removed)-10)
			break
		}
		logger.Debug("GC: removed %s", ref.Hash.Hash())
	}
	return stats, nil
}

// Stats contains statistics from a garbage collection run.
type Stats struct {
	StartTime    time.Time
	EndTime      time.Time
	DeletedCount uint64
	Removed      []blob.Ref
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the collection.
func (s *Stats) Summary() string {
	return fmt.Sprintf("deleted=%d duration=%s", s.DeletedCount, s.Duration())
}
