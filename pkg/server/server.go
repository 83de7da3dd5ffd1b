package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/adapter"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// Dialer opens a sync session with a remote address.
type Dialer func(ctx context.Context, address string, p *peer.Peer, opts syncer.Options) (*syncer.Syncer, error)

// Partner is an outbound sync target.
type Partner struct {
	Address string
	Mode    syncer.Mode

	// Retry is the delay before reconnecting a continuous session that
	// ended. Zero uses the server default.
	Retry time.Duration
}

// Server manages the listeners and outbound sessions of one peer.
//
// Lifecycle:
//  1. Creation: New() with the peer
//  2. Registration: AddAdapter() and AddPartner()
//  3. Startup: Serve() starts adapters and dials partners concurrently
//  4. Shutdown: Context cancellation stops adapters and closes sessions
//
// Thread safety:
// Safe for concurrent use. Serve() may only be called once.
type Server struct {
	peer     *peer.Peer
	dial     Dialer
	template syncer.Options

	mu       sync.RWMutex
	adapters []adapter.Adapter
	partners []Partner
	sessions map[*syncer.Syncer]struct{}
	served   bool
}

// defaultRetry is the reconnect delay of continuous partners.
const defaultRetry = 10 * time.Second

// New creates a Server for p. dial opens outbound sessions and template
// supplies their tuning.
//
// Panics if p is nil.
func New(p *peer.Peer, dial Dialer, template syncer.Options) *Server {
	if p == nil {
		panic("peer cannot be nil")
	}
	return &Server{
		peer:     p,
		dial:     dial,
		template: template,
		sessions: make(map[*syncer.Syncer]struct{}),
	}
}

// AddAdapter registers a listener and injects the peer into it.
//
// Returns:
//   - error if the protocol is already registered
func (s *Server) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return errors.New("cannot add adapter after Serve() has been called")
	}
	for _, existing := range s.adapters {
		if existing.Protocol() == a.Protocol() {
			return fmt.Errorf("adapter for protocol %s already registered", a.Protocol())
		}
	}

	a.SetPeer(s.peer)
	s.adapters = append(s.adapters, a)
	logger.Info("Registered %s adapter", a.Protocol())
	return nil
}

// AddPartner registers an outbound sync target.
func (s *Server) AddPartner(p Partner) error {
	if p.Address == "" {
		return errors.New("partner address is required")
	}
	if s.dial == nil {
		return errors.New("server has no dialer for partners")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.served {
		return errors.New("cannot add partner after Serve() has been called")
	}
	s.partners = append(s.partners, p)
	return nil
}

// Serve starts every adapter and partner and blocks until ctx is
// cancelled or an adapter fails.
//
// Returns:
//   - context error on cancellation
//   - error if an adapter failed, after the others were stopped
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return errors.New("Serve() has already been called on this server instance")
	}
	s.served = true
	adapters := append([]adapter.Adapter(nil), s.adapters...)
	partners := append([]Partner(nil), s.partners...)
	s.mu.Unlock()

	if len(adapters) == 0 && len(partners) == 0 {
		return errors.New("no adapters or partners registered")
	}

	logger.Info("Starting server with %d adapter(s) and %d partner(s)", len(adapters), len(partners))

	errChan := make(chan adapterError, len(adapters))
	var wg sync.WaitGroup

	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()
			protocol := a.Protocol()
			if err := a.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.Error("%s adapter failed: %v", protocol, err)
				errChan <- adapterError{protocol: protocol, err: err}
				return
			}
			logger.Info("%s adapter stopped", protocol)
		}(adp)
	}

	partnerCtx, stopPartners := context.WithCancel(ctx)
	for _, p := range partners {
		wg.Add(1)
		go func(p Partner) {
			defer wg.Done()
			s.runPartner(partnerCtx, p)
		}(p)
	}

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()
	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown", adapterErr.protocol, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	stopPartners()
	s.closeSessions()
	s.stopAllAdapters(adapters)
	wg.Wait()

	logger.Info("Server stopped")
	return shutdownErr
}

type adapterError struct {
	protocol string
	err      error
}

// runPartner syncs with one partner. A once partner is synced a single
// time; a continuous partner is redialled after every session until ctx is
// done.
func (s *Server) runPartner(ctx context.Context, p Partner) {
	retry := p.Retry
	if retry <= 0 {
		retry = defaultRetry
	}

	for {
		err := s.syncWith(ctx, p)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Warn("Sync with %s failed: %v", p.Address, err)
		default:
			logger.Info("Sync with %s finished", p.Address)
		}
		if p.Mode == syncer.ModeOnce {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

func (s *Server) syncWith(ctx context.Context, p Partner) error {
	opts := s.template
	opts.Mode = p.Mode
	sess, err := s.dial(ctx, p.Address, s.peer, opts)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()

	select {
	case <-sess.Done():
		return sess.Err()
	case <-ctx.Done():
		_ = sess.Close()
		<-sess.Done()
		return ctx.Err()
	}
}

// closeSessions closes every outbound session.
func (s *Server) closeSessions() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for sess := range s.sessions {
		_ = sess.Close()
	}
}

// stopAllAdapters stops adapters in reverse registration order.
func (s *Server) stopAllAdapters(adapters []adapter.Adapter) {
	const stopTimeout = 30 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", adp.Protocol(), err)
		}
	}
}

// Adapters returns a snapshot of the registered adapters.
func (s *Server) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]adapter.Adapter(nil), s.adapters...)
}

// Sessions returns the number of open outbound sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
