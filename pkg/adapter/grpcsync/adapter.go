// Package grpcsync runs sync sessions over gRPC.
//
// The Adapter accepts sessions from remote peers; Client dials one. Each
// session is a bidirectional Session stream carrying sync events, while
// payload bytes travel on separate Download and Upload streams tied to the
// session by metadata, so a large transfer never blocks reconciliation.
package grpcsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	grpcpeer "google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/internal/ratelimiter"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// Config holds configuration for the gRPC sync listener.
//
// Default values (applied by New if zero):
//   - MaxMsgBytes: 4 MiB
//   - ShutdownTimeout: 30s
type Config struct {
	// Enabled controls whether the listener is started.
	Enabled bool `mapstructure:"enabled"`

	// Port is the TCP port to listen on. 0 picks a free port.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`

	// MaxSessions limits concurrent sessions. 0 means unlimited.
	MaxSessions int `mapstructure:"max_sessions" validate:"min=0"`

	// MaxMsgBytes bounds one gRPC message in either direction.
	MaxMsgBytes int `mapstructure:"max_msg_bytes" validate:"min=0"`

	// SessionRate limits newly accepted sessions per second, with bursts
	// of up to SessionBurst. 0 means unlimited.
	SessionRate  uint `mapstructure:"session_rate"`
	SessionBurst uint `mapstructure:"session_burst"`

	// ShutdownTimeout is how long Stop waits for sessions to end before
	// closing them forcibly.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"min=0"`
}

func (c *Config) applyDefaults() {
	if c.MaxMsgBytes == 0 {
		c.MaxMsgBytes = 4 << 20
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be 0-65535", c.Port)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("invalid MaxSessions %d: must be >= 0", c.MaxSessions)
	}
	if c.MaxMsgBytes < chunkSize*2 {
		return fmt.Errorf("invalid MaxMsgBytes %d: must be >= %d", c.MaxMsgBytes, chunkSize*2)
	}
	return nil
}

type session struct {
	syncer  *syncer.Syncer
	channel *streamChannel

	// requested holds the TransferRequests sent to the remote that no
	// upload has answered yet, by request id.
	mu        sync.Mutex
	requested map[string]syncer.TransferOpts
}

func newSession(ch *streamChannel) *session {
	s := &session{channel: ch, requested: make(map[string]syncer.TransferOpts)}
	ch.watch = s.observe
	return s
}

// observe tracks outbound TransferRequests and drops those the remote
// refused.
func (s *session) observe(ev syncer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev := ev.(type) {
	case *syncer.TransferRequest:
		s.requested[ev.ID] = syncer.TransferOpts{Share: ev.Share, Digest: ev.Digest, Size: ev.Size, ID: ev.ID}
	case *syncer.TransferReject:
		delete(s.requested, ev.ID)
	}
}

// claim consumes the request an upload answers. An upload is accepted
// once, and only for the share and digest that were asked for.
func (s *session) claim(opts syncer.TransferOpts) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.requested[opts.ID]
	if !ok || want.Share != opts.Share || want.Digest != opts.Digest {
		return false
	}
	delete(s.requested, opts.ID)
	return true
}

// Adapter serves the sync service.
//
// Thread safety:
// All methods are safe for concurrent use; Stop may race with Serve.
type Adapter struct {
	UnimplementedSyncServer

	config   Config
	template syncer.Options
	peer     syncer.Peer
	accepts  *ratelimiter.RateLimiter

	mu       sync.Mutex
	server   *grpc.Server
	sessions map[string]*session
	port     atomic.Int32

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a stopped Adapter. template supplies the tuning of accepted
// sessions; the remote chooses the mode.
//
// Panics if config validation fails.
func New(config Config, template syncer.Options) *Adapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid sync gRPC config: %v", err))
	}
	return &Adapter{
		config:   config,
		template: template,
		accepts:  ratelimiter.New(config.SessionRate, config.SessionBurst),
		sessions: make(map[string]*session),
		shutdown: make(chan struct{}),
	}
}

// SetPeer injects the local peer. Called once before Serve.
func (a *Adapter) SetPeer(p *peer.Peer) {
	a.peer = p
}

// Serve listens and serves sessions until ctx is cancelled or Stop is
// called.
func (a *Adapter) Serve(ctx context.Context) error {
	if a.peer == nil {
		return errors.New("sync gRPC adapter has no peer")
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.config.Port))
	if err != nil {
		return fmt.Errorf("failed to create sync listener on port %d: %w", a.config.Port, err)
	}

	a.mu.Lock()
	select {
	case <-a.shutdown:
		a.mu.Unlock()
		_ = lis.Close()
		return nil
	default:
	}
	a.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(a.config.MaxMsgBytes),
		grpc.MaxSendMsgSize(a.config.MaxMsgBytes),
	)
	RegisterSyncServer(a.server, a)
	server := a.server
	a.mu.Unlock()

	a.port.Store(int32(lis.Addr().(*net.TCPAddr).Port))
	logger.Info("Sync gRPC server listening on port %d", a.Port())

	go func() {
		select {
		case <-ctx.Done():
			logger.Info("Sync gRPC shutdown signal received: %v", ctx.Err())
			_ = a.Stop(context.Background())
		case <-a.shutdown:
		}
	}()

	if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("sync gRPC server: %w", err)
	}
	return nil
}

// Stop closes every session and stops the server, waiting up to
// ShutdownTimeout (or ctx) for handlers to return.
func (a *Adapter) Stop(ctx context.Context) error {
	var stopErr error
	a.shutdownOnce.Do(func() {
		close(a.shutdown)

		a.mu.Lock()
		server := a.server
		sessions := make([]*session, 0, len(a.sessions))
		for _, s := range a.sessions {
			if s != nil {
				sessions = append(sessions, s)
			}
		}
		a.mu.Unlock()

		logger.Info("Sync gRPC graceful shutdown: closing %d session(s)", len(sessions))
		for _, s := range sessions {
			_ = s.syncer.Close()
		}
		if server == nil {
			return
		}

		done := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(done)
		}()

		timeout := time.NewTimer(a.config.ShutdownTimeout)
		defer timeout.Stop()
		select {
		case <-done:
			logger.Info("Sync gRPC graceful shutdown complete")
		case <-ctx.Done():
			server.Stop()
			stopErr = ctx.Err()
		case <-timeout.C:
			server.Stop()
			stopErr = fmt.Errorf("sync gRPC shutdown timeout after %v", a.config.ShutdownTimeout)
		}
	})
	return stopErr
}

// Protocol returns "SYNC".
func (a *Adapter) Protocol() string { return "SYNC" }

// Port returns the bound port, or 0 before Serve has started listening.
func (a *Adapter) Port() int { return int(a.port.Load()) }

// ActiveSessions returns the number of open sessions.
func (a *Adapter) ActiveSessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// ============================================================================
// Service handlers
// ============================================================================

// Session runs one sync session for the lifetime of the stream.
func (a *Adapter) Session(stream grpc.ServerStream) error {
	ctx := stream.Context()

	mode := syncer.ModeOnce
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(modeKey); len(v) > 0 {
			m, err := syncer.ParseMode(v[0])
			if err != nil {
				return toStatus(err)
			}
			mode = m
		}
	}

	if !a.accepts.Allow() {
		return status.Error(codes.ResourceExhausted, "sync session rate exceeded")
	}

	id := ulid.Make().String()
	if !a.reserve(id) {
		return status.Error(codes.ResourceExhausted, "too many sync sessions")
	}
	defer a.release(id)

	if err := stream.SendHeader(metadata.Pairs(sessionKey, id)); err != nil {
		return err
	}

	ch := newStreamChannel(stream, nil)
	sess := newSession(ch)
	opts := a.template
	opts.Peer = a.peer
	opts.Partner = &serverPartner{channel: ch}
	opts.Mode = mode
	opts.Name = "grpc " + remoteAddr(ctx)

	s, err := syncer.New(ctx, opts)
	if err != nil {
		return toStatus(err)
	}

	sess.syncer = s
	a.mu.Lock()
	a.sessions[id] = sess
	a.mu.Unlock()
	logger.Debug("Sync session %s opened by %s (%s)", id, remoteAddr(ctx), mode)

	// Returning ends the stream, so wait until the Syncer is done with it.
	select {
	case <-ch.Done():
	case <-ctx.Done():
		_ = s.Close()
	}
	return nil
}

// Download streams a payload the remote of a session asked for.
func (a *Adapter) Download(in *wrapperspb.BytesValue, stream grpc.ServerStream) error {
	s, err := a.sessionFor(stream.Context())
	if err != nil {
		return err
	}
	opts, err := decodeTransfer(in)
	if err != nil {
		return toStatus(err)
	}
	return toStatus(s.syncer.IncomingTransfer(stream.Context(), stream, syncer.TransferDownload, opts))
}

// Upload receives a payload pushed in answer to a TransferRequest.
func (a *Adapter) Upload(stream grpc.ServerStream) error {
	s, err := a.sessionFor(stream.Context())
	if err != nil {
		return err
	}
	header := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(header); err != nil {
		return err
	}
	opts, err := decodeTransfer(header)
	if err != nil {
		return toStatus(err)
	}
	if !s.claim(opts) {
		return status.Errorf(codes.PermissionDenied, "upload of %s was not requested", opts.Digest.Hash())
	}
	if err := s.syncer.IncomingTransfer(stream.Context(), stream, syncer.TransferUpload, opts); err != nil {
		return toStatus(err)
	}
	return stream.SendMsg(wrapperspb.Bytes(nil))
}

func (a *Adapter) reserve(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	select {
	case <-a.shutdown:
		return false
	default:
	}
	if a.config.MaxSessions > 0 && len(a.sessions) >= a.config.MaxSessions {
		return false
	}
	a.sessions[id] = nil
	return true
}

func (a *Adapter) release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, id)
}

func (a *Adapter) sessionFor(ctx context.Context) (*session, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(sessionKey)
	if len(ids) == 0 {
		return nil, status.Error(codes.PermissionDenied, "transfer outside of a session")
	}
	a.mu.Lock()
	s := a.sessions[ids[0]]
	a.mu.Unlock()
	if s == nil {
		return nil, status.Error(codes.PermissionDenied, "unknown session")
	}
	return s, nil
}

func remoteAddr(ctx context.Context) string {
	if p, ok := grpcpeer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

// serverPartner is the accepting side's Partner. It cannot open streams
// towards the dialer, so payloads it needs are pushed to it by the remote.
type serverPartner struct {
	channel *streamChannel
}

func (p *serverPartner) Channel() syncer.Channel { return p.channel }

func (p *serverPartner) GetDownload(context.Context, syncer.TransferOpts) (io.ReadCloser, error) {
	return nil, nil
}

func (p *serverPartner) HandleUploadRequest(context.Context, syncer.TransferOpts) (io.WriteCloser, error) {
	return nil, nil
}

func (p *serverPartner) HandleTransferRequest(_ context.Context, source any, kind syncer.TransferKind) (*syncer.Transfer, error) {
	stream, ok := source.(grpc.ServerStream)
	if !ok {
		return nil, errs.Internal("transfer source %T is not a gRPC stream", source)
	}
	switch kind {
	case syncer.TransferUpload:
		return &syncer.Transfer{Reader: &chunkReader{stream: stream}}, nil
	case syncer.TransferDownload:
		return &syncer.Transfer{Writer: &chunkWriter{stream: stream}}, nil
	default:
		return nil, errs.Protocol("unknown transfer kind %d", kind)
	}
}
