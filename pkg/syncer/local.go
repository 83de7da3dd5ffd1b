package syncer

import (
	"context"
	"io"
	"sync"
)

// pipe is one end of an in-process channel pair. Sends rendezvous with the
// other end's Recv; closing either end closes both.
type pipe struct {
	in     <-chan Event
	out    chan<- Event
	closed chan struct{}
	once   *sync.Once
}

func newPipePair() (*pipe, *pipe) {
	ab := make(chan Event)
	ba := make(chan Event)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipe{in: ba, out: ab, closed: closed, once: once},
		&pipe{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipe) Send(ctx context.Context, ev Event) error {
	select {
	case <-p.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case p.out <- ev:
		return nil
	case <-p.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipe) Recv(ctx context.Context) (Event, error) {
	select {
	case ev := <-p.in:
		return ev, nil
	case <-p.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// localEnd is a Partner backed by a peer in the same process. Payloads are
// read straight from the other peer's store.
type localEnd struct {
	channel *pipe
	remote  Peer
}

func (l *localEnd) Channel() Channel { return l.channel }

func (l *localEnd) GetDownload(ctx context.Context, opts TransferOpts) (io.ReadCloser, error) {
	st, err := l.remote.GetStore(opts.Share)
	if err != nil {
		return nil, err
	}
	b, err := st.Payload(ctx, opts.Digest)
	if err != nil || b == nil {
		return nil, err
	}
	return b.Stream(ctx)
}

func (l *localEnd) HandleUploadRequest(context.Context, TransferOpts) (io.WriteCloser, error) {
	return nil, nil
}

func (l *localEnd) HandleTransferRequest(context.Context, any, TransferKind) (*Transfer, error) {
	return nil, nil
}

// PartnerLocal syncs with a peer in the same process. It runs the remote
// side's Syncer itself, exposed as PartnerSyncer.
type PartnerLocal struct {
	localEnd

	// PartnerSyncer is the session run on behalf of the remote peer.
	PartnerSyncer *Syncer
}

// NewPartnerLocal connects local to remote in-process. opts tunes the
// remote's session; its Peer and Partner fields are ignored.
//
// Returns:
//   - *PartnerLocal: Partner to pass to the local Syncer
//   - error: When the remote session cannot start
func NewPartnerLocal(ctx context.Context, remote, local Peer, opts Options) (*PartnerLocal, error) {
	near, far := newPipePair()

	opts.Peer = remote
	opts.Partner = &localEnd{channel: far, remote: local}
	if opts.Name == "" {
		opts.Name = "local-partner"
	}
	ps, err := New(ctx, opts)
	if err != nil {
		_ = near.Close()
		return nil, err
	}

	return &PartnerLocal{
		localEnd:      localEnd{channel: near, remote: remote},
		PartnerSyncer: ps,
	}, nil
}

// SyncInMemory starts a session between two peers of the same process and
// returns the local side. Both sides use the same options.
func SyncInMemory(ctx context.Context, local, remote Peer, opts Options) (*Syncer, error) {
	partner, err := NewPartnerLocal(ctx, remote, local, opts)
	if err != nil {
		return nil, err
	}
	opts.Peer = local
	opts.Partner = partner
	if opts.Name == "" || opts.Name == "local-partner" {
		opts.Name = "local"
	}
	s, err := New(ctx, opts)
	if err != nil {
		_ = partner.PartnerSyncer.Close()
		return nil, err
	}
	return s, nil
}
