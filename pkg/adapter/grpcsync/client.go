package grpcsync

import (
	"bytes"
	"context"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

// closeGrace is how long a closed client session waits for the server to
// end the stream before cancelling it.
const closeGrace = 5 * time.Second

// DialOptions configures a Client.
type DialOptions struct {
	// MaxMsgBytes sets both send and receive limits when non-zero.
	MaxMsgBytes int
}

// Client is a connection to a remote sync listener.
type Client struct {
	cc *grpc.ClientConn
}

// Dial prepares a connection to target ("host:port"). The connection is
// established lazily by the first session.
func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc}, nil
}

// Close closes the connection and every session on it.
func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Sync opens a session with the remote and returns the local Syncer
// driving it. opts.Peer and opts.Partner are set by Sync.
func (c *Client) Sync(ctx context.Context, p syncer.Peer, opts syncer.Options) (*syncer.Syncer, error) {
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sctx = metadata.AppendToOutgoingContext(sctx, modeKey, opts.Mode.String())

	stream, err := openSession(sctx, c.cc)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	header, err := headerOf(ctx, stream)
	if err != nil {
		cancel()
		return nil, err
	}
	ids := header.Get(sessionKey)
	if len(ids) == 0 {
		cancel()
		return nil, errs.Protocol("server did not assign a session")
	}

	var ch *streamChannel
	ch = newStreamChannel(stream, func() {
		time.AfterFunc(closeGrace, cancel)
		go ch.closeSend(stream)
	})

	opts.Peer = p
	opts.Partner = &clientPartner{cc: c.cc, channel: ch, session: ids[0]}
	if opts.Name == "" {
		opts.Name = "grpc " + c.cc.Target()
	}
	s, err := syncer.New(ctx, opts)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return s, nil
}

// headerOf waits for the session header, honouring ctx.
func headerOf(ctx context.Context, stream grpc.ClientStream) (metadata.MD, error) {
	type result struct {
		md  metadata.MD
		err error
	}
	done := make(chan result, 1)
	go func() {
		md, err := stream.Header()
		done <- result{md, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fromStatus(r.err)
		}
		return r.md, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// clientPartner is the dialing side's Partner. It can open streams, so it
// both downloads payloads directly and pushes payloads on request.
type clientPartner struct {
	cc      grpc.ClientConnInterface
	channel *streamChannel
	session string
}

func (p *clientPartner) Channel() syncer.Channel { return p.channel }

func (p *clientPartner) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, sessionKey, p.session)
}

func (p *clientPartner) GetDownload(ctx context.Context, opts syncer.TransferOpts) (io.ReadCloser, error) {
	dctx, cancel := context.WithCancel(p.outgoing(ctx))
	stream, err := openDownload(dctx, p.cc, encodeTransfer(opts))
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	first := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(first); err != nil {
		cancel()
		switch {
		case err == io.EOF:
			return io.NopCloser(bytes.NewReader(nil)), nil
		case status.Code(err) == codes.NotFound:
			return nil, nil
		default:
			return nil, fromStatus(err)
		}
	}
	return &chunkReader{stream: stream, buf: first.GetValue(), close: cancel}, nil
}

func (p *clientPartner) HandleUploadRequest(ctx context.Context, opts syncer.TransferOpts) (io.WriteCloser, error) {
	uctx, cancel := context.WithCancel(p.outgoing(ctx))
	stream, err := openUpload(uctx, p.cc)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(encodeTransfer(opts)); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &chunkWriter{stream: stream, close: func() error {
		defer cancel()
		if err := stream.CloseSend(); err != nil {
			return fromStatus(err)
		}
		return fromStatus(stream.RecvMsg(new(wrapperspb.BytesValue)))
	}}, nil
}

func (p *clientPartner) HandleTransferRequest(context.Context, any, syncer.TransferKind) (*syncer.Transfer, error) {
	return nil, nil
}

// DialSession dials address, runs one session for p and closes the
// connection when the session ends. It satisfies server.Dialer.
func DialSession(ctx context.Context, address string, p *peer.Peer, opts syncer.Options) (*syncer.Syncer, error) {
	return SessionDialer(DialOptions{})(ctx, address, p, opts)
}

// SessionDialer is DialSession with explicit connection options.
func SessionDialer(dialOpts DialOptions) func(context.Context, string, *peer.Peer, syncer.Options) (*syncer.Syncer, error) {
	return func(ctx context.Context, address string, p *peer.Peer, opts syncer.Options) (*syncer.Syncer, error) {
		c, err := Dial(address, dialOpts)
		if err != nil {
			return nil, err
		}
		s, err := c.Sync(ctx, p, opts)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		go func() {
			<-s.Done()
			_ = c.Close()
		}()
		return s, nil
	}
}
