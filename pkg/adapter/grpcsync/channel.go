package grpcsync

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/marmos91/dittoshare/pkg/syncer"
)

// streamChannel carries sync events over a Session stream, one event per
// BytesValue. gRPC allows one sender and one receiver concurrently, which
// is how a Syncer uses its channel.
type streamChannel struct {
	stream  msgStream
	sendMu  sync.Mutex
	closed  chan struct{}
	once    sync.Once
	onClose func()

	// watch, when set, sees every event before it is sent and after it is
	// received.
	watch func(syncer.Event)
}

func newStreamChannel(stream msgStream, onClose func()) *streamChannel {
	return &streamChannel{stream: stream, closed: make(chan struct{}), onClose: onClose}
}

func (c *streamChannel) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *streamChannel) Send(ctx context.Context, ev syncer.Event) error {
	if c.isClosed() {
		return syncer.ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := syncer.EncodeEvent(ev)
	if err != nil {
		return err
	}
	if c.watch != nil {
		c.watch(ev)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return c.streamErr(err)
	}
	return nil
}

// closeSend half-closes a client stream once no Send is in flight.
func (c *streamChannel) closeSend(cs interface{ CloseSend() error }) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_ = cs.CloseSend()
}

func (c *streamChannel) Recv(ctx context.Context) (syncer.Event, error) {
	if c.isClosed() {
		return nil, syncer.ErrChannelClosed
	}
	msg := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, c.streamErr(err)
	}
	ev, err := syncer.DecodeEvent(msg.GetValue())
	if err == nil && c.watch != nil {
		c.watch(ev)
	}
	return ev, err
}

func (c *streamChannel) streamErr(err error) error {
	if c.isClosed() || errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return syncer.ErrChannelClosed
	}
	return fromStatus(err)
}

// Done is closed once the channel is closed.
func (c *streamChannel) Done() <-chan struct{} { return c.closed }

func (c *streamChannel) Close() error {
	c.once.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}
