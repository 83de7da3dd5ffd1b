package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob/memory"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/path"
	"github.com/marmos91/dittoshare/pkg/peer"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/marmos91/dittoshare/pkg/syncer"
)

func newPeer(t *testing.T) *peer.Peer {
	t.Helper()
	ctx := context.Background()
	entries, err := entrystore.OpenInMemory(ctx)
	require.NoError(t, err)
	p, err := peer.New(ctx, peer.Config{
		KDF:     peer.KDFParams{Time: 1, MemoryKiB: 1024, Threads: 1},
		Entries: entries,
		Blobs:   memory.NewMemoryBlobDriver(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type fakeAdapter struct {
	protocol string
	peer     *peer.Peer
	serveErr error
	stopped  atomic.Bool
}

func (f *fakeAdapter) Serve(ctx context.Context) error {
	if f.serveErr != nil {
		return f.serveErr
	}
	<-ctx.Done()
	return nil
}
func (f *fakeAdapter) SetPeer(p *peer.Peer) { f.peer = p }
func (f *fakeAdapter) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}
func (f *fakeAdapter) Protocol() string { return f.protocol }
func (f *fakeAdapter) Port() int        { return 0 }

func TestAddAdapterInjectsPeer(t *testing.T) {
	p := newPeer(t)
	s := New(p, nil, syncer.Options{})

	a := &fakeAdapter{protocol: "SYNC"}
	require.NoError(t, s.AddAdapter(a))
	assert.Same(t, p, a.peer)
	assert.Error(t, s.AddAdapter(&fakeAdapter{protocol: "SYNC"}))
	assert.Len(t, s.Adapters(), 1)
}

func TestServeStopsAdaptersOnCancel(t *testing.T) {
	s := New(newPeer(t), nil, syncer.Options{})
	a := &fakeAdapter{protocol: "SYNC"}
	require.NoError(t, s.AddAdapter(a))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.True(t, a.stopped.Load())
	assert.Error(t, s.Serve(context.Background()))
}

func TestServeReportsAdapterFailure(t *testing.T) {
	s := New(newPeer(t), nil, syncer.Options{})
	boom := errors.New("boom")
	require.NoError(t, s.AddAdapter(&fakeAdapter{protocol: "BAD", serveErr: boom}))

	err := s.Serve(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestServeRequiresWork(t *testing.T) {
	s := New(newPeer(t), nil, syncer.Options{})
	assert.Error(t, s.Serve(context.Background()))
}

func TestPartnersAreSynced(t *testing.T) {
	ctx := context.Background()
	local, remote := newPeer(t), newPeer(t)

	owner, err := remote.CreateIdentity(ctx, "ownr")
	require.NoError(t, err)
	share, err := remote.CreateShare(ctx, "docs")
	require.NoError(t, err)
	reader, err := local.CreateIdentity(ctx, "rder")
	require.NoError(t, err)

	_, err = remote.MintCap(ctx, share.Tag, owner.Tag, capability.ModeWrite)
	require.NoError(t, err)
	read, err := remote.MintCap(ctx, share.Tag, owner.Tag, capability.ModeRead)
	require.NoError(t, err)
	delegated, err := remote.Delegate(read, reader.Tag, capability.ModeRead)
	require.NoError(t, err)
	_, err = local.ImportCap(ctx, delegated.Export())
	require.NoError(t, err)

	st, err := remote.GetStore(share.Tag)
	require.NoError(t, err)
	at := path.MustFromStrings("readme")
	ev := st.Set(ctx, store.SetInput{Identity: owner.Tag, Path: at, Payload: []byte("hello")}, false)
	require.IsType(t, &document.SetSuccess{}, ev)

	var dialled atomic.Int32
	dial := func(ctx context.Context, address string, p *peer.Peer, opts syncer.Options) (*syncer.Syncer, error) {
		dialled.Add(1)
		assert.Equal(t, "remote:7420", address)
		return syncer.SyncInMemory(ctx, p, remote, opts)
	}

	s := New(local, dial, syncer.Options{})
	require.NoError(t, s.AddPartner(Partner{Address: "remote:7420", Mode: syncer.ModeOnce}))
	assert.Error(t, s.AddPartner(Partner{}))

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = s.Serve(sctx) }()

	mine, err := local.GetStore(share.Tag)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		doc, err := mine.LatestDocAtPath(ctx, at)
		if err != nil || doc == nil || doc.Payload == nil {
			return false
		}
		data, err := doc.Payload.Bytes(ctx)
		return err == nil && string(data) == "hello"
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), dialled.Load())
}
