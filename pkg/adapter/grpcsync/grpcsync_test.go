package grpcsync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/blob/memory"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
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

type fixture struct {
	server, client     *peer.Peer
	serverID, clientID keys.Identity
	share              keys.ShareTag
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	f := fixture{server: newPeer(t), client: newPeer(t)}

	var err error
	f.serverID, err = f.server.CreateIdentity(ctx, "srvr")
	require.NoError(t, err)
	f.clientID, err = f.client.CreateIdentity(ctx, "clnt")
	require.NoError(t, err)
	share, err := f.server.CreateShare(ctx, "docs")
	require.NoError(t, err)
	f.share = share.Tag

	for _, mode := range []capability.Mode{capability.ModeRead, capability.ModeWrite} {
		c, err := f.server.MintCap(ctx, f.share, f.serverID.Tag, mode)
		require.NoError(t, err)
		d, err := f.server.Delegate(c, f.clientID.Tag, mode)
		require.NoError(t, err)
		_, err = f.client.ImportCap(ctx, d.Export())
		require.NoError(t, err)
	}
	return f
}

func set(t *testing.T, p *peer.Peer, id keys.Identity, share keys.ShareTag, at path.Path, payload []byte) {
	t.Helper()
	st, err := p.GetStore(share)
	require.NoError(t, err)
	ev := st.Set(context.Background(), store.SetInput{Identity: id.Tag, Path: at, Payload: payload}, false)
	require.IsType(t, &document.SetSuccess{}, ev, "%v", ev)
}

func get(t *testing.T, p *peer.Peer, share keys.ShareTag, at path.Path) []byte {
	t.Helper()
	ctx := context.Background()
	st, err := p.GetStore(share)
	require.NoError(t, err)
	doc, err := st.LatestDocAtPath(ctx, at)
	require.NoError(t, err)
	if doc == nil || doc.Payload == nil {
		return nil
	}
	data, err := doc.Payload.Bytes(ctx)
	require.NoError(t, err)
	return data
}

func serve(t *testing.T, p *peer.Peer, cfg Config) *Adapter {
	t.Helper()
	a := New(cfg, syncer.Options{Debounce: 10 * time.Millisecond, Interval: -1})
	a.SetPeer(p)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = a.Stop(context.Background())
		<-errCh
	})

	require.Eventually(t, func() bool { return a.Port() != 0 }, 5*time.Second, 5*time.Millisecond)
	return a
}

func dial(t *testing.T, a *Adapter) *Client {
	t.Helper()
	c, err := Dial(fmt.Sprintf("127.0.0.1:%d", a.Port()), DialOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func wait(t *testing.T, s *syncer.Syncer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestOnceSessionMovesPayloadsBothWays(t *testing.T) {
	f := newFixture(t)
	a := serve(t, f.server, Config{})
	c := dial(t, a)

	big := make([]byte, 3*chunkSize+11)
	for i := range big {
		big[i] = byte(i % 251)
	}
	fromServer := path.MustFromStrings("server", "big")
	fromClient := path.MustFromStrings("client", "note")
	set(t, f.server, f.serverID, f.share, fromServer, big)
	set(t, f.client, f.clientID, f.share, fromClient, []byte("pushed by upload"))

	s, err := c.Sync(context.Background(), f.client, syncer.Options{Mode: syncer.ModeOnce})
	require.NoError(t, err)
	wait(t, s)

	assert.Equal(t, big, get(t, f.client, f.share, fromServer))
	require.Eventually(t, func() bool {
		return string(get(t, f.server, f.share, fromClient)) == "pushed by upload"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestContinuousSessionFollowsWrites(t *testing.T) {
	f := newFixture(t)
	a := serve(t, f.server, Config{})
	c := dial(t, a)

	s, err := c.Sync(context.Background(), f.client, syncer.Options{
		Mode:     syncer.ModeContinuous,
		Debounce: 10 * time.Millisecond,
		Interval: -1,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.State() == syncer.StateIdle }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.ActiveSessions())

	at := path.MustFromStrings("live")
	set(t, f.server, f.serverID, f.share, at, []byte("v1"))
	require.Eventually(t, func() bool {
		return string(get(t, f.client, f.share, at)) == "v1"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	wait(t, s)
	require.Eventually(t, func() bool { return a.ActiveSessions() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTransfersRequireASession(t *testing.T) {
	f := newFixture(t)
	a := serve(t, f.server, Config{})
	c := dial(t, a)

	p := &clientPartner{cc: c.cc, session: "not-a-session"}
	_, err := p.GetDownload(context.Background(), syncer.TransferOpts{Share: f.share})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAuthorisation))
}

func TestUnrequestedUploadIsRejected(t *testing.T) {
	f := newFixture(t)
	a := serve(t, f.server, Config{})
	c := dial(t, a)

	s, err := c.Sync(context.Background(), f.client, syncer.Options{Mode: syncer.ModeContinuous, Interval: -1})
	require.NoError(t, err)
	defer s.Close()
	require.Eventually(t, func() bool { return s.State() == syncer.StateIdle }, 5*time.Second, 5*time.Millisecond)

	var id string
	a.mu.Lock()
	for sid := range a.sessions {
		id = sid
	}
	a.mu.Unlock()
	require.NotEmpty(t, id)

	payload := []byte("nobody asked for this")
	digest := blob.ComputeDigest(payload)
	p := &clientPartner{cc: c.cc, session: id}
	w, err := p.HandleUploadRequest(context.Background(), syncer.TransferOpts{
		Share:  f.share,
		Digest: digest,
		Size:   uint64(len(payload)),
		ID:     "made-up",
	})
	require.NoError(t, err)
	_, _ = w.Write(payload)
	err = w.Close()
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindAuthorisation), "%v", err)

	st, err := f.server.GetStore(f.share)
	require.NoError(t, err)
	has, err := st.HasPayload(context.Background(), digest)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestSessionClaimsEachRequestOnce(t *testing.T) {
	f := newFixture(t)
	sess := newSession(newStreamChannel(nil, nil))
	digest := blob.ComputeDigest([]byte("x"))
	other := blob.ComputeDigest([]byte("y"))

	sess.observe(&syncer.TransferRequest{ID: "r1", Share: f.share, Digest: digest, Size: 1})
	sess.observe(&syncer.TransferRequest{ID: "r2", Share: f.share, Digest: digest, Size: 1})

	assert.False(t, sess.claim(syncer.TransferOpts{ID: "r1", Share: f.share, Digest: other}), "digest must match")
	assert.True(t, sess.claim(syncer.TransferOpts{ID: "r1", Share: f.share, Digest: digest}))
	assert.False(t, sess.claim(syncer.TransferOpts{ID: "r1", Share: f.share, Digest: digest}), "replayed upload")

	sess.observe(&syncer.TransferReject{ID: "r2", Reason: "gone"})
	assert.False(t, sess.claim(syncer.TransferOpts{ID: "r2", Share: f.share, Digest: digest}))
}

func TestSessionLimit(t *testing.T) {
	f := newFixture(t)
	a := serve(t, f.server, Config{MaxSessions: 1})
	c := dial(t, a)

	opts := syncer.Options{Mode: syncer.ModeContinuous, Interval: -1}
	s, err := c.Sync(context.Background(), f.client, opts)
	require.NoError(t, err)
	defer s.Close()

	_, err = c.Sync(context.Background(), f.client, opts)
	require.Error(t, err)
}

func TestSessionRate(t *testing.T) {
	f := newFixture(t)
	a := serve(t, f.server, Config{SessionRate: 1, SessionBurst: 1})
	c := dial(t, a)

	opts := syncer.Options{Mode: syncer.ModeContinuous, Interval: -1}
	s, err := c.Sync(context.Background(), f.client, opts)
	require.NoError(t, err)
	defer s.Close()

	// The bucket refills once per second; an immediate second session is
	// refused even though no session limit is set.
	_, err = c.Sync(context.Background(), f.client, opts)
	require.Error(t, err)
	assert.Equal(t, 1, a.ActiveSessions())
}

func TestStatusMapping(t *testing.T) {
	for _, kind := range []errs.Kind{errs.KindValidation, errs.KindAuthorisation, errs.KindProtocol} {
		err := fromStatus(toStatus(errs.Wrap(kind, nil, "boom")))
		assert.True(t, errs.IsKind(err, kind), "kind %v", kind)
	}
	assert.NoError(t, fromStatus(nil))
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() { New(Config{Port: 70000}, syncer.Options{}) })
}
