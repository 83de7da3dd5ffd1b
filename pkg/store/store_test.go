package store

import (
	"bytes"
	"context"
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
)

type testKeyring struct {
	identities map[keys.IdentityTag]keys.Identity
	caps       map[keys.ShareTag][]*capability.Capability
}

func (k *testKeyring) Identity(tag keys.IdentityTag) (keys.Identity, bool) {
	id, ok := k.identities[tag]
	return id, ok
}

func (k *testKeyring) Capabilities(share keys.ShareTag) []*capability.Capability {
	return k.caps[share]
}

type fixture struct {
	share keys.Share
	alfa  keys.Identity
	brav  keys.Identity
	kr    *testKeyring
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	share, err := keys.NewShare("test")
	require.NoError(t, err)
	alfa, err := keys.NewIdentity("alfa")
	require.NoError(t, err)
	brav, err := keys.NewIdentity("brav")
	require.NoError(t, err)

	kr := &testKeyring{
		identities: map[keys.IdentityTag]keys.Identity{alfa.Tag: alfa, brav.Tag: brav},
		caps:       map[keys.ShareTag][]*capability.Capability{},
	}
	for _, id := range []keys.Identity{alfa, brav} {
		c, err := capability.Mint(share, id.Public, capability.ModeWrite)
		require.NoError(t, err)
		kr.caps[share.Tag] = append(kr.caps[share.Tag], c)
	}
	return fixture{share: share, alfa: alfa, brav: brav, kr: kr}
}

func (f fixture) newStore(t *testing.T) *Store {
	t.Helper()
	entries, err := entrystore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = entries.Close() })

	s, err := New(f.share.Tag, f.kr, entries, memory.NewMemoryBlobDriver(), Options{
		Clock: func() time.Time { return time.UnixMicro(1000) },
	})
	require.NoError(t, err)
	return s
}

func mustSet(t *testing.T, s *Store, in SetInput, permitPruning bool) *document.SetSuccess {
	t.Helper()
	ev := s.Set(context.Background(), in, permitPruning)
	success, ok := ev.(*document.SetSuccess)
	require.True(t, ok, "expected success, got %s: %+v", ev.Kind(), ev)
	return success
}

func payloadOf(t *testing.T, doc *document.Document) string {
	t.Helper()
	require.NotNil(t, doc)
	require.NotNil(t, doc.Payload)
	data, err := doc.Payload.Bytes(context.Background())
	require.NoError(t, err)
	return string(data)
}

func collectDocs(t *testing.T, s *Store, q document.Query) []document.Document {
	t.Helper()
	var out []document.Document
	for doc, err := range s.QueryDocs(context.Background(), q) {
		require.NoError(t, err)
		out = append(out, doc)
	}
	return out
}

func TestSetAndGet(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()
	p := path.MustFromStrings("hello")

	ev := mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("world")}, false)
	assert.Equal(t, uint64(1000), ev.Document.Timestamp, "default timestamp comes from the clock")
	assert.Empty(t, ev.Pruned)

	doc, err := s.Get(ctx, f.alfa.Tag, p)
	require.NoError(t, err)
	assert.Equal(t, "world", payloadOf(t, doc))
	assert.Equal(t, blob.ComputeDigest([]byte("world")), doc.Digest)
	assert.Equal(t, uint64(5), doc.Size)
	assert.True(t, s.Scheme().IsAuthorisedWrite(ctx, doc.Entry(), doc.Token))

	missing, err := s.Get(ctx, f.brav.Tag, p)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSetFromStream(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)

	ev := mustSet(t, s, SetInput{
		Identity: f.alfa.Tag,
		Path:     path.MustFromStrings("big"),
		Stream:   bytes.NewReader(bytes.Repeat([]byte("z"), 100_000)),
	}, false)
	assert.Equal(t, uint64(100_000), ev.Document.Size)
}

func TestSetFailures(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()
	p := path.MustFromStrings("x")

	stranger, err := keys.NewIdentity("strn")
	require.NoError(t, err)

	cases := []struct {
		name string
		in   SetInput
		kind errs.Kind
	}{
		{"unknown identity", SetInput{Identity: stranger.Tag, Path: p}, errs.KindAuthorisation},
		{"malformed identity", SetInput{Identity: "@nope", Path: p}, errs.KindValidation},
		{"empty path", SetInput{Identity: f.alfa.Tag}, errs.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := s.Set(ctx, tc.in, false)
			failure, ok := ev.(*document.SetFailure)
			require.True(t, ok, "got %s", ev.Kind())
			assert.Equal(t, tc.kind, failure.Reason)
		})
	}

	assert.Empty(t, collectDocs(t, s, document.Query{}))
}

func TestReadCapabilityCannotWrite(t *testing.T) {
	f := newFixture(t)
	readOnly, err := keys.NewIdentity("read")
	require.NoError(t, err)
	c, err := capability.Mint(f.share, readOnly.Public, capability.ModeRead)
	require.NoError(t, err)
	f.kr.identities[readOnly.Tag] = readOnly
	f.kr.caps[f.share.Tag] = append(f.kr.caps[f.share.Tag], c)

	s := f.newStore(t)
	ev := s.Set(context.Background(), SetInput{Identity: readOnly.Tag, Path: path.MustFromStrings("x")}, false)
	require.Equal(t, document.SetKindFailure, ev.Kind())
	assert.Equal(t, errs.KindAuthorisation, ev.(*document.SetFailure).Reason)
}

func TestOlderWriteIsNoOp(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	p := path.MustFromStrings("x")

	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("new"), Timestamp: 20}, false)
	ev := s.Set(context.Background(), SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("old"), Timestamp: 10}, false)
	assert.Equal(t, document.SetKindNoOp, ev.Kind())

	doc, err := s.Get(context.Background(), f.alfa.Tag, p)
	require.NoError(t, err)
	assert.Equal(t, "new", payloadOf(t, doc))
}

func TestConflictResolutionIsDeterministic(t *testing.T) {
	f := newFixture(t)
	a := f.newStore(t)
	b := f.newStore(t)
	ctx := context.Background()
	p := path.MustFromStrings("contested")

	first := SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("apple"), Timestamp: 50}
	second := SetInput{Identity: f.brav.Tag, Path: p, Payload: []byte("banana"), Timestamp: 50}

	mustSet(t, a, first, false)
	mustSet(t, a, second, false)
	mustSet(t, b, second, false)
	mustSet(t, b, first, false)

	latestA, err := a.LatestDocAtPath(ctx, p)
	require.NoError(t, err)
	latestB, err := b.LatestDocAtPath(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, latestA.Identity, latestB.Identity)
	assert.Equal(t, latestA.Digest, latestB.Digest)

	all, err := a.DocumentsAtPath(ctx, p)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, latestA.Identity, all[0].Identity, "newest first")
}

func TestSameKeyTieBreaksOnDigest(t *testing.T) {
	f := newFixture(t)
	a := f.newStore(t)
	b := f.newStore(t)
	ctx := context.Background()
	p := path.MustFromStrings("tied")

	first := SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("apple"), Timestamp: 50}
	second := SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("banana"), Timestamp: 50}
	winner := first
	if blob.ComputeDigest(second.Payload).Compare(blob.ComputeDigest(first.Payload)) > 0 {
		winner = second
	}

	a.Set(ctx, first, false)
	a.Set(ctx, second, false)
	b.Set(ctx, second, false)
	b.Set(ctx, first, false)

	for _, s := range []*Store{a, b} {
		all, err := s.DocumentsAtPath(ctx, p)
		require.NoError(t, err)
		require.Len(t, all, 1, "one entry per identity and path")
		assert.Equal(t, string(winner.Payload), payloadOf(t, &all[0]))
		assert.Equal(t, uint64(50), all[0].Timestamp)
	}
}

func TestPruneSafety(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()

	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("blog", "a"), Payload: []byte("a"), Timestamp: 1}, false)
	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("blog", "b"), Payload: []byte("b"), Timestamp: 2}, false)
	mustSet(t, s, SetInput{Identity: f.brav.Tag, Path: path.MustFromStrings("blog", "c"), Payload: []byte("c"), Timestamp: 3}, false)

	write := SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("blog"), Payload: []byte("index"), Timestamp: 10}

	ev := s.Set(ctx, write, false)
	prevented, ok := ev.(*document.SetPruningPrevented)
	require.True(t, ok, "got %s", ev.Kind())
	require.Len(t, prevented.Preserved, 2)
	assert.Equal(t, "/blog/a", prevented.Preserved[0].Path.String())
	assert.Equal(t, "/blog/b", prevented.Preserved[1].Path.String())
	assert.Len(t, collectDocs(t, s, document.Query{}), 3, "refused write changes nothing")

	success := mustSet(t, s, write, true)
	require.Len(t, success.Pruned, 2)
	assert.Equal(t, "/blog/a", success.Pruned[0].String())
	assert.Equal(t, "/blog/b", success.Pruned[1].String())

	var remaining []string
	for p, err := range s.QueryPaths(ctx, document.Query{}) {
		require.NoError(t, err)
		remaining = append(remaining, p.String())
	}
	assert.Equal(t, []string{"/blog", "/blog/c"}, remaining)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()
	p := path.MustFromStrings("note")

	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("secret"), Timestamp: 77}, false)

	cleared, err := s.Clear(ctx, f.alfa.Tag, p)
	require.NoError(t, err)
	assert.Equal(t, uint64(78), cleared.Timestamp)

	doc, err := s.Get(ctx, f.alfa.Tag, p)
	require.NoError(t, err)
	require.NotNil(t, doc, "a cleared document still exists")
	assert.Equal(t, uint64(78), doc.Timestamp)
	assert.Equal(t, uint64(0), doc.Size)
	assert.Equal(t, "", payloadOf(t, doc))

	_, err = s.Clear(ctx, f.brav.Tag, p)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestClearRefusesToPruneDescendants(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()
	parent := path.MustFromStrings("blog")
	child := path.MustFromStrings("blog", "x")

	// At equal timestamps the larger digest wins, so the child survives the
	// parent's write but not a clear one microsecond later.
	low, high := []byte("index"), []byte("child")
	if blob.ComputeDigest(high).Compare(blob.ComputeDigest(low)) < 0 {
		low, high = high, low
	}
	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: parent, Payload: low, Timestamp: 10}, false)
	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: child, Payload: high, Timestamp: 10}, false)

	_, err := s.Clear(ctx, f.alfa.Tag, parent)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	doc, err := s.Get(ctx, f.alfa.Tag, child)
	require.NoError(t, err)
	assert.Equal(t, string(high), payloadOf(t, doc))
	doc, err = s.Get(ctx, f.alfa.Tag, parent)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), doc.Timestamp)
}

func TestQueryProjectionsDeduplicate(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()

	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("a"), Timestamp: 1}, false)
	mustSet(t, s, SetInput{Identity: f.brav.Tag, Path: path.MustFromStrings("a"), Timestamp: 2}, false)
	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("b"), Timestamp: 3}, false)

	var paths []string
	for p, err := range s.QueryPaths(ctx, document.Query{}) {
		require.NoError(t, err)
		paths = append(paths, p.String())
	}
	assert.Equal(t, []string{"/a", "/b"}, paths)

	var ids []keys.IdentityTag
	for id, err := range s.QueryIdentities(ctx, document.Query{Order: document.OrderTimestamp}) {
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []keys.IdentityTag{f.alfa.Tag, f.brav.Tag}, ids)

	var newest []uint64
	for doc, err := range s.Documents(ctx, document.OrderTimestamp, true) {
		require.NoError(t, err)
		newest = append(newest, doc.Timestamp)
	}
	assert.Equal(t, []uint64{3, 2, 1}, newest)

	for _, err := range s.QueryDocs(ctx, document.Query{Limit: -1}) {
		assert.True(t, errs.IsKind(err, errs.KindValidation))
	}
}

func TestIngestEntry(t *testing.T) {
	f := newFixture(t)
	src := f.newStore(t)
	dst := f.newStore(t)
	ctx := context.Background()

	ev := mustSet(t, src, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("x"), Payload: []byte("data"), Timestamp: 5}, false)
	doc := ev.Document

	res, err := dst.IngestEntry(ctx, doc.Entry(), doc.Token)
	require.NoError(t, err)
	assert.Equal(t, IngestStored, res.Outcome)
	assert.True(t, res.NeedsPayload)

	got, err := dst.Get(ctx, f.alfa.Tag, doc.Path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Payload, "payload not transferred yet")

	missing, err := dst.MissingPayloads(ctx)
	require.NoError(t, err)
	assert.Len(t, missing, 1)

	err = dst.IngestPayload(ctx, doc.Digest, bytes.NewReader([]byte("tampered")))
	assert.ErrorIs(t, err, blob.ErrDigestMismatch)
	require.NoError(t, dst.IngestPayload(ctx, doc.Digest, bytes.NewReader([]byte("data"))))

	got, err = dst.Get(ctx, f.alfa.Tag, doc.Path)
	require.NoError(t, err)
	assert.Equal(t, "data", payloadOf(t, got))

	res, err = dst.IngestEntry(ctx, doc.Entry(), doc.Token)
	require.NoError(t, err)
	assert.Equal(t, IngestNoOp, res.Outcome)
}

func TestIngestRejectsBadEntries(t *testing.T) {
	f := newFixture(t)
	src := f.newStore(t)
	dst := f.newStore(t)
	ctx := context.Background()

	doc := mustSet(t, src, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("x"), Payload: []byte("data")}, false).Document

	tampered := doc.Entry()
	tampered.Timestamp++
	_, err := dst.IngestEntry(ctx, tampered, doc.Token)
	assert.True(t, errs.IsKind(err, errs.KindAuthorisation))

	other, err := keys.NewShare("other")
	require.NoError(t, err)
	foreign := doc.Entry()
	foreign.Share = other.Tag
	_, err = dst.IngestEntry(ctx, foreign, doc.Token)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	assert.Empty(t, collectDocs(t, dst, document.Query{}))
}

func TestIngestEmptyPayloadNeedsNoTransfer(t *testing.T) {
	f := newFixture(t)
	src := f.newStore(t)
	dst := f.newStore(t)

	doc := mustSet(t, src, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("empty")}, false).Document
	res, err := dst.IngestEntry(context.Background(), doc.Entry(), doc.Token)
	require.NoError(t, err)
	assert.False(t, res.NeedsPayload)
}

func TestConvergence(t *testing.T) {
	f := newFixture(t)
	a := f.newStore(t)
	b := f.newStore(t)
	ctx := context.Background()

	mustSet(t, a, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("p", "1"), Payload: []byte("a1"), Timestamp: 10}, false)
	mustSet(t, a, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("shared"), Payload: []byte("a-shared"), Timestamp: 30}, false)
	mustSet(t, b, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("shared"), Payload: []byte("b-shared"), Timestamp: 20}, false)
	mustSet(t, b, SetInput{Identity: f.brav.Tag, Path: path.MustFromStrings("p", "2"), Payload: []byte("b2"), Timestamp: 15}, false)
	mustSet(t, b, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("p"), Payload: []byte("prefix"), Timestamp: 40}, true)

	exchange := func(from, to *Store) {
		for doc, err := range from.QueryDocs(ctx, document.Query{}) {
			require.NoError(t, err)
			res, err := to.IngestEntry(ctx, doc.Entry(), doc.Token)
			require.NoError(t, err)
			if res.NeedsPayload {
				data, err := doc.Payload.Bytes(ctx)
				require.NoError(t, err)
				require.NoError(t, to.IngestPayload(ctx, doc.Digest, bytes.NewReader(data)))
			}
		}
	}
	exchange(a, b)
	exchange(b, a)

	summary := func(s *Store) []string {
		var out []string
		for doc, err := range s.Documents(ctx, document.OrderPath, false) {
			require.NoError(t, err)
			out = append(out, doc.Entry().String())
		}
		return out
	}
	assert.Equal(t, summary(a), summary(b))
	assert.Len(t, summary(a), 3, "/p by alfa pruned /p/1; /shared keeps the newer write")
}

func TestDropRoundTrip(t *testing.T) {
	f := newFixture(t)
	src := f.newStore(t)
	dst := f.newStore(t)
	ctx := context.Background()

	mustSet(t, src, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("a"), Payload: []byte("one")}, false)
	mustSet(t, src, SetInput{Identity: f.brav.Tag, Path: path.MustFromStrings("b"), Payload: []byte("two")}, false)

	var buf bytes.Buffer
	n, err := src.CreateDrop(ctx, document.Query{}, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res, err := dst.IngestDrop(ctx, bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, DropResult{Stored: 2, Payloads: 2}, res)

	doc, err := dst.Get(ctx, f.brav.Tag, path.MustFromStrings("b"))
	require.NoError(t, err)
	assert.Equal(t, "two", payloadOf(t, doc))

	res, err = dst.IngestDrop(ctx, bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.Equal(t, DropResult{NoOp: 2}, res)
}

func TestDropForAnotherShareIsInternalError(t *testing.T) {
	f := newFixture(t)
	g := newFixture(t)
	src := f.newStore(t)
	dst := g.newStore(t)
	ctx := context.Background()

	var buf bytes.Buffer
	_, err := src.CreateDrop(ctx, document.Query{}, &buf, nil)
	require.NoError(t, err)

	_, err = dst.IngestDrop(ctx, &buf, nil)
	assert.True(t, errs.IsKind(err, errs.KindInternal))
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)

	events, cancel := s.Subscribe()
	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: path.MustFromStrings("x"), Payload: []byte("v")}, false)

	select {
	case ev := <-events:
		assert.Equal(t, EventWrite, ev.Kind)
		assert.Equal(t, "/x", ev.Entry.Path.String())
	case <-time.After(time.Second):
		t.Fatal("no event")
	}

	cancel()
	cancel()
	_, open := <-events
	assert.False(t, open)
}

func TestCollectGarbage(t *testing.T) {
	f := newFixture(t)
	s := f.newStore(t)
	ctx := context.Background()
	p := path.MustFromStrings("x")

	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("first"), Timestamp: 1}, false)
	mustSet(t, s, SetInput{Identity: f.alfa.Tag, Path: p, Payload: []byte("second"), Timestamp: 2}, false)

	erased, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	require.Len(t, erased, 1)
	assert.Equal(t, blob.ComputeDigest([]byte("first")), erased[0].Hash)

	doc, err := s.Get(ctx, f.alfa.Tag, p)
	require.NoError(t, err)
	assert.Equal(t, "second", payloadOf(t, doc))
}
