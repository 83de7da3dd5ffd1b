package entrystore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

type env struct {
	store *Store
	share keys.ShareTag
	alfa  keys.IdentityTag
	brav  keys.IdentityTag
}

func newEnv(t *testing.T) env {
	t.Helper()
	s, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	share, err := keys.NewShare("test")
	require.NoError(t, err)
	alfa, err := keys.NewIdentity("alfa")
	require.NoError(t, err)
	brav, err := keys.NewIdentity("brav")
	require.NoError(t, err)
	return env{store: s, share: share.Tag, alfa: alfa.Tag, brav: brav.Tag}
}

func (e env) entry(identity keys.IdentityTag, ts uint64, payload string, components ...string) document.Entry {
	return document.Entry{
		Share:         e.share,
		Identity:      identity,
		Path:          path.MustFromStrings(components...),
		Timestamp:     ts,
		PayloadDigest: blob.ComputeDigest([]byte(payload)),
		PayloadLength: uint64(len(payload)),
	}
}

func (e env) mustPut(t *testing.T, entry document.Entry) PutResult {
	t.Helper()
	res, err := e.store.Put(context.Background(), entry, document.AuthorisationToken{Signature: []byte("sig")})
	require.NoError(t, err)
	return res
}

func collect(t *testing.T, e env, q document.Query) []Record {
	t.Helper()
	var out []Record
	for rec, err := range e.store.Query(context.Background(), e.share, q) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func paths(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Entry.Path.String()
	}
	return out
}

func TestPutAndGet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := e.mustPut(t, e.entry(e.alfa, 1, "hello", "greeting"))
	assert.Equal(t, PutStored, res.Outcome)

	rec, ok, err := e.store.Get(ctx, e.share, e.alfa, path.MustFromStrings("greeting"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Entry.Timestamp)
	assert.Equal(t, []byte("sig"), rec.Token.Signature)

	_, ok, err = e.store.Get(ctx, e.share, e.brav, path.MustFromStrings("greeting"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutNewerWinsOlderIsNoOp(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.mustPut(t, e.entry(e.alfa, 10, "v10", "a"))
	res := e.mustPut(t, e.entry(e.alfa, 5, "v5", "a"))
	assert.Equal(t, PutNoOp, res.Outcome)

	res = e.mustPut(t, e.entry(e.alfa, 10, "v10", "a"))
	assert.Equal(t, PutNoOp, res.Outcome, "identical entry")

	res = e.mustPut(t, e.entry(e.alfa, 20, "v20", "a"))
	assert.Equal(t, PutStored, res.Outcome)
	require.Len(t, res.Pruned, 1)
	assert.Equal(t, uint64(10), res.Pruned[0].Entry.Timestamp)

	rec, _, err := e.store.Get(ctx, e.share, e.alfa, path.MustFromStrings("a"))
	require.NoError(t, err)
	assert.Equal(t, uint64(20), rec.Entry.Timestamp)
}

func TestPutPrunesOlderDescendantsOfSameIdentity(t *testing.T) {
	e := newEnv(t)

	e.mustPut(t, e.entry(e.alfa, 1, "x", "blog", "one"))
	e.mustPut(t, e.entry(e.alfa, 50, "x", "blog", "two"))
	e.mustPut(t, e.entry(e.brav, 1, "x", "blog", "three"))
	e.mustPut(t, e.entry(e.alfa, 1, "x", "blogger"))

	res := e.mustPut(t, e.entry(e.alfa, 10, "x", "blog"))
	assert.Equal(t, PutStored, res.Outcome)
	require.Len(t, res.Pruned, 1)
	assert.Equal(t, "/blog/one", res.Pruned[0].Entry.Path.String())

	assert.Equal(t, []string{"/blog", "/blog/three", "/blog/two", "/blogger"}, paths(collect(t, e, document.Query{})))
}

func TestPutUnderNewerPrefixIsNoOp(t *testing.T) {
	e := newEnv(t)

	e.mustPut(t, e.entry(e.alfa, 10, "x", "blog"))
	res := e.mustPut(t, e.entry(e.alfa, 5, "x", "blog", "old"))
	assert.Equal(t, PutNoOp, res.Outcome)

	res = e.mustPut(t, e.entry(e.brav, 5, "x", "blog", "old"))
	assert.Equal(t, PutStored, res.Outcome, "other identities are unaffected")
}

func TestPrunableEntries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.mustPut(t, e.entry(e.alfa, 1, "x", "a", "b"))
	e.mustPut(t, e.entry(e.alfa, 1, "x", "a"))
	e.mustPut(t, e.entry(e.alfa, 99, "x", "a", "c"))
	e.mustPut(t, e.entry(e.brav, 1, "x", "a", "d"))

	prunable, err := e.store.PrunableEntries(ctx, e.entry(e.alfa, 10, "new", "a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b"}, paths(prunable))
}

func TestAtPath(t *testing.T) {
	e := newEnv(t)

	e.mustPut(t, e.entry(e.alfa, 1, "x", "a"))
	e.mustPut(t, e.entry(e.brav, 2, "y", "a"))
	e.mustPut(t, e.entry(e.alfa, 3, "z", "a", "b"))

	recs, err := e.store.AtPath(context.Background(), e.share, path.MustFromStrings("a"))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestQueryOrdersAndLimits(t *testing.T) {
	e := newEnv(t)

	e.mustPut(t, e.entry(e.brav, 30, "x", "a"))
	e.mustPut(t, e.entry(e.alfa, 20, "x", "b"))
	e.mustPut(t, e.entry(e.alfa, 10, "x", "c"))

	assert.Equal(t, []string{"/a", "/b", "/c"}, paths(collect(t, e, document.Query{})))
	assert.Equal(t, []string{"/c", "/b", "/a"}, paths(collect(t, e, document.Query{Descending: true})))
	assert.Equal(t, []string{"/a", "/b"}, paths(collect(t, e, document.Query{Limit: 2})))
	assert.Equal(t, []string{"/c", "/b"}, paths(collect(t, e, document.Query{Limit: 2, Descending: true})))
	assert.Equal(t, []string{"/c", "/b", "/a"}, paths(collect(t, e, document.Query{Order: document.OrderTimestamp})))
	assert.Equal(t, []string{"/a"}, paths(collect(t, e, document.Query{Order: document.OrderTimestamp, Descending: true, Limit: 1})))

	byIdentity := collect(t, e, document.Query{Order: document.OrderIdentity})
	require.Len(t, byIdentity, 3)
	assert.True(t, byIdentity[0].Entry.Identity <= byIdentity[2].Entry.Identity)

	assert.Equal(t, []string{"/b", "/c"}, paths(collect(t, e, document.Query{Identity: e.alfa})))
	assert.Equal(t, []string{"/b"}, paths(collect(t, e, document.Query{TimestampGte: 15, TimestampLt: 25})))
}

func TestQueryIsRestartableAndStopsEarly(t *testing.T) {
	e := newEnv(t)
	for _, p := range []string{"a", "b", "c"} {
		e.mustPut(t, e.entry(e.alfa, 1, p, p))
	}

	seq := e.store.Query(context.Background(), e.share, document.Query{})
	for range 2 {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	}
}

func TestQueryPathPrefix(t *testing.T) {
	e := newEnv(t)
	e.mustPut(t, e.entry(e.alfa, 1, "x", "wiki", "a"))
	e.mustPut(t, e.entry(e.alfa, 1, "x", "wiki"))
	e.mustPut(t, e.entry(e.alfa, 1, "x", "wikipedia"))

	got := collect(t, e, document.Query{PathPrefix: path.MustFromStrings("wiki"), Descending: true})
	assert.Equal(t, []string{"/wiki/a", "/wiki"}, paths(got))
}

func TestSharesAreIsolated(t *testing.T) {
	e := newEnv(t)
	other, err := keys.NewShare("other")
	require.NoError(t, err)

	e.mustPut(t, e.entry(e.alfa, 1, "x", "a"))
	foreign := e.entry(e.alfa, 1, "x", "a")
	foreign.Share = other.Tag
	e.mustPut(t, foreign)

	assert.Len(t, collect(t, e, document.Query{}), 1)

	shares, err := e.store.Shares(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []keys.ShareTag{e.share, other.Tag}, shares)
}

func TestFingerprintsConvergeAcrossStores(t *testing.T) {
	a := newEnv(t)
	b := env{store: newEnv(t).store, share: a.share, alfa: a.alfa, brav: a.brav}
	ctx := context.Background()

	entries := []document.Entry{
		a.entry(a.alfa, 1, "x", "a"),
		a.entry(a.brav, 2, "y", "b"),
		a.entry(a.alfa, 3, "z", "c", "d"),
	}
	for _, en := range entries {
		a.mustPut(t, en)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		b.mustPut(t, entries[i])
	}

	fpA, nA, err := a.store.Summarise(ctx, a.share, FullRange)
	require.NoError(t, err)
	fpB, nB, err := b.store.Summarise(ctx, b.share, FullRange)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
	assert.Equal(t, 3, nA)
	assert.Equal(t, 3, nB)
	assert.False(t, fpA.IsZero())

	b.mustPut(t, a.entry(a.alfa, 9, "w", "e"))
	fpB, _, err = b.store.Summarise(ctx, b.share, FullRange)
	require.NoError(t, err)
	assert.NotEqual(t, fpA, fpB)
}

func TestSplitCoversRange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c", "d", "e"} {
		e.mustPut(t, e.entry(e.alfa, 1, p, p))
	}

	parts, err := e.store.Split(ctx, e.share, FullRange, 2)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Nil(t, parts[1].End)
	assert.Equal(t, parts[0].End, parts[1].Start)

	total := 0
	for _, r := range parts {
		for rec, err := range e.store.RangeSeq(ctx, e.share, r, 0) {
			require.NoError(t, err)
			total++
			assert.True(t, r.Contains(localKey(rec.Entry.Path, rec.Entry.Identity)))
		}
	}
	assert.Equal(t, 5, total)

	single, err := e.store.Split(ctx, e.share, parts[0], 1)
	require.NoError(t, err)
	assert.Equal(t, []KeyRange{parts[0]}, single)
}

func TestRangeSeqPages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	names := []string{"a", "b", "c", "d", "e", "f", "g"}
	for _, p := range names {
		e.mustPut(t, e.entry(e.alfa, 1, p, p))
		e.mustPut(t, e.entry(e.brav, 1, p, p))
	}

	var got []Record
	for rec, err := range e.store.RangeSeq(ctx, e.share, FullRange, 3) {
		require.NoError(t, err)
		got = append(got, rec)
	}
	require.Len(t, got, 2*len(names))
	for i := 1; i < len(got); i++ {
		prev := localKey(got[i-1].Entry.Path, got[i-1].Entry.Identity)
		cur := localKey(got[i].Entry.Path, got[i].Entry.Identity)
		assert.Negative(t, bytes.Compare(prev, cur), "records out of key order at %d", i)
	}

	n := 0
	for range e.store.RangeSeq(ctx, e.share, FullRange, 3) {
		n++
		if n == 4 {
			break
		}
	}
	assert.Equal(t, 4, n)

	parts, err := e.store.Split(ctx, e.share, FullRange, 2)
	require.NoError(t, err)
	n = 0
	for _, err := range e.store.RangeSeq(ctx, e.share, parts[0], 2) {
		require.NoError(t, err)
		n++
	}
	assert.Less(t, n, 2*len(names))
}

func TestLocalKeyRoundTrip(t *testing.T) {
	e := newEnv(t)
	p := path.MustFromStrings("x\x00", "y")

	decodedPath, identity, err := decodeLocalKey(localKey(p, e.alfa))
	require.NoError(t, err)
	assert.True(t, path.Equal(p, decodedPath))
	assert.Equal(t, e.alfa, identity)
}

func TestReferencedDigests(t *testing.T) {
	e := newEnv(t)
	e.mustPut(t, e.entry(e.alfa, 1, "one", "a"))
	e.mustPut(t, e.entry(e.alfa, 1, "two", "b"))

	keep, err := e.store.ReferencedDigests(context.Background())
	require.NoError(t, err)
	assert.True(t, keep.Has(blob.FormatDefault, blob.ComputeDigest([]byte("one"))))
	assert.True(t, keep.Has(blob.FormatDefault, blob.ComputeDigest([]byte("two"))))
	assert.False(t, keep.Has(blob.FormatDefault, blob.ComputeDigest([]byte("three"))))
}

func TestKeyringRecords(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.store.PutKeyringRecord(ctx, "id/alfa", []byte{1}))
	require.NoError(t, e.store.PutKeyringRecord(ctx, "cap/1", []byte{2}))

	ids, err := e.store.KeyringRecords(ctx, "id/")
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"id/alfa": {1}}, ids)

	require.NoError(t, e.store.DeleteKeyringRecord(ctx, "id/alfa"))
	ids, err = e.store.KeyringRecords(ctx, "id/")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestClosedStore(t *testing.T) {
	s, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "", "", path.Path{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPersistsOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	e := newEnv(t)

	s, err := Open(ctx, Config{Path: dir})
	require.NoError(t, err)
	_, err = s.Put(ctx, e.entry(e.alfa, 1, "x", "a"), document.AuthorisationToken{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	_, ok, err := s.Get(ctx, e.share, e.alfa, path.MustFromStrings("a"))
	require.NoError(t, err)
	assert.True(t, ok)
}
