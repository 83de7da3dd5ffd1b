package document

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

func newEntry(t *testing.T, identity keys.IdentityTag, share keys.ShareTag, p path.Path, ts uint64, payload string) Entry {
	t.Helper()
	return Entry{
		Share:         share,
		Identity:      identity,
		Path:          p,
		Timestamp:     ts,
		PayloadDigest: blob.ComputeDigest([]byte(payload)),
		PayloadLength: uint64(len(payload)),
	}
}

func fixtures(t *testing.T) (keys.IdentityTag, keys.IdentityTag, keys.ShareTag) {
	t.Helper()
	a, err := keys.NewIdentity("alfa")
	require.NoError(t, err)
	b, err := keys.NewIdentity("brav")
	require.NoError(t, err)
	s, err := keys.NewShare("test")
	require.NoError(t, err)
	return a.Tag, b.Tag, s.Tag
}

func TestEntryEncodeDecode(t *testing.T) {
	alfa, _, share := fixtures(t)
	e := newEntry(t, alfa, share, path.MustFromStrings("blog", "\x00post"), 42, "hi")

	decoded, err := DecodeEntry(e.Encode())
	require.NoError(t, err)
	assert.True(t, SameKey(e, decoded))
	assert.Equal(t, 0, CompareVersions(e, decoded))
	assert.Equal(t, e.Encode(), decoded.Encode())

	_, err = DecodeEntry([]byte{1, 2, 3})
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestCompareVersions(t *testing.T) {
	alfa, brav, share := fixtures(t)
	p := path.MustFromStrings("a")

	older := newEntry(t, alfa, share, p, 1, "x")
	newer := newEntry(t, alfa, share, p, 2, "x")
	assert.True(t, Newer(newer, older))
	assert.False(t, Newer(older, newer))

	// Equal timestamps fall back to the digest, then identity.
	x := newEntry(t, alfa, share, p, 5, "x")
	y := newEntry(t, alfa, share, p, 5, "y")
	if x.PayloadDigest.Compare(y.PayloadDigest) > 0 {
		assert.True(t, Newer(x, y))
	} else {
		assert.True(t, Newer(y, x))
	}

	byAlfa := newEntry(t, alfa, share, p, 5, "same")
	byBrav := newEntry(t, brav, share, p, 5, "same")
	assert.Equal(t, alfa > brav, Newer(byAlfa, byBrav))
	assert.Equal(t, 0, CompareVersions(byAlfa, byAlfa))
}

func TestPrunes(t *testing.T) {
	alfa, brav, share := fixtures(t)

	parent := newEntry(t, alfa, share, path.MustFromStrings("a"), 10, "p")
	child := newEntry(t, alfa, share, path.MustFromStrings("a", "b"), 5, "c")
	newerChild := newEntry(t, alfa, share, path.MustFromStrings("a", "b"), 20, "c")
	otherAuthor := newEntry(t, brav, share, path.MustFromStrings("a", "b"), 5, "c")

	assert.True(t, Prunes(parent, child))
	assert.False(t, Prunes(parent, newerChild))
	assert.False(t, Prunes(parent, otherAuthor))
	assert.False(t, Prunes(child, parent))
}

func TestAuthorisationTokenEncode(t *testing.T) {
	tok := AuthorisationToken{Capability: []byte("cap"), Signature: []byte("sig")}
	decoded, err := DecodeAuthorisationToken(tok.Encode())
	require.NoError(t, err)
	assert.Equal(t, tok, decoded)
	assert.False(t, decoded.IsZero())
	assert.True(t, AuthorisationToken{}.IsZero())
}

func TestPayloadIsLazyAndCached(t *testing.T) {
	opens := 0
	p := NewPayload(blob.ComputeDigest([]byte("world")), 5, func(context.Context) (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader([]byte("world"))), nil
	})
	assert.Equal(t, 0, opens)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		data, err := p.Bytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, "world", string(data))
	}
	assert.Equal(t, 1, opens)
}

func TestSetEventKinds(t *testing.T) {
	events := []SetEvent{
		&SetSuccess{},
		Failure(errs.Authorisation("no capability")),
		&SetNoOp{},
		&SetPruningPrevented{},
	}
	kinds := []SetEventKind{SetKindSuccess, SetKindFailure, SetKindNoOp, SetKindPruningPrevented}
	for i, ev := range events {
		assert.Equal(t, kinds[i], ev.Kind())
	}

	f := Failure(errs.Authorisation("no capability"))
	assert.Equal(t, errs.KindAuthorisation, f.Reason)
	assert.Equal(t, "pruning_prevented", SetKindPruningPrevented.String())
}

func TestQuery(t *testing.T) {
	alfa, brav, share := fixtures(t)
	e := newEntry(t, alfa, share, path.MustFromStrings("blog", "one"), 100, "x")

	assert.True(t, Query{}.Matches(e))
	assert.True(t, Query{PathPrefix: path.MustFromStrings("blog")}.Matches(e))
	assert.False(t, Query{PathPrefix: path.MustFromStrings("wiki")}.Matches(e))
	assert.False(t, Query{Identity: brav}.Matches(e))
	assert.True(t, Query{TimestampGte: 100, TimestampLt: 101}.Matches(e))
	assert.False(t, Query{TimestampLt: 100}.Matches(e))

	assert.Error(t, Query{Limit: -1}.Validate())
	assert.Error(t, Query{TimestampGte: 5, TimestampLt: 5}.Validate())
	assert.Error(t, Query{Identity: "@nope"}.Validate())
	assert.NoError(t, Query{Identity: alfa, Order: OrderTimestamp}.Validate())

	o, err := ParseOrder("identity")
	require.NoError(t, err)
	assert.Equal(t, OrderIdentity, o)
}
