package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

type staticKeyring struct {
	identities map[keys.IdentityTag]keys.Identity
	caps       map[keys.ShareTag][]*capability.Capability
}

func (k *staticKeyring) Identity(tag keys.IdentityTag) (keys.Identity, bool) {
	id, ok := k.identities[tag]
	return id, ok
}

func (k *staticKeyring) Capabilities(share keys.ShareTag) []*capability.Capability {
	return k.caps[share]
}

type fixture struct {
	share keys.Share
	alfa  keys.Identity
	kr    *staticKeyring
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	share, err := keys.NewShare("test")
	require.NoError(t, err)
	alfa, err := keys.NewIdentity("alfa")
	require.NoError(t, err)
	return fixture{
		share: share,
		alfa:  alfa,
		kr: &staticKeyring{
			identities: map[keys.IdentityTag]keys.Identity{alfa.Tag: alfa},
			caps:       map[keys.ShareTag][]*capability.Capability{},
		},
	}
}

func (f fixture) entry(p string) document.Entry {
	return document.Entry{
		Share:         f.share.Tag,
		Identity:      f.alfa.Tag,
		Path:          path.MustFromStrings(p),
		Timestamp:     1,
		PayloadDigest: blob.ComputeDigest([]byte(p)),
		PayloadLength: uint64(len(p)),
	}
}

func (f fixture) grant(t *testing.T, mode capability.Mode) {
	t.Helper()
	c, err := capability.Mint(f.share, f.alfa.Public, mode)
	require.NoError(t, err)
	f.kr.caps[f.share.Tag] = append(f.kr.caps[f.share.Tag], c)
}

func TestWriteAuthorisationRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, capability.ModeWrite)
	s := NewScheme()

	e := f.entry("hello")
	tok, err := s.GetWriteAuthorisation(ctx, f.kr, e)
	require.NoError(t, err)
	assert.True(t, s.IsAuthorisedWrite(ctx, e, tok))

	// A token does not authorise a different entry.
	assert.False(t, s.IsAuthorisedWrite(ctx, f.entry("other"), tok))
}

func TestReadCapabilityDoesNotAuthoriseWrites(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ModeRead)

	_, err := NewScheme().GetWriteAuthorisation(context.Background(), f.kr, f.entry("hello"))
	assert.True(t, errs.IsKind(err, errs.KindAuthorisation))
}

func TestMissingIdentity(t *testing.T) {
	f := newFixture(t)
	f.grant(t, capability.ModeWrite)
	delete(f.kr.identities, f.alfa.Tag)

	_, err := NewScheme().GetWriteAuthorisation(context.Background(), f.kr, f.entry("hello"))
	assert.True(t, errs.IsKind(err, errs.KindAuthorisation))
}

func TestTokenForOtherIdentityRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.grant(t, capability.ModeWrite)
	s := NewScheme()

	tok, err := s.GetWriteAuthorisation(ctx, f.kr, f.entry("hello"))
	require.NoError(t, err)

	brav, err := keys.NewIdentity("brav")
	require.NoError(t, err)
	forged := f.entry("hello")
	forged.Identity = brav.Tag
	assert.False(t, s.IsAuthorisedWrite(ctx, forged, tok))

	assert.False(t, s.IsAuthorisedWrite(ctx, f.entry("hello"), document.AuthorisationToken{Capability: []byte("junk")}))
}

func TestDelegatedWriteCapability(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	brav, err := keys.NewIdentity("brav")
	require.NoError(t, err)
	root, err := capability.Mint(f.share, f.alfa.Public, capability.ModeWrite)
	require.NoError(t, err)
	delegated, err := root.Delegate(f.alfa.Keypair, brav.Public, capability.ModeWrite)
	require.NoError(t, err)

	kr := &staticKeyring{
		identities: map[keys.IdentityTag]keys.Identity{brav.Tag: brav},
		caps:       map[keys.ShareTag][]*capability.Capability{f.share.Tag: {delegated}},
	}
	e := f.entry("x")
	e.Identity = brav.Tag

	s := NewScheme()
	tok, err := s.GetWriteAuthorisation(ctx, kr, e)
	require.NoError(t, err)
	assert.True(t, s.IsAuthorisedWrite(ctx, e, tok))
}
