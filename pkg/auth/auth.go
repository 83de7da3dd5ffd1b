// Package auth decides whether an entry may be written, using the write
// capabilities held in a keyring, and re-verifies the tokens attached to
// entries received from elsewhere.
package auth

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/marmos91/dittoshare/pkg/capability"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
)

// Keyring supplies identity secrets and imported capabilities.
type Keyring interface {
	// Identity returns the keypair for tag, including its secret.
	Identity(tag keys.IdentityTag) (keys.Identity, bool)

	// Capabilities returns every capability held for share.
	Capabilities(share keys.ShareTag) []*capability.Capability
}

const defaultCacheSize = 4096

// Scheme signs and verifies authorisation tokens. Verified capability
// chains are cached by token digest.
type Scheme struct {
	mu       sync.Mutex
	verified map[[sha256.Size]byte]*capability.Capability
	limit    int
}

// NewScheme creates a scheme with the default verification cache.
func NewScheme() *Scheme {
	return &Scheme{
		verified: make(map[[sha256.Size]byte]*capability.Capability),
		limit:    defaultCacheSize,
	}
}

// GetWriteAuthorisation finds a valid write capability held by the entry's
// identity for the entry's share and signs the entry with that identity.
//
// Returns:
//   - document.AuthorisationToken: Token to store alongside the entry
//   - error: KindAuthorisation when no capability grants the write or the
//     identity's secret is not in the keyring
func (s *Scheme) GetWriteAuthorisation(ctx context.Context, kr Keyring, entry document.Entry) (document.AuthorisationToken, error) {
	if err := ctx.Err(); err != nil {
		return document.AuthorisationToken{}, err
	}

	identity, ok := kr.Identity(entry.Identity)
	if !ok || !identity.CanSign() {
		return document.AuthorisationToken{}, errs.Authorisation("no keypair for identity %s", entry.Identity)
	}

	for _, c := range kr.Capabilities(entry.Share) {
		if !grantsWrite(c, entry.Share, identity.Public) || !c.IsValid(ctx) {
			continue
		}
		sig, err := identity.Sign(entry.Encode())
		if err != nil {
			return document.AuthorisationToken{}, errs.Wrap(errs.KindAuthorisation, err, "sign entry")
		}
		return document.AuthorisationToken{Capability: c.Export(), Signature: sig}, nil
	}

	return document.AuthorisationToken{}, errs.Authorisation("%s holds no write capability for %s", entry.Identity, entry.Share)
}

// IsAuthorisedWrite re-verifies token for entry without any keyring: the
// capability must be a valid write grant for the entry's share whose
// receiver is the entry's identity, and the signature must cover the entry.
func (s *Scheme) IsAuthorisedWrite(ctx context.Context, entry document.Entry, token document.AuthorisationToken) bool {
	if ctx.Err() != nil {
		return false
	}

	pub, err := entry.Identity.PublicKey()
	if err != nil {
		return false
	}
	c, err := s.importCapability(token.Capability)
	if err != nil {
		return false
	}
	if !grantsWrite(c, entry.Share, pub) {
		return false
	}
	return keys.Verify(pub, token.Signature, entry.Encode())
}

func (s *Scheme) importCapability(token []byte) (*capability.Capability, error) {
	key := sha256.Sum256(token)

	s.mu.Lock()
	c, ok := s.verified[key]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := capability.Import(token)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if len(s.verified) >= s.limit {
		clear(s.verified)
	}
	s.verified[key] = c
	s.mu.Unlock()
	return c, nil
}

func grantsWrite(c *capability.Capability, share keys.ShareTag, holder keys.PublicKey) bool {
	return c.Mode() == capability.ModeWrite && c.Share() == share && c.Receiver() == holder
}
