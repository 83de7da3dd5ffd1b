// Package keys provides Ed25519 keypairs and the human-readable tags that
// name identities and shares.
//
// An identity tag looks like "@suzy.b<base32 public key>" and a share tag
// like "+gardening.b<base32 public key>". The base32 part is a multibase
// string so the encoding is self-describing.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/marmos91/dittoshare/pkg/errs"
)

// PublicKeySize is the length of an Ed25519 public key.
const PublicKeySize = ed25519.PublicKeySize

// PublicKey is an Ed25519 public key. Arrays are comparable so public keys can
// be used directly as map keys.
type PublicKey [PublicKeySize]byte

// Compare orders public keys bytewise.
func (p PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(p[:], other[:])
}

// Bytes returns a copy of the key bytes.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, p[:])
	return out
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, errs.Validation("public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Keypair is a public key with an optional secret key. A keypair without a
// secret is a read-only handle: it can verify but not sign.
type Keypair struct {
	Public PublicKey
	Secret ed25519.PrivateKey
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	kp := Keypair{Secret: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// KeypairFromSeed rebuilds a keypair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return Keypair{}, errs.Validation("seed must be %d bytes", ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kp := Keypair{Secret: priv}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// CanSign reports whether the keypair carries a secret matching its public key.
func (k Keypair) CanSign() bool {
	if len(k.Secret) != ed25519.PrivateKeySize {
		return false
	}
	return bytes.Equal(k.Secret.Public().(ed25519.PublicKey), k.Public[:])
}

// Sign signs msg. It fails with a validation error on a read-only handle.
func (k Keypair) Sign(msg []byte) ([]byte, error) {
	if !k.CanSign() {
		return nil, errs.Validation("secret key unavailable for %x", k.Public[:4])
	}
	return ed25519.Sign(k.Secret, msg), nil
}

// Verify checks sig over msg against pub.
func Verify(pub PublicKey, sig, msg []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub[:], msg, sig)
}
