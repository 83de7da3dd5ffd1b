package keys

import (
	"strings"

	"github.com/multiformats/go-multibase"

	"github.com/marmos91/dittoshare/pkg/errs"
)

const (
	identitySigil = "@"
	shareSigil    = "+"

	identityShortnameLen = 4
	shareShortnameMaxLen = 15
)

// IdentityTag names an identity, e.g. "@suzy.bxxxx...".
type IdentityTag string

// ShareTag names a share, e.g. "+gardening.bxxxx...".
type ShareTag string

// Identity is an identity keypair together with its tag.
type Identity struct {
	Tag IdentityTag
	Keypair
}

// Share is a share keypair together with its tag.
type Share struct {
	Tag ShareTag
	Keypair
}

// NewIdentity generates an identity with the given four character shortname.
func NewIdentity(shortname string) (Identity, error) {
	if err := checkShortname(shortname, identityShortnameLen, identityShortnameLen); err != nil {
		return Identity{}, err
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return Identity{}, err
	}
	return Identity{Tag: IdentityTag(encodeTag(identitySigil, shortname, kp.Public)), Keypair: kp}, nil
}

// NewShare generates a share with a shortname of 1 to 15 characters.
func NewShare(shortname string) (Share, error) {
	if err := checkShortname(shortname, 1, shareShortnameMaxLen); err != nil {
		return Share{}, err
	}
	kp, err := GenerateKeypair()
	if err != nil {
		return Share{}, err
	}
	return Share{Tag: ShareTag(encodeTag(shareSigil, shortname, kp.Public)), Keypair: kp}, nil
}

// EncodeIdentityTag builds the tag for an existing public key.
func EncodeIdentityTag(shortname string, pub PublicKey) (IdentityTag, error) {
	if err := checkShortname(shortname, identityShortnameLen, identityShortnameLen); err != nil {
		return "", err
	}
	return IdentityTag(encodeTag(identitySigil, shortname, pub)), nil
}

// EncodeShareTag builds the tag for an existing public key.
func EncodeShareTag(shortname string, pub PublicKey) (ShareTag, error) {
	if err := checkShortname(shortname, 1, shareShortnameMaxLen); err != nil {
		return "", err
	}
	return ShareTag(encodeTag(shareSigil, shortname, pub)), nil
}

// ParseIdentityTag validates s and returns it with its public key.
func ParseIdentityTag(s string) (IdentityTag, PublicKey, error) {
	name, pub, err := decodeTag(identitySigil, s)
	if err != nil {
		return "", PublicKey{}, err
	}
	if err := checkShortname(name, identityShortnameLen, identityShortnameLen); err != nil {
		return "", PublicKey{}, err
	}
	return IdentityTag(s), pub, nil
}

// ParseShareTag validates s and returns it with its public key.
func ParseShareTag(s string) (ShareTag, PublicKey, error) {
	name, pub, err := decodeTag(shareSigil, s)
	if err != nil {
		return "", PublicKey{}, err
	}
	if err := checkShortname(name, 1, shareShortnameMaxLen); err != nil {
		return "", PublicKey{}, err
	}
	return ShareTag(s), pub, nil
}

// PublicKey decodes the public key carried by the tag.
func (t IdentityTag) PublicKey() (PublicKey, error) {
	_, pub, err := ParseIdentityTag(string(t))
	return pub, err
}

// Shortname returns the name part of the tag.
func (t IdentityTag) Shortname() string {
	return shortnameOf(identitySigil, string(t))
}

// PublicKey decodes the public key carried by the tag.
func (t ShareTag) PublicKey() (PublicKey, error) {
	_, pub, err := ParseShareTag(string(t))
	return pub, err
}

// Shortname returns the name part of the tag.
func (t ShareTag) Shortname() string {
	return shortnameOf(shareSigil, string(t))
}

func encodeTag(sigil, shortname string, pub PublicKey) string {
	// Base32 encoding with a valid code never fails.
	enc, _ := multibase.Encode(multibase.Base32, pub[:])
	return sigil + shortname + "." + enc
}

func decodeTag(sigil, s string) (string, PublicKey, error) {
	if !strings.HasPrefix(s, sigil) {
		return "", PublicKey{}, errs.Validation("tag %q must start with %q", s, sigil)
	}
	name, encoded, ok := strings.Cut(s[len(sigil):], ".")
	if !ok {
		return "", PublicKey{}, errs.Validation("tag %q has no key part", s)
	}
	if !strings.HasPrefix(encoded, "b") {
		return "", PublicKey{}, errs.Validation("tag %q key must be base32", s)
	}
	enc, raw, err := multibase.Decode(encoded)
	if err != nil || enc != multibase.Base32 {
		return "", PublicKey{}, errs.Validation("tag %q has an undecodable key", s)
	}
	pub, err := PublicKeyFromBytes(raw)
	if err != nil {
		return "", PublicKey{}, err
	}
	return name, pub, nil
}

func shortnameOf(sigil, s string) string {
	name, _, _ := strings.Cut(strings.TrimPrefix(s, sigil), ".")
	return name
}

// checkShortname enforces lowercase alphanumerics starting with a letter.
func checkShortname(name string, minLen, maxLen int) error {
	if len(name) < minLen || len(name) > maxLen {
		if minLen == maxLen {
			return errs.Validation("shortname %q must be %d characters", name, minLen)
		}
		return errs.Validation("shortname %q must be %d to %d characters", name, minLen, maxLen)
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return errs.Validation("shortname %q must be lowercase letters and digits, starting with a letter", name)
		}
	}
	return nil
}
