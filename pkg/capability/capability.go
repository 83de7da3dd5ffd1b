// Package capability implements delegable, signed grants of read or write
// access over a share.
//
// A capability is a chain of links. The first link is signed by the share's
// secret key and names the first holder. Each following link is signed by
// the previous holder and names a new holder. The access mode never changes
// along the chain.
//
// Capabilities are immutable values. Delegating returns a new capability and
// leaves the receiver untouched.
package capability

import (
	"bytes"
	"context"
	"fmt"

	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
)

// Mode is the access granted by a capability.
type Mode uint32

const (
	ModeRead Mode = iota
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", uint32(m))
	}
}

// ParseMode parses "read" or "write".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "read":
		return ModeRead, nil
	case "write":
		return ModeWrite, nil
	default:
		return 0, errs.Validation("unknown capability mode %q", s)
	}
}

func (m Mode) valid() bool { return m == ModeRead || m == ModeWrite }

// Link is one signed step of a capability chain.
type Link struct {
	Issuer    keys.PublicKey
	Holder    keys.PublicKey
	Mode      Mode
	Signature []byte
}

// Capability grants its final holder (the receiver) access to one share.
type Capability struct {
	share keys.ShareTag
	mode  Mode
	chain []Link
}

// signingDomain separates capability signatures from any other signature
// made with the same keys.
const signingDomain = "dittoshare-cap-v1"

// Mint creates a root capability for holder, signed by the share's secret key.
// It fails with a validation error when the share keypair cannot sign or does
// not match its tag.
func Mint(share keys.Share, holder keys.PublicKey, mode Mode) (*Capability, error) {
	if !mode.valid() {
		return nil, errs.Validation("invalid capability mode %d", mode)
	}
	pub, err := share.Tag.PublicKey()
	if err != nil {
		return nil, err
	}
	if pub != share.Public {
		return nil, errs.Validation("share keypair does not match tag %s", share.Tag)
	}
	if !share.CanSign() {
		return nil, errs.Validation("secret key for share %s is unavailable", share.Tag)
	}

	link := Link{Issuer: share.Public, Holder: holder, Mode: mode}
	sig, err := share.Sign(linkMessage(share.Tag, link, nil))
	if err != nil {
		return nil, err
	}
	link.Signature = sig

	return &Capability{share: share.Tag, mode: mode, chain: []Link{link}}, nil
}

// Delegate returns a new capability granting newHolder the same access.
// signer must be the current receiver's keypair including its secret key, and
// mode must equal the capability's mode.
func (c *Capability) Delegate(signer keys.Keypair, newHolder keys.PublicKey, mode Mode) (*Capability, error) {
	if mode != c.mode {
		return nil, errs.Validation("cannot delegate %s capability as %s", c.mode, mode)
	}
	if signer.Public != c.Receiver() {
		return nil, errs.Validation("signer is not the holder of this capability")
	}
	if !signer.CanSign() {
		return nil, errs.Validation("secret key of the current holder is unavailable")
	}

	prev := c.chain[len(c.chain)-1]
	link := Link{Issuer: signer.Public, Holder: newHolder, Mode: c.mode}
	sig, err := signer.Sign(linkMessage(c.share, link, prev.Signature))
	if err != nil {
		return nil, err
	}
	link.Signature = sig

	chain := make([]Link, len(c.chain), len(c.chain)+1)
	copy(chain, c.chain)
	chain = append(chain, link)
	return &Capability{share: c.share, mode: c.mode, chain: chain}, nil
}

// IsValid recomputes every signature in the chain. It never mutates c.
func (c *Capability) IsValid(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return c.verify() == nil
}

func (c *Capability) verify() error {
	if len(c.chain) == 0 {
		return errs.Validation("capability has an empty chain")
	}
	if !c.mode.valid() {
		return errs.Validation("invalid capability mode %d", c.mode)
	}
	sharePub, err := c.share.PublicKey()
	if err != nil {
		return err
	}

	var prevSig []byte
	expectedIssuer := sharePub
	for i, link := range c.chain {
		if link.Mode != c.mode {
			return errs.Validation("link %d changes mode from %s to %s", i, c.mode, link.Mode)
		}
		if link.Issuer != expectedIssuer {
			if i == 0 {
				return errs.Validation("root link is not issued by the share key")
			}
			return errs.Validation("link %d is not issued by the previous holder", i)
		}
		if !keys.Verify(link.Issuer, link.Signature, linkMessage(c.share, link, prevSig)) {
			return errs.Validation("link %d has an invalid signature", i)
		}
		prevSig = link.Signature
		expectedIssuer = link.Holder
	}
	return nil
}

// Share returns the share this capability is scoped to.
func (c *Capability) Share() keys.ShareTag { return c.share }

// Mode returns the access mode.
func (c *Capability) Mode() Mode { return c.mode }

// Receiver returns the public key of the final holder.
func (c *Capability) Receiver() keys.PublicKey { return c.chain[len(c.chain)-1].Holder }

// Depth is the number of delegations after the root grant.
func (c *Capability) Depth() int { return len(c.chain) - 1 }

// Links returns a copy of the chain.
func (c *Capability) Links() []Link {
	out := make([]Link, len(c.chain))
	for i, l := range c.chain {
		l.Signature = append([]byte{}, l.Signature...)
		out[i] = l
	}
	return out
}

// Equal reports whether both capabilities carry the same chain.
func (c *Capability) Equal(other *Capability) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(c.Export(), other.Export())
}

// linkMessage is the byte string signed for a link. It binds the share tag,
// the mode, the new holder and the previous link's signature.
func linkMessage(share keys.ShareTag, link Link, prevSig []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(signingDomain)
	buf.WriteByte(0)
	buf.WriteString(string(share))
	buf.WriteByte(0)
	buf.WriteByte(byte(link.Mode))
	buf.Write(link.Issuer[:])
	buf.Write(link.Holder[:])
	buf.Write(prevSig)
	return buf.Bytes()
}
