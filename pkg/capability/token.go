package capability

import (
	"bytes"
	"encoding/binary"

	"github.com/multiformats/go-multibase"
	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
)

const tokenVersion = 1

// maxChainLength bounds the links accepted on import.
const maxChainLength = 64

type tokenWire struct {
	Version uint32
	Share   string
	Mode    uint32
	Links   []linkWire
}

type linkWire struct {
	Issuer    [keys.PublicKeySize]byte
	Holder    [keys.PublicKeySize]byte
	Mode      uint32
	Signature []byte
}

// Export encodes the full chain as a self-contained XDR token.
func (c *Capability) Export() []byte {
	wire := tokenWire{
		Version: tokenVersion,
		Share:   string(c.share),
		Mode:    uint32(c.mode),
		Links:   make([]linkWire, len(c.chain)),
	}
	for i, l := range c.chain {
		wire.Links[i] = linkWire{Issuer: l.Issuer, Holder: l.Holder, Mode: uint32(l.Mode), Signature: l.Signature}
	}

	var buf bytes.Buffer
	// Encoding into a bytes.Buffer only fails for unsupported types.
	_, _ = xdr.Marshal(&buf, &wire)
	return buf.Bytes()
}

// Import decodes a token produced by Export and re-verifies the whole chain.
// Any decoding or verification failure returns a validation error and no
// capability.
func Import(token []byte) (*Capability, error) {
	if err := checkLinkCount(token); err != nil {
		return nil, err
	}

	var wire tokenWire
	n, err := xdr.Unmarshal(bytes.NewReader(token), &wire)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "decode capability token")
	}
	if n != len(token) {
		return nil, errs.Validation("capability token has %d trailing bytes", len(token)-n)
	}
	if wire.Version != tokenVersion {
		return nil, errs.Validation("unsupported capability token version %d", wire.Version)
	}
	if len(wire.Links) == 0 || len(wire.Links) > maxChainLength {
		return nil, errs.Validation("capability chain length %d out of range", len(wire.Links))
	}

	share, _, err := keys.ParseShareTag(wire.Share)
	if err != nil {
		return nil, err
	}
	c := &Capability{share: share, mode: Mode(wire.Mode), chain: make([]Link, len(wire.Links))}
	for i, l := range wire.Links {
		c.chain[i] = Link{Issuer: l.Issuer, Holder: l.Holder, Mode: Mode(l.Mode), Signature: l.Signature}
	}

	// XDR padding is not covered by the signatures, so only the canonical
	// encoding is accepted.
	if !bytes.Equal(c.Export(), token) {
		return nil, errs.Validation("capability token is not canonically encoded")
	}
	if err := c.verify(); err != nil {
		return nil, err
	}
	return c, nil
}

// checkLinkCount reads the link count from the token header so a corrupted
// length cannot make the decoder allocate a huge chain.
func checkLinkCount(token []byte) error {
	// version, share length
	if len(token) < 8 {
		return errs.Validation("capability token too short")
	}
	shareLen := binary.BigEndian.Uint32(token[4:8])
	if shareLen > 256 {
		return errs.Validation("capability token share tag too long")
	}
	off := 8 + int(shareLen+3)/4*4 + 4
	if len(token) < off+4 {
		return errs.Validation("capability token too short")
	}
	if n := binary.BigEndian.Uint32(token[off : off+4]); n == 0 || n > maxChainLength {
		return errs.Validation("capability chain length %d out of range", n)
	}
	return nil
}

// String encodes the token as base64url multibase text.
func (c *Capability) String() string {
	s, _ := multibase.Encode(multibase.Base64url, c.Export())
	return s
}

// ParseToken decodes text produced by String and imports it.
func ParseToken(s string) (*Capability, error) {
	enc, raw, err := multibase.Decode(s)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "decode capability text")
	}
	if enc != multibase.Base64url {
		return nil, errs.Validation("capability text must be base64url")
	}
	return Import(raw)
}
