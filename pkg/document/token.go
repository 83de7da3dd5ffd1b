package document

import (
	"bytes"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittoshare/pkg/errs"
)

// AuthorisationToken proves a write was permitted when it was made: the
// exported write capability of the author plus the author's signature over
// the encoded entry.
type AuthorisationToken struct {
	Capability []byte
	Signature  []byte
}

type tokenWire struct {
	Capability []byte
	Signature  []byte
}

// Encode returns the XDR encoding of the token.
func (t AuthorisationToken) Encode() []byte {
	var buf bytes.Buffer
	_, _ = xdr.Marshal(&buf, &tokenWire{Capability: t.Capability, Signature: t.Signature})
	return buf.Bytes()
}

// DecodeAuthorisationToken parses an encoding produced by Encode.
func DecodeAuthorisationToken(data []byte) (AuthorisationToken, error) {
	var wire tokenWire
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &wire); err != nil {
		return AuthorisationToken{}, errs.Wrap(errs.KindValidation, err, "decode authorisation token")
	}
	return AuthorisationToken{Capability: wire.Capability, Signature: wire.Signature}, nil
}

// IsZero reports whether the token is empty.
func (t AuthorisationToken) IsZero() bool {
	return len(t.Capability) == 0 && len(t.Signature) == 0
}
