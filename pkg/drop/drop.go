// Package drop reads and writes bulk bundles of entries and payloads for
// out-of-band transfer.
//
// A drop is a TAR stream compressed with zstd and optionally passed through
// an encryption transform. Its first member is drop.json (the manifest).
// Each entry follows as entries/<n>, an XDR record of the encoded entry and
// its authorisation token, immediately followed by payloads/<hash> when the
// payload bytes are included.
package drop

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittoshare/pkg/document"
)

// FormatVersion is the current manifest version.
const FormatVersion = 1

const (
	manifestName  = "drop.json"
	entryPrefix   = "entries/"
	payloadPrefix = "payloads/"
)

var (
	// ErrMalformed is returned for bundles that do not follow the layout.
	ErrMalformed = errors.New("malformed drop")

	// ErrUnsupportedVersion is returned for manifests newer than this reader.
	ErrUnsupportedVersion = errors.New("unsupported drop version")
)

// epoch0 normalises TAR header times so identical drops are identical bytes.
var epoch0 = time.Unix(0, 0).UTC()

// Manifest describes a drop.
type Manifest struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	Share     string    `json:"share"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is one entry in a drop. Payload is nil when the bytes were not
// included; when reading, it is only valid until the next call to Next.
type Item struct {
	Entry   document.Entry
	Token   document.AuthorisationToken
	Payload io.Reader
}

// Transform wraps the compressed stream on the way out, typically to
// encrypt it. Closing the returned writer must flush but not close w.
type Transform func(w io.Writer) (io.WriteCloser, error)

// ReverseTransform undoes a Transform on the way in.
type ReverseTransform func(r io.Reader) (io.Reader, error)

type itemWire struct {
	Entry []byte
	Token []byte
}

func encodeItem(it Item) []byte {
	var buf bytes.Buffer
	_, _ = xdr.Marshal(&buf, &itemWire{Entry: it.Entry.Encode(), Token: it.Token.Encode()})
	return buf.Bytes()
}

func decodeItem(data []byte) (Item, error) {
	var wire itemWire
	n, err := xdr.Unmarshal(bytes.NewReader(data), &wire)
	if err != nil {
		return Item{}, fmt.Errorf("%w: entry record: %v", ErrMalformed, err)
	}
	if n != len(data) {
		return Item{}, fmt.Errorf("%w: trailing bytes after entry record", ErrMalformed)
	}
	e, err := document.DecodeEntry(wire.Entry)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tok, err := document.DecodeAuthorisationToken(wire.Token)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Item{Entry: e, Token: tok}, nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
