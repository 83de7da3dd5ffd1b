// Package document holds the value types shared by the store and the
// syncer: entries, authorisation tokens, documents, write outcomes and
// queries.
package document

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// Entry is the signed metadata of one document version. Payload bytes are
// addressed by digest and stored separately.
type Entry struct {
	Share         keys.ShareTag
	Identity      keys.IdentityTag
	Path          path.Path
	Timestamp     uint64 // microseconds since the Unix epoch
	PayloadDigest blob.Digest
	PayloadLength uint64
}

type entryWire struct {
	Share         string
	Identity      string
	Path          [][]byte
	Timestamp     uint64
	PayloadDigest [blob.DigestSize]byte
	PayloadLength uint64
}

// Encode returns the canonical XDR encoding. It is the message signed by
// authorisation tokens and the input of range fingerprints.
func (e Entry) Encode() []byte {
	wire := entryWire{
		Share:         string(e.Share),
		Identity:      string(e.Identity),
		Path:          e.Path.Components(),
		Timestamp:     e.Timestamp,
		PayloadDigest: e.PayloadDigest,
		PayloadLength: e.PayloadLength,
	}
	var buf bytes.Buffer
	_, _ = xdr.Marshal(&buf, &wire)
	return buf.Bytes()
}

// DecodeEntry parses an encoding produced by Encode.
func DecodeEntry(data []byte) (Entry, error) {
	var wire entryWire
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &wire); err != nil {
		return Entry{}, errs.Wrap(errs.KindValidation, err, "decode entry")
	}
	p, err := path.New(wire.Path...)
	if err != nil {
		return Entry{}, err
	}
	share, _, err := keys.ParseShareTag(wire.Share)
	if err != nil {
		return Entry{}, err
	}
	identity, _, err := keys.ParseIdentityTag(wire.Identity)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Share:         share,
		Identity:      identity,
		Path:          p,
		Timestamp:     wire.Timestamp,
		PayloadDigest: wire.PayloadDigest,
		PayloadLength: wire.PayloadLength,
	}, nil
}

// CompareVersions orders two entries for conflict resolution: by timestamp,
// then payload digest, then identity. A positive result means a is newer.
func CompareVersions(a, b Entry) int {
	switch {
	case a.Timestamp > b.Timestamp:
		return 1
	case a.Timestamp < b.Timestamp:
		return -1
	}
	if c := a.PayloadDigest.Compare(b.PayloadDigest); c != 0 {
		return c
	}
	if a.PayloadLength != b.PayloadLength {
		if a.PayloadLength > b.PayloadLength {
			return 1
		}
		return -1
	}
	switch {
	case a.Identity > b.Identity:
		return 1
	case a.Identity < b.Identity:
		return -1
	}
	return 0
}

// Newer reports whether a wins over b.
func Newer(a, b Entry) bool {
	return CompareVersions(a, b) > 0
}

// Prunes reports whether a, once stored, removes b: same share and identity,
// a's path is a prefix of b's, and a is newer.
func Prunes(a, b Entry) bool {
	return a.Share == b.Share &&
		a.Identity == b.Identity &&
		a.Path.IsPrefixOf(b.Path) &&
		Newer(a, b)
}

// SameKey reports whether a and b address the same (share, identity, path).
func SameKey(a, b Entry) bool {
	return a.Share == b.Share && a.Identity == b.Identity && path.Equal(a.Path, b.Path)
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s %s @%d", e.Share.Shortname(), e.Identity.Shortname(), e.Path, e.Timestamp)
}
