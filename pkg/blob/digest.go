package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/marmos91/dittoshare/pkg/errs"
)

// DigestSize is the length of a payload digest.
const DigestSize = sha256.Size

// Digest is the SHA2-256 of a payload. It is the content address used by
// entries; Hash gives its CIDv1 text form used by drivers for naming.
type Digest [DigestSize]byte

// EmptyDigest is the digest of zero bytes.
var EmptyDigest = ComputeDigest(nil)

// ComputeDigest hashes data.
func ComputeDigest(data []byte) Digest {
	return Digest(sha256.Sum256(data))
}

// Hash returns the CIDv1 (raw codec, sha2-256 multihash) string for d.
func (d Digest) Hash() string {
	return d.CID().String()
}

// CID returns d as a CIDv1 with the raw codec.
func (d Digest) CID() cid.Cid {
	// Encoding a 32 byte sha2-256 digest cannot fail.
	mh, _ := multihash.Encode(d[:], multihash.SHA2_256)
	return cid.NewCidV1(cid.Raw, mh)
}

// String returns the hex form, used in logs.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Compare orders digests bytewise.
func (d Digest) Compare(other Digest) int {
	for i := range d {
		switch {
		case d[i] < other[i]:
			return -1
		case d[i] > other[i]:
			return 1
		}
	}
	return 0
}

// ParseHash decodes a CID produced by Hash.
func ParseHash(s string) (Digest, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Digest{}, errs.Wrap(errs.KindValidation, err, "decode blob hash %q", s)
	}
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return Digest{}, errs.Wrap(errs.KindValidation, err, "decode blob multihash %q", s)
	}
	if decoded.Code != multihash.SHA2_256 || len(decoded.Digest) != DigestSize {
		return Digest{}, errs.Validation("blob hash %q is not sha2-256", s)
	}
	var d Digest
	copy(d[:], decoded.Digest)
	return d, nil
}

// Digester hashes and counts everything read through it.
type Digester struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewDigester wraps r.
func NewDigester(r io.Reader) *Digester {
	return &Digester{r: r, h: sha256.New()}
}

func (d *Digester) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// Digest returns the digest of the bytes read so far.
func (d *Digester) Digest() Digest {
	var out Digest
	copy(out[:], d.h.Sum(nil))
	return out
}

// Size returns the number of bytes read so far.
func (d *Digester) Size() int64 { return d.n }
