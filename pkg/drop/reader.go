package drop

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/marmos91/dittoshare/pkg/blob"
)

// maxRecordSize bounds the entries/<n> members. Entries are small; anything
// larger is not a drop.
const maxRecordSize = 64 << 10

// Reader consumes a drop produced by Writer.
type Reader struct {
	zr *zstd.Decoder
	tr *tar.Reader

	manifest Manifest
	pending  *tar.Header
	done     bool
}

// NewReader opens a drop and reads its manifest. reverse may be nil.
func NewReader(r io.Reader, reverse ReverseTransform) (*Reader, error) {
	if reverse != nil {
		var err error
		r, err = reverse(r)
		if err != nil {
			return nil, fmt.Errorf("drop transform: %w", err)
		}
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrMalformed, err)
	}
	dr := &Reader{zr: zr, tr: tar.NewReader(zr)}

	hdr, err := dr.tr.Next()
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: missing manifest: %v", ErrMalformed, err)
	}
	if hdr.Name != manifestName || hdr.Typeflag != tar.TypeReg || hdr.Size > maxRecordSize {
		zr.Close()
		return nil, fmt.Errorf("%w: first member is %q", ErrMalformed, hdr.Name)
	}
	data, err := io.ReadAll(dr.tr)
	if err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(data, &dr.manifest); err != nil {
		zr.Close()
		return nil, fmt.Errorf("%w: manifest: %v", ErrMalformed, err)
	}
	if dr.manifest.Version != FormatVersion {
		zr.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, dr.manifest.Version)
	}
	return dr, nil
}

// Manifest returns the drop's manifest.
func (r *Reader) Manifest() Manifest { return r.manifest }

// Next returns the next entry, or io.EOF after the last one. Unknown
// members fail closed.
func (r *Reader) Next() (Item, error) {
	if r.done {
		return Item{}, io.EOF
	}

	hdr, err := r.nextHeader()
	if err != nil {
		return Item{}, err
	}
	if !strings.HasPrefix(hdr.Name, entryPrefix) || hdr.Typeflag != tar.TypeReg || hdr.Size > maxRecordSize {
		return Item{}, fmt.Errorf("%w: unexpected member %q", ErrMalformed, hdr.Name)
	}
	data, err := io.ReadAll(r.tr)
	if err != nil {
		return Item{}, fmt.Errorf("%w: %s: %v", ErrMalformed, hdr.Name, err)
	}
	it, err := decodeItem(data)
	if err != nil {
		return Item{}, err
	}

	next, err := r.tr.Next()
	if errors.Is(err, io.EOF) {
		r.done = true
		return it, nil
	}
	if err != nil {
		return Item{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !strings.HasPrefix(next.Name, payloadPrefix) {
		r.pending = next
		return it, nil
	}
	digest, err := blob.ParseHash(strings.TrimPrefix(next.Name, payloadPrefix))
	if err != nil || digest != it.Entry.PayloadDigest || next.Size != int64(it.Entry.PayloadLength) {
		return Item{}, fmt.Errorf("%w: payload %q does not match its entry", ErrMalformed, next.Name)
	}
	it.Payload = r.tr
	return it, nil
}

// Close releases the decompressor.
func (r *Reader) Close() error {
	r.zr.Close()
	return nil
}

func (r *Reader) nextHeader() (*tar.Header, error) {
	if r.pending != nil {
		hdr := r.pending
		r.pending = nil
		return hdr, nil
	}
	hdr, err := r.tr.Next()
	if errors.Is(err, io.EOF) {
		r.done = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return hdr, nil
}

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }
