package drop

import (
	"archive/tar"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"

	"github.com/marmos91/dittoshare/pkg/keys"
)

// Writer produces a drop. Close must be called to flush it.
type Writer struct {
	transform io.WriteCloser
	zw        *zstd.Encoder
	tw        *tar.Writer

	manifest Manifest
	count    int
	closed   bool
}

// NewWriter starts a drop for share on w. transform may be nil.
func NewWriter(w io.Writer, share keys.ShareTag, transform Transform) (*Writer, error) {
	var sink io.WriteCloser = nopCloser{w}
	if transform != nil {
		var err error
		sink, err = transform(w)
		if err != nil {
			return nil, fmt.Errorf("drop transform: %w", err)
		}
	}

	zw, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}

	dw := &Writer{
		transform: sink,
		zw:        zw,
		tw:        tar.NewWriter(zw),
		manifest: Manifest{
			Version:   FormatVersion,
			ID:        ulid.Make().String(),
			Share:     string(share),
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
	}

	data, err := json.Marshal(dw.manifest)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := dw.writeFile(manifestName, int64(len(data)), bytesReader(data)); err != nil {
		return nil, err
	}
	return dw, nil
}

// Manifest returns the manifest written at the head of the drop.
func (w *Writer) Manifest() Manifest { return w.manifest }

// Count returns the number of entries written so far.
func (w *Writer) Count() int { return w.count }

// Add appends an entry. When it.Payload is non-nil it must yield exactly
// it.Entry.PayloadLength bytes.
func (w *Writer) Add(it Item) error {
	if w.closed {
		return fmt.Errorf("drop writer closed")
	}

	record := encodeItem(it)
	name := fmt.Sprintf("%s%08d", entryPrefix, w.count)
	if err := w.writeFile(name, int64(len(record)), bytesReader(record)); err != nil {
		return err
	}
	w.count++

	if it.Payload == nil {
		return nil
	}
	return w.writeFile(payloadPrefix+it.Entry.PayloadDigest.Hash(), int64(it.Entry.PayloadLength), it.Payload)
}

// Close finishes the TAR stream, the compressor and the transform.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := w.zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return w.transform.Close()
}

func (w *Writer) writeFile(name string, size int64, r io.Reader) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     size,
		ModTime:  epoch0,
		Typeflag: tar.TypeReg,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	n, err := io.Copy(w.tw, r)
	if err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("write %s: got %d bytes, want %d", name, n, size)
	}
	return nil
}
