package document

import (
	"context"
	"io"
	"sync"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// Payload is a lazy accessor for a document's bytes. Nothing is read until
// Bytes or Stream is called; Bytes caches the result.
type Payload struct {
	Digest blob.Digest
	Size   int64

	open func(ctx context.Context) (io.ReadCloser, error)

	mu     sync.Mutex
	cached []byte
}

// NewPayload wraps an open function.
func NewPayload(digest blob.Digest, size int64, open func(ctx context.Context) (io.ReadCloser, error)) *Payload {
	return &Payload{Digest: digest, Size: size, open: open}
}

// PayloadFromBlob adapts a committed blob.
func PayloadFromBlob(b *blob.Blob) *Payload {
	return NewPayload(b.Hash, b.Size, b.Stream)
}

// Stream opens the payload for reading.
func (p *Payload) Stream(ctx context.Context) (io.ReadCloser, error) {
	return p.open(ctx)
}

// Bytes reads and caches the whole payload.
func (p *Payload) Bytes(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil {
		return p.cached, nil
	}
	rc, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	p.cached = data
	return data, nil
}

// Document is an entry as seen by callers: its metadata, a payload accessor
// and the token that authorised it.
type Document struct {
	Share     keys.ShareTag
	Identity  keys.IdentityTag
	Path      path.Path
	Timestamp uint64
	Digest    blob.Digest
	Size      uint64

	// Payload is nil when the bytes are not held locally yet, for example
	// while a sync transfer is still pending.
	Payload *Payload

	Token AuthorisationToken
}

// Entry returns the entry this document was built from.
func (d Document) Entry() Entry {
	return Entry{
		Share:         d.Share,
		Identity:      d.Identity,
		Path:          d.Path,
		Timestamp:     d.Timestamp,
		PayloadDigest: d.Digest,
		PayloadLength: d.Size,
	}
}

// NewDocument builds a document from an entry.
func NewDocument(e Entry, token AuthorisationToken, payload *Payload) Document {
	return Document{
		Share:     e.Share,
		Identity:  e.Identity,
		Path:      e.Path,
		Timestamp: e.Timestamp,
		Digest:    e.PayloadDigest,
		Size:      e.PayloadLength,
		Payload:   payload,
		Token:     token,
	}
}
