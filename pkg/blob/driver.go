// Package blob defines content-addressed, transactional payload storage.
//
// Writes go through a staging step: Stage consumes the input, computing its
// digest, and returns a handle. The content only becomes visible to GetBlob
// once the handle is committed. Rejecting the handle discards it.
package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Format namespaces blobs. Entries written by the store use FormatDefault.
type Format string

// FormatDefault is the format used for document payloads.
const FormatDefault Format = "dittoshare.v1"

// Ref identifies one committed blob.
type Ref struct {
	Format Format
	Hash   Digest
}

// KeepSet maps each format to the digests that must survive a Filter.
type KeepSet map[Format]map[Digest]struct{}

// Add marks (format, hash) as retained.
func (k KeepSet) Add(format Format, hash Digest) {
	set, ok := k[format]
	if !ok {
		set = make(map[Digest]struct{})
		k[format] = set
	}
	set[hash] = struct{}{}
}

// Has reports whether (format, hash) is retained.
func (k KeepSet) Has(format Format, hash Digest) bool {
	_, ok := k[format][hash]
	return ok
}

// ============================================================================
// Driver Interface
// ============================================================================

// Driver stores payload bytes keyed by (format, digest).
//
// Thread Safety:
// Implementations must be safe for concurrent use. Staging identical bytes
// concurrently is allowed; the digest is derived solely from content so
// committing either handle is observably the same.
type Driver interface {
	// Stage consumes r, computing its digest, and returns a pending handle.
	// The content is not visible to GetBlob until the handle is committed.
	//
	// Parameters:
	//   - ctx: Context for cancellation
	//   - format: Namespace for the blob
	//   - r: Content to stage, read to EOF
	//
	// Returns:
	//   - *Staged: Pending handle carrying the digest and size
	//   - error: Context, IO or ErrInvalidFormat errors
	Stage(ctx context.Context, format Format, r io.Reader) (*Staged, error)

	// GetBlob returns a lazy accessor for a committed blob.
	//
	// Returns:
	//   - *Blob: Accessor, or nil when the blob does not exist
	//   - error: Context or IO errors only; absence is not an error
	GetBlob(ctx context.Context, format Format, hash Digest) (*Blob, error)

	// Erase removes one committed blob.
	//
	// Returns:
	//   - error: ErrBlobNotFound if absent, or context/IO errors
	Erase(ctx context.Context, format Format, hash Digest) error

	// Filter erases every committed blob that keep does not retain and
	// returns what was erased. Formats absent from keep lose all blobs.
	Filter(ctx context.Context, keep KeepSet) ([]Ref, error)

	// Wipe removes every blob, committed or staged.
	Wipe(ctx context.Context) error
}

// ============================================================================
// Staged handle
// ============================================================================

type stagedState int

const (
	statePending stagedState = iota
	stateCommitted
	stateRejected
)

// Staged is a pending blob write.
type Staged struct {
	Format Format
	Hash   Digest
	Size   int64

	mu     sync.Mutex
	state  stagedState
	commit func(ctx context.Context) error
	reject func(ctx context.Context) error
}

// NewStaged builds a handle. Drivers supply the commit and reject actions;
// the handle guarantees each runs at most once and only one of them runs.
func NewStaged(format Format, hash Digest, size int64, commit, reject func(ctx context.Context) error) *Staged {
	return &Staged{Format: format, Hash: hash, Size: size, commit: commit, reject: reject}
}

// Commit makes the content visible. Committing twice is a no-op.
func (s *Staged) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateCommitted:
		return nil
	case stateRejected:
		return ErrStagingClosed
	}
	if err := s.commit(ctx); err != nil {
		return err
	}
	s.state = stateCommitted
	return nil
}

// Reject discards the staged content. Rejecting twice is a no-op.
func (s *Staged) Reject(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRejected:
		return nil
	case stateCommitted:
		return ErrStagingClosed
	}
	if err := s.reject(ctx); err != nil {
		return err
	}
	s.state = stateRejected
	return nil
}

// ============================================================================
// Blob accessor
// ============================================================================

// Blob is a lazy accessor for committed content.
type Blob struct {
	Format Format
	Hash   Digest
	Size   int64

	open func(ctx context.Context) (io.ReadCloser, error)
}

// NewBlob builds an accessor around an open function.
func NewBlob(format Format, hash Digest, size int64, open func(ctx context.Context) (io.ReadCloser, error)) *Blob {
	return &Blob{Format: format, Hash: hash, Size: size, open: open}
}

// NewBytesBlob builds an accessor over data without copying it. data must
// not be modified afterwards; readers get their own copies through Stream
// and Bytes.
func NewBytesBlob(format Format, hash Digest, data []byte) *Blob {
	return NewBlob(format, hash, int64(len(data)), func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// Stream opens the content for reading. The caller closes the reader.
func (b *Blob) Stream(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.open(ctx)
}

// Bytes reads the whole content.
func (b *Blob) Bytes(ctx context.Context) ([]byte, error) {
	rc, err := b.Stream(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ValidateFormat rejects empty formats and formats containing path
// separators, which drivers embed in file names and object keys.
func ValidateFormat(format Format) error {
	if format == "" {
		return ErrInvalidFormat
	}
	for _, c := range format {
		if c == '/' || c == '\\' || c == 0 {
			return ErrInvalidFormat
		}
	}
	if format == "." || format == ".." {
		return ErrInvalidFormat
	}
	return nil
}
