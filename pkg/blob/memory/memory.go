package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/dittoshare/pkg/blob"
)

// MemoryBlobDriver implements blob.Driver in memory.
//
// Characteristics:
//   - Fast: All operations are memory-speed
//   - Volatile: Data lost on restart
//   - Thread-safe: Protected by RWMutex
//
// Staged content lives in a separate map keyed by a random staging id so
// that two concurrent stagings of identical bytes never clash.
type MemoryBlobDriver struct {
	// committed holds visible blobs per format
	committed map[blob.Format]map[blob.Digest][]byte

	// staged holds pending writes keyed by staging id
	staged map[string][]byte

	mu sync.RWMutex
}

// NewMemoryBlobDriver creates an empty driver.
func NewMemoryBlobDriver() *MemoryBlobDriver {
	return &MemoryBlobDriver{
		committed: make(map[blob.Format]map[blob.Digest][]byte),
		staged:    make(map[string][]byte),
	}
}

// Stage reads r fully and holds it until the handle is resolved.
func (d *MemoryBlobDriver) Stage(ctx context.Context, format blob.Format, r io.Reader) (*blob.Staged, error) {
	// ========================================================================
	// Step 1: Validate inputs
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := blob.ValidateFormat(format); err != nil {
		return nil, err
	}

	// ========================================================================
	// Step 2: Consume input while hashing
	// ========================================================================

	digester := blob.NewDigester(r)
	data, err := io.ReadAll(digester)
	if err != nil {
		return nil, fmt.Errorf("read staged content: %w", err)
	}
	hash := digester.Digest()

	// ========================================================================
	// Step 3: Record the pending write
	// ========================================================================

	id := uuid.NewString()
	d.mu.Lock()
	d.staged[id] = data
	d.mu.Unlock()

	commit := func(ctx context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()

		data, ok := d.staged[id]
		if !ok {
			return fmt.Errorf("staged blob %s: %w", hash.Hash(), blob.ErrStagingClosed)
		}
		delete(d.staged, id)

		byHash, ok := d.committed[format]
		if !ok {
			byHash = make(map[blob.Digest][]byte)
			d.committed[format] = byHash
		}
		byHash[hash] = data
		return nil
	}
	reject := func(ctx context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.staged, id)
		return nil
	}

	return blob.NewStaged(format, hash, int64(len(data)), commit, reject), nil
}

// GetBlob returns an accessor over the committed bytes. Committed slices
// are replaced, never written to, so the accessor shares them.
func (d *MemoryBlobDriver) GetBlob(ctx context.Context, format blob.Format, hash blob.Digest) (*blob.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	data, ok := d.committed[format][hash]
	if !ok {
		return nil, nil
	}
	return blob.NewBytesBlob(format, hash, data), nil
}

// Erase removes one committed blob.
func (d *MemoryBlobDriver) Erase(ctx context.Context, format blob.Format, hash blob.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.committed[format][hash]; !ok {
		return fmt.Errorf("blob %s: %w", hash.Hash(), blob.ErrBlobNotFound)
	}
	delete(d.committed[format], hash)
	return nil
}

// Filter erases committed blobs not retained by keep.
func (d *MemoryBlobDriver) Filter(ctx context.Context, keep blob.KeepSet) ([]blob.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var erased []blob.Ref
	for format, byHash := range d.committed {
		for hash := range byHash {
			if keep.Has(format, hash) {
				continue
			}
			delete(byHash, hash)
			erased = append(erased, blob.Ref{Format: format, Hash: hash})
		}
	}
	return erased, nil
}

// Wipe drops all committed and staged content.
func (d *MemoryBlobDriver) Wipe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.committed = make(map[blob.Format]map[blob.Digest][]byte)
	d.staged = make(map[string][]byte)
	return nil
}

var _ blob.Driver = (*MemoryBlobDriver)(nil)
