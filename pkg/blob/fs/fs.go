package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
)

const (
	stagingDir = "staging"
	blobsDir   = "blobs"
)

// FSBlobDriver implements blob.Driver on the local filesystem.
//
// Layout under basePath:
//
//	staging/<uuid>                      pending writes
//	blobs/<format>/<shard>/<cid>        committed blobs
//
// shard is the first two hex characters of the digest. Commit is an atomic
// rename from staging into place, so readers never observe partial content.
type FSBlobDriver struct {
	basePath string
}

// NewFSBlobDriver creates the directory layout under basePath.
//
// Parameters:
//   - ctx: Context for cancellation
//   - basePath: Root directory for staged and committed blobs
//
// Returns:
//   - *FSBlobDriver: Initialized driver
//   - error: Directory creation failure or context cancellation
func NewFSBlobDriver(ctx context.Context, basePath string) (*FSBlobDriver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d := &FSBlobDriver{basePath: basePath}
	if err := d.ensureLayout(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *FSBlobDriver) ensureLayout() error {
	for _, dir := range []string{stagingDir, blobsDir} {
		if err := os.MkdirAll(filepath.Join(d.basePath, dir), 0755); err != nil {
			return fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}
	return nil
}

func (d *FSBlobDriver) blobPath(format blob.Format, hash blob.Digest) string {
	return filepath.Join(d.basePath, blobsDir, string(format), hash.String()[:2], hash.Hash())
}

// Stage streams r into a staging file while hashing it.
func (d *FSBlobDriver) Stage(ctx context.Context, format blob.Format, r io.Reader) (*blob.Staged, error) {
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
	// Step 2: Stream into a staging file
	// ========================================================================

	tmpPath := filepath.Join(d.basePath, stagingDir, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	digester := blob.NewDigester(r)
	_, copyErr := io.Copy(f, digester)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write staging file: %w", errors.Join(copyErr, closeErr))
	}
	hash := digester.Digest()

	// ========================================================================
	// Step 3: Build the handle
	// ========================================================================

	commit := func(ctx context.Context) error {
		final := d.blobPath(format, hash)
		if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
			return fmt.Errorf("failed to create blob directory: %w", err)
		}
		if err := os.Rename(tmpPath, final); err != nil {
			return fmt.Errorf("failed to commit blob %s: %w", hash.Hash(), err)
		}
		return nil
	}
	reject := func(ctx context.Context) error {
		if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove staging file: %w", err)
		}
		return nil
	}

	return blob.NewStaged(format, hash, digester.Size(), commit, reject), nil
}

// GetBlob stats the committed file and returns an accessor that opens it on
// demand.
func (d *FSBlobDriver) GetBlob(ctx context.Context, format blob.Format, hash blob.Digest) (*blob.Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := blob.ValidateFormat(format); err != nil {
		return nil, nil
	}

	p := d.blobPath(format, hash)
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}

	return blob.NewBlob(format, hash, info.Size(), func(context.Context) (io.ReadCloser, error) {
		f, err := os.Open(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("blob %s: %w", hash.Hash(), blob.ErrBlobNotFound)
			}
			return nil, fmt.Errorf("failed to open blob: %w", err)
		}
		return f, nil
	}), nil
}

// Erase removes one committed blob.
func (d *FSBlobDriver) Erase(ctx context.Context, format blob.Format, hash blob.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := blob.ValidateFormat(format); err != nil {
		return err
	}

	if err := os.Remove(d.blobPath(format, hash)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s: %w", hash.Hash(), blob.ErrBlobNotFound)
		}
		return fmt.Errorf("failed to erase blob: %w", err)
	}
	return nil
}

// Filter walks every format directory and removes blobs keep does not
// retain. Files whose names are not blob hashes are left alone.
func (d *FSBlobDriver) Filter(ctx context.Context, keep blob.KeepSet) ([]blob.Ref, error) {
	root := filepath.Join(d.basePath, blobsDir)
	formats, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list formats: %w", err)
	}

	var erased []blob.Ref
	for _, fe := range formats {
		if !fe.IsDir() {
			continue
		}
		format := blob.Format(fe.Name())
		shards, err := os.ReadDir(filepath.Join(root, fe.Name()))
		if err != nil {
			return erased, fmt.Errorf("failed to list shards: %w", err)
		}
		for _, se := range shards {
			if !se.IsDir() {
				continue
			}
			shardPath := filepath.Join(root, fe.Name(), se.Name())
			files, err := os.ReadDir(shardPath)
			if err != nil {
				return erased, fmt.Errorf("failed to list blobs: %w", err)
			}
			for _, f := range files {
				if err := ctx.Err(); err != nil {
					return erased, err
				}
				hash, err := blob.ParseHash(f.Name())
				if err != nil {
					logger.Debug("blob filter: skipping %s: %v", filepath.Join(shardPath, f.Name()), err)
					continue
				}
				if keep.Has(format, hash) {
					continue
				}
				if err := os.Remove(filepath.Join(shardPath, f.Name())); err != nil && !os.IsNotExist(err) {
					return erased, fmt.Errorf("failed to erase blob: %w", err)
				}
				erased = append(erased, blob.Ref{Format: format, Hash: hash})
			}
		}
	}
	return erased, nil
}

// Wipe removes all staged and committed blobs.
func (d *FSBlobDriver) Wipe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, dir := range []string{stagingDir, blobsDir} {
		if err := os.RemoveAll(filepath.Join(d.basePath, dir)); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", dir, err)
		}
	}
	return d.ensureLayout()
}

var _ blob.Driver = (*FSBlobDriver)(nil)
