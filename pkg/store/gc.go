package store

import (
	"context"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/errs"
)

// CollectGarbage erases every committed payload that no entry references.
//
// The referenced set spans all shares in the entry store, so it is safe to
// call on any Store that shares the blob driver. Writes through Stores
// sharing the CollectLock wait while a collection runs.
//
// Returns:
//   - []blob.Ref: Erased payloads
//   - error: Storage errors
func (s *Store) CollectGarbage(ctx context.Context) ([]blob.Ref, error) {
	s.gcMu.Lock()
	defer s.gcMu.Unlock()

	keep, err := s.entries.ReferencedDigests(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "collect referenced payloads")
	}
	erased, err := s.blobs.Filter(ctx, keep)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "filter payloads")
	}

	s.metrics.RecordCollected(len(erased))
	if len(erased) > 0 {
		logger.Info("store %s: collected %d unreferenced payloads", s.share.Shortname(), len(erased))
	}
	return erased, nil
}
