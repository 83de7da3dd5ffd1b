package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/drop"
	"github.com/marmos91/dittoshare/pkg/errs"
)

// CreateDrop writes every entry matching q, with the payloads held
// locally, to w as a drop. encrypt may be nil.
//
// Returns:
//   - int: Number of entries written
//   - error: Query, storage or write errors
func (s *Store) CreateDrop(ctx context.Context, q document.Query, w io.Writer, encrypt drop.Transform) (int, error) {
	dw, err := drop.NewWriter(w, s.share, encrypt)
	if err != nil {
		return 0, err
	}

	for rec, err := range s.entries.Query(ctx, s.share, q) {
		if err != nil {
			_ = dw.Close()
			return dw.Count(), wrapQueryErr(err)
		}
		if err := s.addToDrop(ctx, dw, rec.Entry, rec.Token); err != nil {
			_ = dw.Close()
			return dw.Count(), err
		}
	}

	if err := dw.Close(); err != nil {
		return dw.Count(), fmt.Errorf("finish drop: %w", err)
	}
	logger.Info("store %s: created drop %s with %d entries", s.share.Shortname(), dw.Manifest().ID, dw.Count())
	return dw.Count(), nil
}

func (s *Store) addToDrop(ctx context.Context, dw *drop.Writer, e document.Entry, token document.AuthorisationToken) error {
	item := drop.Item{Entry: e, Token: token}

	b, err := s.Payload(ctx, e.PayloadDigest)
	if err != nil {
		return err
	}
	if b == nil {
		return dw.Add(item)
	}

	rc, err := b.Stream(ctx)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "open payload %s", e.PayloadDigest.Hash())
	}
	defer rc.Close()
	item.Payload = rc
	return dw.Add(item)
}

// DropResult summarises an ingested drop.
type DropResult struct {
	Stored   int
	NoOp     int
	Rejected int
	Payloads int
}

// IngestDrop reads a drop from r and ingests its entries and payloads.
// Entries failing verification are skipped and counted in Rejected.
//
// Returns:
//   - DropResult: Per-outcome counts
//   - error: KindInternal when the drop belongs to another share, or for a
//     malformed drop or storage failure
func (s *Store) IngestDrop(ctx context.Context, r io.Reader, decrypt drop.ReverseTransform) (DropResult, error) {
	var result DropResult

	dr, err := drop.NewReader(r, decrypt)
	if err != nil {
		return result, errs.Wrap(errs.KindValidation, err, "open drop")
	}
	defer dr.Close()

	if share := dr.Manifest().Share; share != string(s.share) {
		return result, errs.Internal("drop for share %s ingested into %s", share, s.share)
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		item, err := dr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return result, errs.Wrap(errs.KindValidation, err, "read drop")
		}

		res, err := s.IngestEntry(ctx, item.Entry, item.Token)
		if err != nil {
			if errs.IsKind(err, errs.KindInternal) {
				return result, err
			}
			logger.Warn("store %s: skipped drop entry: %v", s.share.Shortname(), err)
			result.Rejected++
			continue
		}

		if res.Outcome == IngestStored {
			result.Stored++
		} else {
			result.NoOp++
		}

		if item.Payload == nil {
			continue
		}
		has, err := s.HasPayload(ctx, item.Entry.PayloadDigest)
		if err != nil {
			return result, err
		}
		if has {
			continue
		}
		if err := s.IngestPayload(ctx, item.Entry.PayloadDigest, item.Payload); err != nil {
			if errors.Is(err, blob.ErrDigestMismatch) {
				logger.Warn("store %s: drop payload for %s is corrupt", s.share.Shortname(), item.Entry)
				continue
			}
			return result, err
		}
		result.Payloads++
	}

	logger.Info("store %s: ingested drop %s: stored=%d no_op=%d rejected=%d payloads=%d",
		s.share.Shortname(), dr.Manifest().ID, result.Stored, result.NoOp, result.Rejected, result.Payloads)
	return result, nil
}
