package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
)

// IngestOutcome says whether an ingested entry changed the store.
type IngestOutcome int

const (
	IngestStored IngestOutcome = iota
	IngestNoOp
)

func (o IngestOutcome) String() string {
	if o == IngestStored {
		return "stored"
	}
	return "no_op"
}

// IngestResult reports the outcome of IngestEntry.
type IngestResult struct {
	Outcome IngestOutcome

	// NeedsPayload is set when the entry is held but its payload is not.
	NeedsPayload bool
}

// IngestEntry accepts an entry written elsewhere. The token is verified
// against the entry; pruning is always permitted because the author has
// already made that choice.
//
// Returns:
//   - IngestResult: Outcome and whether the payload must be fetched
//   - error: KindValidation for an entry of another share, KindAuthorisation
//     for a token that does not authorise the entry
func (s *Store) IngestEntry(ctx context.Context, e document.Entry, token document.AuthorisationToken) (IngestResult, error) {
	res, err := s.ingestEntry(ctx, e, token)
	switch {
	case err != nil && errs.KindOf(err) != errs.KindInternal:
		s.metrics.RecordIngest(string(s.share), "rejected")
	case err == nil:
		s.metrics.RecordIngest(string(s.share), res.Outcome.String())
	}
	return res, err
}

func (s *Store) ingestEntry(ctx context.Context, e document.Entry, token document.AuthorisationToken) (IngestResult, error) {
	// ========================================================================
	// Step 1: Verify the entry belongs here and is authorised
	// ========================================================================

	if e.Share != s.share {
		return IngestResult{}, errs.Validation("entry for share %s offered to %s", e.Share, s.share)
	}
	if e.Path.Len() == 0 {
		return IngestResult{}, errs.Validation("entry at the empty path")
	}
	if !s.scheme.IsAuthorisedWrite(ctx, e, token) {
		return IngestResult{}, errs.Authorisation("token does not authorise %s", e)
	}

	// ========================================================================
	// Step 2: Persist
	// ========================================================================

	s.writeMu.Lock()
	s.gcMu.RLock()
	res, err := s.entries.Put(ctx, e, token)
	s.gcMu.RUnlock()
	s.writeMu.Unlock()
	if err != nil {
		return IngestResult{}, errs.Wrap(errs.KindInternal, err, "persist ingested entry")
	}
	if res.Outcome == entrystore.PutNoOp {
		return IngestResult{Outcome: IngestNoOp}, nil
	}
	s.publish(Event{Kind: EventIngest, Entry: e})

	// ========================================================================
	// Step 3: Work out whether the payload is still needed
	// ========================================================================

	has, err := s.HasPayload(ctx, e.PayloadDigest)
	if err != nil {
		return IngestResult{}, err
	}
	if !has && e.PayloadLength == 0 && e.PayloadDigest == blob.EmptyDigest {
		if err := s.IngestPayload(ctx, e.PayloadDigest, bytes.NewReader(nil)); err != nil {
			return IngestResult{}, err
		}
		has = true
	}
	return IngestResult{Outcome: IngestStored, NeedsPayload: !has}, nil
}

// IngestPayload stages r, checks that it hashes to digest and commits it.
//
// Returns:
//   - error: KindProtocol wrapping blob.ErrDigestMismatch when the bytes do
//     not match, KindInternal for storage failures
func (s *Store) IngestPayload(ctx context.Context, digest blob.Digest, r io.Reader) error {
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	staged, err := s.blobs.Stage(ctx, blob.FormatDefault, r)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "stage payload %s", digest.Hash())
	}
	if staged.Hash != digest {
		if err := staged.Reject(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("store %s: reject mismatched payload: %v", s.share.Shortname(), err)
		}
		return errs.Wrap(errs.KindProtocol, fmt.Errorf("%w: got %s", blob.ErrDigestMismatch, staged.Hash.Hash()), "payload %s", digest.Hash())
	}
	if err := staged.Commit(ctx); err != nil {
		return errs.Wrap(errs.KindInternal, err, "commit payload %s", digest.Hash())
	}

	s.publish(Event{Kind: EventPayload, Entry: document.Entry{Share: s.share, PayloadDigest: digest, PayloadLength: uint64(staged.Size)}})
	return nil
}

// HasPayload reports whether the payload with digest is held locally.
func (s *Store) HasPayload(ctx context.Context, digest blob.Digest) (bool, error) {
	b, err := s.blobs.GetBlob(ctx, blob.FormatDefault, digest)
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, err, "lookup payload %s", digest.Hash())
	}
	return b != nil, nil
}

// Payload returns the payload with digest, or nil when it is not held.
func (s *Store) Payload(ctx context.Context, digest blob.Digest) (*blob.Blob, error) {
	b, err := s.blobs.GetBlob(ctx, blob.FormatDefault, digest)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "lookup payload %s", digest.Hash())
	}
	return b, nil
}

// MissingPayloads lists entries in the share whose payloads are not held
// locally, in path order.
func (s *Store) MissingPayloads(ctx context.Context) ([]document.Entry, error) {
	var out []document.Entry
	for rec, err := range s.entries.Query(ctx, s.share, document.Query{}) {
		if err != nil {
			return nil, wrapQueryErr(err)
		}
		has, err := s.HasPayload(ctx, rec.Entry.PayloadDigest)
		if err != nil {
			return nil, err
		}
		if !has {
			out = append(out, rec.Entry)
		}
	}
	return out, nil
}
