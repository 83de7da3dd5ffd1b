package store

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// SetInput describes one write.
type SetInput struct {
	Identity keys.IdentityTag
	Path     path.Path

	// Payload is the document content. Stream takes precedence when set.
	Payload []byte
	Stream  io.Reader

	// Timestamp in microseconds; 0 means now.
	Timestamp uint64
}

// Set writes a document.
//
// Unless permitPruning is set, a write that would prune entries at strict
// descendants of in.Path is refused with *document.SetPruningPrevented
// listing those documents. Authorisation and validation problems are
// returned as *document.SetFailure, never as a panic. A write that is not
// newer than what the store already holds returns *document.SetNoOp.
//
// A write that does not succeed leaves the entry set unchanged.
func (s *Store) Set(ctx context.Context, in SetInput, permitPruning bool) document.SetEvent {
	start := time.Now()
	ev := s.set(ctx, in, permitPruning)
	s.metrics.ObserveSet(string(s.share), ev.Kind(), time.Since(start))
	return ev
}

func (s *Store) set(ctx context.Context, in SetInput, permitPruning bool) document.SetEvent {
	// ========================================================================
	// Step 1: Validate the request
	// ========================================================================

	if err := ctx.Err(); err != nil {
		return document.Failure(errs.Wrap(errs.KindInternal, err, "set cancelled"))
	}
	if _, _, err := keys.ParseIdentityTag(string(in.Identity)); err != nil {
		return document.Failure(err)
	}
	if in.Path.Len() == 0 {
		return document.Failure(errs.Validation("cannot write at the empty path"))
	}

	// ========================================================================
	// Step 2: Stage the payload to learn its digest
	// ========================================================================

	r := in.Stream
	if r == nil {
		r = bytes.NewReader(in.Payload)
	}
	staged, err := s.blobs.Stage(ctx, blob.FormatDefault, r)
	if err != nil {
		return document.Failure(errs.Wrap(errs.KindInternal, err, "stage payload"))
	}
	committed := false
	defer func() {
		if !committed {
			// Staging outlives the caller's context.
			if err := staged.Reject(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("store %s: reject staged payload %s: %v", s.share.Shortname(), staged.Hash.Hash(), err)
			}
		}
	}()

	timestamp := in.Timestamp
	if timestamp == 0 {
		timestamp = nowMicros(s.clock())
	}
	entry := document.Entry{
		Share:         s.share,
		Identity:      in.Identity,
		Path:          in.Path,
		Timestamp:     timestamp,
		PayloadDigest: staged.Hash,
		PayloadLength: uint64(staged.Size),
	}

	// ========================================================================
	// Step 3: Sign the entry with a write capability
	// ========================================================================

	token, err := s.scheme.GetWriteAuthorisation(ctx, s.keyring, entry)
	if err != nil {
		return document.Failure(err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.gcMu.RLock()
	defer s.gcMu.RUnlock()

	// ========================================================================
	// Step 4: Refuse silent pruning of descendants
	// ========================================================================

	if !permitPruning {
		prunable, err := s.entries.PrunableEntries(ctx, entry)
		if err != nil {
			return document.Failure(errs.Wrap(errs.KindInternal, err, "prune check"))
		}
		if len(prunable) > 0 {
			preserved := make([]document.Document, 0, len(prunable))
			for _, rec := range prunable {
				doc, err := s.toDocument(ctx, rec, false)
				if err != nil {
					return document.Failure(err)
				}
				preserved = append(preserved, doc)
			}
			return &document.SetPruningPrevented{Preserved: preserved}
		}
	}

	// ========================================================================
	// Step 5: Commit the payload, then persist the entry
	// ========================================================================

	// A payload committed for an entry that turns out to be a no-op is
	// unreferenced and reclaimed by the next collection.
	if err := staged.Commit(ctx); err != nil {
		return document.Failure(errs.Wrap(errs.KindInternal, err, "commit payload"))
	}
	committed = true

	res, err := s.entries.Put(ctx, entry, token)
	if err != nil {
		return document.Failure(errs.Wrap(errs.KindInternal, err, "persist entry"))
	}
	if res.Outcome == entrystore.PutNoOp {
		return &document.SetNoOp{Reason: "an equal or newer entry by this identity already covers the path"}
	}

	doc, err := s.toDocument(ctx, entrystore.Record{Entry: entry, Token: token}, true)
	if err != nil {
		return document.Failure(err)
	}

	var pruned []path.Path
	for _, rec := range res.Pruned {
		if !path.Equal(rec.Entry.Path, entry.Path) {
			pruned = append(pruned, rec.Entry.Path)
		}
	}

	logger.Debug("store %s: wrote %s", s.share.Shortname(), entry)
	s.publish(Event{Kind: EventWrite, Entry: entry})
	return &document.SetSuccess{Document: doc, Pruned: pruned}
}

// Clear replaces the payload of identity's document at p with empty bytes,
// one microsecond after the existing timestamp. The entry itself remains.
//
// Clearing never prunes. If the bumped entry would prune descendants of p
// written by the same identity, Clear refuses and leaves the store
// unchanged. Callers that accept the loss can Set an empty payload with
// permitPruning instead.
//
// Returns:
//   - *document.Document: The cleared document
//   - error: KindValidation when there is no document to clear or clearing
//     would prune descendants, KindAuthorisation when the identity may not
//     write
func (s *Store) Clear(ctx context.Context, identity keys.IdentityTag, p path.Path) (*document.Document, error) {
	existing, ok, err := s.entries.Get(ctx, s.share, identity, p)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "clear lookup")
	}
	if !ok {
		return nil, errs.Validation("no document by %s at %s to clear", identity, p)
	}

	ev := s.Set(ctx, SetInput{
		Identity:  identity,
		Path:      p,
		Payload:   []byte{},
		Timestamp: existing.Entry.Timestamp + 1,
	}, false)

	switch ev := ev.(type) {
	case *document.SetSuccess:
		return &ev.Document, nil
	case *document.SetFailure:
		return nil, ev.Err
	case *document.SetPruningPrevented:
		return nil, errs.Validation("clearing %s would prune %d descendant documents", p, len(ev.Preserved))
	default:
		return nil, errs.Validation("clearing %s had no effect", p)
	}
}
