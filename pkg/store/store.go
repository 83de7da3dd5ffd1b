// Package store is the authorisation-gated read, write and query facade
// over one share's entries.
//
// A Store keeps entry metadata in an entrystore.Store and payload bytes in
// a blob.Driver. Writes are signed with capabilities from an auth.Keyring;
// entries arriving from other peers are re-verified before they are
// ingested. Several Stores (one per share) normally share the same entry
// store and blob driver.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/dittoshare/pkg/auth"
	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
)

// Options tunes a Store. The zero value is usable.
type Options struct {
	// Scheme verifies and signs authorisation tokens. A fresh scheme is
	// created when nil.
	Scheme *auth.Scheme

	// Metrics receives write and ingest observations. Nil disables them.
	Metrics StoreMetrics

	// Clock supplies default write timestamps. Defaults to time.Now.
	Clock func() time.Time

	// CollectLock must be shared by every Store over the same blob driver,
	// so that a collection never erases a payload that a concurrent write
	// has just committed.
	CollectLock *sync.RWMutex
}

// Store is the facade for one share. It is safe for concurrent use.
type Store struct {
	share   keys.ShareTag
	keyring auth.Keyring
	entries *entrystore.Store
	blobs   blob.Driver

	scheme  *auth.Scheme
	metrics StoreMetrics
	clock   func() time.Time

	// writeMu makes the prune check and the persist of one write a single
	// step.
	writeMu sync.Mutex
	gcMu    *sync.RWMutex

	subsMu  sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// New creates the Store for share.
//
// Returns:
//   - *Store: Store ready for use
//   - error: KindValidation when share is not a valid share tag
func New(share keys.ShareTag, keyring auth.Keyring, entries *entrystore.Store, blobs blob.Driver, opts Options) (*Store, error) {
	if _, _, err := keys.ParseShareTag(string(share)); err != nil {
		return nil, err
	}
	if keyring == nil || entries == nil || blobs == nil {
		return nil, errs.Internal("store for %s needs a keyring, an entry store and a blob driver", share)
	}

	s := &Store{
		share:   share,
		keyring: keyring,
		entries: entries,
		blobs:   blobs,
		scheme:  opts.Scheme,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		gcMu:    opts.CollectLock,
		subs:    make(map[uint64]chan Event),
	}
	if s.scheme == nil {
		s.scheme = auth.NewScheme()
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.gcMu == nil {
		s.gcMu = &sync.RWMutex{}
	}
	return s, nil
}

// Share returns the share this store serves.
func (s *Store) Share() keys.ShareTag { return s.share }

// Scheme returns the authorisation scheme used for writes and ingests.
func (s *Store) Scheme() *auth.Scheme { return s.scheme }

// Entries exposes the underlying entry store for range reconciliation.
func (s *Store) Entries() *entrystore.Store { return s.entries }

// toDocument attaches a payload accessor to rec. When the payload is not
// held locally the document's Payload is nil, unless mustExist is set, in
// which case a missing payload is an internal fault.
func (s *Store) toDocument(ctx context.Context, rec entrystore.Record, mustExist bool) (document.Document, error) {
	b, err := s.blobs.GetBlob(ctx, blob.FormatDefault, rec.Entry.PayloadDigest)
	if err != nil {
		return document.Document{}, errs.Wrap(errs.KindInternal, err, "payload for %s", rec.Entry)
	}
	if b == nil {
		if mustExist {
			return document.Document{}, errs.Internal("payload %s for %s is missing", rec.Entry.PayloadDigest.Hash(), rec.Entry)
		}
		return document.NewDocument(rec.Entry, rec.Token, nil), nil
	}
	return document.NewDocument(rec.Entry, rec.Token, document.PayloadFromBlob(b)), nil
}

func nowMicros(t time.Time) uint64 {
	return uint64(t.UnixMicro())
}
