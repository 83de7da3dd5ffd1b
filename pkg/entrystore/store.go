// Package entrystore is the badger-backed range store holding entries and
// their authorisation tokens.
//
// It applies the version order and prefix-pruning rules on every Put, and
// supports the range scans and fingerprints used by queries and
// reconciliation. Payload bytes live in a blob.Driver, not here.
package entrystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("entry store closed")

// Record is one stored entry with its token.
type Record struct {
	Entry document.Entry
	Token document.AuthorisationToken
}

type recordWire struct {
	Entry []byte
	Token []byte
}

func encodeRecord(r Record) []byte {
	var buf bytes.Buffer
	_, _ = xdr.Marshal(&buf, &recordWire{Entry: r.Entry.Encode(), Token: r.Token.Encode()})
	return buf.Bytes()
}

func decodeRecord(data []byte) (Record, []byte, error) {
	var wire recordWire
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &wire); err != nil {
		return Record{}, nil, fmt.Errorf("decode record: %w", err)
	}
	e, err := document.DecodeEntry(wire.Entry)
	if err != nil {
		return Record{}, nil, err
	}
	tok, err := document.DecodeAuthorisationToken(wire.Token)
	if err != nil {
		return Record{}, nil, err
	}
	return Record{Entry: e, Token: tok}, wire.Entry, nil
}

// Config configures a Store.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM.
	InMemory bool

	// BlockCacheSizeMB and IndexCacheSizeMB size badger's caches.
	BlockCacheSizeMB int64
	IndexCacheSizeMB int64
}

// Store is a badger-backed entry store. It is safe for concurrent use;
// writes are serialised by a single-writer lock so the prune check and the
// write of one Put are a single step.
type Store struct {
	db *badger.DB

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens (or creates) a store.
//
// Parameters:
//   - ctx: Context for cancellation (checked before opening)
//   - cfg: Location and cache sizes
//
// Returns:
//   - *Store: Open store, to be closed by the caller
//   - error: Badger open failure or context cancellation
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("entry store path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	// Entries are small and scanned by prefix.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}

	return &Store{db: db, closed: make(chan struct{})}, nil
}

// OpenInMemory opens a volatile store.
func OpenInMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, Config{InMemory: true})
}

// Close releases the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.db.Close()
	})
	return err
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return nil
	}
}

// ============================================================================
// Writes
// ============================================================================

// PutOutcome says whether a Put changed the store.
type PutOutcome int

const (
	PutStored PutOutcome = iota
	PutNoOp
)

// PutResult reports the outcome of a Put and the entries it removed.
type PutResult struct {
	Outcome PutOutcome
	Pruned  []Record
}

// Put stores e unless an equal or newer entry by the same identity already
// exists at e's path or at a prefix of it. On store, every entry by the same
// identity at e's path or below that e is newer than is removed and returned
// in Pruned.
func (s *Store) Put(ctx context.Context, e document.Entry, token document.AuthorisationToken) (PutResult, error) {
	if err := s.check(ctx); err != nil {
		return PutResult{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var result PutResult
	err := s.db.Update(func(txn *badger.Txn) error {
		// ====================================================================
		// Step 1: An equal-or-newer entry at a prefix path makes this a no-op
		// ====================================================================

		for i := 0; i <= e.Path.Len(); i++ {
			prefix, err := path.New(e.Path.Components()[:i]...)
			if err != nil {
				return err
			}
			rec, ok, err := getRecord(txn, entryKey(e.Share, prefix, e.Identity))
			if err != nil {
				return err
			}
			if ok && document.CompareVersions(rec.Entry, e) >= 0 {
				result.Outcome = PutNoOp
				return nil
			}
		}

		// ====================================================================
		// Step 2: Remove what the new entry prunes
		// ====================================================================

		var doomed [][]byte
		err := scanPrefix(txn, pathPrefixKey(e.Share, e.Path), false, func(key, val []byte) (bool, error) {
			rec, _, err := decodeRecord(val)
			if err != nil {
				return false, err
			}
			if document.Prunes(e, rec.Entry) {
				doomed = append(doomed, bytes.Clone(key))
				result.Pruned = append(result.Pruned, rec)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		// ====================================================================
		// Step 3: Write the entry
		// ====================================================================

		result.Outcome = PutStored
		return txn.Set(entryKey(e.Share, e.Path, e.Identity), encodeRecord(Record{Entry: e, Token: token}))
	})
	if err != nil {
		return PutResult{}, fmt.Errorf("put entry %s: %w", e, err)
	}
	return result, nil
}

// ============================================================================
// Reads
// ============================================================================

// Get returns the entry by identity at exactly p.
func (s *Store) Get(ctx context.Context, share keys.ShareTag, identity keys.IdentityTag, p path.Path) (Record, bool, error) {
	if err := s.check(ctx); err != nil {
		return Record{}, false, err
	}

	var (
		rec Record
		ok  bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, ok, err = getRecord(txn, entryKey(share, p, identity))
		return err
	})
	return rec, ok, err
}

// AtPath returns every identity's entry at exactly p, in identity order.
func (s *Store) AtPath(ctx context.Context, share keys.ShareTag, p path.Path) ([]Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, exactPathKey(share, p), false, func(_, val []byte) (bool, error) {
			rec, _, err := decodeRecord(val)
			if err != nil {
				return false, err
			}
			out = append(out, rec)
			return true, nil
		})
	})
	return out, err
}

// PrunableEntries returns the entries a candidate entry would prune at
// strict descendants of its path. Entries at the path itself are ordinary
// overwrites and are not included.
func (s *Store) PrunableEntries(ctx context.Context, candidate document.Entry) ([]Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, pathPrefixKey(candidate.Share, candidate.Path), false, func(_, val []byte) (bool, error) {
			rec, _, err := decodeRecord(val)
			if err != nil {
				return false, err
			}
			if candidate.Path.IsStrictPrefixOf(rec.Entry.Path) && document.Prunes(candidate, rec.Entry) {
				out = append(out, rec)
			}
			return true, nil
		})
	})
	return out, err
}

// Shares lists every share with at least one entry.
func (s *Store) Shares(ctx context.Context) ([]keys.ShareTag, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []keys.ShareTag
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefixEntry)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			key := it.Item().Key()
			rest := key[len(prefixEntry):]
			i := bytes.IndexByte(rest, 0x00)
			if i < 0 {
				it.Next()
				continue
			}
			share := keys.ShareTag(rest[:i])
			out = append(out, share)

			end := prefixEnd(sharePrefix(share))
			if end == nil {
				break
			}
			it.Seek(end)
		}
		return nil
	})
	return out, err
}

func getRecord(txn *badger.Txn, key []byte) (Record, bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return Record{}, false, err
	}
	rec, _, err := decodeRecord(val)
	if err != nil {
		logger.Error("entry store: corrupt record at %q: %v", key, err)
		return Record{}, false, err
	}
	return rec, true, nil
}

// scanPrefix visits every key with prefix, forward or in reverse, until fn
// returns false.
func scanPrefix(txn *badger.Txn, prefix []byte, reverse bool, fn func(key, val []byte) (bool, error)) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	if !reverse {
		// Valid() enforces opts.Prefix, which would hide the bound a
		// reverse seek may land on.
		opts.Prefix = prefix
	}
	it := txn.NewIterator(opts)
	defer it.Close()

	if reverse {
		it.Seek(prefixEnd(prefix))
		// Reverse seek lands on the largest key <= the bound, which may be
		// the bound itself.
		if it.Valid() && !bytes.HasPrefix(it.Item().Key(), prefix) {
			it.Next()
		}
	} else {
		it.Seek(prefix)
	}

	for ; it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(item.KeyCopy(nil), val)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// decodeLocalKey is used in tests and diagnostics.
func decodeLocalKey(local []byte) (path.Path, keys.IdentityTag, error) {
	p, n, err := path.DecodeKey(local)
	if err != nil {
		return path.Path{}, "", err
	}
	if n >= len(local) {
		return path.Path{}, "", errs.Validation("local key has no identity")
	}
	return p, keys.IdentityTag(local[n:]), nil
}
