package entrystore

import (
	"bytes"
	"context"
	"iter"

	badger "github.com/dgraph-io/badger/v4"
	"lukechampine.com/blake3"

	"github.com/marmos91/dittoshare/pkg/keys"
)

// KeyRange is a half-open range [Start, End) over local keys (the part of
// an entry key after the share prefix). A nil End is unbounded.
type KeyRange struct {
	Start []byte
	End   []byte
}

// defaultRangeBatch is the number of records RangeSeq reads per transaction.
const defaultRangeBatch = 128

// FullRange covers a whole share.
var FullRange = KeyRange{}

// Contains reports whether local falls in r.
func (r KeyRange) Contains(local []byte) bool {
	if bytes.Compare(local, r.Start) < 0 {
		return false
	}
	return r.End == nil || bytes.Compare(local, r.End) < 0
}

// Fingerprint summarises a set of entries: the XOR of the BLAKE3 hashes of
// their encodings. Equal sets have equal fingerprints on every replica.
type Fingerprint [32]byte

// IsZero reports whether the fingerprint is that of the empty set.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

func (f *Fingerprint) add(entry []byte) {
	h := blake3.Sum256(entry)
	for i := range f {
		f[i] ^= h[i]
	}
}

// scanRange visits entries of share whose local key is in r.
func scanRange(txn *badger.Txn, share keys.ShareTag, r KeyRange, fn func(local, val []byte) (bool, error)) error {
	prefix := sharePrefix(share)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(append(bytes.Clone(prefix), r.Start...)); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		local := bytes.Clone(item.Key()[len(prefix):])
		if r.End != nil && bytes.Compare(local, r.End) >= 0 {
			return nil
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		more, err := fn(local, val)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// Summarise returns the fingerprint and size of the entries of share in r.
func (s *Store) Summarise(ctx context.Context, share keys.ShareTag, r KeyRange) (Fingerprint, int, error) {
	if err := s.check(ctx); err != nil {
		return Fingerprint{}, 0, err
	}

	var (
		fp    Fingerprint
		count int
	)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRange(txn, share, r, func(_, val []byte) (bool, error) {
			_, entry, err := decodeRecord(val)
			if err != nil {
				return false, err
			}
			fp.add(entry)
			count++
			return true, nil
		})
	})
	return fp, count, err
}

// Split divides r into at most parts subranges holding roughly equal numbers
// of entries. The subranges are contiguous and together cover r exactly.
func (s *Store) Split(ctx context.Context, share keys.ShareTag, r KeyRange, parts int) ([]KeyRange, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var locals [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		return scanRange(txn, share, r, func(local, _ []byte) (bool, error) {
			locals = append(locals, local)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if parts < 2 || len(locals) < 2 {
		return []KeyRange{r}, nil
	}
	parts = min(parts, len(locals))

	out := make([]KeyRange, 0, parts)
	start := r.Start
	for k := 1; k < parts; k++ {
		boundary := locals[len(locals)*k/parts]
		out = append(out, KeyRange{Start: start, End: boundary})
		start = boundary
	}
	return append(out, KeyRange{Start: start, End: r.End}), nil
}

// RangeSeq yields the records of share in r in key order. It reads batch
// records per transaction, so a consumer that stops or stalls never holds
// more than one batch or a long-lived transaction.
func (s *Store) RangeSeq(ctx context.Context, share keys.ShareTag, r KeyRange, batch int) iter.Seq2[Record, error] {
	if batch <= 0 {
		batch = defaultRangeBatch
	}
	return func(yield func(Record, error) bool) {
		cursor := r
		for {
			if err := s.check(ctx); err != nil {
				yield(Record{}, err)
				return
			}

			page := make([]Record, 0, batch)
			var last []byte
			err := s.db.View(func(txn *badger.Txn) error {
				return scanRange(txn, share, cursor, func(local, val []byte) (bool, error) {
					rec, _, err := decodeRecord(val)
					if err != nil {
						return false, err
					}
					page = append(page, rec)
					last = local
					return len(page) < batch, nil
				})
			})
			if err != nil {
				yield(Record{}, err)
				return
			}

			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < batch {
				return
			}
			// The smallest key after last.
			cursor.Start = append(last, 0x00)
		}
	}
}
