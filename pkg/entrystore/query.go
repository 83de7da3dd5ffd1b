package entrystore

import (
	"context"
	"iter"
	"slices"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/dittoshare/pkg/blob"
	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// Query returns a lazy, restartable sequence of the records in share that
// match q.
//
// Path order streams straight from a key range scan. Identity and
// timestamp orders read the matching records first and sort them; payload
// bytes are never loaded here.
func (s *Store) Query(ctx context.Context, share keys.ShareTag, q document.Query) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := q.Validate(); err != nil {
			yield(Record{}, err)
			return
		}
		if err := s.check(ctx); err != nil {
			yield(Record{}, err)
			return
		}

		if q.Order == document.OrderPath {
			s.queryPathOrder(ctx, share, q, yield)
			return
		}

		var matched []Record
		err := s.db.View(func(txn *badger.Txn) error {
			return scanPrefix(txn, pathPrefixKey(share, q.PathPrefix), false, func(_, val []byte) (bool, error) {
				if err := ctx.Err(); err != nil {
					return false, err
				}
				rec, _, err := decodeRecord(val)
				if err != nil {
					return false, err
				}
				if q.Matches(rec.Entry) {
					matched = append(matched, rec)
				}
				return true, nil
			})
		})
		if err != nil {
			yield(Record{}, err)
			return
		}

		slices.SortStableFunc(matched, compareFor(q.Order))
		if q.Descending {
			slices.Reverse(matched)
		}
		for i, rec := range matched {
			if q.Limit > 0 && i >= q.Limit {
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) queryPathOrder(ctx context.Context, share keys.ShareTag, q document.Query, yield func(Record, error) bool) {
	count := 0
	stopped := false
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, pathPrefixKey(share, q.PathPrefix), q.Descending, func(_, val []byte) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			rec, _, err := decodeRecord(val)
			if err != nil {
				return false, err
			}
			if !q.Matches(rec.Entry) {
				return true, nil
			}
			if !yield(rec, nil) {
				stopped = true
				return false, nil
			}
			count++
			return q.Limit == 0 || count < q.Limit, nil
		})
	})
	if err != nil && !stopped {
		yield(Record{}, err)
	}
}

func compareFor(order document.Order) func(a, b Record) int {
	switch order {
	case document.OrderIdentity:
		return func(a, b Record) int {
			if c := strings.Compare(string(a.Entry.Identity), string(b.Entry.Identity)); c != 0 {
				return c
			}
			return path.Compare(a.Entry.Path, b.Entry.Path)
		}
	case document.OrderTimestamp:
		return func(a, b Record) int {
			switch {
			case a.Entry.Timestamp < b.Entry.Timestamp:
				return -1
			case a.Entry.Timestamp > b.Entry.Timestamp:
				return 1
			}
			if c := path.Compare(a.Entry.Path, b.Entry.Path); c != 0 {
				return c
			}
			return strings.Compare(string(a.Entry.Identity), string(b.Entry.Identity))
		}
	default:
		return func(a, b Record) int {
			if c := path.Compare(a.Entry.Path, b.Entry.Path); c != 0 {
				return c
			}
			return strings.Compare(string(a.Entry.Identity), string(b.Entry.Identity))
		}
	}
}

// ReferencedDigests returns the payload digests of every stored entry across
// all shares, as a keep set for blob.Driver.Filter.
func (s *Store) ReferencedDigests(ctx context.Context) (blob.KeepSet, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	keep := blob.KeepSet{}
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, []byte(prefixEntry), false, func(_, val []byte) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			rec, _, err := decodeRecord(val)
			if err != nil {
				return false, err
			}
			keep.Add(blob.FormatDefault, rec.Entry.PayloadDigest)
			return true, nil
		})
	})
	return keep, err
}
