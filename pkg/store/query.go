package store

import (
	"context"
	"iter"
	"slices"

	"github.com/marmos91/dittoshare/pkg/document"
	"github.com/marmos91/dittoshare/pkg/entrystore"
	"github.com/marmos91/dittoshare/pkg/errs"
	"github.com/marmos91/dittoshare/pkg/keys"
	"github.com/marmos91/dittoshare/pkg/path"
)

// Get returns identity's document at exactly p, or nil.
func (s *Store) Get(ctx context.Context, identity keys.IdentityTag, p path.Path) (*document.Document, error) {
	rec, ok, err := s.entries.Get(ctx, s.share, identity, p)
	if err != nil || !ok {
		return nil, err
	}
	doc, err := s.toDocument(ctx, rec, false)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// LatestDocAtPath returns the newest document at exactly p across all
// identities, or nil.
func (s *Store) LatestDocAtPath(ctx context.Context, p path.Path) (*document.Document, error) {
	recs, err := s.entries.AtPath(ctx, s.share, p)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	latest := slices.MaxFunc(recs, func(a, b entrystore.Record) int {
		return document.CompareVersions(a.Entry, b.Entry)
	})
	doc, err := s.toDocument(ctx, latest, false)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// DocumentsAtPath returns every identity's document at exactly p, newest
// first.
func (s *Store) DocumentsAtPath(ctx context.Context, p path.Path) ([]document.Document, error) {
	recs, err := s.entries.AtPath(ctx, s.share, p)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b entrystore.Record) int {
		return document.CompareVersions(b.Entry, a.Entry)
	})

	docs := make([]document.Document, 0, len(recs))
	for _, rec := range recs {
		doc, err := s.toDocument(ctx, rec, false)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Documents returns every document in the share.
func (s *Store) Documents(ctx context.Context, order document.Order, descending bool) iter.Seq2[document.Document, error] {
	return s.QueryDocs(ctx, document.Query{Order: order, Descending: descending})
}

// QueryDocs returns a lazy, restartable sequence of the documents matching
// q. Iteration stops at the first error, which is yielded.
func (s *Store) QueryDocs(ctx context.Context, q document.Query) iter.Seq2[document.Document, error] {
	return func(yield func(document.Document, error) bool) {
		for rec, err := range s.entries.Query(ctx, s.share, q) {
			if err != nil {
				yield(document.Document{}, wrapQueryErr(err))
				return
			}
			doc, err := s.toDocument(ctx, rec, false)
			if err != nil {
				yield(document.Document{}, err)
				return
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// QueryPaths yields the distinct paths of the documents matching q, in the
// order they are first seen.
func (s *Store) QueryPaths(ctx context.Context, q document.Query) iter.Seq2[path.Path, error] {
	return func(yield func(path.Path, error) bool) {
		seen := make(map[string]struct{})
		for rec, err := range s.entries.Query(ctx, s.share, q) {
			if err != nil {
				yield(path.Path{}, wrapQueryErr(err))
				return
			}
			key := string(rec.Entry.Path.Key())
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			if !yield(rec.Entry.Path, nil) {
				return
			}
		}
	}
}

// QueryIdentities yields the distinct authors of the documents matching q,
// in the order they are first seen.
func (s *Store) QueryIdentities(ctx context.Context, q document.Query) iter.Seq2[keys.IdentityTag, error] {
	return func(yield func(keys.IdentityTag, error) bool) {
		seen := make(map[keys.IdentityTag]struct{})
		for rec, err := range s.entries.Query(ctx, s.share, q) {
			if err != nil {
				yield("", wrapQueryErr(err))
				return
			}
			if _, dup := seen[rec.Entry.Identity]; dup {
				continue
			}
			seen[rec.Entry.Identity] = struct{}{}
			if !yield(rec.Entry.Identity, nil) {
				return
			}
		}
	}
}

func wrapQueryErr(err error) error {
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.Wrap(errs.KindInternal, err, "query")
}
