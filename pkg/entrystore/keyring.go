package entrystore

import (
	"context"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// PutKeyringRecord stores an opaque keyring record under id.
func (s *Store) PutKeyringRecord(ctx context.Context, id string, data []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyringKey(id), data)
	})
}

// DeleteKeyringRecord removes a keyring record. Missing records are ignored.
func (s *Store) DeleteKeyringRecord(ctx context.Context, id string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyringKey(id))
	})
}

// KeyringRecords returns every keyring record whose id starts with prefix.
func (s *Store) KeyringRecords(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	out := make(map[string][]byte)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, keyringKey(prefix), false, func(key, val []byte) (bool, error) {
			out[strings.TrimPrefix(string(key), prefixKeyring)] = val
			return true, nil
		})
	})
	return out, err
}
