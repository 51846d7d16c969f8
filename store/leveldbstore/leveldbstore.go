// Package leveldbstore is the production store.Store backing: an on-disk
// github.com/syndtr/goleveldb database with column families implemented as
// key prefixes (goleveldb has no native column-family concept). Errors are
// wrapped with key/column-family context and propagated unchanged, per
// spec.md §7 kind 3 ("Persistent-store I/O failures: propagated unchanged").
package leveldbstore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/wkarshat/nearcore/store"
)

// Store wraps a goleveldb database as a store.Store.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("leveldbstore: open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func prefixedKey(cf store.ColumnFamily, k []byte) []byte {
	out := make([]byte, 0, len(cf)+1+len(k))
	out = append(out, []byte(cf)...)
	out = append(out, ':')
	out = append(out, k...)
	return out
}

func (s *Store) Get(cf store.ColumnFamily, k []byte) ([]byte, error) {
	v, err := s.db.Get(prefixedKey(cf, k), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldbstore: get %s/%x: %w", cf, k, err)
	}
	return v, nil
}

func (s *Store) Has(cf store.ColumnFamily, k []byte) (bool, error) {
	ok, err := s.db.Has(prefixedKey(cf, k), nil)
	if err != nil {
		return false, fmt.Errorf("leveldbstore: has %s/%x: %w", cf, k, err)
	}
	return ok, nil
}

func (s *Store) IteratePrefix(cf store.ColumnFamily, prefix []byte, fn func(key, value []byte) bool) error {
	fullPrefix := prefixedKey(cf, prefix)
	it := s.db.NewIterator(util.BytesPrefix(fullPrefix), nil)
	defer it.Release()
	skip := len(cf) + 1
	for it.Next() {
		k := it.Key()
		if len(k) < skip {
			continue
		}
		if !fn(k[skip:], it.Value()) {
			break
		}
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("leveldbstore: iterate %s: %w", cf, err)
	}
	return nil
}

func (s *Store) NewBatch() store.Batch {
	return &batch{db: s.db, b: new(leveldb.Batch)}
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("leveldbstore: close: %w", err)
	}
	return nil
}

type batch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *batch) Put(cf store.ColumnFamily, k, v []byte) {
	b.b.Put(prefixedKey(cf, k), v)
}

func (b *batch) Delete(cf store.ColumnFamily, k []byte) {
	b.b.Delete(prefixedKey(cf, k))
}

func (b *batch) Write() error {
	if err := b.db.Write(b.b, nil); err != nil {
		return fmt.Errorf("leveldbstore: write batch: %w", err)
	}
	return nil
}
