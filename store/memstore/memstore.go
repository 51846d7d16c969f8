// Package memstore is an in-memory Store implementation, used by tests that
// never need to survive a restart. It mirrors the concurrency posture the teacher's iblockproc state
// holders assume: callers serialize writes themselves (the Epoch Manager
// Core's exclusive lock), so memstore itself only needs to be safe for
// concurrent reads during a write (spec.md §5).
package memstore

import (
	"sort"
	"sync"

	"github.com/wkarshat/nearcore/store"
)

type key struct {
	cf store.ColumnFamily
	k  string
}

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	data map[key][]byte
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[key][]byte)}
}

func (s *Store) Get(cf store.ColumnFamily, k []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key{cf, string(k)}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *Store) Has(cf store.ColumnFamily, k []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key{cf, string(k)}]
	return ok, nil
}

func (s *Store) IteratePrefix(cf store.ColumnFamily, prefix []byte, fn func(key, value []byte) bool) error {
	s.mu.RLock()
	type entry struct {
		k string
		v []byte
	}
	var entries []entry
	for k, v := range s.data {
		if k.cf != cf {
			continue
		}
		if len(k.k) < len(prefix) || k.k[:len(prefix)] != string(prefix) {
			continue
		}
		entries = append(entries, entry{k.k, v})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].k < entries[j].k })
	for _, e := range entries {
		if !fn([]byte(e.k), e.v) {
			return nil
		}
	}
	return nil
}

func (s *Store) NewBatch() store.Batch {
	return &batch{store: s}
}

func (s *Store) Close() error { return nil }

type op struct {
	cf     store.ColumnFamily
	k      []byte
	v      []byte
	delete bool
}

type batch struct {
	store *Store
	ops   []op
}

func (b *batch) Put(cf store.ColumnFamily, k, v []byte) {
	cp := make([]byte, len(v))
	copy(cp, v)
	b.ops = append(b.ops, op{cf: cf, k: k, v: cp})
}

func (b *batch) Delete(cf store.ColumnFamily, k []byte) {
	b.ops = append(b.ops, op{cf: cf, k: k, delete: true})
}

func (b *batch) Write() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, o := range b.ops {
		mk := key{o.cf, string(o.k)}
		if o.delete {
			delete(b.store.data, mk)
			continue
		}
		b.store.data[mk] = o.v
	}
	return nil
}
