// Package store defines the persistent-store contract the Epoch Manager Core
// depends on (spec.md §6): a transactional key-value interface over a small,
// fixed set of logical column families, written and read through batches so
// finalization commits atomically with the block ingestion that triggered it
// (spec.md §5, "Finalization is atomic with the block ingestion").
//
// The interface is deliberately narrow — get, put-batch, iterate-prefix
// (spec.md §9, "Polymorphism") — mirroring the capability set the teacher's
// `kvdb.Store` played for Opera's gossip/abft stores, generalized here to a
// plain Go interface since the teacher's concrete kvdb package is not part
// of the retrieved pack.
package store

import (
	"errors"
)

// ColumnFamily names one of the logical key spaces spec.md §6 enumerates.
type ColumnFamily string

const (
	// CFBlockInfo holds encoded BlockInfo, keyed by block hash.
	CFBlockInfo ColumnFamily = "block-info"
	// CFEpochInfo holds encoded EpochInfo, keyed by epoch id (first block hash).
	CFEpochInfo ColumnFamily = "epoch-info"
	// CFEpochStart maps epoch id to its first block's height.
	CFEpochStart ColumnFamily = "epoch-start"
	// CFEpochValidatorInfo indexes an epoch's validator-to-index map, keyed by
	// epoch id, so account lookups don't require decoding the full EpochInfo.
	CFEpochValidatorInfo ColumnFamily = "epoch-validator-info"
	// CFAggregatorSnapshot holds the single persisted Aggregator snapshot.
	CFAggregatorSnapshot ColumnFamily = "aggregator-snapshot"
)

// AggregatorSnapshotKey is the one key CFAggregatorSnapshot ever holds.
var AggregatorSnapshotKey = []byte("tail")

// ErrNotFound is returned by Get and Has when a key is absent from a column
// family. It is not one of spec.md §6's typed caller-mistake errors (those
// live in epochproc) — it is the store's own "no such key" signal, which
// callers translate into ErrMissingBlock/ErrEpochOutOfBounds as appropriate.
var ErrNotFound = errors.New("store: not found")

// Store is the persistent-store contract (spec.md §6). Every mutation goes
// through a Batch so a caller can bundle several column-family writes into
// one atomic commit.
type Store interface {
	// Get returns the value at (cf, key), or ErrNotFound.
	Get(cf ColumnFamily, key []byte) ([]byte, error)
	// Has reports whether (cf, key) exists.
	Has(cf ColumnFamily, key []byte) (bool, error)
	// IteratePrefix calls fn for every (key, value) in cf whose key starts
	// with prefix, in key order, until fn returns false or the prefix is
	// exhausted.
	IteratePrefix(cf ColumnFamily, prefix []byte, fn func(key, value []byte) bool) error
	// NewBatch starts a new atomic write batch.
	NewBatch() Batch
	// Close releases any underlying resources.
	Close() error
}

// Batch accumulates writes for one atomic commit (spec.md §5, "Finalization
// is atomic with the block ingestion that triggered it — both persist in
// one batch or neither does").
type Batch interface {
	Put(cf ColumnFamily, key, value []byte)
	Delete(cf ColumnFamily, key []byte)
	// Write commits every Put/Delete accumulated so far. A Batch must not be
	// reused after Write.
	Write() error
}
