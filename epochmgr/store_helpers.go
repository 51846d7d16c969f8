package epochmgr

import (
	"errors"
	"fmt"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/store"
)

// getBlockInfoLocked reads a BlockInfo by hash, checking the cache first.
// Lock-free: callers holding m.mu (read or write) may call it directly;
// never exported as a public method since resolver closures invoked mid-
// RecordBlockInfo rely on it not re-acquiring the lock.
func (m *Manager) getBlockInfoLocked(h hash.Hash) (epochproc.BlockInfo, error) {
	if v, ok := m.blockCache.Get(h); ok {
		return v.(epochproc.BlockInfo), nil
	}
	raw, err := m.db.Get(store.CFBlockInfo, h[:])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return epochproc.BlockInfo{}, epochproc.ErrMissingBlock
		}
		return epochproc.BlockInfo{}, fmt.Errorf("epochmgr: read block info: %w", err)
	}
	info, err := store.DecodeBlockInfo(raw)
	if err != nil {
		return epochproc.BlockInfo{}, fmt.Errorf("epochmgr: decode block info: %w", err)
	}
	m.blockCache.Add(h, info)
	return info, nil
}

// getEpochInfoLocked reads an EpochInfo by epoch id, checking the cache
// first. Lock-free, for the same reason as getBlockInfoLocked.
func (m *Manager) getEpochInfoLocked(epochID hash.Hash) (epochproc.EpochInfo, error) {
	if v, ok := m.epochCache.Get(epochID); ok {
		return v.(epochproc.EpochInfo), nil
	}
	raw, err := m.db.Get(store.CFEpochInfo, epochID[:])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return epochproc.EpochInfo{}, epochproc.ErrEpochOutOfBounds
		}
		return epochproc.EpochInfo{}, fmt.Errorf("epochmgr: read epoch info: %w", err)
	}
	info, err := store.DecodeEpochInfo(raw)
	if err != nil {
		return epochproc.EpochInfo{}, fmt.Errorf("epochmgr: decode epoch info: %w", err)
	}
	m.epochCache.Add(epochID, info)
	return info, nil
}

// epochStartHeightLocked returns the height of epochID's first block,
// reading the small CFEpochStart index instead of decoding BlockInfo.
func (m *Manager) epochStartHeightLocked(epochID hash.Hash) (idx.Block, error) {
	raw, err := m.db.Get(store.CFEpochStart, epochID[:])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, epochproc.ErrEpochOutOfBounds
		}
		return 0, fmt.Errorf("epochmgr: read epoch start: %w", err)
	}
	return decodeHeight(raw), nil
}

// getValidatorIndexLocked resolves account's seat within epochID via the
// CFEpochValidatorInfo shortcut index, without decoding the full EpochInfo.
func (m *Manager) getValidatorIndexLocked(epochID hash.Hash, account inter.AccountID) (idx.ValidatorID, bool, error) {
	raw, err := m.db.Get(store.CFEpochValidatorInfo, epochID[:])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("epochmgr: read validator index: %w", err)
	}
	index, err := store.DecodeValidatorIndex(raw)
	if err != nil {
		return 0, false, fmt.Errorf("epochmgr: decode validator index: %w", err)
	}
	i, ok := index[account]
	return i, ok, nil
}
