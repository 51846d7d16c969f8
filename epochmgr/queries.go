package epochmgr

import (
	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/selector"
	"github.com/wkarshat/nearcore/shardlayout"
)

// GetBlockInfo returns the recorded BlockInfo for h (spec.md §4.6).
func (m *Manager) GetBlockInfo(h hash.Hash) (epochproc.BlockInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBlockInfoLocked(h)
}

// GetEpochInfo returns the finalized EpochInfo for epochID (spec.md §4.6).
func (m *Manager) GetEpochInfo(epochID hash.Hash) (epochproc.EpochInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getEpochInfoLocked(epochID)
}

// GetEpochID returns the epoch a block belongs to.
func (m *Manager) GetEpochID(blockHash hash.Hash) (hash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.getBlockInfoLocked(blockHash)
	if err != nil {
		return hash.Hash{}, err
	}
	return b.EpochID, nil
}

// GetNextEpochID returns the epoch id that immediately follows blockHash's
// own epoch, or ErrEpochOutOfBounds if that epoch hasn't started yet (i.e.
// blockHash's own epoch is still the live tip epoch). This walks the epoch
// chain backward from the live tip epoch (each epoch's predecessor is found
// via its own first block's PrevHash) rather than assuming blockHash is
// exactly one epoch behind tip, so it resolves correctly no matter how many
// epochs behind tip blockHash actually is.
func (m *Manager) GetNextEpochID(blockHash hash.Hash) (hash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, err := m.getBlockInfoLocked(blockHash)
	if err != nil {
		return hash.Hash{}, err
	}
	if b.EpochID == m.aggregator.EpochID {
		return hash.Hash{}, epochproc.ErrEpochOutOfBounds
	}

	current := m.aggregator.EpochID
	for {
		prev, ok, err := m.precedingEpochIDLocked(current)
		if err != nil {
			return hash.Hash{}, err
		}
		if !ok {
			return hash.Hash{}, epochproc.ErrEpochOutOfBounds
		}
		if prev == b.EpochID {
			return current, nil
		}
		current = prev
	}
}

// precedingEpochIDLocked returns the epoch id immediately preceding epochID,
// derived from epochID's own first block (whose hash equals epochID) and
// that block's predecessor. Returns ok=false for the genesis epoch, which
// has none.
func (m *Manager) precedingEpochIDLocked(epochID hash.Hash) (hash.Hash, bool, error) {
	firstBlock, err := m.getBlockInfoLocked(epochID)
	if err != nil {
		return hash.Hash{}, false, err
	}
	if firstBlock.Height == 0 {
		return hash.Hash{}, false, nil
	}
	prevBlock, err := m.getBlockInfoLocked(firstBlock.PrevHash)
	if err != nil {
		return hash.Hash{}, false, err
	}
	return prevBlock.EpochID, true, nil
}

// GetValidatorIndex resolves account's seat within epochID.
func (m *Manager) GetValidatorIndex(epochID hash.Hash, account inter.AccountID) (idx.ValidatorID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getValidatorIndexLocked(epochID, account)
}

// GetBlockProducerInfo returns the validator index producing the block at
// height within epochID (spec.md §4.6, block-producer lookup).
func (m *Manager) GetBlockProducerInfo(epochID hash.Hash, height idx.Block) (idx.ValidatorID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, err := m.getEpochInfoLocked(epochID)
	if err != nil {
		return 0, err
	}
	if len(info.BlockProducerSettlement) == 0 {
		return 0, epochproc.ErrNotEnoughValidators
	}
	firstHeight, err := m.epochStartHeightLocked(epochID)
	if err != nil {
		return 0, err
	}
	rel := uint64(height - firstHeight)
	return info.BlockProducerSettlement[rel%uint64(len(info.BlockProducerSettlement))], nil
}

// GetChunkProducerInfo returns the validator index producing shard's chunk
// at height within epochID (spec.md §4.6, chunk-producer lookup).
func (m *Manager) GetChunkProducerInfo(epochID hash.Hash, shard uint16, height idx.Block) (idx.ValidatorID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, err := m.getEpochInfoLocked(epochID)
	if err != nil {
		return 0, err
	}
	if int(shard) >= len(info.ChunkProducerSettlement) {
		return 0, epochproc.ErrSharding
	}
	settlement := info.ChunkProducerSettlement[shard]
	if len(settlement) == 0 {
		return 0, epochproc.ErrNotEnoughValidators
	}
	firstHeight, err := m.epochStartHeightLocked(epochID)
	if err != nil {
		return 0, err
	}
	rel := uint64(height - firstHeight)
	return settlement[rel%uint64(len(settlement))], nil
}

// GetChunkValidatorAssignments returns the weighted chunk-validator sample
// for (shard, height) within epochID, computing it on the fly via the pure
// selector function if it falls outside the range already folded by the
// aggregator (spec.md §4.3).
func (m *Manager) GetChunkValidatorAssignments(epochID hash.Hash, shard uint16, height idx.Block) ([]epochproc.WeightedValidator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	firstHeight, err := m.epochStartHeightLocked(epochID)
	if err != nil {
		return nil, err
	}
	rel := height - firstHeight
	key := epochproc.ChunkValidatorKey{Shard: shard, Height: rel}

	if cache, ok := m.chunkAssignCache[epochID]; ok {
		if entry, ok := cache[key]; ok {
			return entry, nil
		}
	}

	info, err := m.getEpochInfoLocked(epochID)
	if err != nil {
		return nil, err
	}
	cfg := m.cfg.ForVersion(info.ProtocolVersion)
	return selector.AssignChunkValidatorsAt(info, cfg, info.Seed, shard, rel), nil
}

// GetAllBlockProducersOrdered returns epochID's ordered validator set
// (spec.md §4.6).
func (m *Manager) GetAllBlockProducersOrdered(epochID hash.Hash) ([]epochproc.ValidatorInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, err := m.getEpochInfoLocked(epochID)
	if err != nil {
		return nil, err
	}
	out := make([]epochproc.ValidatorInfo, len(info.Validators))
	for i, v := range info.Validators {
		out[i] = v.Copy()
	}
	return out, nil
}

// GetShardLayout returns the shard layout active at protocolVersion.
func (m *Manager) GetShardLayout(protocolVersion inter.ProtocolVersion) shardlayout.Layout {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards.ForVersion(protocolVersion)
}

// WillShardLayoutChange reports whether the shard layout active at
// toVersion has a different number of shards than the one active at
// fromVersion. Two layouts with the same shard count are reported as
// unchanged, even when they route accounts to shards differently.
func (m *Manager) WillShardLayoutChange(fromVersion, toVersion inter.ProtocolVersion) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	from := m.shards.ForVersion(fromVersion)
	to := m.shards.ForVersion(toVersion)
	return from.NumShards() != to.NumShards()
}

// GetShardUIDsPendingResharding returns, per spec.md §4.6, the shards the
// layout active at fromVersion splits into by toVersion.
func (m *Manager) GetShardUIDsPendingResharding(fromVersion, toVersion inter.ProtocolVersion) map[shardlayout.ShardID][]shardlayout.ShardID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shards.PendingResharding(fromVersion, toVersion)
}

// Tip returns the most recently recorded block's hash.
func (m *Manager) Tip() hash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tip
}

// PossibleEpochsOfHeightAroundTip returns the epoch ids a block at height
// could plausibly belong to (spec.md §4.6): empty below genesis height;
// {genesis_epoch} through the genesis epoch's own span; {tip.epoch_id} for
// heights within the tip epoch's known span; {tip.epoch_id} for heights past
// the last observed block (the literal id of an epoch that has not started
// yet is unknowable — EpochID is defined as the hash of that epoch's own
// first block, which does not exist until it is produced, so the
// "tip.next_epoch_id" half of that pair can never be resolved here; see
// DESIGN.md); and empty for a height in neither window (a gap strictly
// between the two — this query never attempts a full historical reverse
// lookup for an arbitrary middle epoch).
func (m *Manager) PossibleEpochsOfHeightAroundTip(height idx.Block) ([]hash.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tipBlock, err := m.getBlockInfoLocked(m.tip)
	if err != nil {
		return nil, err
	}
	tipFirstHeight, err := m.epochStartHeightLocked(tipBlock.EpochID)
	if err != nil {
		return nil, err
	}

	// Heights within the tip epoch's known span and heights past the last
	// observed block both resolve to the tip epoch alone here: the
	// successor epoch named in spec.md §4.6's documented pair for the
	// latter case has no id yet (see the doc comment above).
	if height >= tipFirstHeight {
		return []hash.Hash{tipBlock.EpochID}, nil
	}

	genesisID, genesisEndHeight, err := m.genesisEpochWindowLocked(tipBlock.EpochID)
	if err != nil {
		return nil, err
	}
	if height < genesisEndHeight {
		return []hash.Hash{genesisID}, nil
	}
	return nil, nil
}

// genesisEpochWindowLocked returns the genesis epoch's id and the height at
// which its successor epoch starts (the exclusive upper bound of the
// genesis epoch's own span), by walking the epoch chain backward from
// fromEpochID to genesis.
func (m *Manager) genesisEpochWindowLocked(fromEpochID hash.Hash) (hash.Hash, idx.Block, error) {
	current := fromEpochID
	child := fromEpochID
	for {
		prev, ok, err := m.precedingEpochIDLocked(current)
		if err != nil {
			return hash.Hash{}, 0, err
		}
		if !ok {
			endHeight, err := m.epochStartHeightLocked(child)
			if err != nil {
				return hash.Hash{}, 0, err
			}
			return current, endHeight, nil
		}
		child = current
		current = prev
	}
}
