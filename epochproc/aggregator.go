package epochproc

import (
	"math/big"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/inter"
)

// Attendance is a produced/expected counter pair, the unit every attendance
// tracker in the aggregator is built from (spec.md §3, block_tracker /
// shard_tracker).
type Attendance struct {
	Produced, Expected uint64
}

// Add accumulates b into a.
func (a *Attendance) Add(b Attendance) {
	a.Produced += b.Produced
	a.Expected += b.Expected
}

// ChunkStats pairs a validator's chunk-production attendance with its
// chunk-endorsement attendance for one shard (spec.md §3, shard_tracker).
type ChunkStats struct {
	Production  Attendance
	Endorsement Attendance
}

// BlockSource is the narrow read-only view into the persisted BlockInfo
// index the aggregator needs to walk a branch. The Epoch Manager Core
// supplies it; the aggregator itself never touches the store directly,
// matching the teacher's separation between consensus-state folding
// (iblockproc) and store access (abft/gossip).
type BlockSource interface {
	GetBlockInfo(h hash.Hash) (BlockInfo, bool)
}

// Aggregator incrementally folds BlockInfos along a chain suffix (spec.md
// §3 EpochInfoAggregator, §4.5). It is exclusively owned by the Epoch
// Manager Core: all mutating methods assume the caller already holds the
// core's exclusive lock.
type Aggregator struct {
	EpochID          hash.Hash
	LastBlockHash    hash.Hash
	EpochFirstHeight idx.Block

	// BlockTracker maps validator index to (produced, expected) for block
	// production.
	BlockTracker map[idx.ValidatorID]Attendance

	// ShardTracker maps shard to validator index to ChunkStats.
	ShardTracker map[uint16]map[idx.ValidatorID]ChunkStats

	// AllProposals maps account to the latest proposal seen on this branch;
	// a later block's proposal for the same account overrides an earlier
	// one (spec.md §3).
	AllProposals map[inter.AccountID]Proposal

	// VersionTracker maps validator index to the protocol version it last
	// signalled on this branch.
	VersionTracker map[idx.ValidatorID]inter.ProtocolVersion
}

// NewAggregator starts a fresh aggregator for an epoch whose first block is
// epochID, at epochFirstHeight (spec.md §4.5, "Fork behavior": a new epoch's
// aggregator always starts fresh from epoch_first_block). epochFirstHeight
// lets applyBlock turn a block's absolute chain height into the
// height-within-epoch ChunkValidatorKey uses, matching
// AssignChunkValidatorsAt's convention of numbering a shard's chunk-validator
// assignment from 0 at the epoch's first block.
func NewAggregator(epochID hash.Hash, epochFirstHeight idx.Block) *Aggregator {
	return &Aggregator{
		EpochID:          epochID,
		LastBlockHash:    epochID,
		EpochFirstHeight: epochFirstHeight,
		BlockTracker:     make(map[idx.ValidatorID]Attendance),
		ShardTracker:     make(map[uint16]map[idx.ValidatorID]ChunkStats),
		AllProposals:     make(map[inter.AccountID]Proposal),
		VersionTracker:   make(map[idx.ValidatorID]inter.ProtocolVersion),
	}
}

// Copy deep-copies the aggregator. get_upto returns a copy so queries never
// mutate the persisted aggregator (spec.md §4.5).
func (a *Aggregator) Copy() *Aggregator {
	cp := &Aggregator{
		EpochID:          a.EpochID,
		LastBlockHash:    a.LastBlockHash,
		EpochFirstHeight: a.EpochFirstHeight,
		BlockTracker:     make(map[idx.ValidatorID]Attendance, len(a.BlockTracker)),
		ShardTracker:     make(map[uint16]map[idx.ValidatorID]ChunkStats, len(a.ShardTracker)),
		AllProposals:     make(map[inter.AccountID]Proposal, len(a.AllProposals)),
		VersionTracker:   make(map[idx.ValidatorID]inter.ProtocolVersion, len(a.VersionTracker)),
	}
	for k, v := range a.BlockTracker {
		cp.BlockTracker[k] = v
	}
	for shard, byValidator := range a.ShardTracker {
		m := make(map[idx.ValidatorID]ChunkStats, len(byValidator))
		for k, v := range byValidator {
			m[k] = v
		}
		cp.ShardTracker[shard] = m
	}
	for k, v := range a.AllProposals {
		cp.AllProposals[k] = v.Copy()
	}
	for k, v := range a.VersionTracker {
		cp.VersionTracker[k] = v
	}
	return cp
}

// applyBlock folds one recorded block's contribution into the trackers.
// The block exists, so its producer's block Produced and Expected counts
// are both incremented; heights with no block are not counted here.
func (a *Aggregator) applyBlock(b BlockInfo, chunkProducers []idx.ValidatorID, chunkValidators map[ChunkValidatorKey][]WeightedValidator) {
	bp := a.BlockTracker[b.BlockProducer]
	bp.Produced++
	bp.Expected++
	a.BlockTracker[b.BlockProducer] = bp

	for shard, producer := range chunkProducers {
		s16 := uint16(shard)
		byValidator, ok := a.ShardTracker[s16]
		if !ok {
			byValidator = make(map[idx.ValidatorID]ChunkStats)
			a.ShardTracker[s16] = byValidator
		}
		stats := byValidator[producer]
		stats.Production.Expected++
		if b.ChunkMask.Get(shard) {
			stats.Production.Produced++
		}
		byValidator[producer] = stats

		key := ChunkValidatorKey{Shard: s16, Height: b.Height - a.EpochFirstHeight}
		for slot, wv := range chunkValidators[key] {
			vstats := byValidator[wv.Index]
			vstats.Endorsement.Expected++
			if shard < len(b.ChunkEndorsements) && b.ChunkEndorsements[shard].Get(slot) {
				vstats.Endorsement.Produced++
			}
			byValidator[wv.Index] = vstats
		}
	}

	for _, p := range b.Proposals {
		a.AllProposals[p.Account] = p.Copy()
	}
	a.VersionTracker[b.BlockProducer] = b.LatestProtocolVersion
}

// ChunkProducerResolver and ChunkValidatorResolver let UpdateTail map a
// block's shard index to the validator index that was the chunk producer
// for that shard, and to the assigned chunk-validator set for (shard,
// height), without the aggregator needing a reference to the full
// EpochInfo. The Epoch Manager Core supplies both, backed by the epoch's
// settlement.
type ChunkProducerResolver func(epochID hash.Hash, shard int, height idx.Block) idx.ValidatorID
type ChunkValidatorResolver func(epochID hash.Hash) map[ChunkValidatorKey][]WeightedValidator

// UpdateTail advances the aggregator's LastBlockHash toward target along
// the branch reachable by following PrevHash pointers backward from
// target's BlockInfo and replaying forward (spec.md §4.5). It is a no-op if
// target == a.LastBlockHash.
func (a *Aggregator) UpdateTail(src BlockSource, target hash.Hash, numShards int, resolveProducer ChunkProducerResolver, resolveValidators ChunkValidatorResolver) error {
	if target == a.LastBlockHash {
		return nil
	}

	var path []BlockInfo
	cur := target
	for cur != a.LastBlockHash {
		b, ok := src.GetBlockInfo(cur)
		if !ok {
			return ErrMissingBlock
		}
		path = append(path, b)
		if b.Height == 0 {
			break
		}
		cur = b.PrevHash
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}

	for _, b := range path {
		chunkValidators := resolveValidators(a.EpochID)
		producers := make([]idx.ValidatorID, numShards)
		for s := 0; s < numShards; s++ {
			producers[s] = resolveProducer(a.EpochID, s, b.Height)
		}
		a.applyBlock(b, producers, chunkValidators)
	}
	a.LastBlockHash = target
	return nil
}

// GetUpto returns a copy of the aggregator as if advanced to target,
// without mutating the persisted aggregator (spec.md §4.5, "Queries never
// mutate").
func (a *Aggregator) GetUpto(src BlockSource, target hash.Hash, numShards int, resolveProducer ChunkProducerResolver, resolveValidators ChunkValidatorResolver) (*Aggregator, error) {
	cp := a.Copy()
	if err := cp.UpdateTail(src, target, numShards, resolveProducer, resolveValidators); err != nil {
		return nil, err
	}
	return cp, nil
}

// StakeOf is a convenience the kickout/reward engines use to read a
// validator's current proposed stake off the aggregator, defaulting to
// keepStake when no proposal was seen for account on this branch.
func (a *Aggregator) StakeOf(account inter.AccountID, keepStake *big.Int) *big.Int {
	if p, ok := a.AllProposals[account]; ok {
		return inter.CopyStake(p.NewStake)
	}
	return inter.CopyStake(keepStake)
}
