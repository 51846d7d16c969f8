package epochmgr

import (
	"math/big"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/inter/validatorpk"
	"github.com/wkarshat/nearcore/kickout"
	"github.com/wkarshat/nearcore/reward"
	"github.com/wkarshat/nearcore/selector"
)

// finalizeEpochLocked runs the C4 -> C2 -> C3 pipeline for the epoch that
// just elapsed (spec.md §4.4-§4.3): kickout decisions and rewards are
// computed from the outgoing epoch's own attendance and applied with a
// one-epoch delay (to the epoch selector.Select produces here); proposals
// are applied with the full two-epoch delay the spec requires, using
// whatever was held in m.pendingProposals from the boundary before this one.
// It returns the newly selected EpochInfo and the proposal set to hold for
// the *next* boundary (this epoch's own proposals).
func (m *Manager) finalizeEpochLocked(outgoingEpochID hash.Hash, outgoingInfo epochproc.EpochInfo, agg *epochproc.Aggregator, outgoingCfg epochconfig.Config, outgoingLastBlock epochproc.BlockInfo, seed [32]byte) (epochproc.EpochInfo, map[inter.AccountID]epochproc.Proposal, error) {
	numShards := outgoingCfg.ShardLayout.NumShards()

	candidates := m.buildKickoutCandidates(outgoingInfo, agg, numShards)
	totalStake := big.NewInt(0)
	for _, v := range outgoingInfo.Validators {
		totalStake = inter.AddStake(totalStake, v.Stake)
	}

	priorKickoutStakes, err := m.priorEpochValidatorStakesLocked(outgoingLastBlock.EpochFirstBlock)
	if err != nil {
		return epochproc.EpochInfo{}, nil, err
	}

	kickoutOut := kickout.Decide(kickout.Input{
		Candidates:           candidates,
		TotalStake:           totalStake,
		PriorKickouts:        outgoingInfo.ValidatorKickout,
		PriorValidatorStakes: priorKickoutStakes,
		CurrentVersion:       outgoingInfo.ProtocolVersion,
		Config:               outgoingCfg,
	})

	rewardStats := m.buildRewardStats(outgoingInfo, agg, numShards)
	epochNs, err := m.epochDurationNsLocked(outgoingLastBlock)
	if err != nil {
		return epochproc.EpochInfo{}, nil, err
	}
	rewardResult := reward.Calculate(rewardStats, outgoingLastBlock.TotalSupply, epochNs, outgoingCfg)

	rewardsForSelect := make(map[inter.AccountID]*big.Int, len(rewardResult.ValidatorReward))
	for account, amount := range rewardResult.ValidatorReward {
		if account == reward.TreasuryAccount {
			continue
		}
		rewardsForSelect[account] = amount
	}

	priorStakes := make(map[inter.AccountID]*big.Int, len(outgoingInfo.Validators)+len(outgoingInfo.Fishermen))
	priorPubKeys := make(map[inter.AccountID]validatorpk.PubKey, len(outgoingInfo.Validators)+len(outgoingInfo.Fishermen))
	for _, v := range outgoingInfo.Validators {
		priorStakes[v.Account] = inter.CopyStake(v.Stake)
		priorPubKeys[v.Account] = v.PubKey
	}
	for _, v := range outgoingInfo.Fishermen {
		priorStakes[v.Account] = inter.CopyStake(v.Stake)
		priorPubKeys[v.Account] = v.PubKey
	}

	nextCfg := m.cfg.ForVersion(kickoutOut.NextVersion)

	in := selector.Input{
		PriorStakes:     priorStakes,
		PriorPubKeys:    priorPubKeys,
		Proposals:       m.pendingProposals,
		PriorValidators: append(append([]epochproc.ValidatorInfo(nil), outgoingInfo.Validators...), outgoingInfo.Fishermen...),
		Config:          nextCfg,
		EpochHeight:     outgoingInfo.EpochHeight + 1,
		EpochSeed:       seed,
		MintedAmount:    rewardResult.MintedAmount,
		NextVersion:     kickoutOut.NextVersion,
	}

	nextInfo := selector.Select(in, rewardsForSelect, kickoutOut.Kickouts)
	nextInfo.ValidatorReward = rewardResult.ValidatorReward

	nextPending := make(map[inter.AccountID]epochproc.Proposal, len(agg.AllProposals))
	for account, p := range agg.AllProposals {
		nextPending[account] = p.Copy()
	}

	return nextInfo, nextPending, nil
}

// epochDurationNsLocked is the elapsed wall-clock time of the outgoing
// epoch: its own last block's timestamp minus its own first block's
// timestamp, used as epoch_ns in the inflation formula (spec.md §4.2).
// Lock-free: the caller (finalizeEpochLocked) already runs under m.mu.
func (m *Manager) epochDurationNsLocked(outgoingLastBlock epochproc.BlockInfo) (uint64, error) {
	firstBlock, err := m.getBlockInfoLocked(outgoingLastBlock.EpochFirstBlock)
	if err != nil {
		return 0, err
	}
	if outgoingLastBlock.TimestampNanosec <= firstBlock.TimestampNanosec {
		return 0, nil
	}
	return uint64(outgoingLastBlock.TimestampNanosec - firstBlock.TimestampNanosec), nil
}

// priorEpochValidatorStakesLocked returns the stake each validator held in
// the epoch immediately preceding outgoingEpochFirstBlock's epoch, resolving
// the real stake behind accounts named in that epoch's own ValidatorKickout
// (spec.md §4.4 max-kickout-stake safety valve) — those accounts were
// already excluded from the outgoing epoch's own validator set, so their
// stake cannot be found there. Returns an empty map for the genesis epoch,
// which has no predecessor.
func (m *Manager) priorEpochValidatorStakesLocked(outgoingEpochFirstBlock hash.Hash) (map[inter.AccountID]*big.Int, error) {
	firstBlock, err := m.getBlockInfoLocked(outgoingEpochFirstBlock)
	if err != nil {
		return nil, err
	}
	if firstBlock.Height == 0 {
		return map[inter.AccountID]*big.Int{}, nil
	}
	prevBlock, err := m.getBlockInfoLocked(firstBlock.PrevHash)
	if err != nil {
		return nil, err
	}
	prevInfo, err := m.getEpochInfoLocked(prevBlock.EpochID)
	if err != nil {
		return nil, err
	}
	stakes := make(map[inter.AccountID]*big.Int, len(prevInfo.Validators)+len(prevInfo.Fishermen))
	for _, v := range prevInfo.Validators {
		stakes[v.Account] = v.Stake
	}
	for _, v := range prevInfo.Fishermen {
		stakes[v.Account] = v.Stake
	}
	return stakes, nil
}

// buildKickoutCandidates turns the outgoing epoch's aggregator counters into
// kickout.Candidate rows, one per validator seat (spec.md §4.4).
func (m *Manager) buildKickoutCandidates(outgoingInfo epochproc.EpochInfo, agg *epochproc.Aggregator, numShards int) []kickout.Candidate {
	out := make([]kickout.Candidate, 0, len(outgoingInfo.Validators))
	for i, v := range outgoingInfo.Validators {
		vi := idx.ValidatorID(i)
		blockStats := agg.BlockTracker[vi]

		var chunkProd, chunkEnd epochproc.Attendance
		for shard := 0; shard < numShards; shard++ {
			stats := agg.ShardTracker[uint16(shard)][vi]
			chunkProd.Add(stats.Production)
			chunkEnd.Add(stats.Endorsement)
		}

		unstaked := false
		if p, ok := agg.AllProposals[v.Account]; ok && inter.ZeroStake(p.NewStake) {
			unstaked = true
		}

		votedVersion := outgoingInfo.ProtocolVersion
		if signalled, ok := agg.VersionTracker[vi]; ok {
			votedVersion = signalled
		}

		out = append(out, kickout.Candidate{
			Account:               v.Account,
			Stake:                 inter.CopyStake(v.Stake),
			BlockStats:            blockStats,
			ChunkProductionStats:  chunkProd,
			ChunkEndorsementStats: chunkEnd,
			Unstaked:              unstaked,
			VotedVersion:          votedVersion,
		})
	}
	return out
}

// buildRewardStats turns the outgoing epoch's aggregator counters into
// reward.ValidatorStats rows, combining chunk production and chunk
// endorsement into one attendance pair (spec.md §4.2, "chunk_stats =
// production ∪ endorsement").
func (m *Manager) buildRewardStats(outgoingInfo epochproc.EpochInfo, agg *epochproc.Aggregator, numShards int) []reward.ValidatorStats {
	out := make([]reward.ValidatorStats, 0, len(outgoingInfo.Validators))
	for i, v := range outgoingInfo.Validators {
		vi := idx.ValidatorID(i)
		blockStats := agg.BlockTracker[vi]

		var chunk epochproc.Attendance
		for shard := 0; shard < numShards; shard++ {
			stats := agg.ShardTracker[uint16(shard)][vi]
			chunk.Add(stats.Production)
			chunk.Add(stats.Endorsement)
		}

		out = append(out, reward.ValidatorStats{
			Account:    v.Account,
			Stake:      inter.CopyStake(v.Stake),
			BlockStats: blockStats,
			ChunkStats: chunk,
		})
	}
	return out
}

// ensureChunkAssignmentsLocked populates m.chunkAssignCache[epochID] with
// every (shard, height) chunk-validator assignment in [fromHeight,
// toHeight], computed on demand via the pure selector.AssignChunkValidatorsAt
// (spec.md §4.3). Heights are relative to the epoch's first block, matching
// the Aggregator's ChunkValidatorKey convention.
func (m *Manager) ensureChunkAssignmentsLocked(epochID hash.Hash, info epochproc.EpochInfo, cfg epochconfig.Config, fromHeight, toHeight idx.Block) {
	if _, ok := m.chunkAssignCache[epochID]; !ok {
		m.rememberChunkAssignments(epochID, info)
	}
	cache := m.chunkAssignCache[epochID]
	numShards := cfg.ShardLayout.NumShards()
	for h := fromHeight; h <= toHeight; h++ {
		rel := h - fromHeight
		for s := 0; s < numShards; s++ {
			key := epochproc.ChunkValidatorKey{Shard: uint16(s), Height: rel}
			if _, done := cache[key]; done {
				continue
			}
			cache[key] = selector.AssignChunkValidatorsAt(info, cfg, info.Seed, uint16(s), rel)
		}
	}
}

// rememberChunkAssignments seeds epochID's chunk-assignment cache from
// info.ChunkValidatorAssignment (already computed by selector.Select for the
// epoch's first height) and evicts the oldest cached epoch once the cache
// grows past assignCacheEpochs, bounding memory over a long-running process.
func (m *Manager) rememberChunkAssignments(epochID hash.Hash, info epochproc.EpochInfo) {
	cache := make(map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator, len(info.ChunkValidatorAssignment))
	for k, v := range info.ChunkValidatorAssignment {
		cache[k] = v
	}
	if _, exists := m.chunkAssignCache[epochID]; !exists {
		m.assignCacheOrder = append(m.assignCacheOrder, epochID)
	}
	m.chunkAssignCache[epochID] = cache

	for len(m.assignCacheOrder) > assignCacheEpochs {
		oldest := m.assignCacheOrder[0]
		m.assignCacheOrder = m.assignCacheOrder[1:]
		delete(m.chunkAssignCache, oldest)
	}
}

func (m *Manager) resolveProducerFunc() epochproc.ChunkProducerResolver {
	return func(epochID hash.Hash, shard int, height idx.Block) idx.ValidatorID {
		info, err := m.getEpochInfoLocked(epochID)
		if err != nil {
			return 0
		}
		if shard >= len(info.ChunkProducerSettlement) {
			return 0
		}
		settlement := info.ChunkProducerSettlement[shard]
		if len(settlement) == 0 {
			return 0
		}
		firstHeight, err := m.epochStartHeightLocked(epochID)
		if err != nil {
			return 0
		}
		rel := uint64(height - firstHeight)
		return settlement[rel%uint64(len(settlement))]
	}
}

func (m *Manager) resolveValidatorsFunc() epochproc.ChunkValidatorResolver {
	return func(epochID hash.Hash) map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator {
		if cache, ok := m.chunkAssignCache[epochID]; ok {
			return cache
		}
		return nil
	}
}

