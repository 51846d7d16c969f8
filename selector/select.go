package selector

import (
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/inter/validatorpk"
)

// Input is everything Select needs to produce the next epoch's EpochInfo
// (spec.md §4.3).
type Input struct {
	// PriorStakes is the current validator set's stake, already adjusted by
	// reward and kickout (the caller applies C2/C4's output before calling
	// Select) — account to stake.
	PriorStakes map[inter.AccountID]*big.Int

	// PriorPubKeys carries each known account's public key forward so a
	// validator not re-proposing this epoch keeps its key on record.
	PriorPubKeys map[inter.AccountID]validatorpk.PubKey

	// Proposals is the epoch's proposals, latest-per-account order
	// irrelevant here (the caller/aggregator already resolved "latest
	// proposal per account"); a proposal with stake 0 means unstake.
	Proposals map[inter.AccountID]epochproc.Proposal

	PriorValidators []epochproc.ValidatorInfo // reused verbatim by the unstake-all safety valve

	Config       epochconfig.Config
	EpochHeight  idx.Epoch
	EpochSeed    [32]byte
	MintedAmount *big.Int
	NextVersion  inter.ProtocolVersion
}

// Select produces the next epoch's EpochInfo (spec.md §4.3). Reward and
// kickout maps are supplied by the caller (already computed by C2/C4) so
// Select can place them directly onto the returned EpochInfo.
func Select(in Input, rewards map[inter.AccountID]*big.Int, kickouts map[inter.AccountID]epochproc.KickoutReason) epochproc.EpochInfo {
	stakes := applyProposalsAndRewards(in.PriorStakes, in.Proposals, rewards, kickouts)

	if len(stakes) == 0 {
		// Safety valve: reuse the prior validator set, no kickouts (spec.md
		// §4.3, "Safety valve on unstake-all").
		return epochproc.EpochInfo{
			EpochHeight:      in.EpochHeight,
			Validators:       copyValidators(in.PriorValidators),
			MintedAmount:     big.NewInt(0),
			ProtocolVersion:  in.NextVersion,
			Seed:             in.EpochSeed,
			StakeChange:      stakeMapOf(in.PriorValidators),
			ValidatorReward:  map[inter.AccountID]*big.Int{},
			ValidatorKickout: map[inter.AccountID]epochproc.KickoutReason{},
		}
	}

	producers, fishermen := partitionByThreshold(stakes, in.Config)

	allCandidates := candidatesOf(producers)

	blockSettlement, blockSeated := AssignSeats(allCandidates, in.Config.NumBlockProducerSeats)

	numShards := in.Config.ShardLayout.NumShards()
	chunkSettlements := make([][]idx.ValidatorID, numShards)
	chunkSeated := make(map[inter.AccountID]bool)
	for s := 0; s < numShards; s++ {
		settlement, seated := AssignSeats(allCandidates, in.Config.NumChunkProducerSeatsPerShard)
		chunkSettlements[s] = settlement
		for a := range seated {
			chunkSeated[a] = true
		}
	}

	validatorSet, nextIndexStart := dedupValidatorSet(producers, blockSeated, chunkSeated, in.PriorPubKeys)

	// Chunk-only validators fill the gap between chunk-producer seats and
	// num_block_producer_seats + num_chunk_only_validator_seats (spec.md
	// §4.3).
	chunkOnlyBudget := in.Config.NumBlockProducerSeats + in.Config.NumChunkOnlyValidatorSeats - uint64(len(validatorSet))
	chunkOnlyCandidates := remainingCandidates(producers, validatorSet)
	if int64(chunkOnlyBudget) > 0 {
		_, chunkOnlySeated := AssignSeats(reindexed(chunkOnlyCandidates, nextIndexStart), chunkOnlyBudget)
		for account := range chunkOnlySeated {
			stake := producers[account]
			validatorSet = append(validatorSet, epochproc.ValidatorInfo{
				Account: account,
				Stake:   inter.CopyStake(stake),
				PubKey:  in.PriorPubKeys[account],
			})
		}
	}

	sort.Slice(validatorSet, func(i, j int) bool {
		cmp := validatorSet[i].Stake.Cmp(validatorSet[j].Stake)
		if cmp != 0 {
			return cmp > 0
		}
		return validatorSet[i].Account < validatorSet[j].Account
	})

	indexOf := make(map[inter.AccountID]idx.ValidatorID, len(validatorSet))
	for i, v := range validatorSet {
		indexOf[v.Account] = idx.ValidatorID(i)
	}

	info := epochproc.EpochInfo{
		EpochHeight:             in.EpochHeight,
		Validators:              validatorSet,
		BlockProducerSettlement: reindexSettlement(blockSettlement, allCandidates, indexOf),
		ChunkProducerSettlement: make([][]idx.ValidatorID, numShards),
		Fishermen:               fishermenInfo(fishermen, in.PriorPubKeys),
		StakeChange:             stakeMapOfAccounts(stakes),
		ValidatorReward:         rewards,
		ValidatorKickout:        kickouts,
		MintedAmount:            inter.CopyStake(in.MintedAmount),
		ProtocolVersion:         in.NextVersion,
		Seed:                    in.EpochSeed,
	}
	for s := 0; s < numShards; s++ {
		info.ChunkProducerSettlement[s] = reindexSettlement(chunkSettlements[s], allCandidates, indexOf)
	}
	info.ChunkValidatorAssignment = assignChunkValidators(info, in.Config, in.EpochSeed, in.EpochHeight)

	return info
}

// applyProposalsAndRewards computes the stake each known account carries
// into seat assignment: prior stake, overridden by the epoch's latest
// proposal if any, plus reward, minus zero if kicked out (a kicked
// validator's stake does not carry forward — spec.md §4.3, "prior
// validators + their stakes after applying rewards and removing kickouts").
func applyProposalsAndRewards(prior map[inter.AccountID]*big.Int, proposals map[inter.AccountID]epochproc.Proposal, rewards map[inter.AccountID]*big.Int, kickouts map[inter.AccountID]epochproc.KickoutReason) map[inter.AccountID]*big.Int {
	stakes := make(map[inter.AccountID]*big.Int, len(prior)+len(proposals))
	for account, stake := range prior {
		stakes[account] = inter.CopyStake(stake)
	}
	for account, reward := range rewards {
		if inter.ZeroStake(reward) {
			continue
		}
		if _, ok := stakes[account]; !ok {
			stakes[account] = big.NewInt(0)
		}
		stakes[account] = inter.AddStake(stakes[account], reward)
	}
	for account := range kickouts {
		delete(stakes, account)
	}
	for account, p := range proposals {
		if _, wasKicked := kickouts[account]; wasKicked {
			continue
		}
		if inter.ZeroStake(p.NewStake) {
			delete(stakes, account)
			continue
		}
		stakes[account] = inter.CopyStake(p.NewStake)
	}
	for account, s := range stakes {
		if inter.ZeroStake(s) {
			delete(stakes, account)
		}
	}
	return stakes
}

// partitionByThreshold splits stakes into producer-eligible candidates
// (stake >= ProducerThreshold) and fishermen (FishermanThreshold <= stake <
// ProducerThreshold); anything below FishermanThreshold is dust and
// dropped (spec.md §4.3).
func partitionByThreshold(stakes map[inter.AccountID]*big.Int, cfg epochconfig.Config) (producers map[inter.AccountID]*big.Int, fishermen map[inter.AccountID]*big.Int) {
	producers = make(map[inter.AccountID]*big.Int)
	fishermen = make(map[inter.AccountID]*big.Int)
	producerThreshold := big.NewInt(int64(cfg.ProducerThreshold))
	fishermanThreshold := big.NewInt(int64(cfg.FishermanThreshold))
	for account, stake := range stakes {
		switch {
		case stake.Cmp(producerThreshold) >= 0:
			producers[account] = stake
		case stake.Cmp(fishermanThreshold) >= 0:
			fishermen[account] = stake
		}
	}
	return producers, fishermen
}

func candidatesOf(stakes map[inter.AccountID]*big.Int) []Candidate {
	accounts := make([]inter.AccountID, 0, len(stakes))
	for a := range stakes {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	out := make([]Candidate, len(accounts))
	for i, a := range accounts {
		out[i] = Candidate{Account: a, Stake: stakes[a], Index: idx.ValidatorID(i)}
	}
	return out
}

func reindexed(candidates []Candidate, start int) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		out[i].Index = idx.ValidatorID(start + i)
	}
	return out
}

func remainingCandidates(producers map[inter.AccountID]*big.Int, already []epochproc.ValidatorInfo) []Candidate {
	taken := make(map[inter.AccountID]bool, len(already))
	for _, v := range already {
		taken[v.Account] = true
	}
	var out []Candidate
	for account, stake := range producers {
		if taken[account] {
			continue
		}
		out = append(out, Candidate{Account: account, Stake: stake})
	}
	sort.Slice(out, func(i, j int) bool {
		cmp := out[i].Stake.Cmp(out[j].Stake)
		if cmp != 0 {
			return cmp > 0
		}
		return out[i].Account < out[j].Account
	})
	return out
}

func dedupValidatorSet(producers map[inter.AccountID]*big.Int, blockSeated, chunkSeated map[inter.AccountID]bool, pubKeys map[inter.AccountID]validatorpk.PubKey) ([]epochproc.ValidatorInfo, int) {
	seen := make(map[inter.AccountID]bool)
	var out []epochproc.ValidatorInfo
	for account := range blockSeated {
		if seen[account] {
			continue
		}
		seen[account] = true
		out = append(out, epochproc.ValidatorInfo{Account: account, Stake: inter.CopyStake(producers[account]), PubKey: pubKeys[account]})
	}
	for account := range chunkSeated {
		if seen[account] {
			continue
		}
		seen[account] = true
		out = append(out, epochproc.ValidatorInfo{Account: account, Stake: inter.CopyStake(producers[account]), PubKey: pubKeys[account]})
	}
	return out, len(out)
}

func fishermenInfo(fishermen map[inter.AccountID]*big.Int, pubKeys map[inter.AccountID]validatorpk.PubKey) []epochproc.ValidatorInfo {
	accounts := make([]inter.AccountID, 0, len(fishermen))
	for a := range fishermen {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	out := make([]epochproc.ValidatorInfo, len(accounts))
	for i, a := range accounts {
		out[i] = epochproc.ValidatorInfo{Account: a, Stake: inter.CopyStake(fishermen[a]), PubKey: pubKeys[a]}
	}
	return out
}

func copyValidators(vs []epochproc.ValidatorInfo) []epochproc.ValidatorInfo {
	out := make([]epochproc.ValidatorInfo, len(vs))
	for i, v := range vs {
		out[i] = v.Copy()
	}
	return out
}

func stakeMapOf(vs []epochproc.ValidatorInfo) map[inter.AccountID]*big.Int {
	out := make(map[inter.AccountID]*big.Int, len(vs))
	for _, v := range vs {
		out[v.Account] = inter.CopyStake(v.Stake)
	}
	return out
}

func stakeMapOfAccounts(stakes map[inter.AccountID]*big.Int) map[inter.AccountID]*big.Int {
	out := make(map[inter.AccountID]*big.Int, len(stakes))
	for a, s := range stakes {
		out[a] = inter.CopyStake(s)
	}
	return out
}

// reindexSettlement maps a settlement computed against allCandidates'
// throwaway indices onto the final, sorted validator set's indices.
func reindexSettlement(settlement []idx.ValidatorID, allCandidates []Candidate, indexOf map[inter.AccountID]idx.ValidatorID) []idx.ValidatorID {
	byOldIndex := make(map[idx.ValidatorID]inter.AccountID, len(allCandidates))
	for _, c := range allCandidates {
		byOldIndex[c.Index] = c.Account
	}
	out := make([]idx.ValidatorID, len(settlement))
	for i, old := range settlement {
		out[i] = indexOf[byOldIndex[old]]
	}
	return out
}

// assignChunkValidators seeds a reservoir-weighted sample of
// num_chunk_validators_per_shard validators for every shard at the epoch's
// first height, keyed by (epoch_seed, shard, height) (spec.md §4.3). Only
// the epoch's first height is pre-computed here; the Epoch Manager Core
// calls AssignChunkValidatorsAt for later heights as blocks arrive.
func assignChunkValidators(info epochproc.EpochInfo, cfg epochconfig.Config, seed [32]byte, epochHeight idx.Epoch) map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator {
	out := make(map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator)
	firstHeight := idx.Block(0)
	for s := 0; s < len(info.ChunkProducerSettlement); s++ {
		key := epochproc.ChunkValidatorKey{Shard: uint16(s), Height: firstHeight}
		out[key] = AssignChunkValidatorsAt(info, cfg, seed, uint16(s), firstHeight)
	}
	return out
}

// AssignChunkValidatorsAt samples num_chunk_validators_per_shard validators
// for (shard, height), weighted by effective stake, seeded deterministically
// by (epoch_seed, shard, height) (spec.md §4.3).
func AssignChunkValidatorsAt(info epochproc.EpochInfo, cfg epochconfig.Config, seed [32]byte, shard uint16, height idx.Block) []epochproc.WeightedValidator {
	n := int(cfg.NumChunkValidatorsPerShard)
	if n <= 0 || len(info.Validators) == 0 {
		return nil
	}
	if n > len(info.Validators) {
		n = len(info.Validators)
	}

	type keyed struct {
		index  idx.ValidatorID
		weight *big.Int
		rnd    *big.Int
	}
	candidates := make([]keyed, len(info.Validators))
	for i, v := range info.Validators {
		r := deterministicRand(seed, shard, height, v.Account)
		candidates[i] = keyed{index: idx.ValidatorID(i), weight: v.Stake, rnd: r}
	}

	// A-ES reservoir-sampling key: key_i = rnd_i^(1/weight_i), approximated
	// in integer space by ranking candidates by rnd_i*weight_i descending
	// (higher weight -> larger key -> more likely to rank first), which
	// keeps selection probability monotonic in stake while remaining fully
	// deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		li := new(big.Int).Mul(candidates[i].rnd, candidates[i].weight)
		lj := new(big.Int).Mul(candidates[j].rnd, candidates[j].weight)
		if cmp := li.Cmp(lj); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].index < candidates[j].index
	})

	out := make([]epochproc.WeightedValidator, n)
	for i := 0; i < n; i++ {
		out[i] = epochproc.WeightedValidator{Index: candidates[i].index, Weight: inter.CopyStake(candidates[i].weight)}
	}
	return out
}

// deterministicRand derives a pseudo-random, uniformly distributed big.Int
// in [1, 2^256) from (seed, shard, height, account), used as the
// reservoir-sampling priority draw (spec.md §4.3, "seeded by (epoch_seed,
// shard, height)").
func deterministicRand(seed [32]byte, shard uint16, height idx.Block, account inter.AccountID) *big.Int {
	h := sha256.New()
	h.Write(seed[:])
	var shardBuf [2]byte
	binary.BigEndian.PutUint16(shardBuf[:], shard)
	h.Write(shardBuf[:])
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], uint64(height))
	h.Write(heightBuf[:])
	h.Write([]byte(account))
	sum := h.Sum(nil)
	v := new(big.Int).SetBytes(sum)
	if v.Sign() == 0 {
		v.SetInt64(1)
	}
	return v
}
