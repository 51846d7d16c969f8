package selector

import (
	"math/big"
	"testing"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/stretchr/testify/require"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
)

func priorValidator(account inter.AccountID, stake int64) epochproc.ValidatorInfo {
	return epochproc.ValidatorInfo{Account: account, Stake: big.NewInt(stake)}
}

// TestSelectUnstakeAllReusesPriorSet mirrors spec.md §8 scenario 1: three
// validators each stake 1,000; all three propose stake 0 in the same epoch.
// The safety valve refuses the unstake-all and carries the prior validator
// set forward untouched, with no kickouts.
func TestSelectUnstakeAllReusesPriorSet(t *testing.T) {
	r := require.New(t)

	cfg := epochconfig.FakenetConfig()
	prior := []epochproc.ValidatorInfo{
		priorValidator("v1.near", 1000),
		priorValidator("v2.near", 1000),
		priorValidator("v3.near", 1000),
	}

	in := Input{
		PriorStakes: map[inter.AccountID]*big.Int{
			"v1.near": big.NewInt(1000),
			"v2.near": big.NewInt(1000),
			"v3.near": big.NewInt(1000),
		},
		Proposals: map[inter.AccountID]epochproc.Proposal{
			"v1.near": {Account: "v1.near", NewStake: big.NewInt(0)},
			"v2.near": {Account: "v2.near", NewStake: big.NewInt(0)},
			"v3.near": {Account: "v3.near", NewStake: big.NewInt(0)},
		},
		PriorValidators: prior,
		Config:          cfg,
		EpochHeight:     idx.Epoch(2),
		NextVersion:     cfg.ProtocolVersion,
	}

	info := Select(in, map[inter.AccountID]*big.Int{}, map[inter.AccountID]epochproc.KickoutReason{})

	r.Len(info.Validators, 3)
	for i, v := range info.Validators {
		r.Equal(prior[i].Account, v.Account)
		r.Equal(0, v.Stake.Cmp(prior[i].Stake))
	}
	r.Empty(info.ValidatorKickout, "unstake-all safety valve must not kick anyone")
	r.Equal(0, info.MintedAmount.Cmp(big.NewInt(0)))
	for account, stake := range info.StakeChange {
		r.Equal(0, stake.Cmp(big.NewInt(1000)), "account %s", account)
	}
}

// TestSelectSeatsTopStakeAndFillsChunkOnlyBudget exercises the full
// non-safety-valve path: producer seat assignment picks the top
// num_block_producer_seats candidates by stake, the remainder above the
// producer threshold fill the chunk-only budget, and anything between the
// fisherman and producer thresholds is retained only as a fisherman.
func TestSelectSeatsTopStakeAndFillsChunkOnlyBudget(t *testing.T) {
	r := require.New(t)

	cfg := epochconfig.FakenetConfig() // 4 block seats, 4 chunk seats/shard, 2 chunk-only seats, 1 shard

	stakes := map[inter.AccountID]*big.Int{
		"a.near": big.NewInt(10000),
		"b.near": big.NewInt(9000),
		"c.near": big.NewInt(8000),
		"d.near": big.NewInt(7000),
		"e.near": big.NewInt(1500),
		"f.near": big.NewInt(1200),
		"g.near": big.NewInt(500), // above fisherman threshold (100), below producer threshold (1000)
	}

	in := Input{
		PriorStakes:  stakes,
		Proposals:    map[inter.AccountID]epochproc.Proposal{},
		Config:       cfg,
		EpochHeight:  idx.Epoch(3),
		EpochSeed:    [32]byte{1, 2, 3},
		MintedAmount: big.NewInt(777),
		NextVersion:  cfg.ProtocolVersion,
	}

	info := Select(in, map[inter.AccountID]*big.Int{}, map[inter.AccountID]epochproc.KickoutReason{})

	r.Len(info.Validators, 6, "the four top producers plus the two chunk-only-budget fills")
	r.Len(info.Fishermen, 1)
	r.Equal(inter.AccountID("g.near"), info.Fishermen[0].Account)

	// Validators are sorted by stake descending.
	wantOrder := []inter.AccountID{"a.near", "b.near", "c.near", "d.near", "e.near", "f.near"}
	for i, account := range wantOrder {
		r.Equal(account, info.Validators[i].Account, "validator set must be sorted by stake descending")
	}

	r.Equal(0, info.MintedAmount.Cmp(big.NewInt(777)))

	// At price 7000, each of a/b/c/d clears exactly one seat (10000/7000 =
	// 9000/7000 = 8000/7000 = 7000/7000 = 1), filling all four block seats;
	// no higher integer price still clears four seats.
	r.Equal([]idx.ValidatorID{0, 1, 2, 3}, info.BlockProducerSettlement)
	r.Len(info.ChunkProducerSettlement, 1)
	r.Equal([]idx.ValidatorID{0, 1, 2, 3}, info.ChunkProducerSettlement[0])

	// e.near and f.near are the only producer-threshold candidates left once
	// a/b/c/d take the producer and chunk-producer seats; the chunk-only
	// budget (block seats + chunk-only seats - seated so far = 4+2-4 = 2)
	// seats both of them.
	haveChunkOnly := map[inter.AccountID]bool{}
	for _, v := range info.Validators[4:] {
		haveChunkOnly[v.Account] = true
	}
	r.True(haveChunkOnly["e.near"])
	r.True(haveChunkOnly["f.near"])

	r.Contains(info.ChunkValidatorAssignment, epochproc.ChunkValidatorKey{Shard: 0, Height: idx.Block(0)})
	assignment := info.ChunkValidatorAssignment[epochproc.ChunkValidatorKey{Shard: 0, Height: idx.Block(0)}]
	r.LessOrEqual(len(assignment), int(cfg.NumChunkValidatorsPerShard))
	r.NotEmpty(assignment)
}

// TestAssignChunkValidatorsAtSelectionFrequencyMonotonicInStake draws many
// independent (shard, height) samples of a single chunk-validator seat over a
// heavily skewed stake distribution and checks the empirical pick frequency
// is monotonic in stake (spec.md §4.3, "expected selection frequency is
// proportional to stake") rather than merely checking the assignment's
// structural shape.
func TestAssignChunkValidatorsAtSelectionFrequencyMonotonicInStake(t *testing.T) {
	r := require.New(t)

	cfg := epochconfig.FakenetConfig()
	cfg.NumChunkValidatorsPerShard = 1

	info := epochproc.EpochInfo{
		Validators: []epochproc.ValidatorInfo{
			{Account: "whale.near", Stake: big.NewInt(1_000_000)},
			{Account: "shrimp.near", Stake: big.NewInt(1_000)},
		},
	}

	const draws = 400
	picks := map[inter.AccountID]int{}
	for h := 0; h < draws; h++ {
		assignment := AssignChunkValidatorsAt(info, cfg, [32]byte{9, 9, 9}, 0, idx.Block(h))
		r.Len(assignment, 1)
		picks[info.Validators[assignment[0].Index].Account]++
	}

	r.Greater(picks["whale.near"], picks["shrimp.near"],
		"validator with 1000x the stake must be picked more often across independent draws")
	r.Greater(picks["whale.near"], draws/2,
		"the overwhelmingly heavier validator should win a clear majority of draws")
}
