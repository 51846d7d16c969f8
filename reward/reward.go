// Package reward implements the per-epoch inflation and reward split
// (spec.md §4.2, Reward Calculator / C2): given per-validator attendance
// ratios, stakes, elapsed time, and total supply, it computes exactly how
// much is minted and how it is divided between the treasury and
// validators. Every computation here is pure and integer-exact, the way
// opera's fee/reward math in the teacher avoids floats entirely.
package reward

import (
	"math/big"
	"sort"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
)

// TreasuryAccount receives the protocol's share of inflation every epoch
// (spec.md §4.2, "Treasury (near account)").
const TreasuryAccount inter.AccountID = "near"

// ValidatorStats is one validator's attendance inputs for reward
// computation: the block-production ratio and the combined
// chunk-production/chunk-endorsement ratio (spec.md §4.2,
// "chunk_stats = production ∪ endorsement").
type ValidatorStats struct {
	Account      inter.AccountID
	Stake        *big.Int
	BlockStats   epochproc.Attendance
	ChunkStats   epochproc.Attendance // production + endorsement combined
}

// Result is the outcome of Calculate: per-validator rewards, the epoch's
// minted amount, and the treasury's share.
type Result struct {
	ValidatorReward map[inter.AccountID]*big.Int
	MintedAmount    *big.Int
	TreasuryReward  *big.Int
}

// onlineRatio computes a validator's weighted-average online ratio across
// whichever of {block, chunk} categories it had nonzero expected samples
// in; a validator with zero expected samples in a category is exempt from
// it (spec.md §4.2).
func onlineRatio(v ValidatorStats) (num, denom uint64) {
	if v.BlockStats.Expected > 0 {
		num += v.BlockStats.Produced
		denom += v.BlockStats.Expected
	}
	if v.ChunkStats.Expected > 0 {
		num += v.ChunkStats.Produced
		denom += v.ChunkStats.Expected
	}
	return num, denom
}

// rewardWeight returns the reward weight (as a Ratio in [0,1]) for a
// validator's online ratio against the config's min/max thresholds
// (spec.md §4.2): 0 below min, 1 above max, linear interpolation between.
func rewardWeight(ratioNum, ratioDenom uint64, cfg epochconfig.Config) epochconfig.Ratio {
	if ratioDenom == 0 {
		// No expected samples in any category: treat as fully online,
		// matching the teacher's posture of not penalizing validators for
		// categories they never participated in (spec.md §4.2, "exempt").
		return epochconfig.NewRatio(1, 1)
	}
	ratio := epochconfig.NewRatio(ratioNum, ratioDenom)
	if ratio.LessEqual(cfg.OnlineMinThreshold) && !sameRatio(ratio, cfg.OnlineMinThreshold) {
		return epochconfig.NewRatio(0, 1)
	}
	if cfg.OnlineMaxThreshold.LessEqual(ratio) {
		return epochconfig.NewRatio(1, 1)
	}
	// linear interpolation: weight = (ratio - min) / (max - min)
	// computed in a common denominator to stay exact.
	minN, minD := cfg.OnlineMinThreshold.Num, cfg.OnlineMinThreshold.Denom
	maxN, maxD := cfg.OnlineMaxThreshold.Num, cfg.OnlineMaxThreshold.Denom
	// ratio - min = ratioNum/ratioDenom - minN/minD = (ratioNum*minD - minN*ratioDenom) / (ratioDenom*minD)
	num1 := ratioNum*minD - minN*ratioDenom
	den1 := ratioDenom * minD
	// max - min = (maxN*minD - minN*maxD) / (maxD*minD)
	num2 := maxN*minD - minN*maxD
	den2 := maxD * minD
	// weight = num1/den1 / (num2/den2) = num1*den2 / (den1*num2)
	return epochconfig.NewRatio(num1*den2, den1*num2)
}

func sameRatio(a, b epochconfig.Ratio) bool {
	return a.Num*b.Denom == b.Num*a.Denom
}

// Calculate computes the epoch's inflation, treasury share, and each
// validator's reward (spec.md §4.2). epochNs is the elapsed epoch duration
// in nanoseconds.
func Calculate(stats []ValidatorStats, totalSupply *big.Int, epochNs uint64, cfg epochconfig.Config) Result {
	// inflation = max_inflation_rate * total_supply * epoch_ns / year_ns,
	// computed with exact big.Int intermediates (spec.md §4.2).
	inflation := new(big.Int).Mul(totalSupply, big.NewInt(int64(cfg.MaxInflationRate.Num)))
	inflation.Mul(inflation, new(big.Int).SetUint64(epochNs))
	denom := new(big.Int).Mul(big.NewInt(int64(cfg.MaxInflationRate.Denom)), big.NewInt(int64(inter.YearNs)))
	inflation.Div(inflation, denom)

	treasury := new(big.Int).Mul(inflation, big.NewInt(int64(cfg.ProtocolRewardRate.Num)))
	treasury.Div(treasury, big.NewInt(int64(cfg.ProtocolRewardRate.Denom)))

	distributable := new(big.Int).Sub(inflation, treasury)

	// weight_i * stake_i per validator, in a deterministic order (account id
	// ascending) so residue assignment is reproducible.
	sorted := append([]ValidatorStats(nil), stats...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Account < sorted[j].Account })

	type weighted struct {
		account inter.AccountID
		share   *big.Int // weight expressed over commonDenom, times stake
		denom   *big.Int
	}
	weights := make([]weighted, len(sorted))
	totalShareOverCommonDenom := new(big.Int)
	// To keep this exact, put every weight over one common denominator: the
	// product of all the weights' denominators. An interpolated weight's
	// denominator includes the validator's own expected-sample count, so
	// this product grows with the number of validators.
	commonDenom := big.NewInt(1)
	rawWeights := make([]epochconfig.Ratio, len(sorted))
	for i, v := range sorted {
		n, d := onlineRatio(v)
		w := rewardWeight(n, d, cfg)
		rawWeights[i] = w
		commonDenom.Mul(commonDenom, big.NewInt(int64(w.Denom)))
	}
	for i, v := range sorted {
		w := rawWeights[i]
		scaled := new(big.Int).Div(commonDenom, big.NewInt(int64(w.Denom)))
		share := new(big.Int).Mul(big.NewInt(int64(w.Num)), scaled)
		share.Mul(share, v.Stake)
		weights[i] = weighted{account: v.Account, share: share}
		totalShareOverCommonDenom.Add(totalShareOverCommonDenom, share)
	}

	rewards := make(map[inter.AccountID]*big.Int, len(sorted))
	distributedSoFar := new(big.Int)
	if totalShareOverCommonDenom.Sign() > 0 {
		for _, w := range weights {
			r := new(big.Int).Mul(distributable, w.share)
			r.Div(r, totalShareOverCommonDenom)
			rewards[w.account] = r
			distributedSoFar.Add(distributedSoFar, r)
		}
	}

	// Rounding residue goes to treasury (spec.md §4.2, "the sum of all
	// distributed amounts equals inflation exactly").
	residue := new(big.Int).Sub(distributable, distributedSoFar)
	treasury.Add(treasury, residue)

	if existing, ok := rewards[TreasuryAccount]; ok {
		existing.Add(existing, treasury)
	} else {
		rewards[TreasuryAccount] = new(big.Int).Set(treasury)
	}

	return Result{
		ValidatorReward: rewards,
		MintedAmount:    inflation,
		TreasuryReward:  treasury,
	}
}
