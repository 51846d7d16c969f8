// Package kickout implements the kickout decision and reward-input
// preparation for an epoch boundary (spec.md §4.4, Kickout & Reward Engine
// / C4): it turns the aggregator's attendance counters into a kickout map
// and the next protocol version, honoring the max-kickout-stake safety
// valve and the prior epoch's kickouts. The reward package's per-validator
// stats are built by the caller, not here.
package kickout

import (
	"math/big"
	"sort"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
)

// Candidate is one validator's aggregated attendance for the outgoing
// epoch, plus the inputs needed for the unstake/protocol-version/kickout
// decisions.
type Candidate struct {
	Account inter.AccountID
	Stake   *big.Int

	BlockStats epochproc.Attendance
	ChunkProductionStats epochproc.Attendance
	ChunkEndorsementStats epochproc.Attendance

	// Unstaked is true if the validator's latest proposal this epoch set
	// its stake to 0.
	Unstaked bool

	// VotedVersion is the protocol version this validator signalled.
	VotedVersion inter.ProtocolVersion
}

// Input is everything Decide needs.
type Input struct {
	Candidates []Candidate
	TotalStake *big.Int

	// PriorKickouts is the *previous* epoch's kickout map, needed for the
	// max-kickout-stake safety valve (spec.md §4.4) and for the standing
	// ProtocolVersionTooOld objection (SPEC_FULL.md, validator reuse
	// identity).
	PriorKickouts map[inter.AccountID]epochproc.KickoutReason

	// PriorValidatorStakes holds the stake each PriorKickouts account held in
	// the epoch it was removed from. Accounts named in PriorKickouts are by
	// construction absent from Candidates (they were already excluded from
	// the active set), so the max-kickout-stake safety valve needs this
	// separate source to fold their stake into the union it bounds.
	PriorValidatorStakes map[inter.AccountID]*big.Int

	CurrentVersion inter.ProtocolVersion
	Config         epochconfig.Config
}

// Output is Decide's result.
type Output struct {
	Kickouts map[inter.AccountID]epochproc.KickoutReason
	// NextVersion is CurrentVersion unless a protocol-version majority
	// kickout took effect, in which case it is the new version (spec.md
	// §4.4).
	NextVersion inter.ProtocolVersion
}

// chunkOnly reports whether a candidate never produced blocks and never
// produced chunks — only endorsements (spec.md §4.4, "Chunk-only
// validators").
func chunkOnly(c Candidate) bool {
	return c.BlockStats.Expected == 0 && c.ChunkProductionStats.Expected == 0
}

func ratioBelow(produced, expected uint64, threshold epochconfig.Ratio) bool {
	if expected == 0 {
		return false
	}
	return epochconfig.NewRatio(produced, expected).LessEqual(threshold) &&
		!sameRatio(epochconfig.NewRatio(produced, expected), threshold)
}

func sameRatio(a, b epochconfig.Ratio) bool {
	return a.Num*b.Denom == b.Num*a.Denom
}

// performanceReason returns the first failing category in priority order
// (blocks, chunks, endorsements) per spec.md §4.4, or (zero, false) if none
// fail.
func performanceReason(c Candidate, cfg epochconfig.Config) (epochproc.KickoutReason, bool) {
	if !chunkOnly(c) {
		if ratioBelow(c.BlockStats.Produced, c.BlockStats.Expected, cfg.OnlineMinThreshold) {
			return epochproc.KickoutReason{
				Kind: epochproc.KickoutNotEnoughBlocks,
				Produced: c.BlockStats.Produced, Expected: c.BlockStats.Expected,
			}, true
		}
		if ratioBelow(c.ChunkProductionStats.Produced, c.ChunkProductionStats.Expected, cfg.ChunkEndorsementThreshold) {
			return epochproc.KickoutReason{
				Kind: epochproc.KickoutNotEnoughChunks,
				Produced: c.ChunkProductionStats.Produced, Expected: c.ChunkProductionStats.Expected,
			}, true
		}
	}
	if ratioBelow(c.ChunkEndorsementStats.Produced, c.ChunkEndorsementStats.Expected, cfg.ChunkEndorsementThreshold) {
		return epochproc.KickoutReason{
			Kind: epochproc.KickoutNotEnoughChunkEndorsements,
			Produced: c.ChunkEndorsementStats.Produced, Expected: c.ChunkEndorsementStats.Expected,
		}, true
	}
	return epochproc.KickoutReason{}, false
}

// score is the exemption ordering for the max-kickout-stake safety valve:
// (chunk_endorsement_ratio desc, block+chunk_production_ratio desc, stake
// desc, account_id asc) (spec.md §4.4). Higher score exempts first.
type score struct {
	endorsementNum, endorsementDenom   uint64
	productionNum, productionDenom     uint64
	stake                               *big.Int
	account                             inter.AccountID
}

func scoreOf(c Candidate) score {
	en, ed := c.ChunkEndorsementStats.Produced, c.ChunkEndorsementStats.Expected
	pn := c.BlockStats.Produced + c.ChunkProductionStats.Produced
	pd := c.BlockStats.Expected + c.ChunkProductionStats.Expected
	return score{endorsementNum: en, endorsementDenom: ed, productionNum: pn, productionDenom: pd, stake: c.Stake, account: c.Account}
}

// better reports whether a should be exempted before b (a has strictly
// higher exemption priority).
func better(a, b score) bool {
	ar := ratioOrMax(a.endorsementNum, a.endorsementDenom)
	br := ratioOrMax(b.endorsementNum, b.endorsementDenom)
	if !sameRatio(ar, br) {
		return br.LessEqual(ar) && !sameRatio(ar, br)
	}
	ar = ratioOrMax(a.productionNum, a.productionDenom)
	br = ratioOrMax(b.productionNum, b.productionDenom)
	if !sameRatio(ar, br) {
		return br.LessEqual(ar) && !sameRatio(ar, br)
	}
	if cmp := a.stake.Cmp(b.stake); cmp != 0 {
		return cmp > 0
	}
	return a.account < b.account
}

func ratioOrMax(num, denom uint64) epochconfig.Ratio {
	if denom == 0 {
		return epochconfig.NewRatio(1, 1)
	}
	return epochconfig.NewRatio(num, denom)
}

// Decide computes the kickout map and next protocol version for an epoch
// boundary (spec.md §4.4).
func Decide(in Input) Output {
	nextVersion := protocolVersionMajority(in)

	kickouts := make(map[inter.AccountID]epochproc.KickoutReason)
	for _, c := range in.Candidates {
		// Explicit unstake and protocol-version-too-old take precedence
		// over performance kickouts (spec.md §4.4).
		if c.Unstaked {
			kickouts[c.Account] = epochproc.KickoutReason{Kind: epochproc.KickoutUnstaked}
			continue
		}
		if c.VotedVersion < nextVersion {
			kickouts[c.Account] = epochproc.KickoutReason{
				Kind: epochproc.KickoutProtocolVersionTooOld,
				Version: c.VotedVersion, NetworkVersion: nextVersion,
			}
			continue
		}
		if prior, ok := in.PriorKickouts[c.Account]; ok && prior.Kind == epochproc.KickoutProtocolVersionTooOld && c.VotedVersion < prior.NetworkVersion {
			// Standing objection (SPEC_FULL.md supplemented feature #2):
			// persists until the account's vote catches up.
			kickouts[c.Account] = prior
			continue
		}
		if reason, flagged := performanceReason(c, in.Config); flagged {
			kickouts[c.Account] = reason
		}
	}

	applyMaxKickoutSafetyValve(kickouts, in)

	return Output{Kickouts: kickouts, NextVersion: nextVersion}
}

// protocolVersionMajority returns the next epoch's protocol version: the
// highest v' > current such that validators voting >= v' hold stake share
// >= the configured upgrade threshold (spec.md §4.4).
func protocolVersionMajority(in Input) inter.ProtocolVersion {
	votes := make(map[inter.ProtocolVersion]*big.Int)
	for _, c := range in.Candidates {
		if existing, ok := votes[c.VotedVersion]; ok {
			existing.Add(existing, c.Stake)
		} else {
			votes[c.VotedVersion] = new(big.Int).Set(c.Stake)
		}
	}

	versions := make([]inter.ProtocolVersion, 0, len(votes))
	for v := range votes {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })

	cumulative := new(big.Int)
	best := in.CurrentVersion
	for _, v := range versions {
		cumulative.Add(cumulative, votes[v])
		if v <= in.CurrentVersion {
			continue
		}
		if meetsShare(cumulative, in.TotalStake, in.Config.ProtocolUpgradeStakeThreshold) && v > best {
			best = v
		}
	}
	return best
}

func meetsShare(cumulative, total *big.Int, threshold epochconfig.Ratio) bool {
	if total.Sign() == 0 {
		return false
	}
	// cumulative/total >= threshold.Num/threshold.Denom
	// <=> cumulative*threshold.Denom >= threshold.Num*total
	lhs := new(big.Int).Mul(cumulative, big.NewInt(int64(threshold.Denom)))
	rhs := new(big.Int).Mul(big.NewInt(int64(threshold.Num)), total)
	return lhs.Cmp(rhs) >= 0
}

// applyMaxKickoutSafetyValve exempts candidates, highest-score first, until
// the union of this epoch's and the prior epoch's kickout stake no longer
// exceeds validator_max_kickout_stake_perc of total stake (spec.md §4.4,
// §8 Max-kickout invariant).
func applyMaxKickoutSafetyValve(kickouts map[inter.AccountID]epochproc.KickoutReason, in Input) {
	byAccount := make(map[inter.AccountID]Candidate, len(in.Candidates))
	for _, c := range in.Candidates {
		byAccount[c.Account] = c
	}

	priorStake := big.NewInt(0)
	for account := range in.PriorKickouts {
		if stake, ok := in.PriorValidatorStakes[account]; ok {
			priorStake.Add(priorStake, stake)
			continue
		}
		if c, ok := byAccount[account]; ok {
			priorStake.Add(priorStake, c.Stake)
		}
	}

	exceedsLimit := func() bool {
		kickedStake := new(big.Int).Set(priorStake)
		for account := range kickouts {
			if c, ok := byAccount[account]; ok {
				kickedStake.Add(kickedStake, c.Stake)
			}
		}
		if in.TotalStake.Sign() == 0 {
			return false
		}
		lhs := new(big.Int).Mul(kickedStake, big.NewInt(100))
		rhs := new(big.Int).Mul(in.TotalStake, big.NewInt(int64(in.Config.ValidatorMaxKickoutStakePerc)))
		return lhs.Cmp(rhs) > 0
	}

	for exceedsLimit() {
		var bestAccount inter.AccountID
		var bestScore score
		found := false
		for account := range kickouts {
			c, ok := byAccount[account]
			if !ok {
				continue
			}
			s := scoreOf(c)
			if !found || better(s, bestScore) {
				bestScore = s
				bestAccount = account
				found = true
			}
		}
		if !found {
			break
		}
		delete(kickouts, bestAccount)
	}
}
