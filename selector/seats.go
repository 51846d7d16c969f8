// Package selector implements the Validator Selector (spec.md §4.3, C3):
// turning prior validators, proposals, and stake changes into the next
// epoch's validator set, settlements, and chunk-validator assignment.
package selector

import (
	"math/big"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/inter"
)

// Candidate is one account competing for seats, carrying its stake and the
// validator index it will occupy in the next epoch's ordered validator
// list if selected.
type Candidate struct {
	Account inter.AccountID
	Stake   *big.Int
	Index   idx.ValidatorID
}

// sortCandidates orders by (stake desc, account_id asc), the tie-break
// spec.md §4.3 and §9 mandate for every seat-assignment comparison.
func sortCandidates(candidates []Candidate) []Candidate {
	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		cmp := sorted[i].Stake.Cmp(sorted[j].Stake)
		if cmp != 0 {
			return cmp > 0
		}
		return sorted[i].Account < sorted[j].Account
	})
	return sorted
}

// AssignSeats implements the deterministic proportional seat algorithm
// (spec.md §4.3): candidates sorted by (stake desc, account_id asc); seats
// allotted so the minimum selected stake is the largest s* such that
// sum(floor(stake_i/s*)) over {stake_i >= s*} >= numSeats; the settlement
// repeats each validator's index floor(stake_i/s*) times, truncated to
// numSeats.
//
// Returns the settlement (ordered validator-index repetitions, length <=
// numSeats) and the set of candidates that received at least one seat.
func AssignSeats(candidates []Candidate, numSeats uint64) (settlement []idx.ValidatorID, seated map[inter.AccountID]bool) {
	seated = make(map[inter.AccountID]bool)
	if numSeats == 0 || len(candidates) == 0 {
		return nil, seated
	}

	sorted := sortCandidates(candidates)

	sStar := findSStar(sorted, numSeats)
	if sStar == nil {
		return nil, seated
	}

	for _, c := range sorted {
		if c.Stake.Cmp(sStar) < 0 {
			continue
		}
		reps := new(big.Int).Div(c.Stake, sStar).Uint64()
		if reps == 0 {
			continue
		}
		for i := uint64(0); i < reps && uint64(len(settlement)) < numSeats; i++ {
			settlement = append(settlement, c.Index)
		}
		seated[c.Account] = true
		if uint64(len(settlement)) >= numSeats {
			break
		}
	}
	return settlement, seated
}

// findSStar finds the largest s* such that sum(floor(stake_i/s*)) over
// candidates with stake_i >= s* is >= numSeats (spec.md §4.3). The mapping
// price -> total seats is non-increasing in price, so this is a binary
// search over [1, maxStake] for the largest price that still clears
// numSeats. If even price 1 (maximum achievable total seats) falls short,
// price 1 is returned anyway — the settlement simply comes up short of
// numSeats, which the caller already truncates to.
func findSStar(sorted []Candidate, numSeats uint64) *big.Int {
	if len(sorted) == 0 {
		return nil
	}
	maxStake := sorted[0].Stake // sorted is stake-descending
	low := big.NewInt(1)
	high := new(big.Int).Set(maxStake)
	best := big.NewInt(1)

	for low.Cmp(high) <= 0 {
		mid := new(big.Int).Add(low, high)
		mid.Rsh(mid, 1)
		if totalSeatsAt(sorted, mid) >= numSeats {
			best = mid
			low = new(big.Int).Add(mid, big.NewInt(1))
		} else {
			high = new(big.Int).Sub(mid, big.NewInt(1))
		}
	}
	return best
}

func totalSeatsAt(sorted []Candidate, threshold *big.Int) uint64 {
	var total uint64
	for _, c := range sorted {
		if c.Stake.Cmp(threshold) < 0 {
			continue
		}
		total += new(big.Int).Div(c.Stake, threshold).Uint64()
	}
	return total
}
