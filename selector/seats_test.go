package selector

import (
	"math/big"
	"testing"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/stretchr/testify/require"

	"github.com/wkarshat/nearcore/inter"
)

func cand(account inter.AccountID, stake int64, i idx.ValidatorID) Candidate {
	return Candidate{Account: account, Stake: big.NewInt(stake), Index: i}
}

func TestAssignSeatsEqualStakeGetsEqualSeats(t *testing.T) {
	r := require.New(t)

	candidates := []Candidate{
		cand("a", 1000, 0),
		cand("b", 1000, 1),
		cand("c", 1000, 2),
		cand("d", 1000, 3),
	}

	settlement, seated := AssignSeats(candidates, 4)
	r.Len(settlement, 4)
	r.Len(seated, 4)
	// every candidate appears exactly once with equal stake and seat count == candidate count
	counts := map[idx.ValidatorID]int{}
	for _, v := range settlement {
		counts[v]++
	}
	for _, c := range candidates {
		r.Equal(1, counts[c.Index])
	}
}

func TestAssignSeatsProportionalToStake(t *testing.T) {
	r := require.New(t)

	// a has 3x the stake of b; with 4 seats a should get 3, b should get 1.
	candidates := []Candidate{
		cand("a", 3000, 0),
		cand("b", 1000, 1),
	}

	settlement, seated := AssignSeats(candidates, 4)
	r.Len(settlement, 4)
	r.True(seated["a"])
	r.True(seated["b"])

	counts := map[idx.ValidatorID]int{}
	for _, v := range settlement {
		counts[v]++
	}
	r.Equal(3, counts[idx.ValidatorID(0)])
	r.Equal(1, counts[idx.ValidatorID(1)])
}

func TestAssignSeatsTruncatesToNumSeats(t *testing.T) {
	r := require.New(t)

	candidates := []Candidate{
		cand("a", 100, 0),
	}
	settlement, _ := AssignSeats(candidates, 3)
	r.Len(settlement, 3)
	for _, v := range settlement {
		r.Equal(idx.ValidatorID(0), v)
	}
}

func TestAssignSeatsZeroSeatsOrCandidates(t *testing.T) {
	r := require.New(t)

	settlement, seated := AssignSeats(nil, 5)
	r.Empty(settlement)
	r.Empty(seated)

	settlement, seated = AssignSeats([]Candidate{cand("a", 1, 0)}, 0)
	r.Empty(settlement)
	r.Empty(seated)
}

func TestAssignSeatsTieBreaksByAccountID(t *testing.T) {
	r := require.New(t)

	candidates := []Candidate{
		cand("zzz", 1000, 0),
		cand("aaa", 1000, 1),
	}
	sorted := sortCandidates(candidates)
	r.Equal(inter.AccountID("aaa"), sorted[0].Account, "equal stake must tie-break by ascending account id")
}
