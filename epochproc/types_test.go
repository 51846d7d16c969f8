package epochproc

import (
	"math/big"
	"testing"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/stretchr/testify/require"

	"github.com/wkarshat/nearcore/inter"
)

func sampleBlockInfo() BlockInfo {
	return BlockInfo{
		Hash:     hash.BytesToHash([]byte("block-1")),
		PrevHash: GenesisHash,
		Height:   1,
		Proposals: []Proposal{
			{Account: "alice.near", NewStake: big.NewInt(1000)},
		},
		ChunkMask:        NewShardBitset(4),
		TotalSupply:      big.NewInt(1_000_000),
		TimestampNanosec: inter.Timestamp(10),
	}
}

func TestBlockInfoCopyIsIndependent(t *testing.T) {
	r := require.New(t)

	b := sampleBlockInfo()
	cp := b.Copy()

	cp.Proposals[0].NewStake.SetInt64(2000)
	cp.TotalSupply.SetInt64(0)
	cp.ChunkMask.Set(0)

	r.Equal(int64(1000), b.Proposals[0].NewStake.Int64(), "mutating the copy's proposal must not affect the original")
	r.Equal(int64(1_000_000), b.TotalSupply.Int64())
	r.False(b.ChunkMask.Get(0))
}

func TestBlockInfoHashDeterministic(t *testing.T) {
	r := require.New(t)

	a := sampleBlockInfo()
	b := sampleBlockInfo()

	r.Equal(a.ComputeHash(), b.ComputeHash(), "two structurally identical BlockInfos must hash identically")

	b.Height = 2
	r.NotEqual(a.ComputeHash(), b.ComputeHash())
}

func TestEpochInfoCopyIsIndependent(t *testing.T) {
	r := require.New(t)

	e := EpochInfo{
		Validators: []ValidatorInfo{
			{Account: "alice.near", Stake: big.NewInt(5000)},
		},
		StakeChange: map[inter.AccountID]*big.Int{
			"alice.near": big.NewInt(5000),
		},
		MintedAmount: big.NewInt(42),
	}

	cp := e.Copy()
	cp.Validators[0].Stake.SetInt64(1)
	cp.StakeChange["alice.near"].SetInt64(1)
	cp.MintedAmount.SetInt64(1)

	r.Equal(int64(5000), e.Validators[0].Stake.Int64())
	r.Equal(int64(5000), e.StakeChange["alice.near"].Int64())
	r.Equal(int64(42), e.MintedAmount.Int64())
}

func TestEpochInfoIndexOf(t *testing.T) {
	r := require.New(t)

	e := EpochInfo{
		Validators: []ValidatorInfo{
			{Account: "alice.near"},
			{Account: "bob.near"},
		},
	}

	i, ok := e.IndexOf("bob.near")
	r.True(ok)
	r.EqualValues(1, i)

	_, ok = e.IndexOf("carol.near")
	r.False(ok)
}

func TestEpochInfoHashStableAcrossCopy(t *testing.T) {
	r := require.New(t)

	e := EpochInfo{
		Validators: []ValidatorInfo{{Account: "alice.near", Stake: big.NewInt(5000)}},
		MintedAmount: big.NewInt(7),
	}
	r.Equal(e.Hash(), e.Copy().Hash())
}

func TestKickoutReasonString(t *testing.T) {
	r := require.New(t)

	reason := KickoutReason{Kind: KickoutNotEnoughBlocks, Produced: 89, Expected: 100}
	r.Equal("NotEnoughBlocks{89,100}", reason.String())

	reason = KickoutReason{Kind: KickoutNotEnoughStake, Stake: big.NewInt(10), Threshold: big.NewInt(20)}
	r.Equal("NotEnoughStake{10,20}", reason.String())
}
