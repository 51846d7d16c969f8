package epochproc

import (
	"testing"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/stretchr/testify/require"
)

type fakeBlockSource struct {
	byHash map[hash.Hash]BlockInfo
}

func newFakeBlockSource() *fakeBlockSource {
	return &fakeBlockSource{byHash: make(map[hash.Hash]BlockInfo)}
}

func (f *fakeBlockSource) add(b BlockInfo) {
	f.byHash[b.Hash] = b
}

func (f *fakeBlockSource) GetBlockInfo(h hash.Hash) (BlockInfo, bool) {
	b, ok := f.byHash[h]
	return b, ok
}

func blockHash(n string) hash.Hash {
	return hash.BytesToHash([]byte(n))
}

func TestAggregatorUpdateTailTracksAttendance(t *testing.T) {
	r := require.New(t)

	src := newFakeBlockSource()

	epochID := blockHash("epoch-0-first")

	b1 := BlockInfo{
		Hash: blockHash("b1"), PrevHash: epochID, Height: 1,
		EpochID: epochID, BlockProducer: 1,
		ChunkMask: NewShardBitset(2),
	}
	b1.ChunkMask.Set(0) // shard 0 produced a chunk, shard 1 did not

	b2 := BlockInfo{
		Hash: blockHash("b2"), PrevHash: b1.Hash, Height: 2,
		EpochID: epochID, BlockProducer: 2,
		ChunkMask: NewShardBitset(2),
	}
	b2.ChunkMask.Set(0)
	b2.ChunkMask.Set(1)

	src.add(b1)
	src.add(b2)

	agg := NewAggregator(epochID, 0)

	producer := func(epochID hash.Hash, shard int, height idx.Block) idx.ValidatorID {
		// shard 0 always produced by validator 5, shard 1 by validator 6
		if shard == 0 {
			return 5
		}
		return 6
	}
	validators := func(epochID hash.Hash) map[ChunkValidatorKey][]WeightedValidator {
		return nil
	}

	err := agg.UpdateTail(src, b2.Hash, 2, producer, validators)
	r.NoError(err)

	r.Equal(b2.Hash, agg.LastBlockHash)
	r.Equal(Attendance{Produced: 1, Expected: 1}, agg.BlockTracker[1])
	r.Equal(Attendance{Produced: 1, Expected: 1}, agg.BlockTracker[2])

	shard0 := agg.ShardTracker[0][5]
	r.Equal(Attendance{Produced: 2, Expected: 2}, shard0.Production)

	shard1 := agg.ShardTracker[1][6]
	r.Equal(Attendance{Produced: 1, Expected: 2}, shard1.Production, "shard 1 missed its chunk at height 1")
}

func TestAggregatorGetUptoDoesNotMutate(t *testing.T) {
	r := require.New(t)

	src := newFakeBlockSource()
	epochID := blockHash("epoch-0-first")
	b1 := BlockInfo{Hash: blockHash("b1"), PrevHash: epochID, Height: 1, EpochID: epochID, BlockProducer: 1, ChunkMask: NewShardBitset(1)}
	src.add(b1)

	agg := NewAggregator(epochID, 0)
	producer := func(hash.Hash, int, idx.Block) idx.ValidatorID { return 1 }
	validators := func(hash.Hash) map[ChunkValidatorKey][]WeightedValidator { return nil }

	snap, err := agg.GetUpto(src, b1.Hash, 1, producer, validators)
	r.NoError(err)
	r.Equal(b1.Hash, snap.LastBlockHash)
	r.Equal(epochID, agg.LastBlockHash, "GetUpto must not mutate the receiver")
	r.Empty(agg.BlockTracker)
}

func TestAggregatorUpdateTailMissingBlock(t *testing.T) {
	r := require.New(t)

	src := newFakeBlockSource()
	epochID := blockHash("epoch-0-first")
	agg := NewAggregator(epochID, 0)

	err := agg.UpdateTail(src, blockHash("nowhere"), 1,
		func(hash.Hash, int, idx.Block) idx.ValidatorID { return 0 },
		func(hash.Hash) map[ChunkValidatorKey][]WeightedValidator { return nil })
	r.ErrorIs(err, ErrMissingBlock)
}
