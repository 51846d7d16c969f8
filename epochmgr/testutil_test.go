package epochmgr

import (
	"math/big"

	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/sirupsen/logrus"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/shardlayout"
	"github.com/wkarshat/nearcore/store"
	"github.com/wkarshat/nearcore/store/memstore"
)

// silentLog keeps test output free of the manager's own info-level noise.
func silentLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

func newTestManager(cfg epochconfig.Config) (*Manager, store.Store) {
	db := memstore.New()
	resolver := epochconfig.NewResolver(cfg)
	shards := shardlayout.NewRegistry(cfg.ShardLayout)
	return New(db, resolver, shards, silentLog()), db
}

// fullAttendance returns a ChunkMask/ChunkEndorsements pair that marks
// each of numShards shards as produced and each of slotsPerShard chunk
// validator slots per shard as having endorsed, so a block never drags its own
// producer's attendance ratios down by accident.
func fullAttendance(numShards int, slotsPerShard int) (epochproc.ShardBitset, []epochproc.ValidatorBitset) {
	mask := epochproc.NewShardBitset(numShards)
	endorsements := make([]epochproc.ValidatorBitset, numShards)
	for s := 0; s < numShards; s++ {
		mask.Set(s)
		vb := epochproc.NewValidatorBitset(slotsPerShard)
		for slot := 0; slot < slotsPerShard; slot++ {
			vb.Set(slot)
		}
		endorsements[s] = vb
	}
	return mask, endorsements
}

type blockBuilder struct {
	cfg    epochconfig.Config
	parent epochproc.BlockInfo
}

func (b *blockBuilder) next(producer idx.ValidatorID, totalSupply int64, ts uint64) epochproc.BlockInfo {
	mask, endorsements := fullAttendance(b.cfg.ShardLayout.NumShards(), int(b.cfg.NumChunkValidatorsPerShard))
	blk := epochproc.BlockInfo{
		PrevHash:              b.parent.Hash,
		Height:                b.parent.Height + 1,
		LastFinalBlockHash:    b.parent.Hash,
		LastFinalizedHeight:   b.parent.Height,
		LatestProtocolVersion: b.cfg.ProtocolVersion,
		TotalSupply:           big.NewInt(totalSupply),
		TimestampNanosec:      inter.Timestamp(ts),
		ChunkMask:             mask,
		ChunkEndorsements:     endorsements,
		BlockProducer:         producer,
	}
	blk.Hash = blk.ComputeHash()
	b.parent = blk
	return blk
}
