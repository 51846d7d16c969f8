package epochmgr

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/shardlayout"
	"github.com/wkarshat/nearcore/store"
)

func soloValidatorConfig() epochconfig.Config {
	cfg := epochconfig.FakenetConfig()
	cfg.EpochLength = 2
	cfg.NumBlockProducerSeats = 1
	cfg.NumChunkProducerSeatsPerShard = 1
	cfg.NumChunkValidatorsPerShard = 1
	cfg.NumChunkOnlyValidatorSeats = 0
	cfg.ProducerThreshold = 100
	cfg.FishermanThreshold = 10
	return cfg
}

func TestBootstrapThenRecordWithinEpoch(t *testing.T) {
	r := require.New(t)
	cfg := soloValidatorConfig()
	m, _ := newTestManager(cfg)

	genesisInfo, err := m.Bootstrap([]epochproc.ValidatorInfo{
		{Account: "v0.near", Stake: big.NewInt(1000)},
	}, cfg.ProtocolVersion, [32]byte{}, big.NewInt(1_000_000), inter.Timestamp(0))
	r.NoError(err)
	r.Len(genesisInfo.Validators, 1)
	r.Equal(inter.AccountID("v0.near"), genesisInfo.Validators[0].Account)

	genesis, err := m.GetBlockInfo(m.Tip())
	r.NoError(err)

	bb := &blockBuilder{cfg: cfg, parent: genesis}
	blk1 := bb.next(0, 1_000_000, 1)

	commit, err := m.RecordBlockInfo(blk1, [32]byte{})
	r.NoError(err)
	r.NoError(commit.Write())

	r.Equal(blk1.Hash, m.Tip())

	gotEpochID, err := m.GetEpochID(m.Tip())
	r.NoError(err)
	r.Equal(genesis.EpochID, gotEpochID, "height 1 stays within the genesis epoch at epoch length 2")
}

// TestSoloValidatorNeverKicked drives a single validator across three epoch
// boundaries; since it is the only validator, it is credited with every
// block its own epoch folds, so its attendance ratio never drops below the
// kickout thresholds (scenario: single-validator never kicked).
func TestSoloValidatorNeverKicked(t *testing.T) {
	r := require.New(t)
	cfg := soloValidatorConfig()
	m, _ := newTestManager(cfg)

	_, err := m.Bootstrap([]epochproc.ValidatorInfo{
		{Account: "v0.near", Stake: big.NewInt(1000)},
	}, cfg.ProtocolVersion, [32]byte{}, big.NewInt(1_000_000), inter.Timestamp(0))
	r.NoError(err)

	genesis, err := m.GetBlockInfo(m.Tip())
	r.NoError(err)
	bb := &blockBuilder{cfg: cfg, parent: genesis}

	for h := uint64(1); h <= 6; h++ {
		blk := bb.next(0, 1_000_000, h)
		commit, err := m.RecordBlockInfo(blk, [32]byte{})
		r.NoError(err, "height %d", h)
		r.NoError(commit.Write(), "height %d", h)

		epochID, err := m.GetEpochID(m.Tip())
		r.NoError(err)
		info, err := m.GetEpochInfo(epochID)
		r.NoError(err)

		r.Empty(info.ValidatorKickout, "height %d: solo validator must never be kicked", h)
		r.Len(info.Validators, 1, "height %d", h)
		r.Equal(inter.AccountID("v0.near"), info.Validators[0].Account)
	}
}

// TestLoadRecoversFromMissingAggregatorSnapshot simulates the data-loss
// scenario spec.md §4.5 names: the AggregatorSnapshot is gone (crash between
// writing BlockInfo/EpochInfo and the snapshot, or a corrupted snapshot
// column wiped out of band), but every BlockInfo/EpochInfo is still
// persisted. Loading against the same store must fall back to
// RebuildAggregator and come back able to keep recording blocks correctly,
// including across a second epoch boundary.
func TestLoadRecoversFromMissingAggregatorSnapshot(t *testing.T) {
	r := require.New(t)
	cfg := forkIsolationConfig()

	m, db := newTestManager(cfg)

	_, err := m.Bootstrap(threeValidators(), cfg.ProtocolVersion, [32]byte{}, big.NewInt(3_000_000), inter.Timestamp(0))
	r.NoError(err)
	genesis, err := m.GetBlockInfo(m.Tip())
	r.NoError(err)

	proposal := epochproc.Proposal{Account: "v0.near", NewStake: big.NewInt(5000)}
	wantInfo := recordChain(t, m, cfg, genesis, 6, 3, proposal)
	tip := m.Tip()

	// Simulate the AggregatorSnapshot column being lost while every
	// BlockInfo/EpochInfo survives (spec.md §4.5, data-loss recovery).
	batch := db.NewBatch()
	batch.Delete(store.CFAggregatorSnapshot, store.AggregatorSnapshotKey)
	r.NoError(batch.Write())

	resolver := epochconfig.NewResolver(cfg)
	shards := shardlayout.NewRegistry(cfg.ShardLayout)
	recovered := New(db, resolver, shards, silentLog())
	r.NoError(recovered.Load(tip))

	epochID, err := recovered.GetEpochID(recovered.Tip())
	r.NoError(err)
	gotInfo, err := recovered.GetEpochInfo(epochID)
	r.NoError(err)
	r.Equal(wantInfo.Hash(), gotInfo.Hash(), "recovered manager must agree with the original on the current epoch")
	r.Equal(m.aggregator.EpochID, recovered.aggregator.EpochID, "rebuilt aggregator must track the same live epoch as the original")
	r.Equal(m.pendingProposals, recovered.pendingProposals, "rebuilt pendingProposals must match the original's, not a fold from genesis")

	tipBlock, err := recovered.GetBlockInfo(recovered.Tip())
	r.NoError(err)
	bb := &blockBuilder{cfg: cfg, parent: tipBlock}
	for h := uint64(7); h <= 8; h++ {
		next := bb.next(idxValidatorID(int(h)-1, 3), 3_000_000, h)
		commit, err := recovered.RecordBlockInfo(next, [32]byte{})
		r.NoError(err, "height %d", h)
		r.NoError(commit.Write(), "height %d", h)
	}

	epochID2, err := recovered.GetEpochID(recovered.Tip())
	r.NoError(err)
	_, err = recovered.GetEpochInfo(epochID2)
	r.NoError(err, "recovered aggregator must still fold correctly across a later boundary")
}
