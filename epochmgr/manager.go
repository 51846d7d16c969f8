// Package epochmgr implements the Epoch Manager Core (spec.md §4.6, C6):
// the single component every other module is wired through. It owns the
// persisted BlockInfo/EpochInfo indexes, drives the aggregator across block
// ingestion, detects epoch boundaries, and orchestrates the C4 -> C2 -> C3
// finalization pipeline at each boundary, the way iblockproc.Processor owned
// the analogous wiring for Opera's DAG-to-block pipeline.
package epochmgr

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/epochconfig"
	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/inter/validatorpk"
	"github.com/wkarshat/nearcore/kickout"
	"github.com/wkarshat/nearcore/reward"
	"github.com/wkarshat/nearcore/selector"
	"github.com/wkarshat/nearcore/shardlayout"
	"github.com/wkarshat/nearcore/store"
)

const (
	blockCacheSize    = 4096
	epochCacheSize    = 256
	assignCacheEpochs = 8
)

// Manager is the Epoch Manager Core. All mutating operations (Bootstrap,
// RecordBlockInfo, Commit.Write) take mu exclusively; queries take it for
// reading. It is safe for concurrent queries, but callers must serialize
// RecordBlockInfo/Commit.Write pairs themselves (spec.md §5, "single-writer
// discipline").
type Manager struct {
	mu sync.RWMutex

	db     store.Store
	cfg    *epochconfig.Resolver
	shards *shardlayout.Registry
	log    *logrus.Entry

	aggregator       *epochproc.Aggregator
	pendingProposals map[inter.AccountID]epochproc.Proposal

	// chunkAssignCache maps epoch id to that epoch's chunk-validator
	// assignment cache, height-within-epoch keyed, populated lazily just
	// ahead of the aggregator range it is about to fold (DESIGN.md,
	// "chunk-validator assignment precomputation").
	chunkAssignCache map[hash.Hash]map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator
	assignCacheOrder []hash.Hash

	blockCache *lru.Cache
	epochCache *lru.Cache

	tip hash.Hash
}

// New constructs a Manager over db. Call Bootstrap on a fresh store, or Load
// to resume from a previously bootstrapped one.
func New(db store.Store, cfg *epochconfig.Resolver, shards *shardlayout.Registry, log *logrus.Entry) *Manager {
	blockCache, err := lru.New(blockCacheSize)
	if err != nil {
		panic("epochmgr: bad block cache size: " + err.Error())
	}
	epochCache, err := lru.New(epochCacheSize)
	if err != nil {
		panic("epochmgr: bad epoch cache size: " + err.Error())
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		db:               db,
		cfg:              cfg,
		shards:           shards,
		log:              log.WithField("component", "epochmgr"),
		chunkAssignCache: make(map[hash.Hash]map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator),
		blockCache:       blockCache,
		epochCache:       epochCache,
	}
}

// Load resumes a Manager from an already-bootstrapped store at the
// caller-supplied tip, reading the persisted AggregatorSnapshot (spec.md §4.5, data-loss recovery:
// the snapshot is the fast path; RebuildAggregator is the slow path for when
// it is missing or stale).
func (m *Manager) Load(tip hash.Hash) error {
	m.mu.Lock()

	raw, err := m.db.Get(store.CFAggregatorSnapshot, store.AggregatorSnapshotKey)
	if err != nil {
		m.mu.Unlock()
		if errors.Is(err, store.ErrNotFound) {
			return m.RebuildAggregator(tip)
		}
		return fmt.Errorf("epochmgr: load: read aggregator snapshot: %w", err)
	}
	snap, err := store.DecodeAggregatorSnapshot(raw)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("epochmgr: load: decode aggregator snapshot: %w", err)
	}
	m.aggregator = snap.Aggregator
	m.pendingProposals = make(map[inter.AccountID]epochproc.Proposal, len(snap.PendingProposals))
	for account, stake := range snap.PendingProposals {
		m.pendingProposals[account] = epochproc.Proposal{Account: account, NewStake: stake}
	}
	m.tip = tip
	m.mu.Unlock()
	return nil
}

// RebuildAggregator recovers from a missing or stale AggregatorSnapshot
// (spec.md §4.5, data-loss recovery: the slow path) by refolding the current
// epoch from its first block up to tip, and the epoch before it in full, so
// pendingProposals (the two-epoch delayed-effect state) comes back correct
// too. It re-derives everything from persisted BlockInfo/EpochInfo alone —
// no AggregatorSnapshot is read.
func (m *Manager) RebuildAggregator(tip hash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tipBlock, err := m.getBlockInfoLocked(tip)
	if err != nil {
		return fmt.Errorf("epochmgr: rebuild: %w", err)
	}
	firstHeight, err := m.epochStartHeightLocked(tipBlock.EpochID)
	if err != nil {
		return fmt.Errorf("epochmgr: rebuild: %w", err)
	}
	curInfo, err := m.getEpochInfoLocked(tipBlock.EpochID)
	if err != nil {
		return fmt.Errorf("epochmgr: rebuild: %w", err)
	}
	cfg := m.cfg.ForVersion(curInfo.ProtocolVersion)

	src := managerBlockSource{m}
	agg := epochproc.NewAggregator(tipBlock.EpochID, firstHeight)
	m.aggregator = agg
	m.ensureChunkAssignmentsLocked(tipBlock.EpochID, curInfo, cfg, firstHeight, tipBlock.Height)
	if err := agg.UpdateTail(src, tip, cfg.ShardLayout.NumShards(), m.resolveProducerFunc(), m.resolveValidatorsFunc()); err != nil {
		return fmt.Errorf("epochmgr: rebuild: fold current epoch: %w", err)
	}

	pending := map[inter.AccountID]epochproc.Proposal{}
	if firstBlock, err := m.getBlockInfoLocked(tipBlock.EpochFirstBlock); err == nil && firstBlock.Height > 0 {
		lastOfPrev, err := m.getBlockInfoLocked(firstBlock.PrevHash)
		if err != nil {
			return fmt.Errorf("epochmgr: rebuild: %w", err)
		}
		// lastOfPrev.EpochID, not firstBlock.EpochID (the current epoch),
		// identifies the *preceding* epoch whose attendance/proposals this
		// branch refolds.
		prevEpochID := lastOfPrev.EpochID

		prevInfo, err := m.getEpochInfoLocked(prevEpochID)
		if err != nil {
			return fmt.Errorf("epochmgr: rebuild: %w", err)
		}
		prevFirstHeight, err := m.epochStartHeightLocked(prevEpochID)
		if err != nil {
			return fmt.Errorf("epochmgr: rebuild: %w", err)
		}
		prevCfg := m.cfg.ForVersion(prevInfo.ProtocolVersion)

		prevAgg := epochproc.NewAggregator(prevEpochID, prevFirstHeight)
		m.ensureChunkAssignmentsLocked(prevEpochID, prevInfo, prevCfg, prevFirstHeight, lastOfPrev.Height)
		if err := prevAgg.UpdateTail(src, lastOfPrev.Hash, prevCfg.ShardLayout.NumShards(), m.resolveProducerFunc(), m.resolveValidatorsFunc()); err != nil {
			return fmt.Errorf("epochmgr: rebuild: fold preceding epoch: %w", err)
		}
		for account, p := range prevAgg.AllProposals {
			pending[account] = p.Copy()
		}
	}
	m.pendingProposals = pending
	m.tip = tip

	snap := store.AggregatorSnapshot{Aggregator: agg, PendingProposals: proposalsToStakeMap(pending)}
	encSnap, err := store.EncodeAggregatorSnapshot(snap)
	if err != nil {
		return fmt.Errorf("epochmgr: rebuild: encode aggregator snapshot: %w", err)
	}
	batch := m.db.NewBatch()
	batch.Put(store.CFAggregatorSnapshot, store.AggregatorSnapshotKey, encSnap)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("epochmgr: rebuild: persist aggregator snapshot: %w", err)
	}
	return nil
}

// Bootstrap seeds the genesis epoch directly: a synthetic height-0 BlockInfo
// and an EpochInfo derived from the caller-supplied genesis validator set,
// both written in one pass (SPEC_FULL.md, supplemented feature #1). There is
// no epoch -1, so genesis uses empty proposals and an empty kickout map.
func (m *Manager) Bootstrap(validators []epochproc.ValidatorInfo, protocolVersion inter.ProtocolVersion, seed [32]byte, totalSupply *big.Int, timestampNs inter.Timestamp) (epochproc.EpochInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.cfg.ForVersion(protocolVersion)

	stakes := make(map[inter.AccountID]*big.Int, len(validators))
	pubKeys := make(map[inter.AccountID]validatorpk.PubKey, len(validators))
	for _, v := range validators {
		stakes[v.Account] = inter.CopyStake(v.Stake)
		pubKeys[v.Account] = v.PubKey
	}

	in := selector.Input{
		PriorStakes:     stakes,
		PriorPubKeys:    pubKeys,
		Proposals:       map[inter.AccountID]epochproc.Proposal{},
		PriorValidators: validators,
		Config:          cfg,
		EpochHeight:     0,
		EpochSeed:       seed,
		MintedAmount:    big.NewInt(0),
		NextVersion:     protocolVersion,
	}
	info := selector.Select(in, map[inter.AccountID]*big.Int{}, map[inter.AccountID]epochproc.KickoutReason{})

	genesis := epochproc.BlockInfo{
		PrevHash:              epochproc.GenesisHash,
		Height:                0,
		LastFinalBlockHash:    epochproc.GenesisHash,
		LastFinalizedHeight:   0,
		LatestProtocolVersion: protocolVersion,
		TotalSupply:           inter.CopyStake(totalSupply),
		TimestampNanosec:      timestampNs,
		ChunkMask:             epochproc.NewShardBitset(cfg.ShardLayout.NumShards()),
	}
	genesis.Hash = genesis.ComputeHash()
	genesis.EpochID = genesis.Hash
	genesis.EpochFirstBlock = genesis.Hash

	batch := m.db.NewBatch()
	if err := m.stageBlockInfo(batch, genesis); err != nil {
		return epochproc.EpochInfo{}, fmt.Errorf("epochmgr: bootstrap: %w", err)
	}
	if err := m.stageEpochInfo(batch, genesis.EpochID, info); err != nil {
		return epochproc.EpochInfo{}, fmt.Errorf("epochmgr: bootstrap: %w", err)
	}
	batch.Put(store.CFEpochStart, genesis.EpochID[:], encodeHeight(0))

	aggregator := epochproc.NewAggregator(genesis.EpochID, 0)
	snap := store.AggregatorSnapshot{Aggregator: aggregator, PendingProposals: map[inter.AccountID]*big.Int{}}
	encSnap, err := store.EncodeAggregatorSnapshot(snap)
	if err != nil {
		return epochproc.EpochInfo{}, fmt.Errorf("epochmgr: bootstrap: encode aggregator snapshot: %w", err)
	}
	batch.Put(store.CFAggregatorSnapshot, store.AggregatorSnapshotKey, encSnap)

	if err := batch.Write(); err != nil {
		return epochproc.EpochInfo{}, fmt.Errorf("epochmgr: bootstrap: %w", err)
	}

	m.blockCache.Add(genesis.Hash, genesis)
	m.epochCache.Add(genesis.EpochID, info)
	m.aggregator = aggregator
	m.pendingProposals = map[inter.AccountID]epochproc.Proposal{}
	m.tip = genesis.Hash
	m.rememberChunkAssignments(genesis.EpochID, info)

	return info, nil
}

// Commit is the staged, unwritten effect of RecordBlockInfo (spec.md §5,
// "finalization is atomic with the block ingestion that triggered it — both
// persist in one batch or neither does"). The caller decides when (or
// whether) to call Write; nothing is visible, in the store or in the
// Manager's in-memory state, until it does.
type Commit struct {
	mgr    *Manager
	batch  store.Batch
	info   epochproc.BlockInfo
	tip    hash.Hash
	applied bool

	nextAggregator       *epochproc.Aggregator
	nextPendingProposals map[inter.AccountID]epochproc.Proposal
	nextAssignEpochID    hash.Hash
	nextAssignInfo       epochproc.EpochInfo
	hasAssignInfo        bool
}

// Write persists the staged batch, then applies the in-memory effects
// (aggregator swap, caches, tip) under the Manager's exclusive lock. It must
// be called at most once.
func (c *Commit) Write() error {
	if c.applied {
		return fmt.Errorf("epochmgr: commit already written")
	}
	if err := c.batch.Write(); err != nil {
		return fmt.Errorf("epochmgr: commit: write batch: %w", err)
	}
	c.applied = true

	c.mgr.mu.Lock()
	defer c.mgr.mu.Unlock()

	c.mgr.blockCache.Add(c.info.Hash, c.info)
	c.mgr.aggregator = c.nextAggregator
	c.mgr.pendingProposals = c.nextPendingProposals
	c.mgr.tip = c.tip
	if c.hasAssignInfo {
		c.mgr.epochCache.Add(c.nextAssignEpochID, c.nextAssignInfo)
		c.mgr.rememberChunkAssignments(c.nextAssignEpochID, c.nextAssignInfo)
	}
	return nil
}

// RecordBlockInfo stages a new block's contribution: validates the parent
// link, detects an epoch boundary (spec.md §4.6), and — on a boundary —
// runs the C4 -> C2 -> C3 finalization pipeline, all without writing
// anything. The caller must call Commit.Write to make it durable. info.Hash
// must already be set (via info.ComputeHash()) before calling; info.EpochID
// and info.EpochFirstBlock are overwritten here regardless of what the
// caller passed in.
func (m *Manager) RecordBlockInfo(info epochproc.BlockInfo, seed [32]byte) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if info.Height == 0 {
		return nil, fmt.Errorf("epochmgr: record_block_info: height 0 goes through Bootstrap")
	}
	if m.aggregator == nil {
		return nil, fmt.Errorf("epochmgr: record_block_info: manager not bootstrapped or loaded")
	}

	parent, err := m.getBlockInfoLocked(info.PrevHash)
	if err != nil {
		return nil, err
	}

	firstHeight, err := m.epochStartHeightLocked(parent.EpochID)
	if err != nil {
		return nil, err
	}
	parentCfg := m.cfg.ForVersion(parent.LatestProtocolVersion)

	boundary := isNewEpoch(info.Height, parent, firstHeight, parentCfg.EpochLength)
	if boundary {
		info.EpochID = info.Hash
		info.EpochFirstBlock = info.Hash
	} else {
		info.EpochID = parent.EpochID
		info.EpochFirstBlock = parent.EpochFirstBlock
	}

	batch := m.db.NewBatch()
	src := managerBlockSource{m}

	commit := &Commit{mgr: m, batch: batch, info: info, tip: info.Hash}

	if boundary {
		outgoingInfo, err := m.getEpochInfoLocked(parent.EpochID)
		if err != nil {
			return nil, err
		}
		m.ensureChunkAssignmentsLocked(parent.EpochID, outgoingInfo, parentCfg, firstHeight, parent.Height)

		agg := m.aggregator.Copy()
		if agg.EpochID != parent.EpochID {
			return nil, fmt.Errorf("epochmgr: record_block_info: aggregator epoch %x does not match parent epoch %x", agg.EpochID, parent.EpochID)
		}
		if err := agg.UpdateTail(src, parent.Hash, parentCfg.ShardLayout.NumShards(),
			m.resolveProducerFunc(), m.resolveValidatorsFunc()); err != nil {
			return nil, fmt.Errorf("epochmgr: record_block_info: fold outgoing epoch: %w", err)
		}

		nextInfo, nextPending, err := m.finalizeEpochLocked(parent.EpochID, outgoingInfo, agg, parentCfg, parent, seed)
		if err != nil {
			return nil, fmt.Errorf("epochmgr: record_block_info: finalize: %w", err)
		}

		if err := m.stageEpochInfo(batch, info.EpochID, nextInfo); err != nil {
			return nil, err
		}
		batch.Put(store.CFEpochStart, info.EpochID[:], encodeHeight(info.Height))

		nextAggregator := epochproc.NewAggregator(info.EpochID, info.Height)
		commit.nextAggregator = nextAggregator
		commit.nextPendingProposals = nextPending
		commit.nextAssignEpochID = info.EpochID
		commit.nextAssignInfo = nextInfo
		commit.hasAssignInfo = true
	} else {
		agg := m.aggregator.Copy()
		if agg.EpochID != info.EpochID {
			return nil, fmt.Errorf("epochmgr: record_block_info: aggregator epoch %x does not match block epoch %x", agg.EpochID, info.EpochID)
		}
		curInfo, err := m.getEpochInfoLocked(info.EpochID)
		if err != nil {
			return nil, err
		}
		cfg := m.cfg.ForVersion(curInfo.ProtocolVersion)
		m.ensureChunkAssignmentsLocked(info.EpochID, curInfo, cfg, firstHeight, info.Height)

		// A fresh epoch's first block may still point its last-finalized
		// reference into the previous epoch (finality lags by design); only
		// advance the aggregator when the target itself belongs to this
		// epoch (spec.md §4.5, "aggregator-advance guard").
		if final, ok := src.GetBlockInfo(info.LastFinalBlockHash); ok && final.EpochID == info.EpochID {
			if err := agg.UpdateTail(src, info.LastFinalBlockHash, cfg.ShardLayout.NumShards(),
				m.resolveProducerFunc(), m.resolveValidatorsFunc()); err != nil {
				return nil, fmt.Errorf("epochmgr: record_block_info: fold: %w", err)
			}
		}
		commit.nextAggregator = agg
		commit.nextPendingProposals = m.pendingProposals
	}

	if err := m.stageBlockInfo(batch, info); err != nil {
		return nil, err
	}

	snap := store.AggregatorSnapshot{
		Aggregator:       commit.nextAggregator,
		PendingProposals: proposalsToStakeMap(commit.nextPendingProposals),
	}
	encSnap, err := store.EncodeAggregatorSnapshot(snap)
	if err != nil {
		return nil, fmt.Errorf("epochmgr: record_block_info: encode aggregator snapshot: %w", err)
	}
	batch.Put(store.CFAggregatorSnapshot, store.AggregatorSnapshotKey, encSnap)

	return commit, nil
}

func (m *Manager) stageBlockInfo(batch store.Batch, info epochproc.BlockInfo) error {
	encoded, err := store.EncodeBlockInfo(info)
	if err != nil {
		return fmt.Errorf("encode block info: %w", err)
	}
	batch.Put(store.CFBlockInfo, info.Hash[:], encoded)
	return nil
}

// stageEpochInfo persists info under epochID (the hash of the epoch's first
// block), plus the account->index shortcut CFEpochValidatorInfo keys off of
// (spec.md §6).
func (m *Manager) stageEpochInfo(batch store.Batch, epochID hash.Hash, info epochproc.EpochInfo) error {
	encoded, err := store.EncodeEpochInfo(info)
	if err != nil {
		return fmt.Errorf("encode epoch info: %w", err)
	}
	batch.Put(store.CFEpochInfo, epochID[:], encoded)

	index := make(map[inter.AccountID]idx.ValidatorID, len(info.Validators))
	for i, v := range info.Validators {
		index[v.Account] = idx.ValidatorID(i)
	}
	encodedIndex, err := store.EncodeValidatorIndex(index)
	if err != nil {
		return fmt.Errorf("encode validator index: %w", err)
	}
	batch.Put(store.CFEpochValidatorInfo, epochID[:], encodedIndex)
	return nil
}

// isNewEpoch implements the floor-rule epoch boundary test (spec.md §4.6): a
// block starts a new epoch at height 0 (genesis), or once at least
// epochLength blocks have elapsed since the current epoch's first block AND
// the parent's last-finalized block has itself crossed into this epoch.
func isNewEpoch(height idx.Block, parent epochproc.BlockInfo, firstHeight idx.Block, epochLength uint64) bool {
	if height == 0 {
		return true
	}
	if uint64(height-firstHeight) < epochLength {
		return false
	}
	return parent.LastFinalizedHeight >= firstHeight
}

func encodeHeight(h idx.Block) []byte {
	var b [8]byte
	v := uint64(h)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b[:]
}

func decodeHeight(b []byte) idx.Block {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return idx.Block(v)
}

func proposalsToStakeMap(m map[inter.AccountID]epochproc.Proposal) map[inter.AccountID]*big.Int {
	out := make(map[inter.AccountID]*big.Int, len(m))
	for account, p := range m {
		out[account] = inter.CopyStake(p.NewStake)
	}
	return out
}

type managerBlockSource struct{ m *Manager }

func (s managerBlockSource) GetBlockInfo(h hash.Hash) (epochproc.BlockInfo, bool) {
	b, err := s.m.getBlockInfoLocked(h)
	if err != nil {
		return epochproc.BlockInfo{}, false
	}
	return b, true
}
