// Package epochproc defines the shared data model the rest of the epoch
// manager operates on: what a block contributes to epoch accounting
// (BlockInfo), the immutable result of finalizing an epoch (EpochInfo), and
// the incremental fold that turns a run of BlockInfos into the counters the
// kickout/reward engines consume (Aggregator).
//
// It plays the role the teacher's inter/iblockproc, inter/iep and inter/ier
// packages played for Opera's DAG-and-EVM state (ValidatorBlockState,
// EpochStateV1, LlrFullEpochRecord): one package owning the block-level and
// epoch-level state plus the hashing/copying conventions every other
// component relies on. The three teacher packages are merged here because
// NEAR-style epoch accounting couples block attendance and epoch results
// more tightly than Opera's DAG/EVM split warranted — see DESIGN.md.
package epochproc

import (
	"crypto/sha256"
	"math/big"
	"sort"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/inter/validatorpk"
)

// GenesisHash is the zero-sentinel used as prev_hash for the genesis block
// (spec.md §3). It is not the genesis epoch's EpochID: Bootstrap sets that
// to the genesis block's own computed hash, the same rule every later epoch
// follows (an epoch's id is its first block's hash).
var GenesisHash = hash.Hash{}

// Proposal is an account's declared new stake, included in a block. It takes
// effect two epochs later (spec.md §3, "delayed effect").
type Proposal struct {
	Account  inter.AccountID
	NewStake *big.Int
}

// Copy deep-copies a Proposal.
func (p Proposal) Copy() Proposal {
	return Proposal{Account: p.Account, NewStake: inter.CopyStake(p.NewStake)}
}

// BlockInfo is what a single block contributes to epoch accounting
// (spec.md §3). It is retained indefinitely (or to a retention horizon) to
// permit fork reconciliation.
type BlockInfo struct {
	Hash                hash.Hash
	PrevHash            hash.Hash
	Height              idx.Block
	LastFinalBlockHash  hash.Hash
	LastFinalizedHeight idx.Block

	EpochID         hash.Hash // epoch this block belongs to
	EpochFirstBlock hash.Hash // hash of the first block of EpochID

	Proposals []Proposal

	// ChunkMask has one bit per shard: did this block carry a fresh chunk
	// for that shard?
	ChunkMask ShardBitset

	// ChunkEndorsements holds, for each shard, a bitmap over that shard's
	// chunk-validator assignment (which assigned validators endorsed).
	ChunkEndorsements []ValidatorBitset

	LatestProtocolVersion inter.ProtocolVersion
	Slashed               []inter.AccountID

	TotalSupply      *big.Int
	TimestampNanosec inter.Timestamp

	// BlockProducer is the validator index of this block's producer, as
	// determined by the containing epoch's block-producer settlement. It is
	// not part of the wire-level spec data but is threaded through so the
	// aggregator does not need to re-derive it from EpochInfo on every fold
	// step.
	BlockProducer idx.ValidatorID
}

// Copy deep-copies a BlockInfo, following the teacher's convention
// (iblockproc.BlockState.Copy) of never sharing slice or big.Int backing
// arrays between copies.
func (b BlockInfo) Copy() BlockInfo {
	cp := b
	cp.Proposals = make([]Proposal, len(b.Proposals))
	for i, p := range b.Proposals {
		cp.Proposals[i] = p.Copy()
	}
	cp.ChunkMask = b.ChunkMask.Copy()
	cp.ChunkEndorsements = make([]ValidatorBitset, len(b.ChunkEndorsements))
	for i, e := range b.ChunkEndorsements {
		cp.ChunkEndorsements[i] = e.Copy()
	}
	cp.Slashed = append([]inter.AccountID(nil), b.Slashed...)
	cp.TotalSupply = inter.CopyStake(b.TotalSupply)
	return cp
}

// ComputeHash computes a deterministic fingerprint of the BlockInfo, the
// same way iblockproc.BlockState.Hash hashes consensus state: RLP-encode,
// SHA-256. Two independent nodes recording the identical block must compute
// the identical hash (spec.md §8, Determinism). Named distinctly from the
// Hash field it fills in, since Go forbids a type having both.
func (b BlockInfo) ComputeHash() hash.Hash {
	hasher := sha256.New()
	if err := rlp.Encode(hasher, &b); err != nil {
		panic("epochproc: can't hash BlockInfo: " + err.Error())
	}
	return hash.BytesToHash(hasher.Sum(nil))
}

// ValidatorInfo is one entry of an epoch's ordered validator set.
type ValidatorInfo struct {
	Account inter.AccountID
	Stake   *big.Int
	PubKey  validatorpk.PubKey
}

// Copy deep-copies a ValidatorInfo.
func (v ValidatorInfo) Copy() ValidatorInfo {
	return ValidatorInfo{Account: v.Account, Stake: inter.CopyStake(v.Stake), PubKey: v.PubKey.Copy()}
}

// WeightedValidator is a validator index paired with its assignment weight,
// used by the chunk-validator assignment (spec.md §4.3).
type WeightedValidator struct {
	Index  idx.ValidatorID
	Weight *big.Int
}

// ChunkValidatorKey addresses a chunk-validator assignment by shard and
// height (spec.md §3, "chunk-validator assignment: mapping shard × height").
type ChunkValidatorKey struct {
	Shard  uint16
	Height idx.Block
}

// KickoutKind enumerates the tagged kickout-reason variants (spec.md §9).
type KickoutKind uint8

const (
	KickoutNotEnoughBlocks KickoutKind = iota
	KickoutNotEnoughChunks
	KickoutNotEnoughChunkEndorsements
	KickoutUnstaked
	KickoutNotEnoughStake
	KickoutProtocolVersionTooOld
	KickoutSlashed
)

func (k KickoutKind) String() string {
	switch k {
	case KickoutNotEnoughBlocks:
		return "NotEnoughBlocks"
	case KickoutNotEnoughChunks:
		return "NotEnoughChunks"
	case KickoutNotEnoughChunkEndorsements:
		return "NotEnoughChunkEndorsements"
	case KickoutUnstaked:
		return "Unstaked"
	case KickoutNotEnoughStake:
		return "NotEnoughStake"
	case KickoutProtocolVersionTooOld:
		return "ProtocolVersionTooOld"
	case KickoutSlashed:
		return "Slashed"
	default:
		return "Unknown"
	}
}

// KickoutReason is the tagged-variant kickout reason attached to a removed
// validator. Only the fields relevant to Kind are populated.
type KickoutReason struct {
	Kind KickoutKind

	// NotEnoughBlocks / NotEnoughChunks / NotEnoughChunkEndorsements carry
	// the observed ratio as produced/expected, e.g. {89, 100}.
	Produced, Expected uint64

	// NotEnoughStake.
	Stake, Threshold *big.Int

	// ProtocolVersionTooOld.
	Version, NetworkVersion inter.ProtocolVersion
}

func (r KickoutReason) String() string {
	switch r.Kind {
	case KickoutNotEnoughBlocks, KickoutNotEnoughChunks, KickoutNotEnoughChunkEndorsements:
		return r.Kind.String() + "{" + itoa(r.Produced) + "," + itoa(r.Expected) + "}"
	case KickoutNotEnoughStake:
		return "NotEnoughStake{" + r.Stake.String() + "," + r.Threshold.String() + "}"
	case KickoutProtocolVersionTooOld:
		return "ProtocolVersionTooOld{" + itoa(uint64(r.Version)) + "," + itoa(uint64(r.NetworkVersion)) + "}"
	default:
		return r.Kind.String()
	}
}

func itoa(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}

// EpochInfo is the immutable, once-computed result of finalizing an epoch
// (spec.md §3). It never changes after it is persisted (spec.md §8,
// "Epoch-id stability").
type EpochInfo struct {
	EpochHeight idx.Epoch

	Validators []ValidatorInfo

	// BlockProducerSettlement is the ordered repetition of validator indices
	// defining who produces each block slot; length == config.NumBlockProducerSeats.
	BlockProducerSettlement []idx.ValidatorID

	// ChunkProducerSettlement holds, per shard, the ordered repetition of
	// validator indices producing that shard's chunks.
	ChunkProducerSettlement [][]idx.ValidatorID

	// ChunkValidatorAssignment maps (shard, height) to the weighted sample of
	// validators assigned to endorse that shard's chunk at that height.
	ChunkValidatorAssignment map[ChunkValidatorKey][]WeightedValidator

	// Fishermen are stakers below the producer threshold but above the
	// fisherman threshold: no settlement seats, retained for bookkeeping
	// (spec.md §9).
	Fishermen []ValidatorInfo

	// StakeChange maps account to stake at the *next* epoch's start, after
	// kickout/reward are applied.
	StakeChange map[inter.AccountID]*big.Int

	// ValidatorReward maps account to reward paid at this epoch's
	// finalization.
	ValidatorReward map[inter.AccountID]*big.Int

	// ValidatorKickout maps account to the reason it was removed from the
	// next epoch's validator set.
	ValidatorKickout map[inter.AccountID]KickoutReason

	MintedAmount    *big.Int
	ProtocolVersion inter.ProtocolVersion
	Seed            [32]byte
}

// Copy deep-copies an EpochInfo.
func (e EpochInfo) Copy() EpochInfo {
	cp := e
	cp.Validators = make([]ValidatorInfo, len(e.Validators))
	for i, v := range e.Validators {
		cp.Validators[i] = v.Copy()
	}
	cp.BlockProducerSettlement = append([]idx.ValidatorID(nil), e.BlockProducerSettlement...)
	cp.ChunkProducerSettlement = make([][]idx.ValidatorID, len(e.ChunkProducerSettlement))
	for i, s := range e.ChunkProducerSettlement {
		cp.ChunkProducerSettlement[i] = append([]idx.ValidatorID(nil), s...)
	}
	cp.ChunkValidatorAssignment = make(map[ChunkValidatorKey][]WeightedValidator, len(e.ChunkValidatorAssignment))
	for k, v := range e.ChunkValidatorAssignment {
		cpv := make([]WeightedValidator, len(v))
		for i, wv := range v {
			cpv[i] = WeightedValidator{Index: wv.Index, Weight: inter.CopyStake(wv.Weight)}
		}
		cp.ChunkValidatorAssignment[k] = cpv
	}
	cp.Fishermen = make([]ValidatorInfo, len(e.Fishermen))
	for i, f := range e.Fishermen {
		cp.Fishermen[i] = f.Copy()
	}
	cp.StakeChange = copyStakeMap(e.StakeChange)
	cp.ValidatorReward = copyStakeMap(e.ValidatorReward)
	cp.ValidatorKickout = make(map[inter.AccountID]KickoutReason, len(e.ValidatorKickout))
	for k, v := range e.ValidatorKickout {
		cp.ValidatorKickout[k] = v
	}
	cp.MintedAmount = inter.CopyStake(e.MintedAmount)
	return cp
}

func copyStakeMap(m map[inter.AccountID]*big.Int) map[inter.AccountID]*big.Int {
	cp := make(map[inter.AccountID]*big.Int, len(m))
	for k, v := range m {
		cp[k] = inter.CopyStake(v)
	}
	return cp
}

// canonicalEpochInfo mirrors EpochInfo but replaces every map field with a
// key-sorted slice. go-ethereum's rlp package refuses to encode Go maps
// (their iteration order is not part of the language spec, so two
// byte-identical maps could otherwise RLP-encode to different bytes); this
// is the canonical, order-independent view hashed in their place.
type canonicalEpochInfo struct {
	EpochHeight             idx.Epoch
	Validators              []ValidatorInfo
	BlockProducerSettlement []idx.ValidatorID
	ChunkProducerSettlement [][]idx.ValidatorID
	ChunkValidatorAssignment []chunkValidatorEntry
	Fishermen               []ValidatorInfo
	StakeChange             []accountStakeEntry
	ValidatorReward         []accountStakeEntry
	ValidatorKickout        []accountKickoutEntry
	MintedAmount            *big.Int
	ProtocolVersion         inter.ProtocolVersion
	Seed                    [32]byte
}

type chunkValidatorEntry struct {
	Shard     uint16
	Height    idx.Block
	Assigned  []WeightedValidator
}

type accountStakeEntry struct {
	Account inter.AccountID
	Stake   *big.Int
}

type accountKickoutEntry struct {
	Account inter.AccountID
	Reason  KickoutReason
}

func (e EpochInfo) canonical() canonicalEpochInfo {
	cvKeys := make([]ChunkValidatorKey, 0, len(e.ChunkValidatorAssignment))
	for k := range e.ChunkValidatorAssignment {
		cvKeys = append(cvKeys, k)
	}
	sort.Slice(cvKeys, func(i, j int) bool {
		if cvKeys[i].Shard != cvKeys[j].Shard {
			return cvKeys[i].Shard < cvKeys[j].Shard
		}
		return cvKeys[i].Height < cvKeys[j].Height
	})
	cv := make([]chunkValidatorEntry, 0, len(cvKeys))
	for _, k := range cvKeys {
		cv = append(cv, chunkValidatorEntry{Shard: k.Shard, Height: k.Height, Assigned: e.ChunkValidatorAssignment[k]})
	}

	stakeChange := sortedStakeEntries(e.StakeChange)
	reward := sortedStakeEntries(e.ValidatorReward)

	kickoutAccounts := make([]inter.AccountID, 0, len(e.ValidatorKickout))
	for a := range e.ValidatorKickout {
		kickoutAccounts = append(kickoutAccounts, a)
	}
	sort.Slice(kickoutAccounts, func(i, j int) bool { return kickoutAccounts[i] < kickoutAccounts[j] })
	kickouts := make([]accountKickoutEntry, 0, len(kickoutAccounts))
	for _, a := range kickoutAccounts {
		kickouts = append(kickouts, accountKickoutEntry{Account: a, Reason: e.ValidatorKickout[a]})
	}

	return canonicalEpochInfo{
		EpochHeight:               e.EpochHeight,
		Validators:                e.Validators,
		BlockProducerSettlement:   e.BlockProducerSettlement,
		ChunkProducerSettlement:   e.ChunkProducerSettlement,
		ChunkValidatorAssignment:  cv,
		Fishermen:                 e.Fishermen,
		StakeChange:               stakeChange,
		ValidatorReward:           reward,
		ValidatorKickout:          kickouts,
		MintedAmount:              e.MintedAmount,
		ProtocolVersion:           e.ProtocolVersion,
		Seed:                      e.Seed,
	}
}

func sortedStakeEntries(m map[inter.AccountID]*big.Int) []accountStakeEntry {
	accounts := make([]inter.AccountID, 0, len(m))
	for a := range m {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })
	out := make([]accountStakeEntry, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, accountStakeEntry{Account: a, Stake: m[a]})
	}
	return out
}

// Hash computes a deterministic fingerprint of the EpochInfo (spec.md §8,
// Determinism / Epoch-id stability), the same construction
// iblockproc.EpochState.Hash and ier.LlrFullEpochRecord.Hash use: RLP-encode
// a canonical (map-free) view, then SHA-256.
func (e EpochInfo) Hash() hash.Hash {
	hasher := sha256.New()
	c := e.canonical()
	if err := rlp.Encode(hasher, &c); err != nil {
		panic("epochproc: can't hash EpochInfo: " + err.Error())
	}
	return hash.BytesToHash(hasher.Sum(nil))
}

// IndexOf returns the validator index of account within the epoch's
// validator set, or ok=false if account is not a validator in this epoch.
func (e EpochInfo) IndexOf(account inter.AccountID) (idx.ValidatorID, bool) {
	for i, v := range e.Validators {
		if v.Account == account {
			return idx.ValidatorID(i), true
		}
	}
	return 0, false
}
