package store

import (
	"math/big"

	"github.com/Fantom-foundation/lachesis-base/hash"
	"github.com/Fantom-foundation/lachesis-base/inter/idx"

	"github.com/wkarshat/nearcore/epochproc"
	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/inter/validatorpk"
	"github.com/wkarshat/nearcore/utils/cser"
)

// AggregatorSnapshot bundles everything the Epoch Manager Core needs to
// resume folding without a replay: the aggregator itself, plus the
// proposals held back for the delayed-effect-by-two-epochs rule (spec.md
// §3, §8 "Delayed effect") that aren't part of the Aggregator type.
type AggregatorSnapshot struct {
	Aggregator       *epochproc.Aggregator
	PendingProposals map[inter.AccountID]*big.Int
}

const aggregatorSnapshotCodecV1 = 1
const validatorIndexCodecV1 = 1

// Values are versioned binary encodings (spec.md §6): the first byte is a
// codec version, so a future format change can be read by dispatching on it
// without breaking values written by an older binary.
const (
	blockInfoCodecV1 = 1
	epochInfoCodecV1 = 1
)

const maxAccountLen = 256
const maxPubKeyLen = 256
const maxBitsetLen = 256

// writeStake normalizes a nil stake to zero before encoding — cser.BigInt
// panics on a nil *big.Int receiver, and a few EpochInfo/BlockInfo fields
// (e.g. a kickout reason's unused Stake/Threshold) are legitimately nil.
func writeStake(w *cser.Writer, v *big.Int) {
	w.BigInt(inter.CopyStake(v))
}

// EncodeBlockInfo serializes a BlockInfo using the teacher's CSER primitives
// (utils/cser), the same split bit/byte-stream encoding `iblockproc` uses for
// consensus state, prefixed with a codec version byte.
func EncodeBlockInfo(b epochproc.BlockInfo) ([]byte, error) {
	body, err := cser.MarshalBinaryAdapter(func(w *cser.Writer) error {
		writeHash(w, b.Hash)
		writeHash(w, b.PrevHash)
		w.U64(uint64(b.Height))
		writeHash(w, b.LastFinalBlockHash)
		w.U64(uint64(b.LastFinalizedHeight))
		writeHash(w, b.EpochID)
		writeHash(w, b.EpochFirstBlock)

		w.U56(uint64(len(b.Proposals)))
		for _, p := range b.Proposals {
			writeAccount(w, p.Account)
			writeStake(w, p.NewStake)
		}

		w.SliceBytes(b.ChunkMask)
		w.U56(uint64(len(b.ChunkEndorsements)))
		for _, e := range b.ChunkEndorsements {
			w.SliceBytes(e)
		}

		w.U32(uint32(b.LatestProtocolVersion))

		w.U56(uint64(len(b.Slashed)))
		for _, s := range b.Slashed {
			writeAccount(w, s)
		}

		writeStake(w, b.TotalSupply)
		w.U64(uint64(b.TimestampNanosec))
		w.U32(uint32(b.BlockProducer))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{blockInfoCodecV1}, body...), nil
}

// DecodeBlockInfo is the inverse of EncodeBlockInfo.
func DecodeBlockInfo(raw []byte) (epochproc.BlockInfo, error) {
	var b epochproc.BlockInfo
	if len(raw) == 0 {
		return b, cser.ErrMalformedEncoding
	}
	version, body := raw[0], raw[1:]
	if version != blockInfoCodecV1 {
		return b, cser.ErrMalformedEncoding
	}
	err := cser.UnmarshalBinaryAdapter(body, func(r *cser.Reader) error {
		b.Hash = readHash(r)
		b.PrevHash = readHash(r)
		b.Height = idx.Block(r.U64())
		b.LastFinalBlockHash = readHash(r)
		b.LastFinalizedHeight = idx.Block(r.U64())
		b.EpochID = readHash(r)
		b.EpochFirstBlock = readHash(r)

		numProposals := r.U56()
		b.Proposals = make([]epochproc.Proposal, numProposals)
		for i := range b.Proposals {
			b.Proposals[i] = epochproc.Proposal{Account: readAccount(r), NewStake: r.BigInt()}
		}

		b.ChunkMask = epochproc.ShardBitset(r.SliceBytes(maxBitsetLen))
		numShards := r.U56()
		b.ChunkEndorsements = make([]epochproc.ValidatorBitset, numShards)
		for i := range b.ChunkEndorsements {
			b.ChunkEndorsements[i] = epochproc.ValidatorBitset(r.SliceBytes(maxBitsetLen))
		}

		b.LatestProtocolVersion = inter.ProtocolVersion(r.U32())

		numSlashed := r.U56()
		b.Slashed = make([]inter.AccountID, numSlashed)
		for i := range b.Slashed {
			b.Slashed[i] = readAccount(r)
		}

		b.TotalSupply = r.BigInt()
		b.TimestampNanosec = inter.Timestamp(r.U64())
		b.BlockProducer = idx.ValidatorID(r.U32())
		return nil
	})
	return b, err
}

// EncodeEpochInfo serializes an EpochInfo the same way EncodeBlockInfo does,
// with maps flattened to key-sorted slices first (the same canonical view
// EpochInfo.Hash uses, for the same reason: deterministic bytes require a
// deterministic map iteration order).
func EncodeEpochInfo(e epochproc.EpochInfo) ([]byte, error) {
	body, err := cser.MarshalBinaryAdapter(func(w *cser.Writer) error {
		w.U32(uint32(e.EpochHeight))

		w.U56(uint64(len(e.Validators)))
		for _, v := range e.Validators {
			writeValidator(w, v)
		}

		w.U56(uint64(len(e.BlockProducerSettlement)))
		for _, v := range e.BlockProducerSettlement {
			w.U32(uint32(v))
		}

		w.U56(uint64(len(e.ChunkProducerSettlement)))
		for _, shard := range e.ChunkProducerSettlement {
			w.U56(uint64(len(shard)))
			for _, v := range shard {
				w.U32(uint32(v))
			}
		}

		keys := sortedChunkValidatorKeys(e.ChunkValidatorAssignment)
		w.U56(uint64(len(keys)))
		for _, k := range keys {
			w.U16(k.Shard)
			w.U64(uint64(k.Height))
			assigned := e.ChunkValidatorAssignment[k]
			w.U56(uint64(len(assigned)))
			for _, wv := range assigned {
				w.U32(uint32(wv.Index))
				writeStake(w, wv.Weight)
			}
		}

		w.U56(uint64(len(e.Fishermen)))
		for _, v := range e.Fishermen {
			writeValidator(w, v)
		}

		writeStakeMap(w, e.StakeChange)
		writeStakeMap(w, e.ValidatorReward)

		accounts := sortedKickoutAccounts(e.ValidatorKickout)
		w.U56(uint64(len(accounts)))
		for _, a := range accounts {
			writeAccount(w, a)
			writeKickoutReason(w, e.ValidatorKickout[a])
		}

		writeStake(w, e.MintedAmount)
		w.U32(uint32(e.ProtocolVersion))
		w.FixedBytes(e.Seed[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{epochInfoCodecV1}, body...), nil
}

// DecodeEpochInfo is the inverse of EncodeEpochInfo.
func DecodeEpochInfo(raw []byte) (epochproc.EpochInfo, error) {
	var e epochproc.EpochInfo
	if len(raw) == 0 {
		return e, cser.ErrMalformedEncoding
	}
	version, body := raw[0], raw[1:]
	if version != epochInfoCodecV1 {
		return e, cser.ErrMalformedEncoding
	}
	err := cser.UnmarshalBinaryAdapter(body, func(r *cser.Reader) error {
		e.EpochHeight = idx.Epoch(r.U32())

		numValidators := r.U56()
		e.Validators = make([]epochproc.ValidatorInfo, numValidators)
		for i := range e.Validators {
			e.Validators[i] = readValidator(r)
		}

		numBP := r.U56()
		e.BlockProducerSettlement = make([]idx.ValidatorID, numBP)
		for i := range e.BlockProducerSettlement {
			e.BlockProducerSettlement[i] = idx.ValidatorID(r.U32())
		}

		numShards := r.U56()
		e.ChunkProducerSettlement = make([][]idx.ValidatorID, numShards)
		for i := range e.ChunkProducerSettlement {
			n := r.U56()
			shard := make([]idx.ValidatorID, n)
			for j := range shard {
				shard[j] = idx.ValidatorID(r.U32())
			}
			e.ChunkProducerSettlement[i] = shard
		}

		numKeys := r.U56()
		e.ChunkValidatorAssignment = make(map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator, numKeys)
		for i := uint64(0); i < numKeys; i++ {
			shard := r.U16()
			height := idx.Block(r.U64())
			n := r.U56()
			assigned := make([]epochproc.WeightedValidator, n)
			for j := range assigned {
				assigned[j] = epochproc.WeightedValidator{Index: idx.ValidatorID(r.U32()), Weight: r.BigInt()}
			}
			e.ChunkValidatorAssignment[epochproc.ChunkValidatorKey{Shard: shard, Height: height}] = assigned
		}

		numFishermen := r.U56()
		e.Fishermen = make([]epochproc.ValidatorInfo, numFishermen)
		for i := range e.Fishermen {
			e.Fishermen[i] = readValidator(r)
		}

		e.StakeChange = readStakeMap(r)
		e.ValidatorReward = readStakeMap(r)

		numKickouts := r.U56()
		e.ValidatorKickout = make(map[inter.AccountID]epochproc.KickoutReason, numKickouts)
		for i := uint64(0); i < numKickouts; i++ {
			account := readAccount(r)
			e.ValidatorKickout[account] = readKickoutReason(r)
		}

		e.MintedAmount = r.BigInt()
		e.ProtocolVersion = inter.ProtocolVersion(r.U32())
		var seed [32]byte
		r.FixedBytes(seed[:])
		e.Seed = seed
		return nil
	})
	return e, err
}

// EncodeValidatorIndex serializes an epoch's account-to-validator-index map
// (CFEpochValidatorInfo), letting a caller resolve a single account's seat
// without decoding the full EpochInfo blob (spec.md §6).
func EncodeValidatorIndex(index map[inter.AccountID]idx.ValidatorID) ([]byte, error) {
	accounts := make([]inter.AccountID, 0, len(index))
	for a := range index {
		accounts = append(accounts, a)
	}
	sortAccounts(accounts)
	body, err := cser.MarshalBinaryAdapter(func(w *cser.Writer) error {
		w.U56(uint64(len(accounts)))
		for _, a := range accounts {
			writeAccount(w, a)
			w.U32(uint32(index[a]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{validatorIndexCodecV1}, body...), nil
}

// DecodeValidatorIndex is the inverse of EncodeValidatorIndex.
func DecodeValidatorIndex(raw []byte) (map[inter.AccountID]idx.ValidatorID, error) {
	if len(raw) == 0 {
		return nil, cser.ErrMalformedEncoding
	}
	version, body := raw[0], raw[1:]
	if version != validatorIndexCodecV1 {
		return nil, cser.ErrMalformedEncoding
	}
	index := make(map[inter.AccountID]idx.ValidatorID)
	err := cser.UnmarshalBinaryAdapter(body, func(r *cser.Reader) error {
		n := r.U56()
		for i := uint64(0); i < n; i++ {
			a := readAccount(r)
			index[a] = idx.ValidatorID(r.U32())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return index, nil
}

// EncodeAggregatorSnapshot serializes the single persisted Aggregator
// snapshot plus the proposals held back for the two-epoch delay (spec.md
// §6, "AggregatorSnapshot (single key)").
func EncodeAggregatorSnapshot(snap AggregatorSnapshot) ([]byte, error) {
	a := snap.Aggregator
	body, err := cser.MarshalBinaryAdapter(func(w *cser.Writer) error {
		writeHash(w, a.EpochID)
		writeHash(w, a.LastBlockHash)
		w.U64(uint64(a.EpochFirstHeight))

		bpKeys := sortedValidatorIDs(a.BlockTracker)
		w.U56(uint64(len(bpKeys)))
		for _, k := range bpKeys {
			w.U32(uint32(k))
			at := a.BlockTracker[k]
			w.U64(at.Produced)
			w.U64(at.Expected)
		}

		shardKeys := sortedShardIDs(a.ShardTracker)
		w.U56(uint64(len(shardKeys)))
		for _, s := range shardKeys {
			w.U16(s)
			byValidator := a.ShardTracker[s]
			vKeys := sortedShardValidatorIDs(byValidator)
			w.U56(uint64(len(vKeys)))
			for _, v := range vKeys {
				w.U32(uint32(v))
				cs := byValidator[v]
				w.U64(cs.Production.Produced)
				w.U64(cs.Production.Expected)
				w.U64(cs.Endorsement.Produced)
				w.U64(cs.Endorsement.Expected)
			}
		}

		accounts := sortedProposalAccounts(a.AllProposals)
		w.U56(uint64(len(accounts)))
		for _, acc := range accounts {
			writeAccount(w, acc)
			writeStake(w, a.AllProposals[acc].NewStake)
		}

		verKeys := sortedVersionValidatorIDs(a.VersionTracker)
		w.U56(uint64(len(verKeys)))
		for _, k := range verKeys {
			w.U32(uint32(k))
			w.U32(uint32(a.VersionTracker[k]))
		}

		writeStakeMap(w, snap.PendingProposals)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return append([]byte{aggregatorSnapshotCodecV1}, body...), nil
}

// DecodeAggregatorSnapshot is the inverse of EncodeAggregatorSnapshot.
func DecodeAggregatorSnapshot(raw []byte) (AggregatorSnapshot, error) {
	if len(raw) == 0 {
		return AggregatorSnapshot{}, cser.ErrMalformedEncoding
	}
	version, body := raw[0], raw[1:]
	if version != aggregatorSnapshotCodecV1 {
		return AggregatorSnapshot{}, cser.ErrMalformedEncoding
	}

	a := &epochproc.Aggregator{
		BlockTracker:   make(map[idx.ValidatorID]epochproc.Attendance),
		ShardTracker:   make(map[uint16]map[idx.ValidatorID]epochproc.ChunkStats),
		AllProposals:   make(map[inter.AccountID]epochproc.Proposal),
		VersionTracker: make(map[idx.ValidatorID]inter.ProtocolVersion),
	}
	var pending map[inter.AccountID]*big.Int

	err := cser.UnmarshalBinaryAdapter(body, func(r *cser.Reader) error {
		a.EpochID = readHash(r)
		a.LastBlockHash = readHash(r)
		a.EpochFirstHeight = idx.Block(r.U64())

		numBP := r.U56()
		for i := uint64(0); i < numBP; i++ {
			v := idx.ValidatorID(r.U32())
			a.BlockTracker[v] = epochproc.Attendance{Produced: r.U64(), Expected: r.U64()}
		}

		numShards := r.U56()
		for i := uint64(0); i < numShards; i++ {
			shard := r.U16()
			n := r.U56()
			byValidator := make(map[idx.ValidatorID]epochproc.ChunkStats, n)
			for j := uint64(0); j < n; j++ {
				v := idx.ValidatorID(r.U32())
				byValidator[v] = epochproc.ChunkStats{
					Production:  epochproc.Attendance{Produced: r.U64(), Expected: r.U64()},
					Endorsement: epochproc.Attendance{Produced: r.U64(), Expected: r.U64()},
				}
			}
			a.ShardTracker[shard] = byValidator
		}

		numProposals := r.U56()
		for i := uint64(0); i < numProposals; i++ {
			account := readAccount(r)
			a.AllProposals[account] = epochproc.Proposal{Account: account, NewStake: r.BigInt()}
		}

		numVersions := r.U56()
		for i := uint64(0); i < numVersions; i++ {
			v := idx.ValidatorID(r.U32())
			a.VersionTracker[v] = inter.ProtocolVersion(r.U32())
		}

		pending = readStakeMap(r)
		return nil
	})
	if err != nil {
		return AggregatorSnapshot{}, err
	}
	return AggregatorSnapshot{Aggregator: a, PendingProposals: pending}, nil
}

func sortedValidatorIDs(m map[idx.ValidatorID]epochproc.Attendance) []idx.ValidatorID {
	keys := make([]idx.ValidatorID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortValidatorIDs(keys)
	return keys
}

func sortedShardValidatorIDs(m map[idx.ValidatorID]epochproc.ChunkStats) []idx.ValidatorID {
	keys := make([]idx.ValidatorID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortValidatorIDs(keys)
	return keys
}

func sortedVersionValidatorIDs(m map[idx.ValidatorID]inter.ProtocolVersion) []idx.ValidatorID {
	keys := make([]idx.ValidatorID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortValidatorIDs(keys)
	return keys
}

func sortValidatorIDs(keys []idx.ValidatorID) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func sortedShardIDs(m map[uint16]map[idx.ValidatorID]epochproc.ChunkStats) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func sortedProposalAccounts(m map[inter.AccountID]epochproc.Proposal) []inter.AccountID {
	accounts := make([]inter.AccountID, 0, len(m))
	for a := range m {
		accounts = append(accounts, a)
	}
	sortAccounts(accounts)
	return accounts
}

func writeHash(w *cser.Writer, h hash.Hash) {
	w.FixedBytes(h[:])
}

func readHash(r *cser.Reader) hash.Hash {
	var h hash.Hash
	r.FixedBytes(h[:])
	return h
}

func writeAccount(w *cser.Writer, a inter.AccountID) {
	w.SliceBytes([]byte(a))
}

func readAccount(r *cser.Reader) inter.AccountID {
	return inter.AccountID(r.SliceBytes(maxAccountLen))
}

func writeValidator(w *cser.Writer, v epochproc.ValidatorInfo) {
	writeAccount(w, v.Account)
	writeStake(w, v.Stake)
	w.U8(v.PubKey.Type)
	w.SliceBytes(v.PubKey.Raw)
}

func readValidator(r *cser.Reader) epochproc.ValidatorInfo {
	account := readAccount(r)
	stake := r.BigInt()
	pkType := r.U8()
	raw := r.SliceBytes(maxPubKeyLen)
	return epochproc.ValidatorInfo{Account: account, Stake: stake, PubKey: validatorpk.PubKey{Type: pkType, Raw: raw}}
}

func writeStakeMap(w *cser.Writer, m map[inter.AccountID]*big.Int) {
	accounts := make([]inter.AccountID, 0, len(m))
	for a := range m {
		accounts = append(accounts, a)
	}
	sortAccounts(accounts)
	w.U56(uint64(len(accounts)))
	for _, a := range accounts {
		writeAccount(w, a)
		writeStake(w, m[a])
	}
}

func readStakeMap(r *cser.Reader) map[inter.AccountID]*big.Int {
	n := r.U56()
	m := make(map[inter.AccountID]*big.Int, n)
	for i := uint64(0); i < n; i++ {
		m[readAccount(r)] = r.BigInt()
	}
	return m
}

func writeKickoutReason(w *cser.Writer, k epochproc.KickoutReason) {
	w.U8(uint8(k.Kind))
	w.U64(k.Produced)
	w.U64(k.Expected)
	writeStake(w, k.Stake)
	writeStake(w, k.Threshold)
	w.U32(uint32(k.Version))
	w.U32(uint32(k.NetworkVersion))
}

func readKickoutReason(r *cser.Reader) epochproc.KickoutReason {
	kind := epochproc.KickoutKind(r.U8())
	produced := r.U64()
	expected := r.U64()
	stake := r.BigInt()
	threshold := r.BigInt()
	version := inter.ProtocolVersion(r.U32())
	network := inter.ProtocolVersion(r.U32())
	return epochproc.KickoutReason{
		Kind: kind, Produced: produced, Expected: expected,
		Stake: stake, Threshold: threshold,
		Version: version, NetworkVersion: network,
	}
}

func sortedChunkValidatorKeys(m map[epochproc.ChunkValidatorKey][]epochproc.WeightedValidator) []epochproc.ChunkValidatorKey {
	keys := make([]epochproc.ChunkValidatorKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sortChunkValidatorKeys(keys)
	return keys
}

func sortChunkValidatorKeys(keys []epochproc.ChunkValidatorKey) {
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && lessChunkValidatorKey(keys[j], keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
}

func lessChunkValidatorKey(a, b epochproc.ChunkValidatorKey) bool {
	if a.Shard != b.Shard {
		return a.Shard < b.Shard
	}
	return a.Height < b.Height
}

func sortedKickoutAccounts(m map[inter.AccountID]epochproc.KickoutReason) []inter.AccountID {
	accounts := make([]inter.AccountID, 0, len(m))
	for a := range m {
		accounts = append(accounts, a)
	}
	sortAccounts(accounts)
	return accounts
}

func sortAccounts(accounts []inter.AccountID) {
	for i := 1; i < len(accounts); i++ {
		for j := i; j > 0 && accounts[j] < accounts[j-1]; j-- {
			accounts[j], accounts[j-1] = accounts[j-1], accounts[j]
		}
	}
}
