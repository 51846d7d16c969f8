// Package epochconfig resolves a protocol version to the epoch parameters
// active at that version (spec.md §4.1, Config Resolver / C1). It mirrors
// the role opera/rules.go played for Opera: a pure, dependency-free value
// object plus a small version-indexed registry, here generalized from
// "one active ruleset" to "a sorted table of rulesets indexed by the
// version that introduced them" per spec.md's explicit resolution rule.
package epochconfig

import (
	"sort"

	"github.com/wkarshat/nearcore/inter"
	"github.com/wkarshat/nearcore/shardlayout"
)

// Config is the set of parameters governing one epoch (spec.md §4.1).
type Config struct {
	// EpochLength is the minimum number of blocks an epoch spans; actual
	// epochs may run longer (spec.md §4.6, epoch boundary detection is a
	// floor, not an exact value).
	EpochLength uint64

	NumBlockProducerSeats        uint64
	NumChunkProducerSeatsPerShard uint64
	NumChunkValidatorsPerShard    uint64
	NumChunkOnlyValidatorSeats   uint64

	OnlineMinThreshold Ratio
	OnlineMaxThreshold Ratio

	ChunkEndorsementThreshold Ratio
	FishermanThreshold        uint64 // stake below this is not even a fisherman (dust)
	ProducerThreshold         uint64 // stake at/above this competes for producer seats; below is a fisherman

	// ValidatorMaxKickoutStakePerc bounds the fraction of total stake that
	// may be kicked out across the current and the immediately preceding
	// epoch (spec.md §8, Max-kickout invariant). 0..100.
	ValidatorMaxKickoutStakePerc uint64

	ShardLayout shardlayout.Layout

	// ProtocolUpgradeStakeThreshold is the fraction of total stake that must
	// signal a new protocol version before it takes effect network-wide
	// (spec.md §4.4, protocol-version kickout).
	ProtocolUpgradeStakeThreshold Ratio

	MaxInflationRate   Ratio
	ProtocolRewardRate Ratio

	ProtocolVersion inter.ProtocolVersion
}

// Resolver is a sorted mapping from "first version where this config
// applies" to Config; lookup is the greatest key <= v (spec.md §4.1).
type Resolver struct {
	versions []inter.ProtocolVersion
	configs  []Config
}

// NewResolver builds a Resolver from a set of configs, sorting by the
// version each first applies at.
func NewResolver(configs ...Config) *Resolver {
	sorted := append([]Config(nil), configs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProtocolVersion < sorted[j].ProtocolVersion })
	r := &Resolver{}
	for _, c := range sorted {
		r.versions = append(r.versions, c.ProtocolVersion)
		r.configs = append(r.configs, c)
	}
	return r
}

// ForVersion returns the Config active at protocol version v. Panics if v
// precedes every registered config — a misconfigured resolver is a setup
// bug (spec.md §7 kind 4, invariant violation posture).
func (r *Resolver) ForVersion(v inter.ProtocolVersion) Config {
	i := sort.Search(len(r.versions), func(i int) bool { return r.versions[i] > v }) - 1
	if i < 0 {
		panic("epochconfig: no config registered at or before version")
	}
	return r.configs[i]
}

// Versions returns every version boundary known to the resolver, ascending.
func (r *Resolver) Versions() []inter.ProtocolVersion {
	return append([]inter.ProtocolVersion(nil), r.versions...)
}

// MainnetConfig returns the genesis mainnet-shaped configuration: modest
// seat counts, a single shard, conservative thresholds. Named the way
// opera/rules.go's MainNetRules named its genesis constant.
func MainnetConfig() Config {
	return Config{
		EpochLength:                   43_200, // ~12h at 1s blocks
		NumBlockProducerSeats:         100,
		NumChunkProducerSeatsPerShard: 100,
		NumChunkValidatorsPerShard:    68,
		NumChunkOnlyValidatorSeats:    300,
		OnlineMinThreshold:            NewRatio(90, 100),
		OnlineMaxThreshold:            NewRatio(99, 100),
		ChunkEndorsementThreshold:     NewRatio(2, 3),
		FishermanThreshold:            10 * 1_000, // in whole token units, scaled by caller
		ProducerThreshold:             25 * 1_000,
		ValidatorMaxKickoutStakePerc:  30,
		ShardLayout:                   shardlayout.NewSingleShard(0),
		ProtocolUpgradeStakeThreshold: NewRatio(80, 100),
		MaxInflationRate:              NewRatio(1, 20), // 5%/yr
		ProtocolRewardRate:            NewRatio(1, 10), // 10% of inflation to treasury
		ProtocolVersion:               0,
	}
}

// TestnetConfig is MainnetConfig with a shorter epoch and lower seat counts,
// matching the teacher's convention of a distinct low-stakes named preset
// (opera/rules.go's TestNetRules).
func TestnetConfig() Config {
	c := MainnetConfig()
	c.EpochLength = 600
	c.NumBlockProducerSeats = 10
	c.NumChunkProducerSeatsPerShard = 10
	c.NumChunkValidatorsPerShard = 5
	c.NumChunkOnlyValidatorSeats = 5
	return c
}

// FakenetConfig is a minimal configuration for unit tests: tiny epochs, tiny
// seat counts, thresholds easy to reason about by hand (opera/rules.go's
// FakeNetRules).
func FakenetConfig() Config {
	c := TestnetConfig()
	c.EpochLength = 10
	c.NumBlockProducerSeats = 4
	c.NumChunkProducerSeatsPerShard = 4
	c.NumChunkValidatorsPerShard = 2
	c.NumChunkOnlyValidatorSeats = 2
	c.FishermanThreshold = 100
	c.ProducerThreshold = 1_000
	return c
}
