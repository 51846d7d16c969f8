// Package inter defines the primitive value types shared across the epoch
// manager: account identifiers, timestamps, and checked stake arithmetic.
// It plays the same role the teacher's inter package played for the DAG
// (Timestamp, GasPowerLeft): small, dependency-light value types that every
// other package imports.
package inter

import (
	"fmt"
	"math/big"
)

// AccountID identifies a staking account. NEAR-style account ids are
// human-readable strings, ordered lexicographically for every deterministic
// tie-break the spec requires (seat assignment, kickout exemption,
// producer-settlement de-duplication).
type AccountID string

// Timestamp is a point in time expressed in nanoseconds, matching the
// teacher's inter.Timestamp (there expressed as block-gas-power time units).
type Timestamp uint64

// NumNsInSecond is the number of nanoseconds in one second.
const NumNsInSecond = 1_000_000_000

// NumSecondsInYear is the calendar year used for inflation-rate math.
const NumSecondsInYear = 365 * 24 * 60 * 60

// YearNs is one year expressed in nanoseconds.
const YearNs = Timestamp(NumSecondsInYear) * NumNsInSecond

// ProtocolVersion identifies a protocol version a block producer signals or a
// config applies from.
type ProtocolVersion uint32

// maxStake is the ceiling for a validator's stake balance: 2^128 - 1, per
// spec.md §3 ("Validator stake is an unsigned 128-bit integer"). Arithmetic
// that would cross this ceiling is a fatal invariant violation, never a
// silent wraparound.
var maxStake = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))

// MaxStake returns the inclusive upper bound for a stake balance.
func MaxStake() *big.Int {
	return new(big.Int).Set(maxStake)
}

// checkStake panics if v is negative or exceeds the 128-bit ceiling. Stake
// arithmetic is checked everywhere; overflow indicates a bug or corrupted
// input and must never be silently truncated (spec.md §3, §7).
func checkStake(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		panic(fmt.Sprintf("inter: negative stake %s", v.String()))
	}
	if v.Cmp(maxStake) > 0 {
		panic(fmt.Sprintf("inter: stake overflow: %s exceeds 2^128-1", v.String()))
	}
	return v
}

// AddStake returns a+b, checked against the 128-bit ceiling.
func AddStake(a, b *big.Int) *big.Int {
	return checkStake(new(big.Int).Add(a, b))
}

// SubStake returns a-b, checked against negative results.
func SubStake(a, b *big.Int) *big.Int {
	return checkStake(new(big.Int).Sub(a, b))
}

// CopyStake deep-copies a stake amount, following the teacher's convention of
// never sharing *big.Int pointers across Copy() calls (iblockproc.BlockState.Copy,
// opera.Rules.Copy).
func CopyStake(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// ZeroStake reports whether v is nil or zero.
func ZeroStake(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
