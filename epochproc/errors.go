package epochproc

import "errors"

// Typed caller-mistake errors (spec.md §6, "Error conditions", §7 kind 1).
// The public API also returns other errors, wrapped with context: store
// I/O and decode failures, and the manager's own consistency checks (for
// example an aggregator whose epoch does not match the block being
// recorded). Stake overflow panics (see inter.AddStake).
var (
	ErrMissingBlock        = errors.New("epochproc: missing block")
	ErrEpochOutOfBounds    = errors.New("epochproc: epoch out of bounds")
	ErrNotAValidator       = errors.New("epochproc: account is not a validator in this epoch")
	ErrNotEnoughValidators = errors.New("epochproc: not enough validators")
	ErrThreshold           = errors.New("epochproc: threshold error")
	ErrSharding            = errors.New("epochproc: sharding error")
)
