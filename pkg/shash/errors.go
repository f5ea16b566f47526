package shash

import "errors"

// Error classification codes. Callers classify with errors.Is; anything else
// wraps a storage failure from the slot stores and may leave the table in a
// partially-updated state (the hash layer does not retry or roll back).
var (
	// ErrKeyTooLong indicates a key longer than the configured maximum.
	// The store is not mutated.
	ErrKeyTooLong = errors.New("shash: key too long")

	// ErrNoBucket indicates a delete aimed at a bucket with no chain.
	ErrNoBucket = errors.New("shash: bucket absent")

	// ErrBusy indicates another writer holds the directory lock.
	ErrBusy = errors.New("shash: busy")

	// ErrIncompatible indicates the directory's manifest disagrees with the
	// caller's options.
	ErrIncompatible = errors.New("shash: incompatible store geometry")
)
