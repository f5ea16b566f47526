package slotstore

import "errors"

// Error classification codes.
//
// Implementations of higher layers classify these with errors.Is; any other
// error coming out of a Store wraps an I/O or mapping failure from the
// underlying files.
var (
	// ErrExists indicates a positional insert into an occupied slot.
	ErrExists = errors.New("slotstore: slot occupied")

	// ErrIllegalPos indicates a slot index outside [0, capacity).
	ErrIllegalPos = errors.New("slotstore: slot out of range")

	// ErrNoResult indicates a lookup or update targeted an unoccupied slot.
	ErrNoResult = errors.New("slotstore: no data at slot")

	// ErrReadOnly indicates a mutation attempted on a read-only store.
	ErrReadOnly = errors.New("slotstore: read-only")

	// ErrRecordSize indicates a record whose length is not the item size.
	ErrRecordSize = errors.New("slotstore: record size mismatch")
)
