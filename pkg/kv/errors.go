package kv

import "errors"

// Error categories, per the store's external interface. Wrap with %w and
// compare with errors.Is.
//
// Of spec.md §6's seven named categories, AlreadyExists and CompareMismatch
// have no sentinel here: Insert is an upsert (no "fails if present" variant
// exists to report AlreadyExists for), and CompareAndSet reports a mismatch
// through its bool return per §6's own signature
// (`compare_and_set(k, expected, new) -> bool`), not an error. Adding unused
// sentinels for categories no operation actually produces would just be
// dead exports.
var (
	// ErrNotFound is returned by Get when the key is absent. Replace and
	// Remove report absence through their hadOld return instead, since they
	// treat a missing key as a no-op rather than a failure.
	ErrNotFound = errors.New("kv: not found")

	// ErrCapacityExceeded is returned when a shard range has been split down
	// to its floor (width 1) and still cannot accommodate an insert.
	ErrCapacityExceeded = errors.New("kv: capacity exceeded")

	// ErrCorrupt is returned when a shard file's header fails validation or
	// a slot that claims to be live cannot be decoded by any recovery path.
	// It is fatal to the affected store.
	ErrCorrupt = errors.New("kv: corrupt")

	// ErrIO is returned for unrecoverable disk errors.
	ErrIO = errors.New("kv: io error")

	// ErrConfig is returned for invalid Options or a meta file that
	// disagrees with the Options a store was reopened with.
	ErrConfig = errors.New("kv: invalid config")

	// ErrClosed is returned by any operation on a Store after Close.
	ErrClosed = errors.New("kv: closed")
)
