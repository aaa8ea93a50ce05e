// Package backend defines the storage capability contract implemented by each
// physical backend. Implementations are in backend/bolt, backend/memory,
// backend/sqlite, backend/postgres, and backend/mongo subpackages.
//
// # Architectural Principle: No Distributed Locks
//
// The engine never takes locks across backend calls. All concurrency control
// is delegated to the backend's native atomicity:
//
//  1. Atomic Batches: Write applies every operation of a Batch inside one
//     native transaction. Either all operations become visible or none do.
//
//  2. Optimistic Assertions: a Batch may carry Assert operations pinning the
//     expected current value of a key. A backend checks every assertion
//     inside the same transaction that applies the batch and fails the whole
//     batch with ErrConflict if any key changed. Retry policy belongs to the
//     caller, not to the backend.
//
//  3. Atomic Adds: counter keys are mutated with Add operations so that
//     concurrent increments never lose updates.
//
// Backends that lack native multi-key atomicity must not be used for
// metadata; they are restricted to blob payloads (see the blob package).
package backend

import "context"

// Capabilities reports what a backend can guarantee. The engine negotiates
// these at startup and refuses backends that cannot host metadata.
type Capabilities struct {
	// AtomicBatch indicates Write applies a batch all-or-nothing.
	// Required for metadata storage.
	AtomicBatch bool

	// ConflictDetection indicates Assert operations are honored inside the
	// write transaction. Backends without native conflict detection emulate
	// it via compare-and-swap over the asserted keys.
	ConflictDetection bool

	// ReadYourWrites indicates reads issued while a batch is pending observe
	// the pending writes. The engine never relies on this; it re-reads after
	// commit instead. Reported for diagnostics only.
	ReadYourWrites bool
}

// Range describes an ordered key scan. Start is inclusive, End exclusive.
// A nil End scans to the end of the keyspace.
type Range struct {
	Start   []byte
	End     []byte
	Reverse bool
	Limit   int // 0 means unlimited
}

// IterFunc receives each key/value pair of a scan in order. Returning false
// stops the scan early. The key and value slices are only valid for the
// duration of the call; implementations may reuse the underlying arrays.
type IterFunc func(key, value []byte) (bool, error)

// Backend is the storage interface implemented by each physical technology.
//
// All operations must be safe for concurrent use. Keys are opaque byte
// strings; backends must preserve lexicographic byte ordering in Iterate so
// that range scans reproduce the engine's intended sort order.
type Backend interface {
	// Connect establishes the connection and creates schema/buckets as needed.
	Connect(ctx context.Context) error

	// Close releases the backend. Pending batches are discarded.
	Close(ctx context.Context) error

	// Get retrieves a value by key. Returns ErrNotFound if the key is absent.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Iterate scans keys in r in lexicographic byte order (reverse if
	// r.Reverse), invoking fn for each pair until fn returns false, the range
	// is exhausted, or r.Limit pairs have been visited.
	Iterate(ctx context.Context, r Range, fn IterFunc) error

	// Write atomically applies a batch. If any Assert fails, nothing is
	// applied and ErrConflict is returned.
	Write(ctx context.Context, b *Batch) error

	// DeleteRange removes every key in [from, to). Used by log compaction
	// and account teardown; not required to be atomic with other batches.
	DeleteRange(ctx context.Context, from, to []byte) error

	// Capabilities reports the backend's guarantees.
	Capabilities() Capabilities
}
