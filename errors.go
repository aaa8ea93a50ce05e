package datastore

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/datastore/backend"
	"github.com/rbaliyan/datastore/blob"
)

// Common errors returned by datastore operations.
var (
	// ErrBackendRequired is returned by NewService when no backend is configured.
	ErrBackendRequired = errors.New("datastore: backend is required")

	// ErrBlobStoreRequired is returned by blob operations when no blob store
	// is configured.
	ErrBlobStoreRequired = errors.New("datastore: blob store is required")

	// ErrNotConnected is returned when an operation is attempted before
	// Connect or after Close.
	ErrNotConnected = errors.New("datastore: not connected")

	// ErrAlreadyConnected is returned when Connect is called on a connected
	// service.
	ErrAlreadyConnected = errors.New("datastore: already connected")

	// ErrAtomicBatchRequired is returned by Connect when the backend cannot
	// apply batches atomically. Such backends may only hold blob payloads.
	ErrAtomicBatchRequired = errors.New("datastore: backend does not support atomic batches")

	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = fmt.Errorf("datastore: %w", backend.ErrNotFound)

	// ErrConflict is returned when a commit keeps losing against concurrent
	// writers after all retries are exhausted.
	ErrConflict = fmt.Errorf("datastore: %w", backend.ErrConflict)

	// ErrCorruption is returned when stored bytes cannot be decoded.
	ErrCorruption = fmt.Errorf("datastore: %w", backend.ErrCorrupted)

	// ErrInvalidHash is returned for blob hashes that are not 64 lowercase
	// hex characters.
	ErrInvalidHash = fmt.Errorf("datastore: %w", blob.ErrInvalidHash)

	// ErrBlobNotFound is returned when a referenced blob was never committed
	// or has already been reclaimed.
	ErrBlobNotFound = errors.New("datastore: blob not found")

	// ErrStateTooOld is returned by ChangesSince when the requested state
	// precedes the compaction floor; the caller must resynchronize from
	// scratch.
	ErrStateTooOld = errors.New("datastore: change state too old")

	// ErrInvalidRequest is returned for malformed requests such as an unknown
	// filter or an empty field set.
	ErrInvalidRequest = errors.New("datastore: invalid request")
)

// CorruptionError reports an undecodable stored value together with the key
// class it was read from. It unwraps to ErrCorruption.
type CorruptionError struct {
	Subspace string // "data", "index", "log", "blob", "text", "counter"
	Err      error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("datastore: corrupted %s record: %v", e.Subspace, e.Err)
	}
	return fmt.Sprintf("datastore: corrupted %s record", e.Subspace)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// Is reports whether target is ErrCorruption, so callers can match the
// sentinel without knowing the detail type.
func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruption || target == backend.ErrCorrupted
}

// EventPublishError is returned when an operation succeeds but publishing its
// event fails and WithEventErrorsFatal(true) is set. The underlying write is
// durable; only the notification was lost.
type EventPublishError struct {
	Event      string
	Account    uint32
	DocumentID uint32
	Err        error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("datastore: operation succeeded but publishing %s failed: %v", e.Event, e.Err)
}

func (e *EventPublishError) Unwrap() error { return e.Err }
