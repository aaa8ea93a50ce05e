package backend

import "errors"

// Sentinel errors for the backend package. Adapters must return these (or
// wrap them) so the engine can normalize behavior across technologies.
var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("backend: not found")

	// ErrConflict is returned by Write when an Assert operation failed.
	// Nothing from the batch was applied.
	ErrConflict = errors.New("backend: conflict")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("backend: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("backend: already connected")

	// ErrUnavailable is returned when the backend cannot be reached.
	// The operation had no effect; retry policy belongs to the caller.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrCorrupted is returned when a stored value fails to decode.
	// Never silently discarded; the engine surfaces it to callers.
	ErrCorrupted = errors.New("backend: corrupted value")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
