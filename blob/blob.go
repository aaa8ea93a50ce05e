// Package blob defines the content-addressed blob storage contract.
//
// Blobs are immutable byte sequences addressed by the lowercase hex
// encoding of their BLAKE2b-256 content hash. Reference counting and
// garbage collection live above this package; implementations only
// need to store, retrieve, and remove content by hash.
//
// Implementations:
//   - blob/fs: local filesystem with fan-out directories
//   - blob/s3: Amazon S3 or any S3-compatible service
//   - blob/gcs: Google Cloud Storage
//   - blob/cached: read-through local cache wrapping another Store
//   - blob/otel: OpenTelemetry instrumentation wrapping another Store
package blob

import (
	"context"
	"errors"
	"io"
)

// Store handles blob content storage operations.
// Implementations can support S3, GCS, local filesystem, etc.
type Store interface {
	// Put stores content under the given hash. Writing the same hash
	// twice is allowed and must leave identical content in place, so
	// implementations may skip the upload when the hash already exists.
	Put(ctx context.Context, hash string, content io.Reader) error

	// Get returns a reader for the blob content.
	// Caller is responsible for closing the reader.
	// Returns ErrNotFound if no blob with the hash exists.
	Get(ctx context.Context, hash string) (io.ReadCloser, error)

	// Delete removes the blob from storage.
	// Deleting a missing hash is not an error.
	Delete(ctx context.Context, hash string) error
}

// ErrNotFound is returned by Get when no blob exists for the hash.
var ErrNotFound = errors.New("blob: not found")

// ErrInvalidHash is returned when a hash is not a valid lowercase
// hex-encoded BLAKE2b-256 digest.
var ErrInvalidHash = errors.New("blob: invalid hash")

// IsNotFound reports whether err indicates a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ValidateHash checks that hash is a 64-character lowercase hex string.
func ValidateHash(hash string) error {
	if len(hash) != 64 {
		return ErrInvalidHash
	}
	for i := 0; i < len(hash); i++ {
		c := hash[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ErrInvalidHash
		}
	}
	return nil
}
