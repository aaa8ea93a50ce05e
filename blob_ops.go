package datastore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"github.com/rbaliyan/datastore/blob"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/blake2b"
)

// BlobInfo reports the outcome of a BlobPut.
type BlobInfo struct {
	// Hash is the hex blake2b-256 digest of the content; documents reference
	// the blob by storing it in an IndexBlob field.
	Hash string
	// Size is the content length in bytes.
	Size int64
	// Existed is true when identical content was already stored; nothing was
	// written to the blob store.
	Existed bool
}

// BlobPut stores a blob under its content hash. Storing identical content
// twice is free: the existing copy is reused and the same hash returned.
//
// A fresh blob is unreferenced until a document links it via an IndexBlob
// field; link within the configured grace period or maintenance reclaims it.
func (s *service) BlobPut(ctx context.Context, r io.Reader) (*BlobInfo, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, ErrBlobStoreRequired
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.blob.put")
	start := time.Now()
	var putErr error
	var size int64
	defer func() {
		endSpan(putErr)
		s.otel.recordBlob(ctx, time.Since(start), "put", size, putErr)
	}()

	// Content addressing needs the full digest before the store sees the
	// first byte, so the payload is buffered.
	content, err := io.ReadAll(r)
	if err != nil {
		putErr = fmt.Errorf("read blob content: %w", err)
		return nil, putErr
	}
	size = int64(len(content))

	digest := blake2b.Sum256(content)
	hash := hex.EncodeToString(digest[:])

	committed, err := s.blobCommitted(ctx, hash)
	if err != nil {
		putErr = err
		return nil, putErr
	}
	if committed {
		return &BlobInfo{Hash: hash, Size: size, Existed: true}, nil
	}

	if err := s.blobs.Put(ctx, hash, bytes.NewReader(content)); err != nil {
		putErr = fmt.Errorf("store blob: %w", err)
		return nil, putErr
	}

	// Commit record first, zero marker second: a crash in between leaves a
	// committed blob that maintenance will mark and eventually reclaim.
	now := time.Now()
	batch := &backend.Batch{}
	batch.Put(backend.BlobCommitKey([]byte(hash)), encodeUnixSeconds(now))
	batch.Put(backend.BlobZeroKey([]byte(hash)), encodeUnixSeconds(now))
	if err := s.backend.Write(ctx, batch); err != nil {
		putErr = fmt.Errorf("commit blob record: %w", err)
		return nil, putErr
	}

	return &BlobInfo{Hash: hash, Size: size, Existed: false}, nil
}

// BlobGet opens a committed blob for reading. Returns ErrBlobNotFound for
// unknown or reclaimed hashes, ErrInvalidHash for malformed ones.
func (s *service) BlobGet(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, ErrBlobStoreRequired
	}
	if err := validateBlobHash(hash); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.blob.get",
		attribute.String("hash", hash),
	)
	start := time.Now()
	var getErr error
	defer func() {
		endSpan(getErr)
		s.otel.recordBlob(ctx, time.Since(start), "get", 0, getErr)
	}()

	committed, err := s.blobCommitted(ctx, hash)
	if err != nil {
		getErr = err
		return nil, getErr
	}
	if !committed {
		getErr = fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
		return nil, getErr
	}

	rc, err := s.blobs.Get(ctx, hash)
	if err != nil {
		if blob.IsNotFound(err) {
			getErr = fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
			return nil, getErr
		}
		getErr = fmt.Errorf("load blob: %w", err)
		return nil, getErr
	}
	return rc, nil
}

// blobCommitted reports whether a commit record exists for the hash.
func (s *service) blobCommitted(ctx context.Context, hash string) (bool, error) {
	raw, err := s.getRaw(ctx, backend.BlobCommitKey([]byte(hash)))
	if err != nil {
		return false, fmt.Errorf("read blob record: %w", err)
	}
	return raw != nil, nil
}

func validateBlobHash(hash string) error {
	if err := blob.ValidateHash(hash); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

func encodeUnixSeconds(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.Unix()))
	return buf
}

func decodeUnixSeconds(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, &CorruptionError{Subspace: "blob", Err: fmt.Errorf("bad timestamp length %d", len(raw))}
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}
