// Package fs provides a local filesystem blob store.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rbaliyan/datastore/blob"
)

// Store implements blob.Store on a local directory.
//
// Blobs live under root/<hh>/<hash> where <hh> is the first two hex
// characters of the hash. Writes go through a temp file plus rename so
// readers never observe a partially written blob.
type Store struct {
	root   string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a filesystem blob store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	o := &options{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if dir == "" {
		return nil, fmt.Errorf("directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}

	return &Store{
		root:   dir,
		logger: o.logger,
	}, nil
}

// Put stores blob content under its content hash.
// If a file for the hash already exists the write is skipped.
func (s *Store) Put(ctx context.Context, hash string, content io.Reader) error {
	if err := blob.ValidateHash(hash); err != nil {
		return err
	}
	path := s.blobPath(hash)

	if _, err := os.Stat(path); err == nil {
		s.logger.Debug("blob already on disk", "path", path)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create fan-out directory: %w", err)
	}

	// A unique temp name per write lets concurrent puts of the same hash
	// race harmlessly; the final rename is atomic either way.
	tmp, err := os.OpenFile(filepath.Join(s.root, "tmp-"+uuid.New().String()),
		os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write blob content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move blob into place: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Debug("stored blob", "path", path)
	return nil
}

// Get returns a reader for the blob content.
func (s *Store) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := blob.ValidateHash(hash); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("open blob file: %w", err)
	}
	return f, nil
}

// Delete removes the blob file.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := blob.ValidateHash(hash); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := s.blobPath(hash)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove blob file: %w", err)
	}

	s.logger.Debug("deleted blob", "path", path)
	return nil
}

// blobPath derives the on-disk path for a hash.
func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.root, hash[:2], hash)
}
