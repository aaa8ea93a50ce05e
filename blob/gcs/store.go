// Package gcs provides a Google Cloud Storage-based blob store.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/datastore/blob"
	"google.golang.org/api/option"
)

// Store implements blob.Store using Google Cloud Storage.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// Ensure Store implements blob.Store.
var _ blob.Store = (*Store)(nil)

// New creates a new GCS blob store.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &options{
		prefix: "blobs",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &Store{
		client: client,
		bucket: o.bucket,
		prefix: o.prefix,
		logger: o.logger,
	}, nil
}

// buildClientOptions builds GCS client options based on authentication settings.
func buildClientOptions(_ context.Context, o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption

	switch {
	case o.credentialsJSON != nil:
		// Use provided JSON credentials (service account key)
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		// Use credentials from file
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.apiKey != "":
		// Use API key (limited functionality, not recommended for production)
		opts = append(opts, option.WithAPIKey(o.apiKey))

	default:
		// Application Default Credentials (env var, gcloud login,
		// Workload Identity, or the instance service account).
	}

	// Custom endpoint for emulators and testing.
	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}

	return opts, nil
}

// Put uploads blob content to GCS under its content hash.
// If an object for the hash already exists the upload is skipped.
func (s *Store) Put(ctx context.Context, hash string, content io.Reader) error {
	if err := blob.ValidateHash(hash); err != nil {
		return err
	}
	key := s.objectKey(hash)

	obj := s.client.Bucket(s.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		s.logger.Debug("blob already in gcs", "bucket", s.bucket, "key", key)
		return nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("stat gcs object: %w", err)
	}

	// DoesNotExist guards against two writers racing the same hash.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy content to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gcs writer: %w", err)
	}

	s.logger.Debug("uploaded blob to gcs", "bucket", s.bucket, "key", key)
	return nil
}

// Get returns a reader for the blob content.
func (s *Store) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	if err := blob.ValidateHash(hash); err != nil {
		return nil, err
	}

	obj := s.client.Bucket(s.bucket).Object(s.objectKey(hash))
	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("create gcs reader: %w", err)
	}

	return r, nil
}

// Delete removes the blob from GCS.
func (s *Store) Delete(ctx context.Context, hash string) error {
	if err := blob.ValidateHash(hash); err != nil {
		return err
	}
	key := s.objectKey(hash)

	obj := s.client.Bucket(s.bucket).Object(key)
	if err := obj.Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("delete object from gcs: %w", err)
	}

	s.logger.Debug("deleted blob from gcs", "bucket", s.bucket, "key", key)
	return nil
}

// Close closes the GCS client.
func (s *Store) Close() error {
	return s.client.Close()
}

// objectKey derives the GCS object name for a hash.
func (s *Store) objectKey(hash string) string {
	return path.Join(s.prefix, hash[:2], hash)
}
