package gcs

import (
	"log/slog"
)

// options holds GCS store configuration.
type options struct {
	// Bucket configuration
	bucket string
	prefix string

	// Custom endpoint (for emulators, testing)
	endpoint string

	// Credentials options (mutually exclusive)
	credentialsJSON []byte // Service account JSON key
	credentialsFile string // Path to service account JSON file
	apiKey          string // API key (not recommended)

	// Logger
	logger *slog.Logger
}

// Option configures the GCS store.
type Option func(*options)

// WithBucket sets the GCS bucket name (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the object name prefix for blobs.
// Default is "blobs".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithEndpoint sets a custom GCS endpoint (for emulators, testing).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithCredentialsJSON sets service account credentials from JSON bytes.
// Use this when you have the service account key loaded in memory.
//
// Example:
//
//	keyJSON, _ := os.ReadFile("service-account.json")
//	store, _ := gcs.New(ctx, gcs.WithBucket("my-bucket"), gcs.WithCredentialsJSON(keyJSON))
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile sets the path to a service account JSON key file.
// This is equivalent to setting GOOGLE_APPLICATION_CREDENTIALS environment variable.
//
// Example:
//
//	store, _ := gcs.New(ctx, gcs.WithBucket("my-bucket"), gcs.WithCredentialsFile("/path/to/sa.json"))
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithAPIKey sets an API key for authentication.
// Note: API keys have limited functionality and are not recommended for production.
// Prefer service accounts or Workload Identity.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
