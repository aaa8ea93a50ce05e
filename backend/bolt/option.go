package bolt

import (
	"log/slog"
	"time"
)

// options holds bolt backend configuration.
type options struct {
	openTimeout time.Duration
	noGrowSync  bool
	logger      *slog.Logger
}

// Option configures the bolt backend.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		openTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithOpenTimeout sets how long Connect waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.openTimeout = d
		}
	}
}

// WithNoGrowSync disables fsync on file growth. Faster, but unsafe on
// non-ext4 filesystems; intended for tests and bulk loads.
func WithNoGrowSync(enabled bool) Option {
	return func(o *options) { o.noGrowSync = enabled }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
