package mongo

import (
	"log/slog"
	"time"
)

// options holds mongo backend configuration.
type options struct {
	database   string
	collection string
	timeout    time.Duration
	logger     *slog.Logger
}

// Option configures the mongo backend.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		database:   "datastore",
		collection: "kv",
		timeout:    10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithDatabase sets the database name. Defaults to "datastore".
func WithDatabase(name string) Option {
	return func(o *options) {
		if name != "" {
			o.database = name
		}
	}
}

// WithCollection sets the collection name. Defaults to "kv".
func WithCollection(name string) Option {
	return func(o *options) {
		if name != "" {
			o.collection = name
		}
	}
}

// WithConnectTimeout bounds the Connect ping.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
