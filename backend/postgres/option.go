package postgres

import (
	"log/slog"
	"time"
)

// options holds postgres backend configuration.
type options struct {
	table   string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures the postgres backend.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		table:   "datastore_kv",
		timeout: 10 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithTable sets the key-value table name. Defaults to "datastore_kv".
func WithTable(table string) Option {
	return func(o *options) {
		if table != "" {
			o.table = table
		}
	}
}

// WithConnectTimeout bounds the Connect ping and schema setup.
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
