package sqlite

import "log/slog"

// options holds sqlite backend configuration.
type options struct {
	table  string
	logger *slog.Logger
}

// Option configures the sqlite backend.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		table:  "datastore_kv",
		logger: slog.Default(),
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

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
