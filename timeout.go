package datastore

import (
	"context"
	"time"

	"github.com/rbaliyan/datastore/backend"
)

// timeoutBackend decorates a backend so every data call carries its own
// deadline. A hung store operation then fails that one call instead of
// parking a commit pipeline indefinitely.
type timeoutBackend struct {
	inner   backend.Backend
	timeout time.Duration
}

var _ backend.Backend = (*timeoutBackend)(nil)

func (b *timeoutBackend) Connect(ctx context.Context) error { return b.inner.Connect(ctx) }

func (b *timeoutBackend) Close(ctx context.Context) error { return b.inner.Close(ctx) }

func (b *timeoutBackend) Capabilities() backend.Capabilities { return b.inner.Capabilities() }

func (b *timeoutBackend) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Get(ctx, key)
}

// Iterate's deadline covers the whole scan, callbacks included.
func (b *timeoutBackend) Iterate(ctx context.Context, r backend.Range, fn backend.IterFunc) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Iterate(ctx, r, fn)
}

func (b *timeoutBackend) Write(ctx context.Context, batch *backend.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.Write(ctx, batch)
}

func (b *timeoutBackend) DeleteRange(ctx context.Context, from, to []byte) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.inner.DeleteRange(ctx, from, to)
}
