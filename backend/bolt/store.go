// Package bolt provides an embedded Backend implementation on top of bbolt.
// The database is a single file; writes are serialized by bbolt's single
// writer, which makes batches trivially atomic.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.etcd.io/bbolt"

	"github.com/rbaliyan/datastore/backend"
)

// bucketName is the single root bucket holding all keys. Subspace separation
// happens in the key bytes, not in bucket structure, so range scans can cross
// key classes when the engine needs it.
var bucketName = []byte("kv")

// Store implements backend.Backend using bbolt.
type Store struct {
	db        *bbolt.DB
	path      string
	opts      *options
	connected int32
	logger    *slog.Logger
}

// Compile-time check
var _ backend.Backend = (*Store)(nil)

// New creates a bolt backend storing data at path.
// Call Connect() to open the file and create the bucket.
func New(path string, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{path: path, opts: o, logger: o.logger}
}

// Connect opens the database file.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return backend.ErrAlreadyConnected
	}
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{
		Timeout:      s.opts.openTimeout,
		NoGrowSync:   s.opts.noGrowSync,
		FreelistType: bbolt.FreelistMapType,
	})
	if err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("open bolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("create bucket: %w", err)
	}
	s.db = db
	s.logger.Info("opened bolt database", "path", s.path)
	return nil
}

// Close closes the database file.
func (s *Store) Close(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 1, 0) {
		return nil
	}
	return s.db.Close()
}

// Capabilities reports full metadata support. Conflict detection is emulated
// by checking assertions inside the single writer transaction.
func (s *Store) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		AtomicBatch:       true,
		ConflictDetection: true,
		ReadYourWrites:    false,
	}
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return nil, backend.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v == nil {
			return backend.ErrNotFound
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	return out, err
}

// Iterate scans keys in order inside one read transaction.
func (s *Store) Iterate(ctx context.Context, r backend.Range, fn backend.IterFunc) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		count := 0
		emit := func(k, v []byte) (bool, error) {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			if r.Limit > 0 && count >= r.Limit {
				return false, nil
			}
			count++
			return fn(k, v)
		}

		if r.Reverse {
			k, v := seekLast(c, r.End)
			for ; k != nil; k, v = c.Prev() {
				if r.Start != nil && bytes.Compare(k, r.Start) < 0 {
					return nil
				}
				cont, err := emit(k, v)
				if err != nil || !cont {
					return err
				}
			}
			return nil
		}

		var k, v []byte
		if r.Start != nil {
			k, v = c.Seek(r.Start)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if r.End != nil && bytes.Compare(k, r.End) >= 0 {
				return nil
			}
			cont, err := emit(k, v)
			if err != nil || !cont {
				return err
			}
		}
		return nil
	})
}

// seekLast positions the cursor at the last key strictly below the exclusive
// end bound (or the last key overall when end is nil).
func seekLast(c *bbolt.Cursor, end []byte) ([]byte, []byte) {
	if end == nil {
		return c.Last()
	}
	if k, _ := c.Seek(end); k == nil {
		return c.Last()
	}
	return c.Prev()
}

// Write applies a batch inside one writer transaction. Assertions are checked
// first; a mismatch rolls the transaction back with ErrConflict.
func (s *Store) Write(ctx context.Context, b *backend.Batch) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketName)

		for _, op := range b.Ops {
			if op.Kind != backend.OpAssert {
				continue
			}
			cur := bkt.Get(op.Key)
			if cur == nil {
				if op.Expected != nil {
					return backend.ErrConflict
				}
				continue
			}
			if !bytes.Equal(cur, op.Expected) {
				return backend.ErrConflict
			}
		}

		for _, op := range b.Ops {
			switch op.Kind {
			case backend.OpPut:
				if err := bkt.Put(op.Key, op.Value); err != nil {
					return err
				}
			case backend.OpDelete:
				if err := bkt.Delete(op.Key); err != nil {
					return err
				}
			case backend.OpAdd:
				cur, err := backend.DecodeCounter(bkt.Get(op.Key))
				if err != nil {
					return err
				}
				if err := bkt.Put(op.Key, backend.EncodeCounter(cur+op.Delta)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DeleteRange removes every key in [from, to) in one writer transaction.
func (s *Store) DeleteRange(ctx context.Context, from, to []byte) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, _ := c.Seek(from); k != nil; k, _ = c.Seek(from) {
			if to != nil && bytes.Compare(k, to) >= 0 {
				return nil
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}
