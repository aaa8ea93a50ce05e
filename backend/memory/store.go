// Package memory provides an in-memory Backend implementation for testing.
// This backend is not suitable for production use - data is not persisted.
package memory

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/rbaliyan/datastore/backend"
)

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// Store implements backend.Backend with an in-memory ordered map.
// Thread-safe for concurrent use. Not suitable for production.
type Store struct {
	mu        sync.RWMutex
	tree      *btree.BTreeG[item]
	connected int32
}

// Compile-time check
var _ backend.Backend = (*Store)(nil)

// New creates a new in-memory backend.
func New() *Store {
	return &Store{tree: btree.NewG(32, less)}
}

// Connect marks the backend as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return backend.ErrAlreadyConnected
	}
	return nil
}

// Close marks the backend as disconnected. Data is retained so tests can
// reconnect and observe state.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// Capabilities reports full metadata support: the single-process mutex gives
// atomic batches with assertion checking.
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
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.tree.Get(item{key: key})
	if !ok {
		return nil, backend.ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

// Iterate scans keys in order under a read lock. The callback receives
// copies, so it may retain them.
func (s *Store) Iterate(ctx context.Context, r backend.Range, fn backend.IterFunc) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var iterErr error
	count := 0
	visit := func(it item) bool {
		if err := ctx.Err(); err != nil {
			iterErr = err
			return false
		}
		if r.Limit > 0 && count >= r.Limit {
			return false
		}
		count++
		k := make([]byte, len(it.key))
		copy(k, it.key)
		v := make([]byte, len(it.value))
		copy(v, it.value)
		cont, err := fn(k, v)
		if err != nil {
			iterErr = err
			return false
		}
		return cont
	}

	if r.Reverse {
		// DescendLessOrEqual starts at the pivot inclusive; the exclusive End
		// bound is re-checked inside the visitor.
		start := func(it item) bool {
			if r.End != nil && bytes.Compare(it.key, r.End) >= 0 {
				return true // skip keys at or past the exclusive end
			}
			if r.Start != nil && bytes.Compare(it.key, r.Start) < 0 {
				return false
			}
			return visit(it)
		}
		if r.End != nil {
			s.tree.DescendLessOrEqual(item{key: r.End}, start)
		} else {
			s.tree.Descend(start)
		}
		return iterErr
	}

	ascend := func(it item) bool {
		if r.End != nil && bytes.Compare(it.key, r.End) >= 0 {
			return false
		}
		return visit(it)
	}
	if r.Start != nil {
		s.tree.AscendGreaterOrEqual(item{key: r.Start}, ascend)
	} else {
		s.tree.Ascend(ascend)
	}
	return iterErr
}

// Write atomically applies a batch under the write lock. Assertions are
// checked first so a conflict leaves the tree untouched.
func (s *Store) Write(ctx context.Context, b *backend.Batch) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range b.Ops {
		if op.Kind != backend.OpAssert {
			continue
		}
		cur, ok := s.tree.Get(item{key: op.Key})
		if !ok {
			if op.Expected != nil {
				return backend.ErrConflict
			}
			continue
		}
		if !bytes.Equal(cur.value, op.Expected) {
			return backend.ErrConflict
		}
	}

	for _, op := range b.Ops {
		switch op.Kind {
		case backend.OpPut:
			s.tree.ReplaceOrInsert(item{key: cloneBytes(op.Key), value: cloneBytes(op.Value)})
		case backend.OpDelete:
			s.tree.Delete(item{key: op.Key})
		case backend.OpAdd:
			var cur int64
			if it, ok := s.tree.Get(item{key: op.Key}); ok {
				v, err := backend.DecodeCounter(it.value)
				if err != nil {
					return err
				}
				cur = v
			}
			s.tree.ReplaceOrInsert(item{
				key:   cloneBytes(op.Key),
				value: backend.EncodeCounter(cur + op.Delta),
			})
		}
	}
	return nil
}

// DeleteRange removes every key in [from, to).
func (s *Store) DeleteRange(ctx context.Context, from, to []byte) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return backend.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed [][]byte
	s.tree.AscendGreaterOrEqual(item{key: from}, func(it item) bool {
		if to != nil && bytes.Compare(it.key, to) >= 0 {
			return false
		}
		doomed = append(doomed, it.key)
		return true
	})
	for _, k := range doomed {
		s.tree.Delete(item{key: k})
	}
	return nil
}

func cloneBytes(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}
