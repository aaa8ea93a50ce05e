package memory

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/rbaliyan/datastore/backend"
)

func newConnected(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	var b backend.Batch
	b.Put([]byte("a"), []byte("1"))
	b.Put([]byte("b"), []byte("2"))
	if err := s.Write(ctx, &b); err != nil {
		t.Fatalf("write: %v", err)
	}

	v, err := s.Get(ctx, []byte("a"))
	if err != nil || !bytes.Equal(v, []byte("1")) {
		t.Fatalf("get a = %q, %v", v, err)
	}

	var d backend.Batch
	d.Delete([]byte("a"))
	if err := s.Write(ctx, &d); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, []byte("a")); !backend.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIterateOrderAndBounds(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	var b backend.Batch
	for _, k := range []string{"ab", "aa", "ba", "ac", "b"} {
		b.Put([]byte(k), []byte(k))
	}
	if err := s.Write(ctx, &b); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []string
	err := s.Iterate(ctx, backend.Range{Start: []byte("aa"), End: []byte("b")},
		func(k, v []byte) (bool, error) {
			got = append(got, string(k))
			return true, nil
		})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []string{"aa", "ab", "ac"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	got = got[:0]
	err = s.Iterate(ctx, backend.Range{Start: []byte("aa"), End: []byte("b"), Reverse: true, Limit: 2},
		func(k, v []byte) (bool, error) {
			got = append(got, string(k))
			return true, nil
		})
	if err != nil {
		t.Fatalf("reverse iterate: %v", err)
	}
	if len(got) != 2 || got[0] != "ac" || got[1] != "ab" {
		t.Fatalf("reverse got %v, want [ac ab]", got)
	}
}

func TestAssertConflictLeavesNothingApplied(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	var b backend.Batch
	b.Put([]byte("doc"), []byte("v1"))
	if err := s.Write(ctx, &b); err != nil {
		t.Fatalf("write: %v", err)
	}

	var c backend.Batch
	c.Assert([]byte("doc"), []byte("stale"))
	c.Put([]byte("doc"), []byte("v2"))
	c.Put([]byte("other"), []byte("x"))
	if err := s.Write(ctx, &c); !backend.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if v, _ := s.Get(ctx, []byte("doc")); !bytes.Equal(v, []byte("v1")) {
		t.Errorf("doc = %q, want v1", v)
	}
	if _, err := s.Get(ctx, []byte("other")); !backend.IsNotFound(err) {
		t.Errorf("conflicted batch leaked a write: %v", err)
	}

	// Absence assertion.
	var d backend.Batch
	d.Assert([]byte("missing"), nil)
	d.Put([]byte("missing"), []byte("y"))
	if err := s.Write(ctx, &d); err != nil {
		t.Fatalf("absence assert should pass: %v", err)
	}
}

func TestConcurrentAddsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)
	key := []byte("counter")

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				var b backend.Batch
				b.Add(key, 1)
				if err := s.Write(ctx, &b); err != nil {
					t.Errorf("add: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	raw, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	v, err := backend.DecodeCounter(raw)
	if err != nil {
		t.Fatalf("decode counter: %v", err)
	}
	if v != workers*perWorker {
		t.Errorf("counter = %d, want %d", v, workers*perWorker)
	}
}

func TestDeleteRange(t *testing.T) {
	ctx := context.Background()
	s := newConnected(t)

	var b backend.Batch
	for _, k := range []string{"a", "b", "c", "d"} {
		b.Put([]byte(k), []byte(k))
	}
	if err := s.Write(ctx, &b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.DeleteRange(ctx, []byte("b"), []byte("d")); err != nil {
		t.Fatalf("delete range: %v", err)
	}
	for k, want := range map[string]bool{"a": true, "b": false, "c": false, "d": true} {
		_, err := s.Get(ctx, []byte(k))
		if want && err != nil {
			t.Errorf("key %s should survive: %v", k, err)
		}
		if !want && !backend.IsNotFound(err) {
			t.Errorf("key %s should be deleted, got %v", k, err)
		}
	}
}
