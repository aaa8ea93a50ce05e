package fs

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/datastore/blob"
	"golang.org/x/crypto/blake2b"
)

func hashOf(t *testing.T, data string) string {
	t.Helper()
	sum := blake2b.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	hash := hashOf(t, "hello blob")
	if err := s.Put(ctx, hash, strings.NewReader("hello blob")); err != nil {
		t.Fatalf("put: %v", err)
	}

	r, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte("hello blob")) {
		t.Fatalf("content = %q", data)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	hash := hashOf(t, "same content")
	if err := s.Put(ctx, hash, strings.NewReader("same content")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	// Second writer with the same hash never touches the stored bytes.
	if err := s.Put(ctx, hash, strings.NewReader("ignored")); err != nil {
		t.Fatalf("second put: %v", err)
	}

	r, err := s.Get(ctx, hash)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer r.Close()
	data, _ := io.ReadAll(r)
	if string(data) != "same content" {
		t.Fatalf("content = %q, want original", data)
	}
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := s.Get(ctx, hashOf(t, "missing")); err != blob.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	hash := hashOf(t, "to delete")
	if err := s.Put(ctx, hash, strings.NewReader("to delete")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ctx, hash); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, hash); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Get(ctx, hash); err != blob.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestInvalidHashRejected(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, h := range []string{"", "short", strings.Repeat("G", 64), strings.Repeat("A", 64)} {
		if err := s.Put(ctx, h, strings.NewReader("x")); err != blob.ErrInvalidHash {
			t.Errorf("put %q: expected ErrInvalidHash, got %v", h, err)
		}
	}
}
