package backend

import (
	"bytes"
	"testing"
)

func TestDataKeyOrderingMatchesNumericOrdering(t *testing.T) {
	// Raw byte ordering of keys must reproduce numeric ordering of the
	// encoded integers, otherwise range scans return documents out of order.
	prev := DataKey(1, 1, 0)
	for _, id := range []uint32{1, 2, 9, 10, 255, 256, 65535, 65536, 1 << 24, 1<<31 + 5} {
		cur := DataKey(1, 1, id)
		if bytes.Compare(prev, cur) >= 0 {
			t.Fatalf("key for id %d does not sort after previous key", id)
		}
		prev = cur
	}
}

func TestAccountsDoNotInterleave(t *testing.T) {
	// Every key of account 1 must sort before every key of account 2 within
	// a subspace, so per-account scans never observe foreign data.
	last1 := DataKey(1, 0xff, 1<<32-1)
	first2 := DataKey(2, 0, 0)
	if bytes.Compare(last1, first2) >= 0 {
		t.Fatalf("account 1 keys interleave with account 2 keys")
	}
}

func TestIndexKeySortsByValueThenDocument(t *testing.T) {
	a := IndexKey(1, 1, 3, []byte("apple"), 7)
	b := IndexKey(1, 1, 3, []byte("apple"), 8)
	c := IndexKey(1, 1, 3, []byte("banana"), 1)
	if !(bytes.Compare(a, b) < 0 && bytes.Compare(b, c) < 0) {
		t.Fatalf("sorted-index keys out of order: %x %x %x", a, b, c)
	}
	id, err := ParseIndexKeyDocumentID(b)
	if err != nil {
		t.Fatalf("parse index key: %v", err)
	}
	if id != 8 {
		t.Errorf("document id = %d, want 8", id)
	}
}

func TestLogKeyRoundTrip(t *testing.T) {
	key := LogKey(42, 1234567)
	seq, err := ParseLogKey(key)
	if err != nil {
		t.Fatalf("parse log key: %v", err)
	}
	if seq != 1234567 {
		t.Errorf("sequence = %d, want 1234567", seq)
	}
	if _, err := ParseLogKey(key[:8]); err == nil {
		t.Errorf("expected corruption error for truncated key")
	}
}

func TestTermKeyRoundTrip(t *testing.T) {
	key := TermKey(9, 2, "hello", TermStemmed, 5, 77)
	term, marker, field, id, err := ParseTermKey(key)
	if err != nil {
		t.Fatalf("parse term key: %v", err)
	}
	if term != "hello" || marker != TermStemmed || field != 5 || id != 77 {
		t.Errorf("got (%q, %d, %d, %d)", term, marker, field, id)
	}
}

func TestTermPrefixCoversPostings(t *testing.T) {
	prefix := TermPrefix(9, 2, "hello", TermExact)
	key := TermKey(9, 2, "hello", TermExact, 1, 1)
	if !bytes.HasPrefix(key, prefix) {
		t.Fatalf("posting key does not share its term prefix")
	}
	other := TermKey(9, 2, "helloworld", TermExact, 1, 1)
	if bytes.HasPrefix(other, prefix) {
		t.Fatalf("longer term must not match exact-term prefix")
	}
	// Prefix queries intentionally match longer terms.
	rp := TermRangePrefix(9, 2, "hello")
	if !bytes.HasPrefix(other, rp) {
		t.Fatalf("range prefix should cover longer terms")
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{[]byte{0x01, 0x02, 0x03}, []byte{0x01, 0x02, 0x04}},
	}
	for _, tt := range tests {
		got := PrefixEnd(tt.prefix)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("PrefixEnd(%x) = %x, want %x", tt.prefix, got, tt.want)
		}
	}
}

func TestCounterRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 1 << 40, -(1 << 40)} {
		got, err := DecodeCounter(EncodeCounter(v))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != v {
			t.Errorf("counter %d round-tripped to %d", v, got)
		}
	}
	if v, err := DecodeCounter(nil); err != nil || v != 0 {
		t.Errorf("nil counter should decode to 0, got %d, %v", v, err)
	}
	if _, err := DecodeCounter([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected corruption error for short counter")
	}
}

func TestDocumentIDKeyRoundTrip(t *testing.T) {
	key := DocumentIDKey(7, 3)
	if !bytes.HasPrefix(key, DocumentIDPrefix(7)) {
		t.Fatalf("id counter key %x lacks its account prefix", key)
	}
	coll, err := ParseDocumentIDKeyCollection(key)
	if err != nil {
		t.Fatalf("parse id counter key: %v", err)
	}
	if coll != 3 {
		t.Fatalf("collection = %d, want 3", coll)
	}
	if _, err := ParseDocumentIDKeyCollection(key[:5]); err == nil {
		t.Fatal("truncated key parsed without error")
	}
}
