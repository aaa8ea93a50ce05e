package datastore

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Collection identifies a document class within an account, e.g. mailboxes,
// messages, contacts. Values are assigned by the application; the engine only
// uses them to partition keys.
type Collection uint8

// Index selects which secondary structures are maintained for a field.
// Flags combine with bitwise or.
type Index uint8

const (
	// IndexNone stores the field in the payload only.
	IndexNone Index = 0
	// IndexSorted maintains a sorted-index entry so the field can drive
	// range filters and result ordering.
	IndexSorted Index = 1 << iota
	// IndexBitmap maintains a bitmap of document ids per distinct value for
	// fast equality filters.
	IndexBitmap
	// IndexText tokenizes string values into full-text postings.
	IndexText
	// IndexBlob treats the string value as a blob hash and maintains a
	// reference link for the document's lifetime.
	IndexBlob
)

// ValueKind discriminates the variants of Value.
type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindNumber
	KindKeywords
)

// Value is the tagged union stored in a field. Use the String, Number and
// Keywords constructors rather than filling the struct directly.
type Value struct {
	Kind  ValueKind `msgpack:"k"`
	Str   string    `msgpack:"s,omitempty"`
	Num   int64     `msgpack:"n,omitempty"`
	Words []string  `msgpack:"w,omitempty"`
}

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Number returns a numeric value. Numbers sort by signed magnitude in the
// sorted index.
func Number(n int64) Value { return Value{Kind: KindNumber, Num: n} }

// Keywords returns a multi-valued keyword set. Each distinct keyword gets its
// own bitmap and sorted-index entry.
func Keywords(words ...string) Value { return Value{Kind: KindKeywords, Words: words} }

// Field is one named slot of a document. ID is application-assigned and must
// be stable across writes for index maintenance to work.
type Field struct {
	ID     uint8  `msgpack:"f"`
	Value  Value  `msgpack:"v"`
	Index  Index  `msgpack:"i,omitempty"`
	Locale string `msgpack:"l,omitempty"` // text analysis language for IndexText, e.g. "en"
}

// Document is a fetched document together with its location.
type Document struct {
	Account    uint32
	Collection Collection
	ID         uint32
	Fields     []Field
}

// Field returns the field with the given id, or nil.
func (d *Document) Field(id uint8) *Field {
	for i := range d.Fields {
		if d.Fields[i].ID == id {
			return &d.Fields[i]
		}
	}
	return nil
}

// encodeDocument serializes the field set for the data subspace.
func encodeDocument(fields []Field) ([]byte, error) {
	raw, err := msgpack.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return raw, nil
}

// decodeDocument deserializes a payload previously written by encodeDocument.
func decodeDocument(raw []byte) ([]Field, error) {
	var fields []Field
	if err := msgpack.Unmarshal(raw, &fields); err != nil {
		return nil, &CorruptionError{Subspace: "data", Err: err}
	}
	return fields, nil
}

// sortableBytes renders a single index term so that lexicographic byte order
// equals the value's natural order. Numbers get a sign-flipped big-endian
// form; strings index their raw bytes.
func sortableBytes(v Value) []byte {
	switch v.Kind {
	case KindNumber:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(v.Num)^(1<<63))
		return buf
	default:
		return []byte(v.Str)
	}
}

// indexTerms expands a value into the terms that receive index entries. A
// keyword set produces one term per keyword; scalars produce one.
func indexTerms(v Value) [][]byte {
	if v.Kind == KindKeywords {
		terms := make([][]byte, 0, len(v.Words))
		for _, w := range v.Words {
			terms = append(terms, []byte(w))
		}
		return terms
	}
	return [][]byte{sortableBytes(v)}
}

func validateFields(fields []Field) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: document needs at least one field", ErrInvalidRequest)
	}
	seen := make(map[uint8]bool, len(fields))
	for _, f := range fields {
		if seen[f.ID] {
			return fmt.Errorf("%w: duplicate field id %d", ErrInvalidRequest, f.ID)
		}
		seen[f.ID] = true
		switch f.Value.Kind {
		case KindString, KindNumber, KindKeywords:
		default:
			return fmt.Errorf("%w: field %d has no value", ErrInvalidRequest, f.ID)
		}
		if f.Index&IndexBlob != 0 && f.Value.Kind != KindString {
			return fmt.Errorf("%w: field %d: blob reference must be a string hash", ErrInvalidRequest, f.ID)
		}
		if f.Index&IndexText != 0 && f.Value.Kind == KindNumber {
			return fmt.Errorf("%w: field %d: numeric values cannot be text indexed", ErrInvalidRequest, f.ID)
		}
	}
	return nil
}
