package backend

import "encoding/binary"

// OpKind identifies a batch operation.
type OpKind uint8

const (
	// OpPut stores Value under Key, replacing any existing value.
	OpPut OpKind = iota + 1
	// OpDelete removes Key. Deleting an absent key is not an error.
	OpDelete
	// OpAdd atomically adds Delta to the int64 counter stored under Key,
	// treating an absent key as zero. The resulting value is encoded with
	// EncodeCounter. A counter that reaches exactly zero is kept, not
	// removed; callers decide when zero-valued counters may be purged.
	OpAdd
	// OpAssert pins the expected current value of Key. The batch fails with
	// ErrConflict unless the stored value equals Expected byte-for-byte
	// (nil Expected asserts absence). Assertions are checked inside the same
	// transaction that applies the batch.
	OpAssert
)

// Op is a single batch operation.
type Op struct {
	Kind     OpKind
	Key      []byte
	Value    []byte // OpPut
	Delta    int64  // OpAdd
	Expected []byte // OpAssert; nil asserts the key is absent
}

// Batch is an ordered set of operations applied atomically by Write.
// A batch is built by one goroutine and must not be reused after Write.
type Batch struct {
	Ops []Op
}

// Put appends a put operation.
func (b *Batch) Put(key, value []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpPut, Key: key, Value: value})
}

// Delete appends a delete operation.
func (b *Batch) Delete(key []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpDelete, Key: key})
}

// Add appends an atomic counter add.
func (b *Batch) Add(key []byte, delta int64) {
	b.Ops = append(b.Ops, Op{Kind: OpAdd, Key: key, Delta: delta})
}

// Assert appends a value assertion. Pass nil to assert absence.
func (b *Batch) Assert(key, expected []byte) {
	b.Ops = append(b.Ops, Op{Kind: OpAssert, Key: key, Expected: expected})
}

// Len returns the number of operations accumulated so far.
func (b *Batch) Len() int { return len(b.Ops) }

// EncodeCounter encodes a counter value as 8 big-endian bytes. Counters use
// two's complement so negative intermediate values round-trip; byte order of
// counter values is never used for sorting.
func EncodeCounter(v int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	return buf
}

// DecodeCounter decodes a counter value previously written by an OpAdd.
// A nil or empty value decodes to zero so absent counters read naturally.
func DecodeCounter(value []byte) (int64, error) {
	if len(value) == 0 {
		return 0, nil
	}
	if len(value) != 8 {
		return 0, ErrCorrupted
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}
