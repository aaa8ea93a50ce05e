package backend

import (
	"encoding/binary"
)

// Subspace tags. Every key starts with one subspace byte so that each class
// of data occupies a contiguous, independently scannable region per backend.
const (
	SubspaceData    byte = 'd' // document payloads
	SubspaceIndex   byte = 'i' // sorted secondary indexes
	SubspaceBitmap  byte = 'b' // bitmap indexes
	SubspaceLog     byte = 'l' // per-account change log
	SubspaceCounter byte = 'c' // sequence, id, and stat counters
	SubspaceBlob    byte = 'o' // blob metadata and links
	SubspaceText    byte = 't' // full-text postings
)

// Reserved field tags inside the bitmap subspace.
const (
	// FieldDocuments is the per-collection bitmap of live document ids.
	FieldDocuments byte = 0xfe
	// FieldTombstones is the per-collection bitmap of deleted document ids.
	// Iteration consults it so deletions never require a log scan.
	FieldTombstones byte = 0xff
)

// Counter kinds inside the counter subspace.
const (
	counterSeq   byte = 0x00 // per-account change sequence
	counterDocID byte = 0x01 // per-(account,collection) document id
	counterStat  byte = 0x02 // per-account named statistic
)

// Blob key kinds inside the blob subspace.
const (
	blobCommit byte = 0x00 // value: creation time, unix seconds big-endian
	blobLink   byte = 0x01 // one key per referencing document
	blobZero   byte = 0x02 // value: time the reference count reached zero
)

// Text key kinds inside the text subspace.
const (
	textPosting byte = 0x01
	textDocLen  byte = 0x02
)

// Posting markers distinguishing how a term was derived.
const (
	TermExact   byte = 0x01
	TermStemmed byte = 0x02
)

// termSep terminates the variable-length term inside a posting key. The
// tokenizer never emits terms containing a zero byte.
const termSep byte = 0x00

// KeyBuilder assembles composite keys. Multi-byte integers are big-endian so
// raw byte order equals numeric order; this is the ordering contract every
// backend must preserve.
type KeyBuilder struct {
	buf []byte
}

// NewKeyBuilder returns a builder with the given capacity hint.
func NewKeyBuilder(capacity int) *KeyBuilder {
	return &KeyBuilder{buf: make([]byte, 0, capacity)}
}

func (k *KeyBuilder) Byte(v byte) *KeyBuilder {
	k.buf = append(k.buf, v)
	return k
}

func (k *KeyBuilder) Uint32(v uint32) *KeyBuilder {
	k.buf = binary.BigEndian.AppendUint32(k.buf, v)
	return k
}

func (k *KeyBuilder) Uint64(v uint64) *KeyBuilder {
	k.buf = binary.BigEndian.AppendUint64(k.buf, v)
	return k
}

func (k *KeyBuilder) Bytes(v []byte) *KeyBuilder {
	k.buf = append(k.buf, v...)
	return k
}

func (k *KeyBuilder) String(v string) *KeyBuilder {
	k.buf = append(k.buf, v...)
	return k
}

// Key returns the assembled key. The builder must not be reused afterwards.
func (k *KeyBuilder) Key() []byte { return k.buf }

// DataKey locates a document payload.
func DataKey(account uint32, collection byte, documentID uint32) []byte {
	return NewKeyBuilder(10).
		Byte(SubspaceData).Uint32(account).Byte(collection).Uint32(documentID).
		Key()
}

// IndexKey locates one sorted-index entry. The value bytes participate in the
// key so a range scan yields documents pre-sorted by field value, then id.
func IndexKey(account uint32, collection, field byte, value []byte, documentID uint32) []byte {
	return NewKeyBuilder(11 + len(value)).
		Byte(SubspaceIndex).Uint32(account).Byte(collection).Byte(field).
		Bytes(value).Uint32(documentID).
		Key()
}

// IndexPrefix is the common prefix of all sorted-index entries for a field.
func IndexPrefix(account uint32, collection, field byte) []byte {
	return NewKeyBuilder(7).
		Byte(SubspaceIndex).Uint32(account).Byte(collection).Byte(field).
		Key()
}

// IndexValuePrefix is the prefix of sorted-index entries for one field value.
func IndexValuePrefix(account uint32, collection, field byte, value []byte) []byte {
	return NewKeyBuilder(7 + len(value)).
		Byte(SubspaceIndex).Uint32(account).Byte(collection).Byte(field).
		Bytes(value).
		Key()
}

// ParseIndexKeyDocumentID extracts the document id from a sorted-index key.
func ParseIndexKeyDocumentID(key []byte) (uint32, error) {
	if len(key) < 11 {
		return 0, ErrCorrupted
	}
	return binary.BigEndian.Uint32(key[len(key)-4:]), nil
}

// BitmapKey locates the compressed id set for one (field, value hash) pair.
func BitmapKey(account uint32, collection, field byte, valueHash uint64) []byte {
	return NewKeyBuilder(15).
		Byte(SubspaceBitmap).Uint32(account).Byte(collection).Byte(field).
		Uint64(valueHash).
		Key()
}

// DocumentsBitmapKey locates the per-collection bitmap of live ids.
func DocumentsBitmapKey(account uint32, collection byte) []byte {
	return BitmapKey(account, collection, FieldDocuments, 0)
}

// TombstoneBitmapKey locates the per-collection bitmap of deleted ids.
func TombstoneBitmapKey(account uint32, collection byte) []byte {
	return BitmapKey(account, collection, FieldTombstones, 0)
}

// LogKey locates one change record. Change sequence numbers sort ascending.
func LogKey(account uint32, sequence uint64) []byte {
	return NewKeyBuilder(13).
		Byte(SubspaceLog).Uint32(account).Uint64(sequence).
		Key()
}

// LogPrefix is the common prefix of an account's change log.
func LogPrefix(account uint32) []byte {
	return NewKeyBuilder(5).Byte(SubspaceLog).Uint32(account).Key()
}

// ParseLogKey extracts the sequence number from a change-log key.
func ParseLogKey(key []byte) (sequence uint64, err error) {
	if len(key) != 13 {
		return 0, ErrCorrupted
	}
	return binary.BigEndian.Uint64(key[5:]), nil
}

// SequenceKey locates the per-account change sequence counter.
func SequenceKey(account uint32) []byte {
	return NewKeyBuilder(6).
		Byte(SubspaceCounter).Uint32(account).Byte(counterSeq).
		Key()
}

// DocumentIDKey locates the per-(account,collection) document id counter.
func DocumentIDKey(account uint32, collection byte) []byte {
	return NewKeyBuilder(7).
		Byte(SubspaceCounter).Uint32(account).Byte(counterDocID).Byte(collection).
		Key()
}

// DocumentIDPrefix is the common prefix of an account's document id counters,
// one per collection that ever allocated an id.
func DocumentIDPrefix(account uint32) []byte {
	return NewKeyBuilder(6).
		Byte(SubspaceCounter).Uint32(account).Byte(counterDocID).
		Key()
}

// ParseDocumentIDKeyCollection extracts the collection from a document id
// counter key.
func ParseDocumentIDKeyCollection(key []byte) (byte, error) {
	if len(key) != 7 {
		return 0, ErrCorrupted
	}
	return key[6], nil
}

// StatKey locates a per-account named statistic counter.
func StatKey(account uint32, stat byte) []byte {
	return NewKeyBuilder(7).
		Byte(SubspaceCounter).Uint32(account).Byte(counterStat).Byte(stat).
		Key()
}

// BlobCommitKey locates a blob's existence record (value: creation time).
func BlobCommitKey(hash []byte) []byte {
	return NewKeyBuilder(len(hash) + 2).
		Byte(SubspaceBlob).Bytes(hash).Byte(blobCommit).
		Key()
}

// BlobLinkKey records one document's reference to a blob.
func BlobLinkKey(hash []byte, account uint32, collection byte, documentID uint32) []byte {
	return NewKeyBuilder(len(hash) + 11).
		Byte(SubspaceBlob).Bytes(hash).Byte(blobLink).
		Uint32(account).Byte(collection).Uint32(documentID).
		Key()
}

// BlobLinkPrefix is the common prefix of all link keys for a blob.
func BlobLinkPrefix(hash []byte) []byte {
	return NewKeyBuilder(len(hash) + 2).
		Byte(SubspaceBlob).Bytes(hash).Byte(blobLink).
		Key()
}

// BlobZeroKey marks when a blob's reference count reached zero.
func BlobZeroKey(hash []byte) []byte {
	return NewKeyBuilder(len(hash) + 2).
		Byte(SubspaceBlob).Bytes(hash).Byte(blobZero).
		Key()
}

// BlobPrefix is the common prefix of all metadata for a blob.
func BlobPrefix(hash []byte) []byte {
	return NewKeyBuilder(len(hash) + 1).
		Byte(SubspaceBlob).Bytes(hash).
		Key()
}

// TermKey locates one full-text posting. The value stored under it is the
// varint-encoded position list; term frequency is the number of positions.
func TermKey(account uint32, collection byte, term string, marker, field byte, documentID uint32) []byte {
	return NewKeyBuilder(14 + len(term)).
		Byte(SubspaceText).Uint32(account).Byte(collection).Byte(textPosting).
		String(term).Byte(termSep).Byte(marker).Byte(field).Uint32(documentID).
		Key()
}

// TermPrefix is the common prefix of all postings for one exact term.
func TermPrefix(account uint32, collection byte, term string, marker byte) []byte {
	return NewKeyBuilder(10 + len(term)).
		Byte(SubspaceText).Uint32(account).Byte(collection).Byte(textPosting).
		String(term).Byte(termSep).Byte(marker).
		Key()
}

// TermRangePrefix is the common prefix of all postings whose term starts with
// the given prefix, used by prefix queries.
func TermRangePrefix(account uint32, collection byte, prefix string) []byte {
	return NewKeyBuilder(8 + len(prefix)).
		Byte(SubspaceText).Uint32(account).Byte(collection).Byte(textPosting).
		String(prefix).
		Key()
}

// ParseTermKey splits a posting key into its term, marker, field, and
// document id components.
func ParseTermKey(key []byte) (term string, marker, field byte, documentID uint32, err error) {
	// subspace + account + collection + kind = 7 bytes, then term, sep,
	// marker, field, 4-byte id.
	if len(key) < 14 {
		return "", 0, 0, 0, ErrCorrupted
	}
	body := key[7 : len(key)-7]
	sep := key[len(key)-7]
	if sep != termSep {
		return "", 0, 0, 0, ErrCorrupted
	}
	term = string(body)
	marker = key[len(key)-6]
	field = key[len(key)-5]
	documentID = binary.BigEndian.Uint32(key[len(key)-4:])
	return term, marker, field, documentID, nil
}

// DocLenKey locates the per-document token count used by ranking.
func DocLenKey(account uint32, collection byte, documentID uint32) []byte {
	return NewKeyBuilder(11).
		Byte(SubspaceText).Uint32(account).Byte(collection).Byte(textDocLen).
		Uint32(documentID).
		Key()
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, for use as an exclusive range end. Returns nil when the prefix is
// all 0xff bytes (scan to the end of the keyspace).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// PrefixRange returns the scan range covering exactly the keys with prefix.
func PrefixRange(prefix []byte) Range {
	return Range{Start: prefix, End: PrefixEnd(prefix)}
}
