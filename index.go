package datastore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/rbaliyan/datastore/backend"
)

// indexSet is the full secondary-index footprint of one document version.
// Commits diff the old and new footprints so unchanged entries are never
// touched.
type indexSet struct {
	sorted   map[string]struct{} // sorted-index keys
	bitmaps  map[string]uint64   // bitmap key -> value hash (kept for diagnostics)
	postings map[string][]byte   // posting key -> encoded position list
	blobs    map[string]struct{} // referenced blob hashes
	docLen   int                 // total token count across text fields
}

func newIndexSet() *indexSet {
	return &indexSet{
		sorted:   make(map[string]struct{}),
		bitmaps:  make(map[string]uint64),
		postings: make(map[string][]byte),
		blobs:    make(map[string]struct{}),
	}
}

// buildIndexSet computes the index footprint of a field set.
func (s *service) buildIndexSet(account uint32, collection Collection, documentID uint32, fields []Field) (*indexSet, error) {
	set := newIndexSet()
	coll := byte(collection)

	for _, f := range fields {
		if f.Index&IndexSorted != 0 {
			for _, term := range indexTerms(f.Value) {
				key := backend.IndexKey(account, coll, f.ID, term, documentID)
				set.sorted[string(key)] = struct{}{}
			}
		}
		if f.Index&IndexBitmap != 0 {
			for _, term := range indexTerms(f.Value) {
				h := xxhash.Sum64(term)
				key := backend.BitmapKey(account, coll, f.ID, h)
				set.bitmaps[string(key)] = h
			}
		}
		if f.Index&IndexText != 0 {
			if err := s.buildPostings(set, account, coll, documentID, f); err != nil {
				return nil, err
			}
		}
		if f.Index&IndexBlob != 0 {
			hash := f.Value.Str
			if err := validateBlobHash(hash); err != nil {
				return nil, err
			}
			set.blobs[hash] = struct{}{}
		}
	}
	return set, nil
}

// buildPostings tokenizes one text field into posting entries. Exact terms
// and stemmed forms are stored under distinct markers so phrase matching can
// stay exact while term matching also sees stems.
func (s *service) buildPostings(set *indexSet, account uint32, collection byte, documentID uint32, f Field) error {
	text := fieldText(f.Value)
	if text == "" {
		return nil
	}
	tokens := s.tokenizer.Tokenize(text, f.Locale)
	set.docLen += len(tokens)

	// Group positions per (term, marker) so repeated terms share one posting.
	type postingKey struct {
		term   string
		marker byte
	}
	positions := make(map[postingKey][]uint32)
	for _, tok := range tokens {
		positions[postingKey{tok.Term, backend.TermExact}] = append(
			positions[postingKey{tok.Term, backend.TermExact}], uint32(tok.Position))
		if tok.Stemmed != "" {
			positions[postingKey{tok.Stemmed, backend.TermStemmed}] = append(
				positions[postingKey{tok.Stemmed, backend.TermStemmed}], uint32(tok.Position))
		}
	}

	for pk, pos := range positions {
		key := backend.TermKey(account, collection, pk.term, pk.marker, f.ID, documentID)
		set.postings[string(key)] = encodePositions(pos)
	}
	return nil
}

// fieldText is the text submitted to the tokenizer for a text-indexed field.
func fieldText(v Value) string {
	if v.Kind == KindKeywords {
		return strings.Join(v.Words, " ")
	}
	return v.Str
}

// encodePositions renders an ascending position list as uvarint gaps.
func encodePositions(positions []uint32) []byte {
	buf := make([]byte, 0, len(positions)*2)
	prev := uint32(0)
	for _, p := range positions {
		buf = binary.AppendUvarint(buf, uint64(p-prev))
		prev = p
	}
	return buf
}

// decodePositions reverses encodePositions.
func decodePositions(raw []byte) ([]uint32, error) {
	var positions []uint32
	pos := uint32(0)
	for len(raw) > 0 {
		gap, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, &CorruptionError{Subspace: "text", Err: errors.New("bad position varint")}
		}
		pos += uint32(gap)
		positions = append(positions, pos)
		raw = raw[n:]
	}
	return positions, nil
}

// bitmapChange accumulates the id additions and removals for one bitmap key
// within a commit.
type bitmapChange struct {
	key []byte
	add []uint32
	del []uint32
}

// applyBitmapChange reads the current bitmap, pins it with an assertion, and
// appends the updated serialization to the batch. An emptied bitmap is
// deleted rather than stored.
func (s *service) applyBitmapChange(ctx context.Context, batch *backend.Batch, ch *bitmapChange) error {
	raw, err := s.backend.Get(ctx, ch.key)
	if err != nil && !backend.IsNotFound(err) {
		return fmt.Errorf("read bitmap: %w", err)
	}

	bm := roaring.New()
	if len(raw) > 0 {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return &CorruptionError{Subspace: "bitmap", Err: err}
		}
	}

	for _, id := range ch.add {
		bm.Add(id)
	}
	for _, id := range ch.del {
		bm.Remove(id)
	}

	batch.Assert(ch.key, raw)
	if bm.IsEmpty() {
		if len(raw) > 0 {
			batch.Delete(ch.key)
		}
		return nil
	}
	out, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("serialize bitmap: %w", err)
	}
	batch.Put(ch.key, out)
	return nil
}

// readBitmap loads a bitmap key, returning an empty bitmap for absent keys.
func (s *service) readBitmap(ctx context.Context, key []byte) (*roaring.Bitmap, error) {
	raw, err := s.backend.Get(ctx, key)
	if err != nil {
		if backend.IsNotFound(err) {
			return roaring.New(), nil
		}
		return nil, fmt.Errorf("read bitmap: %w", err)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(raw); err != nil {
		return nil, &CorruptionError{Subspace: "bitmap", Err: err}
	}
	return bm, nil
}

// encodeDocLen stores the token count used by search ranking.
func encodeDocLen(n int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(n))
	return buf
}

func decodeDocLen(raw []byte) (int, error) {
	if len(raw) != 4 {
		return 0, &CorruptionError{Subspace: "text", Err: errors.New("bad document length record")}
	}
	return int(binary.BigEndian.Uint32(raw)), nil
}
