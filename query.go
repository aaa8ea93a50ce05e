package datastore

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/rbaliyan/datastore/backend"
	"go.opentelemetry.io/otel/attribute"
)

// Filter is a node in a query filter tree. Build trees with Eq, Within, All,
// Any, and None.
type Filter interface {
	isFilter()
}

type eqFilter struct {
	field uint8
	value Value
}

type rangeFilter struct {
	field    uint8
	low      *Value // nil means open
	high     *Value // nil means open
	lowIncl  bool
	highIncl bool
}

type andFilter struct{ operands []Filter }
type orFilter struct{ operands []Filter }
type notFilter struct{ operand Filter }

func (eqFilter) isFilter()    {}
func (rangeFilter) isFilter() {}
func (andFilter) isFilter()   {}
func (orFilter) isFilter()    {}
func (notFilter) isFilter()   {}

// Eq matches documents whose field equals the value. The field must be
// indexed with IndexBitmap.
func Eq(field uint8, value Value) Filter {
	return eqFilter{field: field, value: value}
}

// Within matches documents whose field lies in [low, high]. Pass a nil bound
// to leave that side open. The field must be indexed with IndexSorted.
func Within(field uint8, low, high *Value) Filter {
	return rangeFilter{field: field, low: low, high: high, lowIncl: true, highIncl: true}
}

// Before matches documents whose field is strictly below the value.
func Before(field uint8, value Value) Filter {
	return rangeFilter{field: field, high: &value}
}

// After matches documents whose field is strictly above the value.
func After(field uint8, value Value) Filter {
	return rangeFilter{field: field, low: &value}
}

// All matches documents satisfying every operand.
func All(operands ...Filter) Filter { return andFilter{operands: operands} }

// Any matches documents satisfying at least one operand.
func Any(operands ...Filter) Filter { return orFilter{operands: operands} }

// None matches live documents not satisfying the operand.
func None(operand Filter) Filter { return notFilter{operand: operand} }

// SortSpec orders query results by a sorted-indexed field.
type SortSpec struct {
	Field      uint8
	Descending bool
}

// QueryRequest describes one index query.
type QueryRequest struct {
	Account    uint32
	Collection Collection

	// Filter restricts the result set. Nil matches every live document.
	Filter Filter

	// Sort orders results by a field carrying IndexSorted. Without it,
	// results come back in ascending document id order.
	Sort *SortSpec

	// Limit caps the page size; 0 uses the service default.
	Limit int

	// Offset skips results from the front, for page continuation.
	Offset int
}

// QueryResult is one page of matching document ids.
type QueryResult struct {
	IDs []uint32
	// Total is the full match count before pagination.
	Total uint64
	// Position is the offset of the first id in IDs; Position+len(IDs) is
	// the Offset for the next page.
	Position int
}

// Query evaluates a filter tree against the secondary indexes.
func (s *service) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.query",
		attribute.Int64("account", int64(req.Account)),
		attribute.Int("collection", int(req.Collection)),
	)
	start := time.Now()
	var queryErr error
	var resultCount int
	defer func() {
		endSpan(queryErr)
		s.otel.recordQuery(ctx, time.Since(start), resultCount, queryErr)
	}()

	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.defaultQueryLimit
	}
	if limit > s.opts.maxQueryLimit {
		limit = s.opts.maxQueryLimit
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	live, err := s.readBitmap(ctx, backend.DocumentsBitmapKey(req.Account, byte(req.Collection)))
	if err != nil {
		queryErr = err
		return nil, queryErr
	}

	matches := live
	if req.Filter != nil {
		matches, err = s.evalFilter(ctx, req.Account, req.Collection, live, req.Filter)
		if err != nil {
			queryErr = err
			return nil, queryErr
		}
		// Index entries can linger for ids deleted by a concurrent commit
		// between our reads; the live set is authoritative.
		matches.And(live)
	}

	total := matches.GetCardinality()

	var ids []uint32
	if req.Sort != nil {
		ids, err = s.sortByIndex(ctx, req.Account, req.Collection, *req.Sort, matches, offset, limit)
		if err != nil {
			queryErr = err
			return nil, queryErr
		}
	} else {
		ids = paginateBitmap(matches, offset, limit)
	}
	resultCount = len(ids)

	return &QueryResult{IDs: ids, Total: total, Position: offset}, nil
}

// evalFilter recursively evaluates a filter node into a bitmap of ids.
func (s *service) evalFilter(ctx context.Context, account uint32, collection Collection, live *roaring.Bitmap, f Filter) (*roaring.Bitmap, error) {
	switch node := f.(type) {
	case eqFilter:
		return s.evalEq(ctx, account, collection, node)
	case rangeFilter:
		return s.evalRange(ctx, account, collection, node)
	case andFilter:
		return s.evalAnd(ctx, account, collection, live, node)
	case orFilter:
		result := roaring.New()
		for _, op := range node.operands {
			bm, err := s.evalFilter(ctx, account, collection, live, op)
			if err != nil {
				return nil, err
			}
			result.Or(bm)
		}
		return result, nil
	case notFilter:
		bm, err := s.evalFilter(ctx, account, collection, live, node.operand)
		if err != nil {
			return nil, err
		}
		result := live.Clone()
		result.AndNot(bm)
		return result, nil
	default:
		return nil, fmt.Errorf("%w: unknown filter %T", ErrInvalidRequest, f)
	}
}

// evalAnd intersects operands smallest-first so the working set shrinks as
// early as possible.
func (s *service) evalAnd(ctx context.Context, account uint32, collection Collection, live *roaring.Bitmap, node andFilter) (*roaring.Bitmap, error) {
	if len(node.operands) == 0 {
		return live.Clone(), nil
	}
	bitmaps := make([]*roaring.Bitmap, 0, len(node.operands))
	for _, op := range node.operands {
		bm, err := s.evalFilter(ctx, account, collection, live, op)
		if err != nil {
			return nil, err
		}
		if bm.IsEmpty() {
			return roaring.New(), nil
		}
		bitmaps = append(bitmaps, bm)
	}
	sort.Slice(bitmaps, func(i, j int) bool {
		return bitmaps[i].GetCardinality() < bitmaps[j].GetCardinality()
	})
	result := bitmaps[0].Clone()
	for _, bm := range bitmaps[1:] {
		result.And(bm)
		if result.IsEmpty() {
			break
		}
	}
	return result, nil
}

func (s *service) evalEq(ctx context.Context, account uint32, collection Collection, node eqFilter) (*roaring.Bitmap, error) {
	// A keyword-set value means "has all of these keywords".
	terms := indexTerms(node.value)
	var result *roaring.Bitmap
	for _, term := range terms {
		key := backend.BitmapKey(account, byte(collection), node.field, xxhash.Sum64(term))
		bm, err := s.readBitmap(ctx, key)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = bm
		} else {
			result.And(bm)
		}
		if result.IsEmpty() {
			break
		}
	}
	if result == nil {
		result = roaring.New()
	}
	return result, nil
}

// evalRange scans the sorted index between the rendered bounds.
func (s *service) evalRange(ctx context.Context, account uint32, collection Collection, node rangeFilter) (*roaring.Bitmap, error) {
	prefix := backend.IndexPrefix(account, byte(collection), node.field)

	scan := backend.PrefixRange(prefix)
	if node.low != nil {
		low := append(append([]byte{}, prefix...), sortableBytes(*node.low)...)
		if !node.lowIncl {
			// Skip every entry for the bound value itself: entries are
			// value bytes followed by a 4-byte id, so the smallest key
			// above them all is value + 0xff... beyond any id suffix.
			low = backend.PrefixEnd(low)
		}
		if bytes.Compare(low, scan.Start) > 0 {
			scan.Start = low
		}
	}
	if node.high != nil {
		highPrefix := append(append([]byte{}, prefix...), sortableBytes(*node.high)...)
		var high []byte
		if node.highIncl {
			high = backend.PrefixEnd(highPrefix)
		} else {
			high = highPrefix
		}
		if high != nil && (scan.End == nil || bytes.Compare(high, scan.End) < 0) {
			scan.End = high
		}
	}

	result := roaring.New()
	err := s.backend.Iterate(ctx, scan, func(key, _ []byte) (bool, error) {
		id, err := backend.ParseIndexKeyDocumentID(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "index", Err: err}
		}
		result.Add(id)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sorted index: %w", err)
	}
	return result, nil
}

// sortByIndex walks the sorted index in value order, emitting ids that belong
// to the match set. Matching documents missing an index entry for the sort
// field trail the ordered ones in id order.
func (s *service) sortByIndex(ctx context.Context, account uint32, collection Collection, spec SortSpec, matches *roaring.Bitmap, offset, limit int) ([]uint32, error) {
	prefix := backend.IndexPrefix(account, byte(collection), spec.Field)
	scan := backend.PrefixRange(prefix)
	scan.Reverse = spec.Descending

	remaining := matches.Clone()
	ids := make([]uint32, 0, limit)
	skip := offset

	err := s.backend.Iterate(ctx, scan, func(key, _ []byte) (bool, error) {
		id, err := backend.ParseIndexKeyDocumentID(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "index", Err: err}
		}
		// A document with several keyword entries appears once, at its
		// first position in the scan order.
		if !remaining.Contains(id) {
			return true, nil
		}
		remaining.Remove(id)
		if skip > 0 {
			skip--
			return true, nil
		}
		ids = append(ids, id)
		return len(ids) < limit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan sort index: %w", err)
	}

	// Unindexed leftovers, only reached when the scan ran dry.
	if len(ids) < limit && !remaining.IsEmpty() {
		it := remaining.Iterator()
		for it.HasNext() && len(ids) < limit {
			id := it.Next()
			if skip > 0 {
				skip--
				continue
			}
			ids = append(ids, id)
		}
	}

	return ids, nil
}

// paginateBitmap emits one page of a bitmap in ascending id order.
func paginateBitmap(bm *roaring.Bitmap, offset, limit int) []uint32 {
	ids := make([]uint32, 0, limit)
	it := bm.Iterator()
	skip := offset
	for it.HasNext() {
		id := it.Next()
		if skip > 0 {
			skip--
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids
}
