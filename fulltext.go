package datastore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"go.opentelemetry.io/otel/attribute"
)

// SearchQuery is a node in a full-text query tree. Build trees with
// MatchTerm, MatchPhrase, MatchPrefix, SearchAll, SearchAny and SearchNone.
type SearchQuery interface {
	isSearchQuery()
}

const anyField uint8 = 0xff

type matchKind uint8

const (
	matchTerm matchKind = iota + 1
	matchPhrase
	matchPrefix
)

type matchQuery struct {
	kind  matchKind
	text  string
	field uint8 // anyField matches postings from every field
}

type searchAll struct{ operands []SearchQuery }
type searchAny struct{ operands []SearchQuery }
type searchNone struct{ operand SearchQuery }

func (matchQuery) isSearchQuery() {}
func (searchAll) isSearchQuery()  {}
func (searchAny) isSearchQuery()  {}
func (searchNone) isSearchQuery() {}

// MatchTerm matches documents containing every word of text in any text
// field, in any order. Stemmed forms match too.
func MatchTerm(text string) SearchQuery { return matchQuery{kind: matchTerm, text: text, field: anyField} }

// MatchTermIn is MatchTerm restricted to one field.
func MatchTermIn(field uint8, text string) SearchQuery {
	return matchQuery{kind: matchTerm, text: text, field: field}
}

// MatchPhrase matches documents containing the words of text adjacently and
// in order within a single field. Phrase matching is exact; stems do not
// participate.
func MatchPhrase(text string) SearchQuery {
	return matchQuery{kind: matchPhrase, text: text, field: anyField}
}

// MatchPhraseIn is MatchPhrase restricted to one field.
func MatchPhraseIn(field uint8, text string) SearchQuery {
	return matchQuery{kind: matchPhrase, text: text, field: field}
}

// MatchPrefix matches documents containing any term starting with prefix.
func MatchPrefix(prefix string) SearchQuery {
	return matchQuery{kind: matchPrefix, text: prefix, field: anyField}
}

// SearchAll matches documents satisfying every operand.
func SearchAll(operands ...SearchQuery) SearchQuery { return searchAll{operands: operands} }

// SearchAny matches documents satisfying at least one operand.
func SearchAny(operands ...SearchQuery) SearchQuery { return searchAny{operands: operands} }

// SearchNone matches live documents not satisfying the operand. Excluded
// documents carry no score and rank by id.
func SearchNone(operand SearchQuery) SearchQuery { return searchNone{operand: operand} }

// SearchRequest describes one full-text query.
type SearchRequest struct {
	Account    uint32
	Collection Collection
	Query      SearchQuery
	// Locale selects the stemmer for query analysis, e.g. "en". It should
	// match the locale the documents were indexed with.
	Locale string
	// Limit caps the number of hits; 0 uses the service default.
	Limit int
}

// SearchHit is one ranked result.
type SearchHit struct {
	DocumentID uint32
	Score      float64
}

// SearchResult is a ranked result list, best first. Ties rank by ascending
// document id so pagination is stable.
type SearchResult struct {
	Hits []SearchHit
	// Total is the full match count before the limit was applied.
	Total int
}

// stemWeight discounts matches that only hit a stemmed form.
const stemWeight = 0.5

// FullTextQuery evaluates a text query tree against the posting lists.
//
// Scores grow with term frequency and shrink with document length:
// each matched term contributes tf / (1 + ln(1 + docLen)).
func (s *service) FullTextQuery(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if req.Query == nil {
		return nil, fmt.Errorf("%w: search query is required", ErrInvalidRequest)
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.search",
		attribute.Int64("account", int64(req.Account)),
		attribute.Int("collection", int(req.Collection)),
	)
	start := time.Now()
	var searchErr error
	var resultCount int
	defer func() {
		endSpan(searchErr)
		s.otel.recordSearch(ctx, time.Since(start), resultCount, searchErr)
	}()

	limit := req.Limit
	if limit <= 0 {
		limit = s.opts.defaultQueryLimit
	}
	if limit > s.opts.maxQueryLimit {
		limit = s.opts.maxQueryLimit
	}

	scores, err := s.evalSearch(ctx, &req, req.Query)
	if err != nil {
		searchErr = err
		return nil, searchErr
	}

	// Deleted documents may still have postings if a concurrent delete
	// raced our scans; filter against the live set.
	live, err := s.readBitmap(ctx, backend.DocumentsBitmapKey(req.Account, byte(req.Collection)))
	if err != nil {
		searchErr = err
		return nil, searchErr
	}

	hits := make([]SearchHit, 0, len(scores))
	for id, score := range scores {
		if !live.Contains(id) {
			continue
		}
		hits = append(hits, SearchHit{DocumentID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocumentID < hits[j].DocumentID
	})

	total := len(hits)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	resultCount = len(hits)

	return &SearchResult{Hits: hits, Total: total}, nil
}

// evalSearch recursively evaluates a query node into per-document scores.
func (s *service) evalSearch(ctx context.Context, req *SearchRequest, q SearchQuery) (map[uint32]float64, error) {
	switch node := q.(type) {
	case matchQuery:
		return s.evalMatch(ctx, req, node)
	case searchAll:
		var result map[uint32]float64
		for _, op := range node.operands {
			scores, err := s.evalSearch(ctx, req, op)
			if err != nil {
				return nil, err
			}
			if result == nil {
				result = scores
				continue
			}
			for id := range result {
				if add, ok := scores[id]; ok {
					result[id] += add
				} else {
					delete(result, id)
				}
			}
			if len(result) == 0 {
				break
			}
		}
		if result == nil {
			result = map[uint32]float64{}
		}
		return result, nil
	case searchAny:
		result := map[uint32]float64{}
		for _, op := range node.operands {
			scores, err := s.evalSearch(ctx, req, op)
			if err != nil {
				return nil, err
			}
			for id, score := range scores {
				result[id] += score
			}
		}
		return result, nil
	case searchNone:
		scores, err := s.evalSearch(ctx, req, node.operand)
		if err != nil {
			return nil, err
		}
		live, err := s.readBitmap(ctx, backend.DocumentsBitmapKey(req.Account, byte(req.Collection)))
		if err != nil {
			return nil, err
		}
		result := map[uint32]float64{}
		it := live.Iterator()
		for it.HasNext() {
			id := it.Next()
			if _, excluded := scores[id]; !excluded {
				result[id] = 0
			}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("%w: unknown search query %T", ErrInvalidRequest, q)
	}
}

func (s *service) evalMatch(ctx context.Context, req *SearchRequest, node matchQuery) (map[uint32]float64, error) {
	switch node.kind {
	case matchTerm:
		return s.evalTerms(ctx, req, node)
	case matchPhrase:
		return s.evalPhrase(ctx, req, node)
	case matchPrefix:
		return s.evalPrefix(ctx, req, node)
	default:
		return nil, fmt.Errorf("%w: unknown match kind %d", ErrInvalidRequest, node.kind)
	}
}

// posting is one decoded posting-list entry.
type posting struct {
	documentID uint32
	field      uint8
	positions  []uint32
}

// scanTerm collects the postings of one exact term under one marker,
// optionally restricted to a field.
func (s *service) scanTerm(ctx context.Context, account uint32, collection Collection, term string, marker byte, field uint8) ([]posting, error) {
	prefix := backend.TermPrefix(account, byte(collection), term, marker)
	var postings []posting
	err := s.backend.Iterate(ctx, backend.PrefixRange(prefix), func(key, value []byte) (bool, error) {
		_, _, f, docID, err := backend.ParseTermKey(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "text", Err: err}
		}
		if field != anyField && f != field {
			return true, nil
		}
		positions, err := decodePositions(value)
		if err != nil {
			return false, err
		}
		postings = append(postings, posting{documentID: docID, field: f, positions: positions})
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan postings: %w", err)
	}
	return postings, nil
}

// scoreTF converts a term frequency into a score contribution for one
// document.
func (s *service) scoreTF(ctx context.Context, req *SearchRequest, documentID uint32, tf float64) (float64, error) {
	raw, err := s.getRaw(ctx, backend.DocLenKey(req.Account, byte(req.Collection), documentID))
	if err != nil {
		return 0, fmt.Errorf("read document length: %w", err)
	}
	docLen := 0
	if raw != nil {
		if docLen, err = decodeDocLen(raw); err != nil {
			return 0, err
		}
	}
	return tf / (1 + math.Log(1+float64(docLen))), nil
}

// evalTerms matches every analyzed token of the query text independently;
// documents must contain all of them. Exact hits count full, stemmed hits at
// stemWeight.
func (s *service) evalTerms(ctx context.Context, req *SearchRequest, node matchQuery) (map[uint32]float64, error) {
	tokens := s.tokenizer.Tokenize(node.text, req.Locale)
	if len(tokens) == 0 {
		return map[uint32]float64{}, nil
	}

	var result map[uint32]float64
	for _, tok := range tokens {
		tf := make(map[uint32]float64)
		exact, err := s.scanTerm(ctx, req.Account, req.Collection, tok.Term, backend.TermExact, node.field)
		if err != nil {
			return nil, err
		}
		for _, p := range exact {
			tf[p.documentID] += float64(len(p.positions))
		}

		// A stemmed query token matches documents whose stemmed index
		// entries agree; skip documents already matched exactly so they
		// are not counted twice.
		stem := tok.Stemmed
		if stem == "" {
			stem = tok.Term
		}
		stemmed, err := s.scanTerm(ctx, req.Account, req.Collection, stem, backend.TermStemmed, node.field)
		if err != nil {
			return nil, err
		}
		for _, p := range stemmed {
			if _, ok := tf[p.documentID]; !ok {
				tf[p.documentID] += stemWeight * float64(len(p.positions))
			}
		}

		scores := make(map[uint32]float64, len(tf))
		for id, freq := range tf {
			score, err := s.scoreTF(ctx, req, id, freq)
			if err != nil {
				return nil, err
			}
			scores[id] = score
		}

		if result == nil {
			result = scores
			continue
		}
		for id := range result {
			if add, ok := scores[id]; ok {
				result[id] += add
			} else {
				delete(result, id)
			}
		}
		if len(result) == 0 {
			break
		}
	}
	return result, nil
}

// evalPhrase matches the query tokens adjacently, in order, within one field.
func (s *service) evalPhrase(ctx context.Context, req *SearchRequest, node matchQuery) (map[uint32]float64, error) {
	tokens := s.tokenizer.Tokenize(node.text, req.Locale)
	if len(tokens) == 0 {
		return map[uint32]float64{}, nil
	}
	if len(tokens) == 1 {
		// Single-word phrases degrade to an exact term match.
		single := node
		single.kind = matchTerm
		return s.evalTerms(ctx, req, single)
	}

	type slot struct {
		documentID uint32
		field      uint8
	}
	// positions[i] holds token i's occurrences per (document, field).
	occurrences := make([]map[slot][]uint32, len(tokens))
	for i, tok := range tokens {
		postings, err := s.scanTerm(ctx, req.Account, req.Collection, tok.Term, backend.TermExact, node.field)
		if err != nil {
			return nil, err
		}
		occurrences[i] = make(map[slot][]uint32, len(postings))
		for _, p := range postings {
			occurrences[i][slot{p.documentID, p.field}] = p.positions
		}
		if len(occurrences[i]) == 0 {
			return map[uint32]float64{}, nil
		}
	}

	// Walk adjacency from the first token: a phrase occurrence at position p
	// needs token i at p+i for every i.
	result := map[uint32]float64{}
	for sl, starts := range occurrences[0] {
		matches := 0
		for _, p := range starts {
			ok := true
			for i := 1; i < len(tokens); i++ {
				if !containsPosition(occurrences[i][sl], p+uint32(i)) {
					ok = false
					break
				}
			}
			if ok {
				matches++
			}
		}
		if matches > 0 {
			score, err := s.scoreTF(ctx, req, sl.documentID, float64(matches*len(tokens)))
			if err != nil {
				return nil, err
			}
			result[sl.documentID] += score
		}
	}
	return result, nil
}

func containsPosition(positions []uint32, p uint32) bool {
	// Position lists are short and ascending; linear scan beats the setup
	// cost of binary search at these sizes.
	for _, v := range positions {
		if v == p {
			return true
		}
		if v > p {
			return false
		}
	}
	return false
}

// evalPrefix matches any exact term starting with the given prefix.
func (s *service) evalPrefix(ctx context.Context, req *SearchRequest, node matchQuery) (map[uint32]float64, error) {
	tokens := s.tokenizer.Tokenize(node.text, req.Locale)
	if len(tokens) == 0 {
		return map[uint32]float64{}, nil
	}
	prefix := tokens[0].Term

	scan := backend.PrefixRange(backend.TermRangePrefix(req.Account, byte(req.Collection), prefix))
	tf := make(map[uint32]float64)
	err := s.backend.Iterate(ctx, scan, func(key, value []byte) (bool, error) {
		_, marker, f, docID, err := backend.ParseTermKey(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "text", Err: err}
		}
		// Only exact entries participate; stemmed forms of longer words
		// would otherwise leak unrelated documents in.
		if marker != backend.TermExact {
			return true, nil
		}
		if node.field != anyField && f != node.field {
			return true, nil
		}
		positions, err := decodePositions(value)
		if err != nil {
			return false, err
		}
		tf[docID] += float64(len(positions))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan term prefix: %w", err)
	}

	result := make(map[uint32]float64, len(tf))
	for id, freq := range tf {
		score, err := s.scoreTF(ctx, req, id, freq)
		if err != nil {
			return nil, err
		}
		result[id] = score
	}
	return result, nil
}
