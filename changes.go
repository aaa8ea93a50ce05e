package datastore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"go.opentelemetry.io/otel/attribute"
)

// ChangeType classifies a change-log entry.
type ChangeType uint8

const (
	ChangeInsert ChangeType = 1
	ChangeUpdate ChangeType = 2
	ChangeDelete ChangeType = 3
)

// internal aliases used by the commit path
const (
	changeInsert = ChangeInsert
	changeUpdate = ChangeUpdate
	changeDelete = ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeType(%d)", uint8(t))
	}
}

// Change is one collapsed change-log entry.
type Change struct {
	Sequence   uint64
	Collection Collection
	DocumentID uint32
	Type       ChangeType
}

// ChangeList is the result of ChangesSince. State is the highest sequence
// observed; feeding it back into ChangesSince continues where this list ends.
type ChangeList struct {
	Changes []Change
	State   uint64
}

// Log record layout: type(1) collection(1) documentID(4) unixSeconds(8).
// The timestamp never reaches clients; compaction uses it to find the cutoff.
const logRecordLen = 14

func encodeLogRecord(t ChangeType, collection byte, documentID uint32, at time.Time) []byte {
	buf := make([]byte, logRecordLen)
	buf[0] = byte(t)
	buf[1] = collection
	binary.BigEndian.PutUint32(buf[2:], documentID)
	binary.BigEndian.PutUint64(buf[6:], uint64(at.Unix()))
	return buf
}

func decodeLogRecord(raw []byte) (t ChangeType, collection byte, documentID uint32, unixSeconds int64, err error) {
	if len(raw) != logRecordLen {
		return 0, 0, 0, 0, &CorruptionError{Subspace: "log", Err: errors.New("bad record length")}
	}
	t = ChangeType(raw[0])
	if t < ChangeInsert || t > ChangeDelete {
		return 0, 0, 0, 0, &CorruptionError{Subspace: "log", Err: fmt.Errorf("unknown change type %d", raw[0])}
	}
	collection = raw[1]
	documentID = binary.BigEndian.Uint32(raw[2:6])
	unixSeconds = int64(binary.BigEndian.Uint64(raw[6:]))
	return t, collection, documentID, unixSeconds, nil
}

// ChangesSince returns the changes committed after the given state, in
// sequence order, collapsed so each document appears at most once:
//
//   - insert followed by updates reports one insert
//   - insert followed by delete reports nothing
//   - update followed by delete reports one delete
//
// A state of 0 replays the account's full history since the compaction floor.
// Returns ErrStateTooOld when entries at or below since have already been
// compacted; the caller must resynchronize from scratch.
func (s *service) ChangesSince(ctx context.Context, account uint32, since uint64) (*ChangeList, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.changes",
		attribute.Int64("account", int64(account)),
		attribute.Int64("since", int64(since)),
	)
	start := time.Now()
	var changesErr error
	var resultCount int
	defer func() {
		endSpan(changesErr)
		s.otel.recordChanges(ctx, time.Since(start), resultCount, changesErr)
	}()

	floor, err := s.changeFloor(ctx, account)
	if err != nil {
		changesErr = err
		return nil, changesErr
	}
	if since < floor {
		changesErr = fmt.Errorf("%w: state %d precedes compaction floor %d", ErrStateTooOld, since, floor)
		return nil, changesErr
	}

	type docKey struct {
		collection byte
		documentID uint32
	}
	// Collapse to the latest entry per document, remembering whether the
	// document was born inside the window.
	order := make([]docKey, 0, 64)
	latest := make(map[docKey]*Change)
	born := make(map[docKey]bool)

	state := since
	scan := backend.Range{
		Start: backend.LogKey(account, since+1),
		End:   backend.PrefixEnd(backend.LogPrefix(account)),
	}
	err = s.backend.Iterate(ctx, scan, func(key, value []byte) (bool, error) {
		seq, err := backend.ParseLogKey(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "log", Err: err}
		}
		t, coll, docID, _, err := decodeLogRecord(value)
		if err != nil {
			return false, err
		}
		state = seq

		k := docKey{coll, docID}
		prev, seen := latest[k]
		if !seen {
			order = append(order, k)
			latest[k] = &Change{Sequence: seq, Collection: Collection(coll), DocumentID: docID, Type: t}
			born[k] = t == ChangeInsert
			return true, nil
		}
		prev.Sequence = seq
		prev.Type = t
		if born[k] && t != ChangeDelete {
			// Updates to a document created inside the window still read
			// as an insert to the client.
			prev.Type = ChangeInsert
		}
		return true, nil
	})
	if err != nil {
		changesErr = fmt.Errorf("scan change log: %w", err)
		return nil, changesErr
	}

	changes := make([]Change, 0, len(order))
	for _, k := range order {
		ch := latest[k]
		if born[k] && ch.Type == ChangeDelete {
			// Created and deleted inside the window: invisible to the client.
			continue
		}
		changes = append(changes, *ch)
	}
	// Each entry carries its document's latest sequence, which may trail a
	// later first occurrence; re-sort so sequences ascend.
	sort.Slice(changes, func(i, j int) bool { return changes[i].Sequence < changes[j].Sequence })
	resultCount = len(changes)

	return &ChangeList{Changes: changes, State: state}, nil
}

// changeFloor reads the account's compaction floor. States at or below the
// floor can no longer be served.
func (s *service) changeFloor(ctx context.Context, account uint32) (uint64, error) {
	raw, err := s.getRaw(ctx, backend.StatKey(account, statChangeFloor))
	if err != nil {
		return 0, fmt.Errorf("read change floor: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	floor, err := backend.DecodeCounter(raw)
	if err != nil {
		return 0, &CorruptionError{Subspace: "counter", Err: err}
	}
	return uint64(floor), nil
}
