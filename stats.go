package datastore

import (
	"context"
	"fmt"

	"github.com/rbaliyan/datastore/backend"
)

// Named statistic counters inside the counter subspace.
const (
	statDocuments   byte = 0x01 // live documents across all collections
	statChangeFloor byte = 0x02 // lowest change sequence still served
)

// AccountStats reports per-account usage.
type AccountStats struct {
	// Documents is the number of live documents across all collections.
	Documents int64
	// DeletedDocuments is the number of tombstoned ids across all
	// collections. Tombstoned ids are never reassigned.
	DeletedDocuments int64
	// LastState is the account's current change sequence; the State a brand
	// new sync client should start from is 0, and this is where it ends up.
	LastState uint64
	// ChangeFloor is the compaction floor; ChangesSince with a state below
	// it fails with ErrStateTooOld.
	ChangeFloor uint64
}

// AccountStats reads the account's counters and tombstone bitmaps. Counters
// are maintained incrementally by commits; the tombstone read is one bitmap
// per collection the account ever wrote to.
func (s *service) AccountStats(ctx context.Context, account uint32) (*AccountStats, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	docsRaw, err := s.getRaw(ctx, backend.StatKey(account, statDocuments))
	if err != nil {
		return nil, fmt.Errorf("read document count: %w", err)
	}
	docs, err := backend.DecodeCounter(docsRaw)
	if err != nil {
		return nil, &CorruptionError{Subspace: "counter", Err: err}
	}

	seqRaw, err := s.getRaw(ctx, backend.SequenceKey(account))
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	seq, err := backend.DecodeCounter(seqRaw)
	if err != nil {
		return nil, &CorruptionError{Subspace: "counter", Err: err}
	}

	floor, err := s.changeFloor(ctx, account)
	if err != nil {
		return nil, err
	}

	deleted, err := s.tombstoneCount(ctx, account)
	if err != nil {
		return nil, err
	}

	return &AccountStats{
		Documents:        docs,
		DeletedDocuments: deleted,
		LastState:        uint64(seq),
		ChangeFloor:      floor,
	}, nil
}

// tombstoneCount sums the tombstone bitmaps across the account's collections.
// The id counters double as the collection directory: a collection without
// one never allocated an id, so it cannot have tombstones.
func (s *service) tombstoneCount(ctx context.Context, account uint32) (int64, error) {
	var collections []byte
	scan := backend.PrefixRange(backend.DocumentIDPrefix(account))
	err := s.backend.Iterate(ctx, scan, func(key, _ []byte) (bool, error) {
		coll, err := backend.ParseDocumentIDKeyCollection(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "counter", Err: err}
		}
		collections = append(collections, coll)
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan id counters: %w", err)
	}

	var total int64
	for _, coll := range collections {
		bm, err := s.readBitmap(ctx, backend.TombstoneBitmapKey(account, coll))
		if err != nil {
			return 0, err
		}
		total += int64(bm.GetCardinality())
	}
	return total, nil
}
