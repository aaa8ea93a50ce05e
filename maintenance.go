package datastore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"golang.org/x/sync/errgroup"
)

// MaintenanceResult reports what a RunMaintenance pass did.
type MaintenanceResult struct {
	// CompactedAccounts is the number of accounts whose change floor moved.
	CompactedAccounts int
	// CompactedChanges is the number of change-log entries removed.
	CompactedChanges int
	// BlobsMarked is the number of blobs newly found unreferenced; they are
	// reclaimed on a later pass once the grace period elapses.
	BlobsMarked int
	// BlobsReclaimed is the number of blobs deleted this pass.
	BlobsReclaimed int
}

// RunMaintenance compacts change-log entries older than the retention window
// and reclaims blobs that have been unreferenced longer than the grace
// period. Both halves are idempotent and best-effort: an interrupted pass
// leaves extra data behind, never missing data, and the next pass finishes
// the job. Call it periodically from your scheduler.
func (s *service) RunMaintenance(ctx context.Context) (*MaintenanceResult, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.maintenance")
	result := &MaintenanceResult{}
	var maintErr error
	defer func() { endSpan(maintErr) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		accounts, changes, err := s.compactChangeLogs(gctx)
		result.CompactedAccounts = accounts
		result.CompactedChanges = changes
		return err
	})
	g.Go(func() error {
		marked, reclaimed, err := s.reclaimBlobs(gctx)
		result.BlobsMarked = marked
		result.BlobsReclaimed = reclaimed
		return err
	})

	if err := g.Wait(); err != nil {
		maintErr = err
		return result, maintErr
	}

	s.logger.Info("maintenance pass complete",
		"compacted_accounts", result.CompactedAccounts,
		"compacted_changes", result.CompactedChanges,
		"blobs_marked", result.BlobsMarked,
		"blobs_reclaimed", result.BlobsReclaimed,
	)
	return result, nil
}

// compactChangeLogs removes change entries older than the retention window,
// raising each affected account's floor first so a crash mid-delete can only
// leave extra entries, never serve an incomplete window.
func (s *service) compactChangeLogs(ctx context.Context) (accounts, removed int, err error) {
	cutoff := time.Now().Add(-s.opts.changeRetention).Unix()

	// One pass over the log subspace finds, per account, the highest
	// sequence old enough to compact and how many entries that covers.
	type compaction struct {
		maxSeq uint64
		count  int
	}
	perAccount := make(map[uint32]*compaction)

	logSubspace := []byte{backend.SubspaceLog}
	scanErr := s.backend.Iterate(ctx, backend.PrefixRange(logSubspace), func(key, value []byte) (bool, error) {
		if len(key) != 13 {
			return false, &CorruptionError{Subspace: "log", Err: fmt.Errorf("bad key length %d", len(key))}
		}
		account := binary.BigEndian.Uint32(key[1:5])
		seq, err := backend.ParseLogKey(key)
		if err != nil {
			return false, &CorruptionError{Subspace: "log", Err: err}
		}
		_, _, _, committedAt, err := decodeLogRecord(value)
		if err != nil {
			return false, err
		}
		if committedAt >= cutoff {
			return true, nil
		}
		c := perAccount[account]
		if c == nil {
			c = &compaction{}
			perAccount[account] = c
		}
		if seq > c.maxSeq {
			c.maxSeq = seq
		}
		c.count++
		return true, nil
	})
	if scanErr != nil {
		return 0, 0, fmt.Errorf("scan change logs: %w", scanErr)
	}

	for account, c := range perAccount {
		if ctx.Err() != nil {
			return accounts, removed, ctx.Err()
		}

		// Floors only move up; a concurrent pass may already be ahead.
		floor, err := s.changeFloor(ctx, account)
		if err != nil {
			return accounts, removed, err
		}
		if c.maxSeq > floor {
			batch := &backend.Batch{}
			batch.Put(backend.StatKey(account, statChangeFloor), backend.EncodeCounter(int64(c.maxSeq)))
			if err := s.backend.Write(ctx, batch); err != nil {
				return accounts, removed, fmt.Errorf("raise change floor: %w", err)
			}
		}

		from := backend.LogKey(account, 0)
		to := backend.LogKey(account, c.maxSeq+1)
		if err := s.backend.DeleteRange(ctx, from, to); err != nil {
			return accounts, removed, fmt.Errorf("compact change log: %w", err)
		}
		accounts++
		removed += c.count
	}
	return accounts, removed, nil
}

// blobState is the metadata gathered for one blob during the reclamation scan.
type blobState struct {
	hash      string
	committed bool
	links     int
	zeroAt    int64 // unix seconds the link count reached zero, 0 if unmarked
}

// reclaimBlobs implements the two-phase reclamation protocol: blobs found
// unreferenced are first marked with the current time, then deleted on a
// later pass once the mark has outlived the grace period. The grace period
// covers the gap between BlobPut and the commit that links the blob.
func (s *service) reclaimBlobs(ctx context.Context) (marked, reclaimed int, err error) {
	now := time.Now()
	cutoff := now.Add(-s.opts.blobGracePeriod).Unix()

	var toMark []string
	var toReclaim []string
	var current *blobState

	flush := func() {
		if current == nil || !current.committed || current.links > 0 {
			current = nil
			return
		}
		switch {
		case current.zeroAt == 0:
			toMark = append(toMark, current.hash)
		case current.zeroAt < cutoff:
			toReclaim = append(toReclaim, current.hash)
		}
		current = nil
	}

	// Blob metadata keys sort by hash, so one ordered scan visits each
	// blob's commit record, links, and zero marker consecutively.
	blobSubspace := []byte{backend.SubspaceBlob}
	scanErr := s.backend.Iterate(ctx, backend.PrefixRange(blobSubspace), func(key, value []byte) (bool, error) {
		hash, kind, err := parseBlobKey(key)
		if err != nil {
			return false, err
		}
		if current == nil || current.hash != hash {
			flush()
			current = &blobState{hash: hash}
		}
		switch kind {
		case blobKindCommit:
			current.committed = true
		case blobKindLink:
			current.links++
		case blobKindZero:
			at, err := decodeUnixSeconds(value)
			if err != nil {
				return false, err
			}
			current.zeroAt = at
		}
		return true, nil
	})
	if scanErr != nil {
		return 0, 0, fmt.Errorf("scan blob metadata: %w", scanErr)
	}
	flush()

	for _, hash := range toMark {
		if ctx.Err() != nil {
			return marked, reclaimed, ctx.Err()
		}
		batch := &backend.Batch{}
		// Re-assert the zero marker is still absent; a concurrent BlobPut
		// or link changes the picture and this blob gets another look next
		// pass.
		batch.Assert(backend.BlobZeroKey([]byte(hash)), nil)
		batch.Put(backend.BlobZeroKey([]byte(hash)), encodeUnixSeconds(now))
		if err := s.backend.Write(ctx, batch); err != nil {
			if backend.IsConflict(err) {
				continue
			}
			return marked, reclaimed, fmt.Errorf("mark unreferenced blob: %w", err)
		}
		marked++
	}

	for _, hash := range toReclaim {
		if ctx.Err() != nil {
			return marked, reclaimed, ctx.Err()
		}
		removed, err := s.reclaimBlob(ctx, hash)
		if err != nil {
			return marked, reclaimed, err
		}
		if !removed {
			continue
		}
		reclaimed++

		if err := s.events.BlobReclaimed.Publish(ctx, BlobReclaimedEvent{
			Hash:        hash,
			ReclaimedAt: now.UTC(),
		}); err != nil {
			s.opts.safeEventPublishFailure("BlobReclaimed", err)
		}
	}

	return marked, reclaimed, nil
}

// reclaimBlob removes the metadata first, after re-checking that no link
// appeared since the scan, then deletes the payload. A crash in between
// orphans payload bytes in the blob store, which is the safe direction.
// Returns false when the blob was rescued by a new link.
func (s *service) reclaimBlob(ctx context.Context, hash string) (bool, error) {
	linked, err := s.blobLinked(ctx, hash)
	if err != nil {
		return false, err
	}
	if linked {
		return false, nil
	}

	// Linking a blob consumes its zero marker, so asserting the marker we
	// scanned makes a racing link batch and this delete mutually exclusive.
	zeroKey := backend.BlobZeroKey([]byte(hash))
	markedRaw, err := s.getRaw(ctx, zeroKey)
	if err != nil {
		return false, fmt.Errorf("read blob marker: %w", err)
	}
	if markedRaw == nil {
		return false, nil
	}

	batch := &backend.Batch{}
	batch.Assert(zeroKey, markedRaw)
	batch.Delete(backend.BlobCommitKey([]byte(hash)))
	batch.Delete(zeroKey)
	if err := s.backend.Write(ctx, batch); err != nil {
		if backend.IsConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete blob metadata: %w", err)
	}

	if s.blobs != nil {
		if err := s.blobs.Delete(ctx, hash); err != nil {
			// Metadata is already gone; the payload is an orphan. Log and
			// keep going so one bad blob does not wedge maintenance.
			s.logger.Error("failed to delete reclaimed blob payload",
				"hash", hash, "error", err)
		}
	}
	return true, nil
}

// blobLinked reports whether any document still links the blob.
func (s *service) blobLinked(ctx context.Context, hash string) (bool, error) {
	linked := false
	scan := backend.PrefixRange(backend.BlobLinkPrefix([]byte(hash)))
	scan.Limit = 1
	err := s.backend.Iterate(ctx, scan, func(_, _ []byte) (bool, error) {
		linked = true
		return false, nil
	})
	if err != nil {
		return false, fmt.Errorf("scan blob links: %w", err)
	}
	return linked, nil
}

// Blob key kinds as laid out by the backend key codec.
const (
	blobKindCommit byte = 0x00
	blobKindLink   byte = 0x01
	blobKindZero   byte = 0x02
)

// parseBlobKey splits a blob-subspace key into its hash and kind byte.
func parseBlobKey(key []byte) (hash string, kind byte, err error) {
	// subspace(1) + hash(64) + kind(1), links carry an owner suffix after.
	if len(key) < 66 {
		return "", 0, &CorruptionError{Subspace: "blob", Err: fmt.Errorf("bad key length %d", len(key))}
	}
	return string(key[1:65]), key[65], nil
}
