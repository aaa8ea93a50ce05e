package datastore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"github.com/rbaliyan/datastore/backend/memory"
)

// backdateChangeLog rewrites the timestamps of every change-log entry for
// the account, simulating entries that aged past the retention window.
func backdateChangeLog(t *testing.T, svc *service, account uint32, to time.Time) {
	t.Helper()
	ctx := context.Background()

	batch := &backend.Batch{}
	err := svc.backend.Iterate(ctx, backend.PrefixRange(backend.LogPrefix(account)), func(key, value []byte) (bool, error) {
		patched := append([]byte{}, value...)
		binary.BigEndian.PutUint64(patched[6:], uint64(to.Unix()))
		batch.Put(append([]byte{}, key...), patched)
		return true, nil
	})
	if err != nil {
		t.Fatalf("scan change log: %v", err)
	}
	if batch.Len() == 0 {
		t.Fatal("no change-log entries to backdate")
	}
	if err := svc.backend.Write(ctx, batch); err != nil {
		t.Fatalf("backdate change log: %v", err)
	}
}

// backdateZeroMarker rewrites a blob's zero marker, simulating a blob that
// has been unreferenced longer than the grace period.
func backdateZeroMarker(t *testing.T, svc *service, hash string, to time.Time) {
	t.Helper()
	ctx := context.Background()

	key := backend.BlobZeroKey([]byte(hash))
	if _, err := svc.backend.Get(ctx, key); err != nil {
		t.Fatalf("zero marker missing: %v", err)
	}
	batch := &backend.Batch{}
	batch.Put(key, encodeUnixSeconds(to))
	if err := svc.backend.Write(ctx, batch); err != nil {
		t.Fatalf("backdate zero marker: %v", err)
	}
}

func runMaintenance(t *testing.T, svc *service) *MaintenanceResult {
	t.Helper()
	res, err := svc.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	return res
}

func TestMaintenanceCompactsChangeLog(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	old1 := mustWrite(t, svc, 1, collMessages, 0, messageFields("a@x", "one"))
	old2 := mustWrite(t, svc, 1, collMessages, 0, messageFields("b@x", "two"))
	backdateChangeLog(t, svc, 1, time.Now().Add(-31*24*time.Hour))
	fresh := mustWrite(t, svc, 1, collMessages, 0, messageFields("c@x", "three"))

	res := runMaintenance(t, svc)
	if res.CompactedAccounts != 1 {
		t.Errorf("CompactedAccounts = %d, want 1", res.CompactedAccounts)
	}
	if res.CompactedChanges != 2 {
		t.Errorf("CompactedChanges = %d, want 2", res.CompactedChanges)
	}

	// Old sync states now fail; the floor sits at the last compacted entry.
	if _, err := svc.ChangesSince(ctx, 1, 0); !errors.Is(err, ErrStateTooOld) {
		t.Errorf("since=0: expected ErrStateTooOld, got %v", err)
	}
	if _, err := svc.ChangesSince(ctx, 1, old1.State); !errors.Is(err, ErrStateTooOld) {
		t.Errorf("since=%d: expected ErrStateTooOld, got %v", old1.State, err)
	}
	list, err := svc.ChangesSince(ctx, 1, old2.State)
	if err != nil {
		t.Fatalf("ChangesSince at floor: %v", err)
	}
	if len(list.Changes) != 1 || list.Changes[0].DocumentID != fresh.DocumentID {
		t.Errorf("changes at floor = %+v, want insert of %d", list.Changes, fresh.DocumentID)
	}

	// Documents themselves are untouched by compaction.
	if _, err := svc.Fetch(ctx, 1, collMessages, old1.DocumentID); err != nil {
		t.Errorf("Fetch after compaction: %v", err)
	}

	// A second pass finds nothing left to do.
	res = runMaintenance(t, svc)
	if res.CompactedAccounts != 0 || res.CompactedChanges != 0 {
		t.Errorf("second pass = %+v, want no compaction", res)
	}

	stats, err := svc.AccountStats(ctx, 1)
	if err != nil {
		t.Fatalf("AccountStats: %v", err)
	}
	if stats.ChangeFloor != old2.State {
		t.Errorf("ChangeFloor = %d, want %d", stats.ChangeFloor, old2.State)
	}
}

func TestMaintenanceReclaimsUnlinkedBlob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	info := blobPut(t, svc, "orphan payload")
	backdateZeroMarker(t, svc, info.Hash, time.Now().Add(-2*time.Hour))

	res := runMaintenance(t, svc)
	if res.BlobsReclaimed != 1 {
		t.Fatalf("BlobsReclaimed = %d, want 1", res.BlobsReclaimed)
	}

	if _, err := svc.BlobGet(ctx, info.Hash); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("BlobGet after reclaim: expected ErrBlobNotFound, got %v", err)
	}
	if linked, err := svc.blobCommitted(ctx, info.Hash); err != nil || linked {
		t.Errorf("commit record after reclaim: committed=%v err=%v", linked, err)
	}

	// Re-storing the same content works as if it had never existed.
	again := blobPut(t, svc, "orphan payload")
	if again.Existed {
		t.Error("re-put after reclaim reported Existed")
	}
}

func TestMaintenanceMarksThenReclaims(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Link the blob so the put-time zero marker is cleared, then drop the
	// reference. The blob is now unreferenced with no marker.
	info := blobPut(t, svc, "two phase payload")
	res := mustWrite(t, svc, 1, collMessages, 0, []Field{
		{ID: fieldAttachment, Value: String(info.Hash), Index: IndexBlob},
	})
	if _, err := svc.Delete(ctx, 1, collMessages, res.DocumentID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// First pass marks; the blob stays readable through the grace period.
	mres := runMaintenance(t, svc)
	if mres.BlobsMarked != 1 {
		t.Fatalf("BlobsMarked = %d, want 1", mres.BlobsMarked)
	}
	if mres.BlobsReclaimed != 0 {
		t.Fatalf("BlobsReclaimed = %d, want 0 on the marking pass", mres.BlobsReclaimed)
	}
	if rc, err := svc.BlobGet(ctx, info.Hash); err != nil {
		t.Fatalf("BlobGet during grace period: %v", err)
	} else {
		rc.Close()
	}

	// An immediate second pass does nothing; the mark is too fresh.
	mres = runMaintenance(t, svc)
	if mres.BlobsMarked != 0 || mres.BlobsReclaimed != 0 {
		t.Fatalf("fresh-mark pass = %+v, want idle", mres)
	}

	backdateZeroMarker(t, svc, info.Hash, time.Now().Add(-2*time.Hour))
	mres = runMaintenance(t, svc)
	if mres.BlobsReclaimed != 1 {
		t.Fatalf("BlobsReclaimed = %d, want 1 after grace period", mres.BlobsReclaimed)
	}
	if _, err := svc.BlobGet(ctx, info.Hash); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("BlobGet after reclaim: expected ErrBlobNotFound, got %v", err)
	}
}

func TestMaintenanceSparesLinkedBlob(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	info := blobPut(t, svc, "precious payload")
	mustWrite(t, svc, 1, collMessages, 0, []Field{
		{ID: fieldAttachment, Value: String(info.Hash), Index: IndexBlob},
	})

	res := runMaintenance(t, svc)
	if res.BlobsMarked != 0 || res.BlobsReclaimed != 0 {
		t.Fatalf("maintenance touched a linked blob: %+v", res)
	}
	if rc, err := svc.BlobGet(ctx, info.Hash); err != nil {
		t.Errorf("BlobGet: %v", err)
	} else {
		rc.Close()
	}
}

func TestMaintenanceRelinkDuringGracePeriod(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	info := blobPut(t, svc, "rescued payload")
	res := mustWrite(t, svc, 1, collMessages, 0, []Field{
		{ID: fieldAttachment, Value: String(info.Hash), Index: IndexBlob},
	})
	if _, err := svc.Delete(ctx, 1, collMessages, res.DocumentID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mres := runMaintenance(t, svc)
	if mres.BlobsMarked != 1 {
		t.Fatalf("BlobsMarked = %d, want 1", mres.BlobsMarked)
	}

	// Age the mark past the grace period, then rescue the blob with a new
	// link before maintenance runs again.
	backdateZeroMarker(t, svc, info.Hash, time.Now().Add(-2*time.Hour))
	mustWrite(t, svc, 1, collMessages, 0, []Field{
		{ID: fieldAttachment, Value: String(info.Hash), Index: IndexBlob},
	})

	mres = runMaintenance(t, svc)
	if mres.BlobsReclaimed != 0 {
		t.Fatalf("BlobsReclaimed = %d, want 0 for a relinked blob", mres.BlobsReclaimed)
	}
	if rc, err := svc.BlobGet(ctx, info.Hash); err != nil {
		t.Errorf("BlobGet after rescue: %v", err)
	} else {
		rc.Close()
	}
}

// reclaimRacingBackend deletes a blob's metadata the first time a batch tries
// to link it, interleaving a reclaim between the writer's read of the commit
// record and its commit.
type reclaimRacingBackend struct {
	backend.Backend
	linkKey []byte
	commit  []byte
	zero    []byte
	fired   bool
}

func (r *reclaimRacingBackend) Write(ctx context.Context, b *backend.Batch) error {
	if !r.fired {
		for _, op := range b.Ops {
			if op.Kind != backend.OpPut || !bytes.Equal(op.Key, r.linkKey) {
				continue
			}
			r.fired = true
			wipe := &backend.Batch{}
			wipe.Delete(r.commit)
			wipe.Delete(r.zero)
			if err := r.Backend.Write(ctx, wipe); err != nil {
				return err
			}
			break
		}
	}
	return r.Backend.Write(ctx, b)
}

func TestBlobLinkConflictsWithReclaim(t *testing.T) {
	race := &reclaimRacingBackend{Backend: memory.New()}
	svc := newTestService(t, WithBackend(race))
	ctx := context.Background()

	info := blobPut(t, svc, "contended payload")
	hash := []byte(info.Hash)
	race.linkKey = backend.BlobLinkKey(hash, 1, byte(collMessages), 1)
	race.commit = backend.BlobCommitKey(hash)
	race.zero = backend.BlobZeroKey(hash)

	// The reclaim wins: the retried commit re-reads the commit record, finds
	// the blob gone, and fails instead of storing a dangling link.
	_, err := svc.Write(ctx, WriteRequest{
		Account: 1, Collection: collMessages,
		Fields: []Field{
			{ID: fieldFrom, Value: String("a@x"), Index: IndexBitmap},
			{ID: fieldAttachment, Value: String(info.Hash), Index: IndexBlob},
		},
	})
	if !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("linking a reclaimed blob: expected ErrBlobNotFound, got %v", err)
	}
	if !race.fired {
		t.Fatal("race never triggered")
	}
	if _, err := race.Backend.Get(ctx, race.linkKey); !backend.IsNotFound(err) {
		t.Errorf("dangling link record after lost race: %v", err)
	}
}

func TestReclaimSkipsBlobWithoutMarker(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Link then unlink: linking consumes the zero marker and unlinking does
	// not restore it, so the blob is unreferenced but unmarked.
	info := blobPut(t, svc, "unmarked payload")
	res := mustWrite(t, svc, 1, collMessages, 0, []Field{
		{ID: fieldAttachment, Value: String(info.Hash), Index: IndexBlob},
	})
	mustWrite(t, svc, 1, collMessages, res.DocumentID, []Field{
		{ID: fieldFrom, Value: String("a@x"), Index: IndexBitmap},
	})

	removed, err := svc.reclaimBlob(ctx, info.Hash)
	if err != nil {
		t.Fatalf("reclaimBlob: %v", err)
	}
	if removed {
		t.Fatal("reclaimed a blob that was never marked")
	}
	if committed, err := svc.blobCommitted(ctx, info.Hash); err != nil || !committed {
		t.Fatalf("commit record after skipped reclaim: committed=%v err=%v", committed, err)
	}
	if rc, err := svc.BlobGet(ctx, info.Hash); err != nil {
		t.Errorf("BlobGet after skipped reclaim: %v", err)
	} else {
		rc.Close()
	}
}
