package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"github.com/rbaliyan/datastore/retry"
	"go.opentelemetry.io/otel/attribute"
)

// WriteRequest describes one document write. A zero DocumentID inserts a new
// document under the next id in the collection; a non-zero id replaces the
// existing document and fails with ErrNotFound if it does not exist.
type WriteRequest struct {
	Account    uint32
	Collection Collection
	DocumentID uint32
	Fields     []Field
}

// WriteResult reports the outcome of a committed write or delete.
type WriteResult struct {
	// DocumentID is the id the document lives under (assigned on insert).
	DocumentID uint32
	// State is the change-log sequence of the commit. Passing it to
	// ChangesSince yields exactly the changes committed afterwards.
	State uint64
	// Inserted is true when the write created the document.
	Inserted bool
}

// Write inserts or replaces one document, maintaining every secondary
// structure in the same atomic batch: sorted and bitmap indexes, full-text
// postings, blob links, the change log, and account counters.
func (s *service) Write(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if err := validateFields(req.Fields); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.write",
		attribute.Int64("account", int64(req.Account)),
		attribute.Int("collection", int(req.Collection)),
	)
	start := time.Now()
	attempts := 0
	var writeErr error
	defer func() {
		endSpan(writeErr)
		s.otel.recordWrite(ctx, time.Since(start), attempts, writeErr)
	}()

	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		writeErr = err
		return nil, writeErr
	}
	defer s.writeSem.Release(1)

	res, err := retry.DoWithResult(ctx, s.commitRetryConfig(), func(ctx context.Context) (*WriteResult, error) {
		attempts++
		return s.commitWrite(ctx, req)
	})
	if err != nil {
		writeErr = s.mapCommitError(err)
		return nil, writeErr
	}

	if err := s.publishWritten(ctx, req.Account, req.Collection, res); err != nil {
		writeErr = err
		return res, writeErr
	}
	return res, nil
}

// Delete removes a document. Its id joins the collection tombstone set so
// sync clients observe the removal, and its blob links are released.
func (s *service) Delete(ctx context.Context, account uint32, collection Collection, documentID uint32) (*WriteResult, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}
	if documentID == 0 {
		return nil, fmt.Errorf("%w: document id is required", ErrInvalidRequest)
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.delete",
		attribute.Int64("account", int64(account)),
		attribute.Int("collection", int(collection)),
		attribute.Int64("document_id", int64(documentID)),
	)
	start := time.Now()
	attempts := 0
	var delErr error
	defer func() {
		endSpan(delErr)
		s.otel.recordWrite(ctx, time.Since(start), attempts, delErr)
	}()

	if err := s.writeSem.Acquire(ctx, 1); err != nil {
		delErr = err
		return nil, delErr
	}
	defer s.writeSem.Release(1)

	res, err := retry.DoWithResult(ctx, s.commitRetryConfig(), func(ctx context.Context) (*WriteResult, error) {
		attempts++
		return s.commitDelete(ctx, account, collection, documentID)
	})
	if err != nil {
		delErr = s.mapCommitError(err)
		return nil, delErr
	}

	if err := s.events.DocumentDeleted.Publish(ctx, DocumentDeletedEvent{
		Account:    account,
		Collection: uint8(collection),
		DocumentID: documentID,
		Sequence:   res.State,
		DeletedAt:  time.Now().UTC(),
	}); err != nil {
		if s.opts.eventErrorsFatal {
			delErr = &EventPublishError{
				Event:      "DocumentDeleted",
				Account:    account,
				DocumentID: documentID,
				Err:        err,
			}
			return res, delErr
		}
		s.opts.safeEventPublishFailure("DocumentDeleted", err)
	}
	return res, nil
}

func (s *service) commitRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = s.opts.maxCommitRetries
	cfg.IsRetryable = backend.IsConflict
	return cfg
}

// mapCommitError converts retry and backend failures into package sentinels.
func (s *service) mapCommitError(err error) error {
	switch {
	case errors.Is(err, backend.ErrConflict):
		return fmt.Errorf("%w: commit lost against concurrent writers: %v", ErrConflict, err)
	case errors.Is(err, backend.ErrNotFound):
		return ErrNotFound
	default:
		return err
	}
}

func (s *service) publishWritten(ctx context.Context, account uint32, collection Collection, res *WriteResult) error {
	err := s.events.DocumentWritten.Publish(ctx, DocumentWrittenEvent{
		Account:    account,
		Collection: uint8(collection),
		DocumentID: res.DocumentID,
		Sequence:   res.State,
		Inserted:   res.Inserted,
		WrittenAt:  time.Now().UTC(),
	})
	if err == nil {
		return nil
	}
	if s.opts.eventErrorsFatal {
		return &EventPublishError{
			Event:      "DocumentWritten",
			Account:    account,
			DocumentID: res.DocumentID,
			Err:        err,
		}
	}
	s.opts.safeEventPublishFailure("DocumentWritten", err)
	return nil
}

// getRaw reads a key, returning nil bytes for absent keys so the raw value
// can be used directly as an optimistic assertion.
func (s *service) getRaw(ctx context.Context, key []byte) ([]byte, error) {
	raw, err := s.backend.Get(ctx, key)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return raw, nil
}

// commitWrite runs one optimistic commit attempt. Every value read during
// preparation is pinned with an assertion; if any of them moved by the time
// the batch applies, the backend rejects it with ErrConflict and the caller
// retries against fresh state.
func (s *service) commitWrite(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	account, coll := req.Account, byte(req.Collection)
	batch := &backend.Batch{}

	// Change sequence: read, pin, advance.
	seqKey := backend.SequenceKey(account)
	seqRaw, err := s.getRaw(ctx, seqKey)
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	seq, err := backend.DecodeCounter(seqRaw)
	if err != nil {
		return nil, &CorruptionError{Subspace: "counter", Err: err}
	}
	newSeq := uint64(seq) + 1
	batch.Assert(seqKey, seqRaw)
	batch.Put(seqKey, backend.EncodeCounter(seq+1))

	// Document id: assigned from the per-collection counter on insert.
	documentID := req.DocumentID
	inserted := documentID == 0
	if inserted {
		idKey := backend.DocumentIDKey(account, coll)
		idRaw, err := s.getRaw(ctx, idKey)
		if err != nil {
			return nil, fmt.Errorf("read document id counter: %w", err)
		}
		lastID, err := backend.DecodeCounter(idRaw)
		if err != nil {
			return nil, &CorruptionError{Subspace: "counter", Err: err}
		}
		documentID = uint32(lastID) + 1
		batch.Assert(idKey, idRaw)
		batch.Put(idKey, backend.EncodeCounter(lastID+1))
	}

	// Current payload: pinned so concurrent writes to the same document
	// conflict instead of silently dropping index entries.
	dataKey := backend.DataKey(account, coll, documentID)
	oldRaw, err := s.getRaw(ctx, dataKey)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if inserted && oldRaw != nil {
		return nil, &CorruptionError{Subspace: "counter", Err: errors.New("id counter behind existing documents")}
	}
	if !inserted && oldRaw == nil {
		return nil, backend.ErrNotFound
	}

	var oldFields []Field
	if oldRaw != nil {
		if oldFields, err = decodeDocument(oldRaw); err != nil {
			return nil, err
		}
	}

	oldSet, err := s.buildIndexSet(account, req.Collection, documentID, oldFields)
	if err != nil {
		return nil, err
	}
	newSet, err := s.buildIndexSet(account, req.Collection, documentID, req.Fields)
	if err != nil {
		return nil, err
	}

	newRaw, err := encodeDocument(req.Fields)
	if err != nil {
		return nil, err
	}
	batch.Assert(dataKey, oldRaw)
	batch.Put(dataKey, newRaw)

	if err := s.diffIndexSets(ctx, batch, account, req.Collection, documentID, oldSet, newSet, inserted); err != nil {
		return nil, err
	}

	changeType := changeUpdate
	if inserted {
		changeType = changeInsert
		batch.Add(backend.StatKey(account, statDocuments), 1)
	}
	batch.Put(backend.LogKey(account, newSeq), encodeLogRecord(changeType, coll, documentID, time.Now()))

	if err := s.backend.Write(ctx, batch); err != nil {
		return nil, err
	}
	return &WriteResult{DocumentID: documentID, State: newSeq, Inserted: inserted}, nil
}

// commitDelete runs one optimistic delete attempt.
func (s *service) commitDelete(ctx context.Context, account uint32, collection Collection, documentID uint32) (*WriteResult, error) {
	coll := byte(collection)
	batch := &backend.Batch{}

	seqKey := backend.SequenceKey(account)
	seqRaw, err := s.getRaw(ctx, seqKey)
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}
	seq, err := backend.DecodeCounter(seqRaw)
	if err != nil {
		return nil, &CorruptionError{Subspace: "counter", Err: err}
	}
	newSeq := uint64(seq) + 1
	batch.Assert(seqKey, seqRaw)
	batch.Put(seqKey, backend.EncodeCounter(seq+1))

	dataKey := backend.DataKey(account, coll, documentID)
	oldRaw, err := s.getRaw(ctx, dataKey)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if oldRaw == nil {
		return nil, backend.ErrNotFound
	}
	oldFields, err := decodeDocument(oldRaw)
	if err != nil {
		return nil, err
	}
	oldSet, err := s.buildIndexSet(account, collection, documentID, oldFields)
	if err != nil {
		return nil, err
	}

	batch.Assert(dataKey, oldRaw)
	batch.Delete(dataKey)

	if err := s.diffIndexSets(ctx, batch, account, collection, documentID, oldSet, newIndexSet(), false); err != nil {
		return nil, err
	}

	// The id leaves the live set and joins the tombstones so iteration and
	// sync never need a log scan to observe the removal.
	if err := s.applyBitmapChange(ctx, batch, &bitmapChange{
		key: backend.DocumentsBitmapKey(account, coll),
		del: []uint32{documentID},
	}); err != nil {
		return nil, err
	}
	if err := s.applyBitmapChange(ctx, batch, &bitmapChange{
		key: backend.TombstoneBitmapKey(account, coll),
		add: []uint32{documentID},
	}); err != nil {
		return nil, err
	}

	batch.Add(backend.StatKey(account, statDocuments), -1)
	batch.Put(backend.LogKey(account, newSeq), encodeLogRecord(changeDelete, coll, documentID, time.Now()))

	if err := s.backend.Write(ctx, batch); err != nil {
		return nil, err
	}
	return &WriteResult{DocumentID: documentID, State: newSeq}, nil
}

// diffIndexSets appends the index operations that move a document from the
// old footprint to the new one. Entries present in both sets are untouched.
func (s *service) diffIndexSets(ctx context.Context, batch *backend.Batch, account uint32, collection Collection, documentID uint32, oldSet, newSet *indexSet, inserted bool) error {
	coll := byte(collection)

	// Sorted index entries key the field value, so membership is pure put/delete.
	for k := range oldSet.sorted {
		if _, ok := newSet.sorted[k]; !ok {
			batch.Delete([]byte(k))
		}
	}
	for k := range newSet.sorted {
		if _, ok := oldSet.sorted[k]; !ok {
			batch.Put([]byte(k), nil)
		}
	}

	// Bitmaps need read-modify-write under assertion.
	changes := make(map[string]*bitmapChange)
	change := func(k string) *bitmapChange {
		ch, ok := changes[k]
		if !ok {
			ch = &bitmapChange{key: []byte(k)}
			changes[k] = ch
		}
		return ch
	}
	for k := range oldSet.bitmaps {
		if _, ok := newSet.bitmaps[k]; !ok {
			ch := change(k)
			ch.del = append(ch.del, documentID)
		}
	}
	for k := range newSet.bitmaps {
		if _, ok := oldSet.bitmaps[k]; !ok {
			ch := change(k)
			ch.add = append(ch.add, documentID)
		}
	}
	if inserted {
		ch := change(string(backend.DocumentsBitmapKey(account, coll)))
		ch.add = append(ch.add, documentID)
	}
	for _, ch := range changes {
		if err := s.applyBitmapChange(ctx, batch, ch); err != nil {
			return err
		}
	}

	// Full-text postings: rewrite entries whose position list changed.
	for k := range oldSet.postings {
		if _, ok := newSet.postings[k]; !ok {
			batch.Delete([]byte(k))
		}
	}
	for k, v := range newSet.postings {
		if old, ok := oldSet.postings[k]; !ok || !bytes.Equal(old, v) {
			batch.Put([]byte(k), v)
		}
	}
	docLenKey := backend.DocLenKey(account, coll, documentID)
	switch {
	case newSet.docLen > 0 && newSet.docLen != oldSet.docLen:
		batch.Put(docLenKey, encodeDocLen(newSet.docLen))
	case newSet.docLen == 0 && oldSet.docLen > 0:
		batch.Delete(docLenKey)
	}

	// Blob links: newly referenced blobs must already be committed. The
	// commit record is pinned in the batch so a concurrent reclaim cannot
	// delete the blob out from under the new link; one side loses with a
	// conflict and the commit retries against the new picture.
	for hash := range newSet.blobs {
		if _, ok := oldSet.blobs[hash]; ok {
			continue
		}
		commitKey := backend.BlobCommitKey([]byte(hash))
		raw, err := s.getRaw(ctx, commitKey)
		if err != nil {
			return fmt.Errorf("read blob record: %w", err)
		}
		if raw == nil {
			return fmt.Errorf("%w: %s", ErrBlobNotFound, hash)
		}
		batch.Assert(commitKey, raw)
		batch.Put(backend.BlobLinkKey([]byte(hash), account, coll, documentID), nil)
		batch.Delete(backend.BlobZeroKey([]byte(hash)))
	}
	for hash := range oldSet.blobs {
		if _, ok := newSet.blobs[hash]; !ok {
			batch.Delete(backend.BlobLinkKey([]byte(hash), account, coll, documentID))
		}
	}

	return nil
}
