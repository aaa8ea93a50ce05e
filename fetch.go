package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/datastore/backend"
	"go.opentelemetry.io/otel/attribute"
)

// Fetch retrieves one document by id.
func (s *service) Fetch(ctx context.Context, account uint32, collection Collection, documentID uint32) (*Document, error) {
	if err := s.checkAccess(); err != nil {
		return nil, err
	}

	ctx, endSpan := s.otel.startSpan(ctx, "datastore.fetch",
		attribute.Int64("account", int64(account)),
		attribute.Int("collection", int(collection)),
		attribute.Int64("document_id", int64(documentID)),
	)
	start := time.Now()
	var fetchErr error
	defer func() {
		endSpan(fetchErr)
		s.otel.recordFetch(ctx, time.Since(start), fetchErr)
	}()

	raw, err := s.backend.Get(ctx, backend.DataKey(account, byte(collection), documentID))
	if err != nil {
		if backend.IsNotFound(err) {
			fetchErr = ErrNotFound
			return nil, fetchErr
		}
		fetchErr = fmt.Errorf("fetch document: %w", err)
		return nil, fetchErr
	}

	fields, err := decodeDocument(raw)
	if err != nil {
		fetchErr = err
		return nil, fetchErr
	}

	return &Document{
		Account:    account,
		Collection: collection,
		ID:         documentID,
		Fields:     fields,
	}, nil
}
