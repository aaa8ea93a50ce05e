package datastore

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for datastore events.
const (
	EventNameDocumentWritten = "datastore.document.written"
	EventNameDocumentDeleted = "datastore.document.deleted"
	EventNameBlobReclaimed   = "datastore.blob.reclaimed"
)

// DocumentWrittenEvent is published after a successful insert or update.
// Sequence is the change-log state assigned to the commit; subscribers can
// hand it straight to ChangesSince.
type DocumentWrittenEvent struct {
	Account    uint32    `json:"account"`
	Collection uint8     `json:"collection"`
	DocumentID uint32    `json:"document_id"`
	Sequence   uint64    `json:"sequence"`
	Inserted   bool      `json:"inserted"`
	WrittenAt  time.Time `json:"written_at"`
}

// DocumentDeletedEvent is published after a document is deleted.
type DocumentDeletedEvent struct {
	Account    uint32    `json:"account"`
	Collection uint8     `json:"collection"`
	DocumentID uint32    `json:"document_id"`
	Sequence   uint64    `json:"sequence"`
	DeletedAt  time.Time `json:"deleted_at"`
}

// BlobReclaimedEvent is published when maintenance deletes an unreferenced
// blob after its grace period.
type BlobReclaimedEvent struct {
	Hash        string    `json:"hash"`
	ReclaimedAt time.Time `json:"reclaimed_at"`
}

// ServiceEvents provides access to per-service event instances. Each service
// creates its own events bound to its own event bus, enabling independent
// event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().DocumentWritten.Subscribe(ctx, handler)
//	svc.Events().DocumentDeleted.Subscribe(ctx, handler)
//	svc.Events().BlobReclaimed.Subscribe(ctx, handler)
type ServiceEvents struct {
	// DocumentWritten is published after a successful insert or update.
	DocumentWritten event.Event[DocumentWrittenEvent]

	// DocumentDeleted is published after a document is deleted.
	DocumentDeleted event.Event[DocumentDeletedEvent]

	// BlobReclaimed is published when maintenance reclaims a blob.
	BlobReclaimed event.Event[BlobReclaimedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		DocumentWritten: event.New[DocumentWrittenEvent](namePrefix + "." + EventNameDocumentWritten),
		DocumentDeleted: event.New[DocumentDeletedEvent](namePrefix + "." + EventNameDocumentDeleted),
		BlobReclaimed:   event.New[BlobReclaimedEvent](namePrefix + "." + EventNameBlobReclaimed),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.DocumentWritten); err != nil {
		return fmt.Errorf("register DocumentWritten: %w", err)
	}
	if err := event.Register(ctx, bus, events.DocumentDeleted); err != nil {
		return fmt.Errorf("register DocumentDeleted: %w", err)
	}
	if err := event.Register(ctx, bus, events.BlobReclaimed); err != nil {
		return fmt.Errorf("register BlobReclaimed: %w", err)
	}
	return nil
}
