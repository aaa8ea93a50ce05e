package datastore

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/datastore/backend"
)

func changesSince(t *testing.T, svc *service, account uint32, since uint64) *ChangeList {
	t.Helper()
	list, err := svc.ChangesSince(context.Background(), account, since)
	if err != nil {
		t.Fatalf("ChangesSince(%d): %v", since, err)
	}
	return list
}

func TestChangesResumeFromState(t *testing.T) {
	svc := newTestService(t)

	mustWrite(t, svc, 1, collMessages, 0, messageFields("a@x", "one"))
	mustWrite(t, svc, 1, collMessages, 0, messageFields("b@x", "two"))

	list := changesSince(t, svc, 1, 0)
	if len(list.Changes) != 2 {
		t.Fatalf("full replay = %+v, want 2 inserts", list.Changes)
	}

	// Resuming from the returned state yields nothing until a new write.
	next := changesSince(t, svc, 1, list.State)
	if len(next.Changes) != 0 {
		t.Errorf("resume = %+v, want empty", next.Changes)
	}
	if next.State != list.State {
		t.Errorf("idle resume state = %d, want %d", next.State, list.State)
	}

	res := mustWrite(t, svc, 1, collMessages, 0, messageFields("c@x", "three"))
	next = changesSince(t, svc, 1, list.State)
	if len(next.Changes) != 1 || next.Changes[0].DocumentID != res.DocumentID || next.Changes[0].Type != ChangeInsert {
		t.Errorf("after third write = %+v, want insert of %d", next.Changes, res.DocumentID)
	}
	if next.State != res.State {
		t.Errorf("state = %d, want %d", next.State, res.State)
	}
}

func TestChangesCollapse(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Two documents born before the window opens.
	pre := mustWrite(t, svc, 1, collMessages, 0, messageFields("a@x", "one"))
	doomed := mustWrite(t, svc, 1, collMessages, 0, messageFields("d@x", "doomed"))
	window := doomed.State

	// Updated twice inside the window: reads as one update.
	mustWrite(t, svc, 1, collMessages, pre.DocumentID, messageFields("a@x", "two"))
	mustWrite(t, svc, 1, collMessages, pre.DocumentID, messageFields("a@x", "three"))

	// Born and updated inside the window: reads as one insert.
	young := mustWrite(t, svc, 1, collMessages, 0, messageFields("b@x", "hello"))
	mustWrite(t, svc, 1, collMessages, young.DocumentID, messageFields("b@x", "hello again"))

	// Born and deleted inside the window: invisible.
	ghost := mustWrite(t, svc, 1, collMessages, 0, messageFields("c@x", "gone"))
	if _, err := svc.Delete(ctx, 1, collMessages, ghost.DocumentID); err != nil {
		t.Fatalf("Delete ghost: %v", err)
	}

	// Born before the window, deleted inside it: reads as one delete.
	if _, err := svc.Delete(ctx, 1, collMessages, doomed.DocumentID); err != nil {
		t.Fatalf("Delete doomed: %v", err)
	}

	got := map[uint32]ChangeType{}
	for _, ch := range changesSince(t, svc, 1, window).Changes {
		if _, dup := got[ch.DocumentID]; dup {
			t.Fatalf("document %d reported twice", ch.DocumentID)
		}
		got[ch.DocumentID] = ch.Type
	}

	if got[pre.DocumentID] != ChangeUpdate {
		t.Errorf("updated-only document = %v, want update", got[pre.DocumentID])
	}
	if got[young.DocumentID] != ChangeInsert {
		t.Errorf("born-and-updated document = %v, want insert", got[young.DocumentID])
	}
	if _, present := got[ghost.DocumentID]; present {
		t.Errorf("born-and-deleted document should be invisible, got %v", got[ghost.DocumentID])
	}
	if got[doomed.DocumentID] != ChangeDelete {
		t.Errorf("pre-existing deleted document = %v, want delete", got[doomed.DocumentID])
	}
}

func TestChangesStateTooOld(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mustWrite(t, svc, 1, collMessages, 0, messageFields("a@x", "one"))
	res := mustWrite(t, svc, 1, collMessages, 0, messageFields("b@x", "two"))

	// Raise the compaction floor past the first entry, as maintenance would.
	batch := &backend.Batch{}
	batch.Put(backend.StatKey(1, statChangeFloor), backend.EncodeCounter(1))
	if err := svc.backend.Write(ctx, batch); err != nil {
		t.Fatalf("raise floor: %v", err)
	}

	if _, err := svc.ChangesSince(ctx, 1, 0); !errors.Is(err, ErrStateTooOld) {
		t.Errorf("since=0 below floor: expected ErrStateTooOld, got %v", err)
	}

	// States at or above the floor still work.
	list := changesSince(t, svc, 1, 1)
	if len(list.Changes) != 1 || list.Changes[0].DocumentID != res.DocumentID {
		t.Errorf("since=floor = %+v, want insert of %d", list.Changes, res.DocumentID)
	}
}

func TestChangesCrossCollection(t *testing.T) {
	svc := newTestService(t)

	const collContacts Collection = 2
	msg := mustWrite(t, svc, 1, collMessages, 0, messageFields("a@x", "one"))
	contact := mustWrite(t, svc, 1, collContacts, 0, []Field{
		{ID: fieldFrom, Value: String("carol"), Index: IndexBitmap},
	})

	// Both collections share the account's sequence and log.
	if contact.State <= msg.State {
		t.Fatalf("states not monotonic across collections: %d then %d", msg.State, contact.State)
	}

	list := changesSince(t, svc, 1, 0)
	if len(list.Changes) != 2 {
		t.Fatalf("changes = %+v, want 2", list.Changes)
	}
	if list.Changes[0].Collection != collMessages || list.Changes[1].Collection != collContacts {
		t.Errorf("collections = %d, %d", list.Changes[0].Collection, list.Changes[1].Collection)
	}
	// Document ids are per collection; both start at 1.
	if msg.DocumentID != 1 || contact.DocumentID != 1 {
		t.Errorf("ids = %d, %d, want 1, 1", msg.DocumentID, contact.DocumentID)
	}
}

func TestChangesSequencesAscend(t *testing.T) {
	svc := newTestService(t)

	// Two documents born before the window, then updated in alternation so
	// the document seen first inside the window carries the later sequence.
	a := mustWrite(t, svc, 1, collMessages, 0, messageFields("a@x", "one"))
	b := mustWrite(t, svc, 1, collMessages, 0, messageFields("b@x", "two"))
	window := b.State

	mustWrite(t, svc, 1, collMessages, a.DocumentID, messageFields("a@x", "v1"))
	mustWrite(t, svc, 1, collMessages, b.DocumentID, messageFields("b@x", "v1"))
	last := mustWrite(t, svc, 1, collMessages, a.DocumentID, messageFields("a@x", "v2"))

	list := changesSince(t, svc, 1, window)
	if len(list.Changes) != 2 {
		t.Fatalf("changes = %+v, want 2", list.Changes)
	}
	for i := 1; i < len(list.Changes); i++ {
		if list.Changes[i].Sequence <= list.Changes[i-1].Sequence {
			t.Fatalf("sequences not ascending: %+v", list.Changes)
		}
	}
	if got := list.Changes[1]; got.DocumentID != a.DocumentID || got.Sequence != last.State {
		t.Errorf("last change = %+v, want document %d at sequence %d", got, a.DocumentID, last.State)
	}
}
