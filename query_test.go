package datastore

import (
	"context"
	"math/rand"
	"sort"
	"testing"
)

// seedMessage writes one document with the full index spread used by the
// query tests: bitmap sender, sorted size, keyword tags.
func seedMessage(t *testing.T, svc *service, account uint32, from string, size int64, tags ...string) uint32 {
	t.Helper()
	fields := []Field{
		{ID: fieldFrom, Value: String(from), Index: IndexBitmap | IndexSorted},
		{ID: fieldSize, Value: Number(size), Index: IndexSorted},
	}
	if len(tags) > 0 {
		fields = append(fields, Field{ID: fieldTags, Value: Keywords(tags...), Index: IndexBitmap | IndexSorted})
	}
	res := mustWrite(t, svc, account, collMessages, 0, fields)
	return res.DocumentID
}

func queryIDs(t *testing.T, svc *service, req QueryRequest) []uint32 {
	t.Helper()
	res, err := svc.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return res.IDs
}

func TestQueryEq(t *testing.T) {
	svc := newTestService(t)

	a := seedMessage(t, svc, 1, "alice@x", 100)
	seedMessage(t, svc, 1, "bob@x", 200)
	c := seedMessage(t, svc, 1, "alice@x", 300)

	got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Eq(fieldFrom, String("alice@x")),
	})
	if !equalIDs(got, []uint32{a, c}) {
		t.Errorf("Eq(from=alice@x) = %v, want %v", got, []uint32{a, c})
	}

	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Eq(fieldFrom, String("nobody@x")),
	})
	if len(got) != 0 {
		t.Errorf("Eq(from=nobody@x) = %v, want empty", got)
	}
}

func TestQueryKeywords(t *testing.T) {
	svc := newTestService(t)

	a := seedMessage(t, svc, 1, "a@x", 1, "urgent", "todo")
	b := seedMessage(t, svc, 1, "b@x", 2, "urgent")
	seedMessage(t, svc, 1, "c@x", 3, "spam")

	// Single keyword matches every document carrying it.
	got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Eq(fieldTags, Keywords("urgent")),
	})
	if !equalIDs(got, []uint32{a, b}) {
		t.Errorf("tags=urgent: got %v, want %v", got, []uint32{a, b})
	}

	// A keyword set requires all of its members.
	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Eq(fieldTags, Keywords("urgent", "todo")),
	})
	if !equalIDs(got, []uint32{a}) {
		t.Errorf("tags=urgent+todo: got %v, want %v", got, []uint32{a})
	}
}

func TestQueryRange(t *testing.T) {
	svc := newTestService(t)

	ids := make(map[int64]uint32)
	for _, size := range []int64{-50, 10, 20, 30, 40} {
		ids[size] = seedMessage(t, svc, 1, "a@x", size)
	}

	cases := []struct {
		name   string
		filter Filter
		want   []uint32
	}{
		{"inclusive both", Within(fieldSize, ptr(Number(10)), ptr(Number(30))), []uint32{ids[10], ids[20], ids[30]}},
		{"open low", Within(fieldSize, nil, ptr(Number(10))), []uint32{ids[-50], ids[10]}},
		{"open high", Within(fieldSize, ptr(Number(30)), nil), []uint32{ids[30], ids[40]}},
		{"before exclusive", Before(fieldSize, Number(20)), []uint32{ids[-50], ids[10]}},
		{"after exclusive", After(fieldSize, Number(20)), []uint32{ids[30], ids[40]}},
		{"negative bound", Within(fieldSize, ptr(Number(-100)), ptr(Number(0))), []uint32{ids[-50]}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := queryIDs(t, svc, QueryRequest{Account: 1, Collection: collMessages, Filter: tc.filter})
			if !equalIDs(got, tc.want) {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestQueryBoolean(t *testing.T) {
	svc := newTestService(t)

	a := seedMessage(t, svc, 1, "alice@x", 100, "urgent")
	b := seedMessage(t, svc, 1, "bob@x", 200, "urgent")
	c := seedMessage(t, svc, 1, "alice@x", 300)

	got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: All(Eq(fieldFrom, String("alice@x")), Eq(fieldTags, Keywords("urgent"))),
	})
	if !equalIDs(got, []uint32{a}) {
		t.Errorf("All = %v, want %v", got, []uint32{a})
	}

	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Any(Eq(fieldFrom, String("bob@x")), After(fieldSize, Number(250))),
	})
	if !equalIDs(got, []uint32{b, c}) {
		t.Errorf("Any = %v, want %v", got, []uint32{b, c})
	}

	// None is evaluated against live documents only.
	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: None(Eq(fieldTags, Keywords("urgent"))),
	})
	if !equalIDs(got, []uint32{c}) {
		t.Errorf("None = %v, want %v", got, []uint32{c})
	}

	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: All(),
	})
	if !equalIDs(got, []uint32{a, b, c}) {
		t.Errorf("empty All = %v, want all live ids", got)
	}
}

func TestQuerySort(t *testing.T) {
	svc := newTestService(t)

	big := seedMessage(t, svc, 1, "a@x", 300)
	small := seedMessage(t, svc, 1, "b@x", 100)
	mid := seedMessage(t, svc, 1, "c@x", 200)

	got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Sort: &SortSpec{Field: fieldSize},
	})
	if !equalIDs(got, []uint32{small, mid, big}) {
		t.Errorf("ascending sort = %v, want %v", got, []uint32{small, mid, big})
	}

	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Sort: &SortSpec{Field: fieldSize, Descending: true},
	})
	if !equalIDs(got, []uint32{big, mid, small}) {
		t.Errorf("descending sort = %v, want %v", got, []uint32{big, mid, small})
	}

	// Sorted pagination with filter: only sizes >= 150, descending, page 2.
	got = queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: After(fieldSize, Number(150)),
		Sort:   &SortSpec{Field: fieldSize, Descending: true},
		Limit:  1, Offset: 1,
	})
	if !equalIDs(got, []uint32{mid}) {
		t.Errorf("paged sorted query = %v, want %v", got, []uint32{mid})
	}
}

func TestQueryPagination(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	var all []uint32
	for i := 0; i < 10; i++ {
		all = append(all, seedMessage(t, svc, 1, "a@x", int64(i)))
	}

	var got []uint32
	offset := 0
	for {
		res, err := svc.Query(ctx, QueryRequest{
			Account: 1, Collection: collMessages,
			Limit: 3, Offset: offset,
		})
		if err != nil {
			t.Fatalf("Query page at %d: %v", offset, err)
		}
		if res.Total != uint64(len(all)) {
			t.Fatalf("Total = %d, want %d", res.Total, len(all))
		}
		if res.Position != offset {
			t.Fatalf("Position = %d, want %d", res.Position, offset)
		}
		if len(res.IDs) == 0 {
			break
		}
		got = append(got, res.IDs...)
		offset = res.Position + len(res.IDs)
	}
	if !equalIDs(got, all) {
		t.Errorf("paged ids = %v, want %v", got, all)
	}
}

// TestQueryRandomizedOracle runs a random mutation sequence and checks every
// query shape against a brute-force in-memory model.
func TestQueryRandomizedOracle(t *testing.T) {
	svc := newTestService(t)
	rng := rand.New(rand.NewSource(1))

	type modelDoc struct {
		from string
		size int64
	}
	model := make(map[uint32]modelDoc)

	senders := []string{"a@x", "b@x", "c@x"}
	for step := 0; step < 200; step++ {
		if len(model) > 0 && rng.Intn(4) == 0 {
			// Delete a random live document.
			var victim uint32
			for id := range model {
				victim = id
				break
			}
			if _, err := svc.Delete(context.Background(), 1, collMessages, victim); err != nil {
				t.Fatalf("step %d: Delete(%d): %v", step, victim, err)
			}
			delete(model, victim)
		} else {
			doc := modelDoc{from: senders[rng.Intn(len(senders))], size: rng.Int63n(1000)}
			var id uint32
			if len(model) > 0 && rng.Intn(3) == 0 {
				for existing := range model {
					id = existing
					break
				}
			}
			res := mustWrite(t, svc, 1, collMessages, id, []Field{
				{ID: fieldFrom, Value: String(doc.from), Index: IndexBitmap},
				{ID: fieldSize, Value: Number(doc.size), Index: IndexSorted},
			})
			model[res.DocumentID] = doc
		}
	}

	oracle := func(pred func(modelDoc) bool) []uint32 {
		var want []uint32
		for id, doc := range model {
			if pred(doc) {
				want = append(want, id)
			}
		}
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		return want
	}

	for _, sender := range senders {
		sender := sender
		got := queryIDs(t, svc, QueryRequest{
			Account: 1, Collection: collMessages,
			Filter: Eq(fieldFrom, String(sender)),
			Limit:  1000,
		})
		want := oracle(func(d modelDoc) bool { return d.from == sender })
		if !equalIDs(got, want) {
			t.Errorf("Eq(%s) = %v, want %v", sender, got, want)
		}
	}

	for _, bound := range []struct{ low, high int64 }{{0, 250}, {250, 750}, {500, 999}} {
		bound := bound
		got := queryIDs(t, svc, QueryRequest{
			Account: 1, Collection: collMessages,
			Filter: Within(fieldSize, ptr(Number(bound.low)), ptr(Number(bound.high))),
			Limit:  1000,
		})
		want := oracle(func(d modelDoc) bool { return d.size >= bound.low && d.size <= bound.high })
		if !equalIDs(got, want) {
			t.Errorf("Within(%d,%d) = %v, want %v", bound.low, bound.high, got, want)
		}
	}

	got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: None(Eq(fieldFrom, String("a@x"))),
		Limit:  1000,
	})
	want := oracle(func(d modelDoc) bool { return d.from != "a@x" })
	if !equalIDs(got, want) {
		t.Errorf("None(a@x) = %v, want %v", got, want)
	}
}

func TestQueryUpdateMovesIndexEntries(t *testing.T) {
	svc := newTestService(t)

	id := seedMessage(t, svc, 1, "alice@x", 100)
	mustWrite(t, svc, 1, collMessages, id, []Field{
		{ID: fieldFrom, Value: String("bob@x"), Index: IndexBitmap | IndexSorted},
		{ID: fieldSize, Value: Number(500), Index: IndexSorted},
	})

	if got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Eq(fieldFrom, String("alice@x")),
	}); len(got) != 0 {
		t.Errorf("old value still matches: %v", got)
	}
	if got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Eq(fieldFrom, String("bob@x")),
	}); !equalIDs(got, []uint32{id}) {
		t.Errorf("new value = %v, want %v", got, []uint32{id})
	}
	if got := queryIDs(t, svc, QueryRequest{
		Account: 1, Collection: collMessages,
		Filter: Within(fieldSize, ptr(Number(0)), ptr(Number(200))),
	}); len(got) != 0 {
		t.Errorf("old size still matches: %v", got)
	}
}

func ptr(v Value) *Value { return &v }
