package upsert_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
	"github.com/MrWong99/recordkit/pkg/upsert/memory"
	"github.com/MrWong99/recordkit/pkg/upsert/mock"
)

// users is the schema shared by the pipeline tests.
var users = record.MustSchema("users", "id", "name", "first_name", "last_name", "age")

func user(values map[string]any) *record.Row {
	return users.MustNew(values)
}

// seed inserts recs into a fresh memory store.
func seed(t *testing.T, recs ...record.Record) *memory.Store {
	t.Helper()
	s := memory.New()
	for _, r := range recs {
		if _, err := s.Insert(context.Background(), r); err != nil {
			t.Fatalf("seed Insert(%v): %v", r, err)
		}
	}
	return s
}

func count(t *testing.T, s *memory.Store) int {
	t.Helper()
	n, err := s.Count(context.Background(), "users")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func wantField(t *testing.T, r record.Record, field string, want any) {
	t.Helper()
	got, ok := r.Get(field)
	if !ok {
		t.Fatalf("%s: field not set on %v", field, r)
	}
	if !record.ValuesEqual(got, want) {
		t.Fatalf("%s = %v (%T), want %v", field, got, got, want)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// FindBy / Find
// ─────────────────────────────────────────────────────────────────────────────

func TestFindBy_NotFoundReturnsOriginalCandidate(t *testing.T) {
	t.Parallel()

	store := seed(t, user(map[string]any{"name": "Ron"}))
	p := upsert.New(store)
	candidate := user(map[string]any{"name": "Hermione", "age": 19})

	out := p.FindBy(context.Background(), candidate, upsert.By("name"))
	if out.Tag() != upsert.TagNotFound {
		t.Fatalf("tag = %v, want not_found (err: %v)", out.Tag(), out.Err())
	}
	if out.Record() != record.Record(candidate) {
		t.Fatalf("NotFound carried %v, want the original candidate", out.Record())
	}
	if _, ok := candidate.Get("id"); ok {
		t.Fatal("candidate was modified: id is set")
	}
	wantField(t, out.Record(), "age", 19)
}

func TestFindBy_FoundReturnsExisting(t *testing.T) {
	t.Parallel()

	harry := user(map[string]any{"id": 4, "first_name": "Harry", "last_name": "Potter"})
	store := seed(t, harry, user(map[string]any{"first_name": "Lily", "last_name": "Potter"}))
	p := upsert.New(store)

	out := p.FindBy(context.Background(),
		user(map[string]any{"first_name": "Harry", "last_name": "Potter"}),
		upsert.By("first_name", "last_name"),
	)
	if !out.Found() {
		t.Fatalf("tag = %v, want found (err: %v)", out.Tag(), out.Err())
	}
	wantField(t, out.Record(), "id", 4)
	if !harry.Equal(out.Record()) {
		t.Fatalf("found %v, want %v", out.Record(), harry)
	}
}

func TestFindBy_AmbiguousMatch(t *testing.T) {
	t.Parallel()

	store := seed(t,
		user(map[string]any{"first_name": "Fred", "last_name": "Weasley"}),
		user(map[string]any{"first_name": "George", "last_name": "Weasley"}),
	)
	p := upsert.New(store)

	out := p.FindBy(context.Background(), user(map[string]any{"last_name": "Weasley"}), upsert.By("last_name"))
	if out.Tag() != upsert.TagFailed {
		t.Fatalf("tag = %v, want failed", out.Tag())
	}
	if !errors.Is(out.Err(), upsert.ErrAmbiguousMatch) {
		t.Fatalf("err = %v, want ErrAmbiguousMatch", out.Err())
	}
}

func TestFindBy_MissingSelectorsNeverCallsStore(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name string
		sel  upsert.Selectors
	}{
		{"nil", nil},
		{"empty", upsert.By()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &mock.Store{}
			out := upsert.FindBy(context.Background(), store, user(map[string]any{"name": "Neville"}), tc.sel)
			if !errors.Is(out.Err(), upsert.ErrMissingSelectors) {
				t.Fatalf("err = %v, want ErrMissingSelectors", out.Err())
			}
			if n := len(store.Calls()); n != 0 {
				t.Fatalf("store received %d calls, want 0", n)
			}
		})
	}
}

func TestFindBy_UnknownSelectorFieldIsInvalidRecord(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	out := upsert.FindBy(context.Background(), store, user(map[string]any{"name": "Luna"}), upsert.By("nmae"))
	if !errors.Is(out.Err(), upsert.ErrInvalidRecord) {
		t.Fatalf("err = %v, want ErrInvalidRecord", out.Err())
	}
	if store.CallCount("GetBy") != 0 {
		t.Fatal("store was called for an invalid selector")
	}
}

func TestFindBy_NilSelectorValuesAreDropped(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	upsert.FindBy(context.Background(), store, user(map[string]any{"name": "Luna"}), upsert.By("name", "age"))

	calls := store.Calls()
	if len(calls) != 1 || calls[0].Method != "GetBy" {
		t.Fatalf("calls = %+v, want one GetBy", calls)
	}
	crit := calls[0].Args[1].(upsert.Criteria)
	if _, ok := crit["age"]; ok {
		t.Fatalf("criteria %v contains unset field age", crit)
	}
	if len(crit) != 1 || crit["name"] != "Luna" {
		t.Fatalf("criteria = %v, want {name:Luna}", crit)
	}
}

func TestFindBy_EmptyCriteriaStillQueriesStore(t *testing.T) {
	t.Parallel()

	store := &mock.Store{}
	upsert.FindBy(context.Background(), store, user(nil), upsert.By("name"))
	if store.CallCount("GetBy") != 1 {
		t.Fatalf("GetBy calls = %d, want 1", store.CallCount("GetBy"))
	}
}

func TestFindBy_StoreErrorIsFailed(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	store := &mock.Store{GetByErr: boom}
	out := upsert.FindBy(context.Background(), store, user(map[string]any{"name": "Cho"}), upsert.By("name"))
	if !errors.Is(out.Err(), boom) {
		t.Fatalf("err = %v, want wrapped %v", out.Err(), boom)
	}
}

func TestFind(t *testing.T) {
	t.Parallel()

	t.Run("without id never calls store", func(t *testing.T) {
		t.Parallel()
		store := &mock.Store{GetByResult: user(map[string]any{"id": 1})}
		candidate := user(map[string]any{"name": "Ginny"})
		out := upsert.Find(context.Background(), store, candidate)
		if out.Tag() != upsert.TagNotFound || out.Record() != record.Record(candidate) {
			t.Fatalf("outcome = %v, want not_found(candidate)", out)
		}
		if len(store.Calls()) != 0 {
			t.Fatalf("store calls = %+v, want none", store.Calls())
		}
	})

	t.Run("with id looks up by id", func(t *testing.T) {
		t.Parallel()
		store := seed(t, user(map[string]any{"id": 7, "name": "Dobby"}))
		out := upsert.Find(context.Background(), store, user(map[string]any{"id": 7}))
		if !out.Found() {
			t.Fatalf("outcome = %v, want found", out)
		}
		wantField(t, out.Record(), "name", "Dobby")
	})

	t.Run("nil record is invalid", func(t *testing.T) {
		t.Parallel()
		out := upsert.Find(context.Background(), &mock.Store{}, nil)
		if !errors.Is(out.Err(), upsert.ErrInvalidRecord) {
			t.Fatalf("err = %v, want ErrInvalidRecord", out.Err())
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Composers
// ─────────────────────────────────────────────────────────────────────────────

func TestOrCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	existing := user(map[string]any{"id": 1, "name": "Hagrid"})
	candidate := user(map[string]any{"name": "Hagrid"})
	boom := errors.New("lookup failed")

	tests := []struct {
		name        string
		out         upsert.Outcome
		wantErr     error
		wantInserts int
		want        record.Record
	}{
		{name: "found returns existing", out: upsert.Found(existing, candidate), want: existing},
		{name: "not found inserts candidate", out: upsert.NotFound(candidate), wantInserts: 1, want: candidate},
		{name: "failed passes through", out: upsert.Failed(boom), wantErr: boom},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := &mock.Store{}
			got, err := upsert.OrCreate(ctx, store, tc.out)
			if err != tc.wantErr {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Fatalf("record = %v, want %v", got, tc.want)
			}
			if n := store.CallCount("Insert"); n != tc.wantInserts {
				t.Fatalf("Insert calls = %d, want %d", n, tc.wantInserts)
			}
			if n := store.CallCount("InsertOrUpdate"); n != 0 {
				t.Fatalf("InsertOrUpdate calls = %d, want 0", n)
			}
		})
	}
}

func TestOrCreate_InsertFailureIsStoreWriteError(t *testing.T) {
	t.Parallel()

	rejected := errors.New("check constraint")
	store := &mock.Store{InsertErr: rejected}
	_, err := upsert.OrCreate(context.Background(), store, upsert.NotFound(user(map[string]any{"name": "Peeves"})))

	var swe *upsert.StoreWriteError
	if !errors.As(err, &swe) {
		t.Fatalf("err = %v, want *StoreWriteError", err)
	}
	if swe.Op != "insert" || swe.Kind != "users" {
		t.Fatalf("StoreWriteError = %+v, want op insert kind users", swe)
	}
	if !errors.Is(err, upsert.ErrStoreWrite) || !errors.Is(err, rejected) {
		t.Fatalf("err = %v does not match ErrStoreWrite and the store error", err)
	}
}

func TestOrCreate_ZeroOutcome(t *testing.T) {
	t.Parallel()

	if _, err := upsert.OrCreate(context.Background(), &mock.Store{}, upsert.Outcome{}); err == nil {
		t.Fatal("expected error for zero outcome")
	}
}

func TestUpdateOrInsert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("found merges candidate onto existing", func(t *testing.T) {
		t.Parallel()
		store := &mock.Store{}
		existing := user(map[string]any{"id": 1, "name": "A", "age": 5})
		candidate := user(map[string]any{"id": 1, "name": "B"})

		got, err := upsert.UpdateOrInsert(ctx, store, upsert.Found(existing, candidate))
		if err != nil {
			t.Fatalf("UpdateOrInsert: %v", err)
		}
		wantField(t, got, "name", "B")
		wantField(t, got, "age", 5)
		wantField(t, existing, "name", "A")
		if store.CallCount("InsertOrUpdate") != 1 || store.CallCount("Insert") != 0 {
			t.Fatalf("calls = %+v, want one InsertOrUpdate", store.Calls())
		}
	})

	t.Run("not found writes candidate fields onto blank", func(t *testing.T) {
		t.Parallel()
		store := &mock.Store{}
		candidate := user(map[string]any{"name": "Sirius", "age": 36})

		got, err := upsert.UpdateOrInsert(ctx, store, upsert.NotFound(candidate))
		if err != nil {
			t.Fatalf("UpdateOrInsert: %v", err)
		}
		if !candidate.Equal(got) {
			t.Fatalf("written %v, want fields of %v", got, candidate)
		}
		if store.CallCount("InsertOrUpdate") != 1 {
			t.Fatalf("InsertOrUpdate calls = %d, want 1", store.CallCount("InsertOrUpdate"))
		}
	})

	t.Run("failed passes through without writing", func(t *testing.T) {
		t.Parallel()
		store := &mock.Store{}
		boom := errors.New("boom")
		if _, err := upsert.UpdateOrInsert(ctx, store, upsert.Failed(boom)); err != boom {
			t.Fatalf("err = %v, want %v", err, boom)
		}
		if len(store.Calls()) != 0 {
			t.Fatalf("store calls = %+v, want none", store.Calls())
		}
	})

	t.Run("write failure is StoreWriteError", func(t *testing.T) {
		t.Parallel()
		store := &mock.Store{InsertOrUpdateErr: upsert.ErrDuplicate}
		_, err := upsert.UpdateOrInsert(ctx, store, upsert.NotFound(user(map[string]any{"name": "x"})))
		if !errors.Is(err, upsert.ErrStoreWrite) || !errors.Is(err, upsert.ErrDuplicate) {
			t.Fatalf("err = %v, want ErrStoreWrite wrapping ErrDuplicate", err)
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Entry points
// ─────────────────────────────────────────────────────────────────────────────

func TestFindOrCreateBy_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	p := upsert.New(store)
	candidate := user(map[string]any{"first_name": "Minerva", "last_name": "McGonagall"})
	sel := upsert.By("first_name", "last_name")

	first, err := p.FindOrCreateBy(ctx, candidate, sel)
	if err != nil {
		t.Fatalf("first FindOrCreateBy: %v", err)
	}
	second, err := p.FindOrCreateBy(ctx, candidate, sel)
	if err != nil {
		t.Fatalf("second FindOrCreateBy: %v", err)
	}

	id1, _ := first.Get("id")
	id2, _ := second.Get("id")
	if !record.ValuesEqual(id1, id2) {
		t.Fatalf("ids differ: %v vs %v", id1, id2)
	}
	if n := count(t, store); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
}

func TestFindOrCreate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seed(t, user(map[string]any{"id": 3, "name": "Snape"}))
	p := upsert.New(store)

	got, err := p.FindOrCreate(ctx, user(map[string]any{"id": 3, "name": "Severus"}))
	if err != nil {
		t.Fatalf("FindOrCreate existing: %v", err)
	}
	wantField(t, got, "name", "Snape")

	got, err = p.FindOrCreate(ctx, user(map[string]any{"name": "Lupin"}))
	if err != nil {
		t.Fatalf("FindOrCreate new: %v", err)
	}
	wantField(t, got, "id", 4)
	if n := count(t, store); n != 2 {
		t.Fatalf("store holds %d records, want 2", n)
	}
}

func TestUpsertBy_MergeLaw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seed(t, user(map[string]any{"id": 1, "name": "A", "age": 5}))

	got, err := upsert.UpsertBy(ctx, store, user(map[string]any{"id": 1, "name": "B"}), upsert.By("id"))
	if err != nil {
		t.Fatalf("UpsertBy: %v", err)
	}
	want := user(map[string]any{"id": 1, "name": "B", "age": 5})
	if !want.Equal(got) {
		t.Fatalf("UpsertBy = %v, want %v", got, want)
	}

	stored := upsert.Find(ctx, store, user(map[string]any{"id": 1}))
	if !want.Equal(stored.Record()) {
		t.Fatalf("stored = %v, want %v", stored.Record(), want)
	}
	if n := count(t, store); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
}

func TestUpsertBy_NonKeySelectorUpdatesMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seed(t, user(map[string]any{"id": 9, "first_name": "Arthur", "last_name": "Weasley", "age": 50}))

	got, err := upsert.UpsertBy(ctx, store,
		user(map[string]any{"first_name": "Arthur", "last_name": "Weasley", "age": 51}),
		upsert.By("first_name", "last_name"),
	)
	if err != nil {
		t.Fatalf("UpsertBy: %v", err)
	}
	wantField(t, got, "id", 9)
	wantField(t, got, "age", 51)
	if n := count(t, store); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
}

func TestUpsertBy_MatchKeepsExistingKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seed(t, user(map[string]any{"id": 1, "name": "A", "age": 5}))

	got, err := upsert.UpsertBy(ctx, store, user(map[string]any{"id": 2, "name": "A", "age": 6}), upsert.By("name"))
	if err != nil {
		t.Fatalf("UpsertBy: %v", err)
	}
	wantField(t, got, "id", 1)
	wantField(t, got, "age", 6)
	if n := count(t, store); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}

	out := upsert.FindBy(ctx, store, user(map[string]any{"name": "A"}), upsert.By("name"))
	if err := out.Err(); err != nil {
		t.Fatalf("FindBy after upsert: %v", err)
	}
	wantField(t, out.Record(), "age", 6)
}

func TestFindOrCreateBy_ListValuedSelector(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	// The first call looks like a YAML-decoded value, the second like JSON.
	first, err := upsert.FindOrCreateBy(ctx, store, user(map[string]any{"name": "Harry", "age": []any{1, 2}}), upsert.By("age"))
	if err != nil {
		t.Fatalf("first FindOrCreateBy: %v", err)
	}
	second, err := upsert.FindOrCreateBy(ctx, store, user(map[string]any{"name": "Harry", "age": []any{float64(1), float64(2)}}), upsert.By("age"))
	if err != nil {
		t.Fatalf("second FindOrCreateBy: %v", err)
	}
	id, _ := first.Get("id")
	wantField(t, second, "id", id)
	if n := count(t, store); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
}

func TestUpsert_WithoutIDInserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()

	got, err := upsert.Upsert(ctx, store, user(map[string]any{"name": "Dumbledore"}))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, ok := got.Get("id"); !ok {
		t.Fatalf("Upsert = %v, want generated id", got)
	}
	wantField(t, got, "name", "Dumbledore")
	if n := count(t, store); n != 1 {
		t.Fatalf("store holds %d records, want 1", n)
	}
}

func TestUpsert_WithIDUpdates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := seed(t, user(map[string]any{"id": 2, "name": "Tom", "age": 16}))

	got, err := upsert.Upsert(ctx, store, user(map[string]any{"id": 2, "name": "Voldemort"}))
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	wantField(t, got, "name", "Voldemort")
	wantField(t, got, "age", 16)
}

func TestFindOrCreateBy_ConcurrentCallersRelyOnStoreConstraint(t *testing.T) {
	t.Parallel()

	schema := &record.Schema{
		Kind:   "houses",
		Fields: []string{"id", "name"},
		Unique: [][]string{{"name"}},
	}
	if err := schema.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	store := memory.New()
	p := upsert.New(store)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.FindOrCreateBy(ctx, schema.MustNew(map[string]any{"name": "Gryffindor"}), upsert.By("name"))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, upsert.ErrDuplicate) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n, _ := store.Count(ctx, "houses"); n != 1 {
		t.Fatalf("store holds %d houses, want 1", n)
	}
}

func TestPipeline_RecordsMeasurements(t *testing.T) {
	t.Parallel()

	rec := &mock.Recorder{}
	p := upsert.New(memory.New(), upsert.WithRecorder(rec))
	ctx := context.Background()

	if _, err := p.FindOrCreateBy(ctx, user(map[string]any{"name": "Bellatrix"}), upsert.By("name")); err != nil {
		t.Fatalf("FindOrCreateBy: %v", err)
	}
	if _, err := p.FindOrCreateBy(ctx, user(map[string]any{"name": "Bellatrix"}), upsert.By("name")); err != nil {
		t.Fatalf("FindOrCreateBy: %v", err)
	}

	wantLookups := []string{"users/not_found", "users/found"}
	if len(rec.Lookups) != 2 || rec.Lookups[0] != wantLookups[0] || rec.Lookups[1] != wantLookups[1] {
		t.Fatalf("lookups = %v, want %v", rec.Lookups, wantLookups)
	}
	if len(rec.Writes) != 1 || rec.Writes[0] != "users/insert/ok" {
		t.Fatalf("writes = %v, want [users/insert/ok]", rec.Writes)
	}
	if len(rec.Operations) != 2 || rec.Operations[0] != "find_or_create_by" {
		t.Fatalf("operations = %v, want two find_or_create_by", rec.Operations)
	}
}
