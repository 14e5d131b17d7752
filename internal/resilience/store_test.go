package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/recordkit/internal/resilience"
	"github.com/MrWong99/recordkit/pkg/record"
	"github.com/MrWong99/recordkit/pkg/upsert"
	"github.com/MrWong99/recordkit/pkg/upsert/memory"
	"github.com/MrWong99/recordkit/pkg/upsert/mock"
)

var users = record.MustSchema("users", "name")

func TestStore_OpensOnStoreFailures(t *testing.T) {
	t.Parallel()

	inner := &mock.Store{GetByErr: errors.New("connection refused")}
	s := resilience.NewStore(inner, resilience.CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	ctx := context.Background()

	for range 2 {
		if _, err := s.GetBy(ctx, "users", upsert.Criteria{"name": "Harry"}); err == nil {
			t.Fatal("expected store error")
		}
	}
	_, err := s.GetBy(ctx, "users", upsert.Criteria{"name": "Harry"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := inner.CallCount("GetBy"); got != 2 {
		t.Fatalf("inner GetBy calls = %d, want 2", got)
	}
	if err := s.Ping(ctx); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("Ping err = %v, want ErrCircuitOpen", err)
	}

	// Through the pipeline the open breaker is a failed lookup.
	out := upsert.FindBy(ctx, s, users.MustNew(map[string]any{"name": "Harry"}), upsert.By("name"))
	if !errors.Is(out.Err(), resilience.ErrCircuitOpen) {
		t.Fatalf("outcome err = %v, want ErrCircuitOpen", out.Err())
	}
}

func TestStore_DomainErrorsDoNotTrip(t *testing.T) {
	t.Parallel()

	inner := &mock.Store{
		GetByErr:  fmt.Errorf("mock: %w", upsert.ErrAmbiguousMatch),
		InsertErr: fmt.Errorf("mock: %w", upsert.ErrDuplicate),
	}
	s := resilience.NewStore(inner, resilience.CircuitBreakerConfig{MaxFailures: 1})
	ctx := context.Background()
	rec := users.MustNew(map[string]any{"name": "Harry"})

	for range 3 {
		if _, err := s.GetBy(ctx, "users", nil); !errors.Is(err, upsert.ErrAmbiguousMatch) {
			t.Fatalf("GetBy err = %v, want ErrAmbiguousMatch", err)
		}
		if _, err := s.Insert(ctx, rec); !errors.Is(err, upsert.ErrDuplicate) {
			t.Fatalf("Insert err = %v, want ErrDuplicate", err)
		}
	}
	if st := s.Breaker().State(); st != resilience.StateClosed {
		t.Fatalf("breaker state = %v, want closed", st)
	}
}

func TestStore_PassesThrough(t *testing.T) {
	t.Parallel()

	s := resilience.NewStore(memory.New(), resilience.CircuitBreakerConfig{})
	ctx := context.Background()

	got, err := upsert.FindOrCreateBy(ctx, s, users.MustNew(map[string]any{"name": "Luna"}), upsert.By("name"))
	if err != nil {
		t.Fatalf("FindOrCreateBy: %v", err)
	}
	again, err := upsert.UpsertBy(ctx, s, got, upsert.By("name"))
	if err != nil {
		t.Fatalf("UpsertBy: %v", err)
	}
	if id, _ := record.ID(again); id != int64(1) {
		t.Fatalf("id = %v, want 1", id)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate on a store without migrations: %v", err)
	}
	if _, ok := s.Unwrap().(*memory.Store); !ok {
		t.Fatalf("Unwrap() = %T, want *memory.Store", s.Unwrap())
	}
}

func TestIsStoreFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{upsert.ErrDuplicate, false},
		{fmt.Errorf("wrapped: %w", upsert.ErrAmbiguousMatch), false},
		{upsert.ErrInvalidRecord, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("connection reset"), true},
	}
	for _, tc := range tests {
		if got := resilience.IsStoreFailure(tc.err); got != tc.want {
			t.Errorf("IsStoreFailure(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
