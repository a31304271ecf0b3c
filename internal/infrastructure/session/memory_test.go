package session

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(ttl time.Duration) (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(ttl)
	store.now = clock.now
	return store, clock
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	ctx := context.Background()

	s, err := store.Create(ctx)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.AppendTurn(ctx, s.ID, domain.Turn{Question: "q1", Answer: "a1"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	if err := store.SetFilter(ctx, s.ID, "A.pdf"); err != nil {
		t.Fatalf("SetFilter() error = %v", err)
	}

	got, err := store.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Turns) != 1 || got.Turns[0].Question != "q1" || got.Filter != "A.pdf" {
		t.Fatalf("unexpected session: %+v", got)
	}

	got.Turns[0].Question = "mutated"
	again, _ := store.Get(ctx, s.ID)
	if again.Turns[0].Question != "q1" {
		t.Fatalf("Get must return a copy")
	}

	if err := store.Clear(ctx, s.ID); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	cleared, _ := store.Get(ctx, s.ID)
	if len(cleared.Turns) != 0 || cleared.Filter != "A.pdf" {
		t.Fatalf("Clear must drop turns only: %+v", cleared)
	}

	if err := store.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, s.ID); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}

func TestMemoryStoreExpiresIdleSessions(t *testing.T) {
	store, clock := newTestStore(time.Hour)
	ctx := context.Background()

	idle, _ := store.Create(ctx)
	active, _ := store.Create(ctx)

	clock.t = clock.t.Add(50 * time.Minute)
	if err := store.AppendTurn(ctx, active.ID, domain.Turn{Question: "q"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	clock.t = clock.t.Add(20 * time.Minute)
	if _, err := store.Get(ctx, idle.ID); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("idle session should expire, got %v", err)
	}
	if _, err := store.Get(ctx, active.ID); err != nil {
		t.Fatalf("active session must survive, got %v", err)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store, clock := newTestStore(time.Minute)
	ctx := context.Background()
	_, _ = store.Create(ctx)
	_, _ = store.Create(ctx)

	clock.t = clock.t.Add(2 * time.Minute)
	if n := store.Sweep(); n != 2 {
		t.Fatalf("Sweep() = %d, want 2", n)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestMemoryStoreBoundsHistory(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	ctx := context.Background()
	s, _ := store.Create(ctx)
	for i := 0; i < MaxTurns+3; i++ {
		if err := store.AppendTurn(ctx, s.ID, domain.Turn{Question: string(rune('a' + i%26))}); err != nil {
			t.Fatalf("AppendTurn() error = %v", err)
		}
	}
	got, _ := store.Get(ctx, s.ID)
	if len(got.Turns) != MaxTurns {
		t.Fatalf("expected %d turns, got %d", MaxTurns, len(got.Turns))
	}
	if got.Turns[0].Question != string(rune('a'+3)) {
		t.Fatalf("oldest turns must be dropped first, got %q", got.Turns[0].Question)
	}
}

func TestMemoryStoreUnknownSession(t *testing.T) {
	store, _ := newTestStore(time.Hour)
	ctx := context.Background()
	if err := store.AppendTurn(ctx, "missing", domain.Turn{}); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !domain.IsKind(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session not found, got %v", err)
	}
}
