package persistence

import (
	"context"
	"testing"
)

func TestReadSessionID_EmptyWhenUnset(t *testing.T) {
	store := newTestStore(t)
	id, err := store.ReadSessionID(context.Background(), "main")
	if err != nil {
		t.Fatalf("ReadSessionID: %v", err)
	}
	if id != "" {
		t.Fatalf("session id = %q, want empty", id)
	}
}

func TestWriteSessionID_Replaces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.WriteSessionID(ctx, "main", "first"); err != nil {
		t.Fatalf("WriteSessionID: %v", err)
	}
	if err := store.WriteSessionID(ctx, "main", "second"); err != nil {
		t.Fatalf("WriteSessionID: %v", err)
	}
	id, err := store.ReadSessionID(ctx, "main")
	if err != nil {
		t.Fatalf("ReadSessionID: %v", err)
	}
	if id != "second" {
		t.Fatalf("session id = %q, want %q", id, "second")
	}
}

func TestGetOrCreateSessionID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, created, err := store.GetOrCreateSessionID(ctx, "main")
	if err != nil {
		t.Fatalf("GetOrCreateSessionID: %v", err)
	}
	if !created {
		t.Fatal("created = false on first call, want true")
	}
	if id == "" {
		t.Fatal("empty session id")
	}

	again, created, err := store.GetOrCreateSessionID(ctx, "main")
	if err != nil {
		t.Fatalf("GetOrCreateSessionID: %v", err)
	}
	if created {
		t.Fatal("created = true on second call, want false")
	}
	if again != id {
		t.Fatalf("session id changed: %q then %q", id, again)
	}
}

func TestSessions_PerAgentIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.WriteSessionID(ctx, "alpha", "session-a"); err != nil {
		t.Fatalf("WriteSessionID: %v", err)
	}
	if err := store.WriteSessionID(ctx, "beta", "session-b"); err != nil {
		t.Fatalf("WriteSessionID: %v", err)
	}

	a, err := store.ReadSessionID(ctx, "alpha")
	if err != nil {
		t.Fatalf("ReadSessionID(alpha): %v", err)
	}
	b, err := store.ReadSessionID(ctx, "beta")
	if err != nil {
		t.Fatalf("ReadSessionID(beta): %v", err)
	}
	if a != "session-a" || b != "session-b" {
		t.Fatalf("sessions crossed: alpha=%q beta=%q", a, b)
	}

	all, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(Sessions) = %d, want 2", len(all))
	}
}
