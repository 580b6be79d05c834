package reset

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestConsume_DestructiveRead(t *testing.T) {
	store := newTestStore(t)

	if err := store.Signal("main"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if !store.Consume("main") {
		t.Fatal("first Consume = false, want true")
	}
	if store.Consume("main") {
		t.Fatal("second Consume = true, want false")
	}
}

func TestConsume_NoMarker(t *testing.T) {
	store := newTestStore(t)
	if store.Consume("main") {
		t.Fatal("Consume without marker = true, want false")
	}
}

func TestConsume_AgentIsolation(t *testing.T) {
	store := newTestStore(t)

	if err := store.Signal("alpha"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if store.Consume("beta") {
		t.Fatal("beta consumed alpha's marker")
	}
	if !store.Consume("alpha") {
		t.Fatal("alpha's marker gone after beta's Consume")
	}
}

func TestConsume_MarkerRemovedConcurrently(t *testing.T) {
	store := newTestStore(t)

	if err := store.Signal("main"); err != nil {
		t.Fatalf("Signal: %v", err)
	}
	// Another process clears the marker between ticks.
	if err := os.Remove(filepath.Join(store.dir, "main")); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	if store.Consume("main") {
		t.Fatal("Consume = true after external removal, want false")
	}
}
