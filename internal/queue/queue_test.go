package queue

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/dispatchd/internal/bus"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(dir, logger, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, dir
}

func testMessage(agentID, text string) IncomingMessage {
	return IncomingMessage{
		Channel:  "telegram",
		Sender:   "alice",
		SenderID: "1001",
		Message:  text,
		AgentID:  agentID,
	}
}

func TestWriteIncoming_FillsDefaults(t *testing.T) {
	store, dir := newTestStore(t)

	name, err := store.WriteIncoming(testMessage("main", "hello"))
	if err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "incoming", name))
	if err != nil {
		t.Fatalf("read written entry: %v", err)
	}
	var msg IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal written entry: %v", err)
	}
	if msg.MessageID == "" {
		t.Error("expected generated message id")
	}
	if msg.Timestamp.IsZero() {
		t.Error("expected generated timestamp")
	}
	if msg.Message != "hello" {
		t.Errorf("message = %q, want %q", msg.Message, "hello")
	}
}

func TestReadIncoming_OldestFirst(t *testing.T) {
	store, _ := newTestStore(t)

	for _, text := range []string{"first", "second", "third"} {
		if _, err := store.WriteIncoming(testMessage("main", text)); err != nil {
			t.Fatalf("WriteIncoming(%q): %v", text, err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range []string{"first", "second", "third"} {
		entry, err := store.ReadIncoming(nil)
		if err != nil {
			t.Fatalf("ReadIncoming: %v", err)
		}
		if entry == nil {
			t.Fatalf("ReadIncoming returned nil, want %q", want)
		}
		if entry.Message.Message != want {
			t.Fatalf("message = %q, want %q", entry.Message.Message, want)
		}
		if err := store.Delete(entry); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	entry, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming on empty queue: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry on empty queue, got %q", entry.Message.Message)
	}
}

func TestReadIncoming_SkipsBusyAgents(t *testing.T) {
	store, _ := newTestStore(t)

	if _, err := store.WriteIncoming(testMessage("busy", "for busy agent")); err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := store.WriteIncoming(testMessage("idle", "for idle agent")); err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}

	entry, err := store.ReadIncoming(map[string]bool{"busy": true})
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if entry == nil {
		t.Fatal("expected an entry for the idle agent")
	}
	if entry.Message.AgentID != "idle" {
		t.Fatalf("agent = %q, want %q", entry.Message.AgentID, "idle")
	}

	// The skipped entry is untouched and claimable once the agent frees up.
	entry2, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if entry2 == nil || entry2.Message.AgentID != "busy" {
		t.Fatalf("expected the busy agent's entry, got %+v", entry2)
	}
}

func TestReadIncoming_ClaimIsExclusive(t *testing.T) {
	store, dir := newTestStore(t)

	name, err := store.WriteIncoming(testMessage("main", "only"))
	if err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}

	first, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if first == nil {
		t.Fatal("expected entry on first read")
	}

	second, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if second != nil {
		t.Fatal("claimed entry returned twice")
	}

	if _, err := os.Stat(filepath.Join(dir, "incoming", name+".claimed")); err != nil {
		t.Fatalf("expected claimed file on disk: %v", err)
	}
}

func TestReadIncoming_QuarantinesCorrupt(t *testing.T) {
	store, dir := newTestStore(t)
	events := bus.New()
	store.events = events
	sub := events.Subscribe(bus.TopicQueueCorrupt)
	defer events.Unsubscribe(sub)

	// Invalid JSON sorts before the valid entry.
	corruptName := "00000000000000000001-deadbeef.json"
	corruptPath := filepath.Join(dir, "incoming", corruptName)
	if err := os.WriteFile(corruptPath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt entry: %v", err)
	}
	if _, err := store.WriteIncoming(testMessage("main", "valid")); err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}

	entry, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if entry == nil || entry.Message.Message != "valid" {
		t.Fatalf("expected the valid entry, got %+v", entry)
	}

	if _, err := os.Stat(corruptPath); !os.IsNotExist(err) {
		t.Error("corrupt entry still in incoming")
	}
	if _, err := os.Stat(filepath.Join(dir, "errors", corruptName)); err != nil {
		t.Errorf("corrupt entry not in errors: %v", err)
	}

	select {
	case event := <-sub.Ch():
		payload := event.Payload.(bus.QueueCorruptEvent)
		if payload.Name != corruptName {
			t.Errorf("event name = %q, want %q", payload.Name, corruptName)
		}
	case <-time.After(time.Second):
		t.Error("no queue.corrupt event published")
	}
}

func TestReadIncoming_QuarantinesSchemaViolations(t *testing.T) {
	store, dir := newTestStore(t)

	// Valid JSON but missing agentId.
	name := "00000000000000000002-cafecafe.json"
	body := `{"channel":"telegram","sender":"alice","senderId":"1","message":"hi","timestamp":"2026-08-23T10:00:00Z","messageId":"m1"}`
	if err := os.WriteFile(filepath.Join(dir, "incoming", name), []byte(body), 0o644); err != nil {
		t.Fatalf("write entry: %v", err)
	}

	entry, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if entry != nil {
		t.Fatalf("schema-invalid entry was returned: %+v", entry)
	}
	if _, err := os.Stat(filepath.Join(dir, "errors", name)); err != nil {
		t.Errorf("entry not quarantined: %v", err)
	}
}

func TestRecover_ReturnsClaimedEntries(t *testing.T) {
	store, dir := newTestStore(t)

	if _, err := store.WriteIncoming(testMessage("main", "interrupted")); err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}
	if _, err := store.ReadIncoming(nil); err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	// Leave a stale temp file too.
	if err := os.WriteFile(filepath.Join(dir, "incoming", "x.json.tmp"), []byte("{"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	// Simulate restart: a fresh store over the same directory.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted, err := NewStore(dir, logger, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	n, err := restarted.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover = %d, want 1", n)
	}

	entry, err := restarted.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming after recover: %v", err)
	}
	if entry == nil || entry.Message.Message != "interrupted" {
		t.Fatalf("expected recovered entry, got %+v", entry)
	}
	if _, err := os.Stat(filepath.Join(dir, "incoming", "x.json.tmp")); !os.IsNotExist(err) {
		t.Error("stale temp file survived Recover")
	}
}

func TestMoveToErrors_KeepsOriginalName(t *testing.T) {
	store, dir := newTestStore(t)

	name, err := store.WriteIncoming(testMessage("main", "will fail"))
	if err != nil {
		t.Fatalf("WriteIncoming: %v", err)
	}
	entry, err := store.ReadIncoming(nil)
	if err != nil {
		t.Fatalf("ReadIncoming: %v", err)
	}
	if err := store.MoveToErrors(entry, "execution failed"); err != nil {
		t.Fatalf("MoveToErrors: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "errors", name)); err != nil {
		t.Fatalf("entry not in errors under original name: %v", err)
	}
}

func TestWriteOutgoing(t *testing.T) {
	store, dir := newTestStore(t)

	name, err := store.WriteOutgoing(OutgoingMessage{
		Channel:   "telegram",
		Recipient: "1001",
		AgentID:   "main",
		Content:   "undelivered response",
	})
	if err != nil {
		t.Fatalf("WriteOutgoing: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "outgoing", name))
	if err != nil {
		t.Fatalf("read outgoing entry: %v", err)
	}
	if !strings.Contains(string(raw), "undelivered response") {
		t.Errorf("outgoing entry missing content: %s", raw)
	}
}

func TestDepths(t *testing.T) {
	store, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := store.WriteIncoming(testMessage("main", "m")); err != nil {
			t.Fatalf("WriteIncoming: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	entry, err := store.ReadIncoming(nil)
	if err != nil || entry == nil {
		t.Fatalf("ReadIncoming: entry=%v err=%v", entry, err)
	}
	if err := store.MoveToErrors(entry, "boom"); err != nil {
		t.Fatalf("MoveToErrors: %v", err)
	}
	if _, err := store.WriteOutgoing(OutgoingMessage{Channel: "telegram", Content: "x"}); err != nil {
		t.Fatalf("WriteOutgoing: %v", err)
	}

	d, err := store.Depths()
	if err != nil {
		t.Fatalf("Depths: %v", err)
	}
	want := Depths{Pending: 2, InFlight: 0, Outgoing: 1, Errors: 1}
	if d != want {
		t.Fatalf("Depths = %+v, want %+v", d, want)
	}
}
