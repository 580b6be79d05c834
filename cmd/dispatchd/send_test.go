package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/dispatchd/internal/queue"
)

func TestRunSendCommand_MissingFlags(t *testing.T) {
	code := runSendCommand([]string{"-agent", "main"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunSendCommand_InvalidSessionMode(t *testing.T) {
	code := runSendCommand([]string{"-agent", "main", "-message", "hi", "-session-mode", "forever"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunSendCommand_UnknownAgent(t *testing.T) {
	setTestConfigWithAgent(t)

	code := runSendCommand([]string{"-agent", "ghost", "-message", "hi"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for unknown agent", code)
	}
}

func TestRunSendCommand_QueuesEntry(t *testing.T) {
	home := setTestConfigWithAgent(t)

	code := runSendCommand([]string{"-agent", "main", "-message", "ship the report", "-session-mode", "isolated"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}

	incoming := filepath.Join(home, "queue", "incoming")
	ents, err := os.ReadDir(incoming)
	if err != nil {
		t.Fatalf("read incoming: %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("got %d queued entries, want 1", len(ents))
	}
	raw, err := os.ReadFile(filepath.Join(incoming, ents[0].Name()))
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	var msg queue.IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if msg.AgentID != "main" {
		t.Errorf("agent id = %q, want main", msg.AgentID)
	}
	if msg.Channel != "cli" {
		t.Errorf("channel = %q, want cli", msg.Channel)
	}
	if msg.Message != "ship the report" {
		t.Errorf("message = %q", msg.Message)
	}
	if msg.SessionMode != queue.SessionModeIsolated {
		t.Errorf("session mode = %q, want isolated", msg.SessionMode)
	}
	if msg.MessageID == "" || msg.Timestamp.IsZero() {
		t.Errorf("message id and timestamp should be filled in, got %q / %v", msg.MessageID, msg.Timestamp)
	}
}
