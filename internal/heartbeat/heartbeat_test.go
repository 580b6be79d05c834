package heartbeat

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/queue"
)

func testGenerator(t *testing.T, hb *config.HeartbeatConfig) (*Generator, string, *time.Time) {
	t.Helper()
	workDir := t.TempDir()
	cfg := &config.Config{Agents: []config.Agent{
		{ID: "main", WorkingDir: workDir, Heartbeat: hb},
	}}
	gen := NewGenerator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.Local)
	gen.now = func() time.Time { return now }
	return gen, workDir, &now
}

func writeContent(t *testing.T, workDir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(workDir, ContentFileName), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", ContentFileName, err)
	}
}

func TestDue_SynthesizesAfterInterval(t *testing.T) {
	gen, workDir, now := testGenerator(t, &config.HeartbeatConfig{IntervalMinutes: 30, ChatID: 42})
	writeContent(t, workDir, "- check the backups\n- check disk space")

	// First tick only establishes the epoch.
	if msgs := gen.Due(nil); len(msgs) != 0 {
		t.Fatalf("first tick produced %d messages, want 0", len(msgs))
	}

	*now = now.Add(29 * time.Minute)
	if msgs := gen.Due(nil); len(msgs) != 0 {
		t.Fatalf("beat fired before the interval elapsed")
	}

	*now = now.Add(time.Minute)
	msgs := gen.Due(nil)
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Sender != queue.SenderHeartbeat {
		t.Errorf("sender = %q, want %q", msg.Sender, queue.SenderHeartbeat)
	}
	if msg.Channel != queue.ChannelTelegram {
		t.Errorf("channel = %q, want %q", msg.Channel, queue.ChannelTelegram)
	}
	if msg.SenderID != "42" {
		t.Errorf("sender id = %q, want %q", msg.SenderID, "42")
	}
	if msg.AgentID != "main" {
		t.Errorf("agent id = %q, want %q", msg.AgentID, "main")
	}
	if msg.Message != "- check the backups\n- check disk space" {
		t.Errorf("message = %q", msg.Message)
	}
	if msg.MessageID == "" {
		t.Error("message id not set")
	}

	// The beat was consumed; the next one waits a full interval.
	if msgs := gen.Due(nil); len(msgs) != 0 {
		t.Fatal("beat fired twice in a row")
	}
}

func TestDue_BusyAgentRetriesNextTick(t *testing.T) {
	gen, workDir, now := testGenerator(t, &config.HeartbeatConfig{IntervalMinutes: 10, ChatID: 42})
	writeContent(t, workDir, "- check things")

	gen.Due(nil)
	*now = now.Add(11 * time.Minute)

	if msgs := gen.Due(map[string]bool{"main": true}); len(msgs) != 0 {
		t.Fatal("heartbeat synthesized for busy agent")
	}
	// Busy skip must not consume the beat.
	if msgs := gen.Due(nil); len(msgs) != 1 {
		t.Fatalf("beat lost after busy skip: len = %d", len(msgs))
	}
}

func TestDue_SkipConditions(t *testing.T) {
	t.Run("no heartbeat config", func(t *testing.T) {
		gen, workDir, now := testGenerator(t, nil)
		writeContent(t, workDir, "- check")
		gen.Due(nil)
		*now = now.Add(time.Hour)
		if msgs := gen.Due(nil); len(msgs) != 0 {
			t.Fatal("heartbeat synthesized without configuration")
		}
	})

	t.Run("no chat id", func(t *testing.T) {
		gen, workDir, now := testGenerator(t, &config.HeartbeatConfig{IntervalMinutes: 10})
		writeContent(t, workDir, "- check")
		gen.Due(nil)
		*now = now.Add(time.Hour)
		if msgs := gen.Due(nil); len(msgs) != 0 {
			t.Fatal("heartbeat synthesized without a chat id")
		}
	})

	t.Run("missing content file", func(t *testing.T) {
		gen, _, now := testGenerator(t, &config.HeartbeatConfig{IntervalMinutes: 10, ChatID: 42})
		gen.Due(nil)
		*now = now.Add(time.Hour)
		if msgs := gen.Due(nil); len(msgs) != 0 {
			t.Fatal("heartbeat synthesized without a content file")
		}
	})

	t.Run("comment-only content", func(t *testing.T) {
		gen, workDir, now := testGenerator(t, &config.HeartbeatConfig{IntervalMinutes: 10, ChatID: 42})
		writeContent(t, workDir, "# Heartbeat checklist\n\n#- disabled item\n")
		gen.Due(nil)
		*now = now.Add(time.Hour)
		if msgs := gen.Due(nil); len(msgs) != 0 {
			t.Fatal("heartbeat synthesized from comment-only content")
		}

		// Skips do not consume the beat: adding content fires on the
		// very next tick.
		writeContent(t, workDir, "# Heartbeat checklist\n- real item\n")
		if msgs := gen.Due(nil); len(msgs) != 1 {
			t.Fatalf("len(msgs) = %d, want 1 after content added", len(msgs))
		}
	})
}

func TestDue_ActiveHoursWindow(t *testing.T) {
	gen, workDir, now := testGenerator(t, &config.HeartbeatConfig{
		IntervalMinutes: 10,
		ChatID:          42,
		ActiveHours:     "09:00-17:00",
	})
	writeContent(t, workDir, "- check")

	gen.Due(nil)

	// 22:00 is outside the window.
	*now = time.Date(2026, 8, 23, 22, 0, 0, 0, time.Local)
	if msgs := gen.Due(nil); len(msgs) != 0 {
		t.Fatal("heartbeat fired outside active hours")
	}

	// Next morning, inside the window, interval long elapsed.
	*now = time.Date(2026, 8, 24, 9, 30, 0, 0, time.Local)
	if msgs := gen.Due(nil); len(msgs) != 1 {
		t.Fatalf("heartbeat did not fire inside active hours: len = %d", len(msgs))
	}
}

func TestDue_MultipleAgents(t *testing.T) {
	workA, workB := t.TempDir(), t.TempDir()
	cfg := &config.Config{Agents: []config.Agent{
		{ID: "alpha", WorkingDir: workA, Heartbeat: &config.HeartbeatConfig{IntervalMinutes: 10, ChatID: 1}},
		{ID: "beta", WorkingDir: workB, Heartbeat: &config.HeartbeatConfig{IntervalMinutes: 10, ChatID: 2}},
	}}
	gen := NewGenerator(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.Local)
	gen.now = func() time.Time { return now }

	writeContent(t, workA, "- a")
	writeContent(t, workB, "- b")

	gen.Due(nil)
	now = now.Add(time.Hour)

	msgs := gen.Due(nil)
	if len(msgs) != 2 {
		t.Fatalf("len(msgs) = %d, want 2", len(msgs))
	}
	if msgs[0].AgentID == msgs[1].AgentID {
		t.Fatalf("duplicate agent in one tick: %+v", msgs)
	}
}

func TestHasActionableContent(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"empty", "", false},
		{"whitespace", "  \n\t\n", false},
		{"comments only", "# a\n# b", false},
		{"comment then item", "# list\n- item", true},
		{"plain text", "check the backups", true},
		{"indented comment", "   # still a comment", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := hasActionableContent(tc.text); got != tc.want {
				t.Fatalf("hasActionableContent(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}
