// Package heartbeat synthesizes periodic self-check messages for
// agents that configure one. The daemon consults the generator every
// poll tick; a heartbeat is due once its interval has elapsed, the
// current time falls inside the agent's active-hours window, the
// agent's HEARTBEAT.md holds actionable content, and a chat id is
// configured to deliver findings to.
package heartbeat

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/hours"
	"github.com/basket/dispatchd/internal/queue"
)

// ContentFileName is the per-agent checklist file, read from the
// agent's working directory.
const ContentFileName = "HEARTBEAT.md"

// Lines starting with the marker are ignored when deciding whether the
// checklist has actionable content.
const commentMarker = "#"

// Generator tracks per-agent heartbeat state across ticks.
type Generator struct {
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	lastBeat map[string]time.Time
}

func NewGenerator(cfg *config.Config, logger *slog.Logger) *Generator {
	return &Generator{
		cfg:      cfg,
		logger:   logger.With("component", "heartbeat"),
		now:      time.Now,
		lastBeat: make(map[string]time.Time),
	}
}

// Due returns synthesized heartbeat messages for every agent whose
// heartbeat is due now. Busy agents are passed over without consuming
// their beat; they become due again on the next tick. An agent first
// seen by Due starts a fresh interval rather than beating immediately.
func (g *Generator) Due(busy map[string]bool) []queue.IncomingMessage {
	now := g.now()
	var due []queue.IncomingMessage

	for i := range g.cfg.Agents {
		agent := &g.cfg.Agents[i]
		hb := agent.Heartbeat
		if hb == nil {
			continue
		}
		last, seen := g.lastBeat[agent.ID]
		if !seen {
			g.lastBeat[agent.ID] = now
			continue
		}
		if now.Sub(last) < time.Duration(hb.IntervalMinutes)*time.Minute {
			continue
		}
		if busy[agent.ID] {
			continue
		}
		if hb.ChatID == 0 {
			continue
		}
		if !hours.IsWithin(hb.ActiveHours, now) {
			continue
		}
		content, err := g.content(agent)
		if err != nil {
			g.logger.Warn("heartbeat content unreadable", "agent_id", agent.ID, "error", err)
			continue
		}
		if content == "" {
			continue
		}

		g.lastBeat[agent.ID] = now
		due = append(due, queue.IncomingMessage{
			Channel:   queue.ChannelTelegram,
			Sender:    queue.SenderHeartbeat,
			SenderID:  strconv.FormatInt(hb.ChatID, 10),
			Message:   content,
			Timestamp: now.UTC(),
			MessageID: uuid.NewString(),
			AgentID:   agent.ID,
		})
		g.logger.Debug("heartbeat due", "agent_id", agent.ID, "chat_id", hb.ChatID)
	}
	return due
}

// content loads the agent's checklist. The full text becomes the
// heartbeat prompt; blank and comment lines only decide whether there
// is anything to send. Missing file means heartbeats are disabled for
// the agent.
func (g *Generator) content(agent *config.Agent) (string, error) {
	raw, err := os.ReadFile(filepath.Join(agent.WorkingDir, ContentFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	text := strings.TrimSpace(string(raw))
	if !hasActionableContent(text) {
		return "", nil
	}
	return text, nil
}

func hasActionableContent(text string) bool {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, commentMarker) {
			continue
		}
		return true
	}
	return false
}
