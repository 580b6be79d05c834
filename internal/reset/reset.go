// Package reset implements one-shot context-reset signals. Dropping a
// marker file named after an agent into the reset directory asks that
// agent's next dispatch to start from a fresh context.
package reset

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Store reads and clears per-agent reset markers.
type Store struct {
	dir    string
	logger *slog.Logger
}

// NewStore creates the marker directory if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create reset dir: %w", err)
	}
	return &Store{dir: dir, logger: logger.With("component", "reset")}, nil
}

// Signal drops a reset marker for the agent. The next dispatch for that
// agent consumes it.
func (s *Store) Signal(agentID string) error {
	if err := os.WriteFile(filepath.Join(s.dir, agentID), nil, 0o644); err != nil {
		return fmt.Errorf("write reset marker: %w", err)
	}
	return nil
}

// Consume removes the agent's reset marker and reports whether one
// existed. The read is destructive: an immediate second call returns
// false. The remove doubles as the existence check, so a marker
// vanishing concurrently is simply no signal. Markers of other agents
// are never touched.
func (s *Store) Consume(agentID string) bool {
	err := os.Remove(filepath.Join(s.dir, agentID))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reset marker not consumable", "agent_id", agentID, "error", err)
		}
		return false
	}
	s.logger.Info("reset signal consumed", "agent_id", agentID)
	return true
}
