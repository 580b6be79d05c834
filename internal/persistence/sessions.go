package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentSession is one row of the per-agent session ledger.
type AgentSession struct {
	AgentID   string    `json:"agent_id"`
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadSessionID returns the persisted session id for the agent, or the
// empty string when none has been stored.
func (s *Store) ReadSessionID(ctx context.Context, agentID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM agent_sessions WHERE agent_id = ?;
	`, agentID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session for %s: %w", agentID, err)
	}
	return id, nil
}

// WriteSessionID persists the session id for the agent, replacing any
// previous one.
func (s *Store) WriteSessionID(ctx context.Context, agentID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_sessions (agent_id, session_id, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = CURRENT_TIMESTAMP;
	`, agentID, sessionID)
	if err != nil {
		return fmt.Errorf("write session for %s: %w", agentID, err)
	}
	return nil
}

// GetOrCreateSessionID returns the agent's persisted session id,
// creating and persisting a fresh one when none exists. The bool
// reports whether the id was just created.
func (s *Store) GetOrCreateSessionID(ctx context.Context, agentID string) (string, bool, error) {
	id, err := s.ReadSessionID(ctx, agentID)
	if err != nil {
		return "", false, err
	}
	if id != "" {
		return id, false, nil
	}
	id = uuid.NewString()
	if err := s.WriteSessionID(ctx, agentID, id); err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Sessions lists the session ledger, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]AgentSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, session_id, updated_at
		FROM agent_sessions
		ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []AgentSession
	for rows.Next() {
		var as AgentSession
		if err := rows.Scan(&as.AgentID, &as.SessionID, &as.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, as)
	}
	return out, rows.Err()
}
