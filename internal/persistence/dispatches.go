package persistence

import (
	"context"
	"fmt"
	"time"
)

// DispatchRecord is one row of dispatch history. Status carries the
// dispatcher's settlement classification verbatim.
type DispatchRecord struct {
	ID         int64     `json:"id"`
	MessageID  string    `json:"message_id"`
	AgentID    string    `json:"agent_id"`
	Channel    string    `json:"channel"`
	Sender     string    `json:"sender"`
	SessionID  string    `json:"session_id"`
	NewSession bool      `json:"new_session"`
	Reset      bool      `json:"reset"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// RecordDispatch appends one dispatch outcome to history.
func (s *Store) RecordDispatch(ctx context.Context, rec DispatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatches (
			message_id, agent_id, channel, sender, session_id,
			new_session, reset, status, exit_code, error, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, rec.MessageID, rec.AgentID, rec.Channel, rec.Sender, rec.SessionID,
		rec.NewSession, rec.Reset, rec.Status, rec.ExitCode, rec.Error, rec.DurationMS)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// RecentDispatches returns up to limit history rows, newest first. An
// empty agentID matches all agents.
func (s *Store) RecentDispatches(ctx context.Context, agentID string, limit int) ([]DispatchRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, message_id, agent_id, channel, sender, session_id,
		       new_session, reset, status, exit_code, error, duration_ms, created_at
		FROM dispatches`
	args := []any{}
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dispatches: %w", err)
	}
	defer rows.Close()

	var out []DispatchRecord
	for rows.Next() {
		var rec DispatchRecord
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.AgentID, &rec.Channel, &rec.Sender,
			&rec.SessionID, &rec.NewSession, &rec.Reset, &rec.Status, &rec.ExitCode,
			&rec.Error, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dispatch row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
