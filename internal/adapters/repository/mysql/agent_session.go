package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"immortal-chat/internal/core/domain"
)

// AgentSessionRepo backs the Socket Gateway's presence tracking and the
// stale-session reaper.
type AgentSessionRepo struct {
	db *sql.DB
}

func (r *AgentSessionRepo) Upsert(ctx context.Context, s *domain.AgentSession) error {
	query := `
		INSERT INTO agent_sessions (id, agent_id, connection_id, instance_id, status, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), last_seen_at = VALUES(last_seen_at), instance_id = VALUES(instance_id)
	`
	_, err := r.db.ExecContext(ctx, query, s.ID, s.AgentID, s.ConnectionID, s.InstanceID, s.Status, s.LastSeenAt)
	if err != nil {
		slog.Error("failed to upsert agent session", "error", err, "agent_id", s.AgentID)
		return fmt.Errorf("upsert agent session: %w", err)
	}
	return nil
}

func (r *AgentSessionRepo) Touch(ctx context.Context, connectionID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE agent_sessions SET last_seen_at = ? WHERE connection_id = ?`, at, connectionID)
	if err != nil {
		return fmt.Errorf("touch agent session: %w", err)
	}
	return nil
}

func (r *AgentSessionRepo) Remove(ctx context.Context, connectionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM agent_sessions WHERE connection_id = ?`, connectionID)
	if err != nil {
		slog.Error("failed to remove agent session", "error", err, "connection_id", connectionID)
		return fmt.Errorf("remove agent session: %w", err)
	}
	return nil
}

func (r *AgentSessionRepo) ListStale(ctx context.Context, olderThan time.Time) ([]domain.AgentSession, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, agent_id, connection_id, instance_id, status, last_seen_at
		FROM agent_sessions
		WHERE status != 'OFFLINE' AND last_seen_at < ?
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale agent sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.AgentSession
	for rows.Next() {
		var s domain.AgentSession
		if err := rows.Scan(&s.ID, &s.AgentID, &s.ConnectionID, &s.InstanceID, &s.Status, &s.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan agent session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *AgentSessionRepo) MarkOffline(ctx context.Context, connectionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE agent_sessions SET status = 'OFFLINE' WHERE connection_id = ?`, connectionID)
	if err != nil {
		slog.Error("failed to mark agent session offline", "error", err, "connection_id", connectionID)
		return fmt.Errorf("mark agent session offline: %w", err)
	}
	return nil
}
