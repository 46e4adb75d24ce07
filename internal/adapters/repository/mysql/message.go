package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// mysqlDuplicateEntryErrno is MySQL/MariaDB's error number for a unique
// key violation (ER_DUP_ENTRY).
const mysqlDuplicateEntryErrno = 1062

// MessageRepo is persistence for inbound/outbound messages.
type MessageRepo struct {
	db *sql.DB
}

func (r *MessageRepo) Insert(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (
			id, conversation_id, direction, agent_id, type, body, media_ref,
			provider_message_id, idempotency_key, status, error_code, error_message, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.Direction, msg.AgentID, msg.Type, msg.Body, msg.MediaRef,
		msg.ProviderMessageID, msg.IdempotencyKey, msg.Status, msg.ErrorCode, msg.ErrorMessage, msg.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntryErrno {
			slog.Info("duplicate message insert (provider message id or idempotency key), treating as no-op",
				"conversation_id", msg.ConversationID,
				"provider_message_id", derefStr(msg.ProviderMessageID),
				"idempotency_key", derefStr(msg.IdempotencyKey),
			)
			return ports.ErrDuplicateMessage
		}
		slog.Error("failed to insert message", "error", err, "conversation_id", msg.ConversationID)
		return fmt.Errorf("insert message: %w", err)
	}

	slog.Info("message inserted", "message_id", msg.ID, "conversation_id", msg.ConversationID, "direction", msg.Direction)
	return nil
}

func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	return r.scanOne(ctx, `
		SELECT id, conversation_id, direction, agent_id, type, body, media_ref,
		       provider_message_id, idempotency_key, status, error_code, error_message, created_at
		FROM messages WHERE id = ?
	`, id)
}

func (r *MessageRepo) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Message, error) {
	return r.scanOne(ctx, `
		SELECT id, conversation_id, direction, agent_id, type, body, media_ref,
		       provider_message_id, idempotency_key, status, error_code, error_message, created_at
		FROM messages WHERE provider_message_id = ?
	`, providerMessageID)
}

func (r *MessageRepo) GetByIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) (*domain.Message, error) {
	return r.scanOne(ctx, `
		SELECT id, conversation_id, direction, agent_id, type, body, media_ref,
		       provider_message_id, idempotency_key, status, error_code, error_message, created_at
		FROM messages WHERE conversation_id = ? AND idempotency_key = ?
	`, conversationID, idempotencyKey)
}

func (r *MessageRepo) scanOne(ctx context.Context, query string, args ...interface{}) (*domain.Message, error) {
	var m domain.Message
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&m.ID, &m.ConversationID, &m.Direction, &m.AgentID, &m.Type, &m.Body, &m.MediaRef,
		&m.ProviderMessageID, &m.IdempotencyKey, &m.Status, &m.ErrorCode, &m.ErrorMessage, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return &m, nil
}

// UpdateStatus applies a monotone transition only: it loads the current
// status, checks domain.MessageStatus.CanAdvanceTo, and conditions the
// UPDATE on the status observed at read time so a concurrent regression
// from another worker can't slip through between the check and the write.
func (r *MessageRepo) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, providerMessageID, errorCode, errorMessage *string) (bool, error) {
	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, fmt.Errorf("message not found: %s", id)
	}
	if !msg.Status.CanAdvanceTo(status) {
		slog.Warn("dropping non-monotone message status transition",
			"message_id", id, "from", msg.Status, "to", status,
		)
		return false, nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, provider_message_id = COALESCE(?, provider_message_id),
		    error_code = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, status, providerMessageID, errorCode, errorMessage, id, msg.Status)
	if err != nil {
		slog.Error("failed to update message status", "error", err, "message_id", id)
		return false, fmt.Errorf("update message status: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// UpdateStatusUpToWatermark advances every OUTBOUND message in a
// conversation created at or before watermark whose status is SENT or
// DELIVERED to READ in one statement; PENDING, FAILED and INBOUND rows are
// left alone — provider-B read-receipt propagation (DESIGN.md open
// question #4).
func (r *MessageRepo) UpdateStatusUpToWatermark(ctx context.Context, conversationID string, watermark time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'READ'
		WHERE conversation_id = ? AND direction = 'OUTBOUND'
		  AND status IN ('SENT', 'DELIVERED')
		  AND created_at <= ?
	`, conversationID, watermark)
	if err != nil {
		slog.Error("failed to propagate read watermark", "error", err, "conversation_id", conversationID)
		return 0, fmt.Errorf("propagate read watermark: %w", err)
	}
	return result.RowsAffected()
}

func (r *MessageRepo) ListByConversation(ctx context.Context, conversationID string, cursor *string, limit int) (ports.MessagePage, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT id, conversation_id, direction, agent_id, type, body, media_ref,
		       provider_message_id, idempotency_key, status, error_code, error_message, created_at
		FROM messages
		WHERE conversation_id = ?
	`
	args := []interface{}{conversationID}

	if cursor != nil {
		query += ` AND created_at <= (SELECT created_at FROM messages WHERE id = ?) AND id != ?`
		args = append(args, *cursor, *cursor)
	}

	// fetch limit+1 to detect whether another page follows
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ports.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.Direction, &m.AgentID, &m.Type, &m.Body, &m.MediaRef,
			&m.ProviderMessageID, &m.IdempotencyKey, &m.Status, &m.ErrorCode, &m.ErrorMessage, &m.CreatedAt,
		); err != nil {
			return ports.MessagePage{}, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return ports.MessagePage{}, err
	}

	var next *string
	if len(msgs) > limit {
		nextID := msgs[limit-1].ID
		next = &nextID
		msgs = msgs[:limit]
	}

	return ports.MessagePage{Data: msgs, NextCursor: next}, nil
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
