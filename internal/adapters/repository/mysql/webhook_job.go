package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// WebhookJobRepo persists the dead-letter bucket for ingest jobs that
// exhaust their retry budget, per §4.2's "failed-jobs bucket" and the
// teacher's webhook_logs audit table (mariadb_repo.go SaveLog).
type WebhookJobRepo struct {
	db *sql.DB
}

func (r *WebhookJobRepo) SaveDeadLetter(ctx context.Context, channelID string, rawPayload []byte, lastError string) error {
	query := `
		INSERT INTO webhook_dead_letters (id, channel_id, raw_payload, last_error, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, uuid.NewString(), channelID, rawPayload, lastError, time.Now())
	if err != nil {
		slog.Error("failed to save dead-lettered webhook job", "error", err, "channel_id", channelID)
		return fmt.Errorf("save dead letter: %w", err)
	}
	return nil
}
