package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"immortal-chat/internal/core/domain"
)

// ChannelRepo resolves channels for webhook ingest and provider dispatch.
type ChannelRepo struct {
	db *sql.DB
}

func (r *ChannelRepo) GetByID(ctx context.Context, id string) (*domain.Channel, error) {
	query := `
		SELECT id, organization_id, provider, config, webhook_secret, status, created_at, updated_at
		FROM channels WHERE id = ?
	`

	var ch domain.Channel
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&ch.ID, &ch.OrganizationID, &ch.Provider, &ch.Config,
		&ch.WebhookSecret, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get channel by id", "error", err, "channel_id", id)
		return nil, fmt.Errorf("get channel by id: %w", err)
	}
	return &ch, nil
}

// FindByAddressingID scans channels for the given provider looking for one
// whose config JSON carries addressingID as phoneNumberId (A) or pageId
// (B). Inbound webhooks only carry the provider-addressing id, not an
// organization id, so this cannot be narrowed further at the SQL layer
// without a generated/indexed column; a real deployment would add one.
func (r *ChannelRepo) FindByAddressingID(ctx context.Context, provider domain.Provider, addressingID string) (*domain.Channel, error) {
	field := "pageId"
	if provider == domain.ProviderA {
		field = "phoneNumberId"
	}

	query := `
		SELECT id, organization_id, provider, config, webhook_secret, status, created_at, updated_at
		FROM channels
		WHERE provider = ? AND JSON_UNQUOTE(JSON_EXTRACT(config, ?)) = ?
		LIMIT 1
	`

	var ch domain.Channel
	err := r.db.QueryRowContext(ctx, query, provider, "$."+field, addressingID).Scan(
		&ch.ID, &ch.OrganizationID, &ch.Provider, &ch.Config,
		&ch.WebhookSecret, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to find channel by addressing id", "error", err, "provider", provider)
		return nil, fmt.Errorf("find channel by addressing id: %w", err)
	}
	return &ch, nil
}

func (r *ChannelRepo) UpdateStatus(ctx context.Context, id string, status domain.ChannelStatus) error {
	query := `UPDATE channels SET status = ?, updated_at = NOW() WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, status, id)
	if err != nil {
		slog.Error("failed to update channel status", "error", err, "channel_id", id, "status", status)
		return fmt.Errorf("update channel status: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		slog.Warn("no channel found for status update", "channel_id", id)
	}
	return nil
}
