package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"immortal-chat/internal/core/domain"
)

// ContactRepo upserts and reads contacts.
type ContactRepo struct {
	db *sql.DB
}

// UpsertSeen inserts a Contact if absent, or updates LastSeenAt and
// (only when previously null) DisplayName. Relies on the unique
// (organization_id, provider, provider_id) index so concurrent webhook
// workers racing for the same contact converge on one row.
func (r *ContactRepo) UpsertSeen(ctx context.Context, organizationID string, provider domain.Provider, providerID string, displayName *string) (*domain.Contact, error) {
	now := time.Now()

	insertQuery := `
		INSERT INTO contacts (id, organization_id, provider, provider_id, display_name, last_seen_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			last_seen_at = VALUES(last_seen_at),
			display_name = COALESCE(display_name, VALUES(display_name))
	`

	id := uuid.NewString()
	_, err := r.db.ExecContext(ctx, insertQuery, id, organizationID, provider, providerID, displayName, now, now)
	if err != nil {
		slog.Error("failed to upsert contact", "error", err, "organization_id", organizationID, "provider", provider)
		return nil, fmt.Errorf("upsert contact: %w", err)
	}

	selectQuery := `
		SELECT id, organization_id, provider, provider_id, display_name, metadata, last_seen_at, created_at
		FROM contacts WHERE organization_id = ? AND provider = ? AND provider_id = ?
	`

	var c domain.Contact
	err = r.db.QueryRowContext(ctx, selectQuery, organizationID, provider, providerID).Scan(
		&c.ID, &c.OrganizationID, &c.Provider, &c.ProviderID, &c.DisplayName,
		&c.Metadata, &c.LastSeenAt, &c.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to read back upserted contact", "error", err, "organization_id", organizationID)
		return nil, fmt.Errorf("read back contact: %w", err)
	}

	return &c, nil
}

func (r *ContactRepo) GetByID(ctx context.Context, id string) (*domain.Contact, error) {
	query := `
		SELECT id, organization_id, provider, provider_id, display_name, metadata, last_seen_at, created_at
		FROM contacts WHERE id = ?
	`

	var c domain.Contact
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OrganizationID, &c.Provider, &c.ProviderID, &c.DisplayName,
		&c.Metadata, &c.LastSeenAt, &c.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get contact by id", "error", err, "contact_id", id)
		return nil, fmt.Errorf("get contact by id: %w", err)
	}
	return &c, nil
}
