package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"immortal-chat/internal/core/domain"
)

// OrganizationRepo is the tenant-boundary lookup. Full organization CRUD
// is an external collaborator; this core only needs to resolve the
// organization a channel or conversation belongs to.
type OrganizationRepo struct {
	db *sql.DB
}

func (r *OrganizationRepo) GetByID(ctx context.Context, id string) (*domain.Organization, error) {
	query := `SELECT id, slug, name, created_at FROM organizations WHERE id = ?`

	var org domain.Organization
	err := r.db.QueryRowContext(ctx, query, id).Scan(&org.ID, &org.Slug, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get organization by id", "error", err, "organization_id", id)
		return nil, fmt.Errorf("get organization by id: %w", err)
	}
	return &org, nil
}

func (r *OrganizationRepo) GetBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	query := `SELECT id, slug, name, created_at FROM organizations WHERE slug = ?`

	var org domain.Organization
	err := r.db.QueryRowContext(ctx, query, slug).Scan(&org.ID, &org.Slug, &org.Name, &org.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get organization by slug", "error", err, "slug", slug)
		return nil, fmt.Errorf("get organization by slug: %w", err)
	}
	return &org, nil
}
