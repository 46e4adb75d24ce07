package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
)

// ConversationRepo is transactional access to conversation rows and their
// audit trail.
type ConversationRepo struct {
	db *sql.DB
}

func (r *ConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	return r.scanOne(ctx, `
		SELECT id, organization_id, channel_id, contact_id, status, assigned_agent_id,
		       last_message_at, first_response_at, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id)
}

func (r *ConversationRepo) scanOne(ctx context.Context, query string, args ...interface{}) (*domain.Conversation, error) {
	var c domain.Conversation
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.OrganizationID, &c.ChannelID, &c.ContactID, &c.Status, &c.AssignedAgentID,
		&c.LastMessageAt, &c.FirstResponseAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// GetWithRelations joins contact, channel, and (if assigned) agent
// reference, per the original source's "explicit query results instead of
// eager-loaded graphs" guidance. Agent display name is not joined here
// since Agent identity belongs to the auth-provider collaborator; only
// the id is embedded.
func (r *ConversationRepo) GetWithRelations(ctx context.Context, id string) (*domain.ConversationWithRelations, error) {
	query := `
		SELECT
			conv.id, conv.organization_id, conv.channel_id, conv.contact_id, conv.status,
			conv.assigned_agent_id, conv.last_message_at, conv.first_response_at, conv.created_at, conv.updated_at,
			ct.id, ct.organization_id, ct.provider, ct.provider_id, ct.display_name, ct.metadata, ct.last_seen_at, ct.created_at,
			ch.id, ch.organization_id, ch.provider, ch.config, ch.webhook_secret, ch.status, ch.created_at, ch.updated_at
		FROM conversations conv
		JOIN contacts ct ON ct.id = conv.contact_id
		JOIN channels ch ON ch.id = conv.channel_id
		WHERE conv.id = ?
	`

	var out domain.ConversationWithRelations
	c := &out.Conversation
	ct := &out.Contact
	ch := &out.Channel

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OrganizationID, &c.ChannelID, &c.ContactID, &c.Status,
		&c.AssignedAgentID, &c.LastMessageAt, &c.FirstResponseAt, &c.CreatedAt, &c.UpdatedAt,
		&ct.ID, &ct.OrganizationID, &ct.Provider, &ct.ProviderID, &ct.DisplayName, &ct.Metadata, &ct.LastSeenAt, &ct.CreatedAt,
		&ch.ID, &ch.OrganizationID, &ch.Provider, &ch.Config, &ch.WebhookSecret, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get conversation with relations", "error", err, "conversation_id", id)
		return nil, fmt.Errorf("get conversation with relations: %w", err)
	}

	if c.AssignedAgentID != nil {
		out.AssignedAgent = &domain.AgentRef{ID: *c.AssignedAgentID}
	}

	return &out, nil
}

// List returns a paginated, joined conversation listing ordered by
// lastMessageAt desc, then createdAt desc, per §6.
func (r *ConversationRepo) List(ctx context.Context, filter ports.ConversationFilter) ([]domain.ConversationWithRelations, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	where := `WHERE conv.organization_id = ?`
	args := []interface{}{filter.OrganizationID}

	if filter.Status != "" {
		where += ` AND conv.status = ?`
		args = append(args, filter.Status)
	}
	if filter.ChannelID != "" {
		where += ` AND conv.channel_id = ?`
		args = append(args, filter.ChannelID)
	}
	if filter.AgentID != "" {
		where += ` AND conv.assigned_agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.Search != "" {
		where += ` AND ct.display_name LIKE ?`
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM conversations conv JOIN contacts ct ON ct.id = conv.contact_id ` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		slog.Error("failed to count conversations", "error", err)
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	query := `
		SELECT
			conv.id, conv.organization_id, conv.channel_id, conv.contact_id, conv.status,
			conv.assigned_agent_id, conv.last_message_at, conv.first_response_at, conv.created_at, conv.updated_at,
			ct.id, ct.organization_id, ct.provider, ct.provider_id, ct.display_name, ct.metadata, ct.last_seen_at, ct.created_at,
			ch.id, ch.organization_id, ch.provider, ch.config, ch.webhook_secret, ch.status, ch.created_at, ch.updated_at
		FROM conversations conv
		JOIN contacts ct ON ct.id = conv.contact_id
		JOIN channels ch ON ch.id = conv.channel_id
	` + where + `
		ORDER BY conv.last_message_at DESC, conv.created_at DESC
		LIMIT ? OFFSET ?
	`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list conversations", "error", err)
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var results []domain.ConversationWithRelations
	for rows.Next() {
		var out domain.ConversationWithRelations
		c := &out.Conversation
		ct := &out.Contact
		ch := &out.Channel

		if err := rows.Scan(
			&c.ID, &c.OrganizationID, &c.ChannelID, &c.ContactID, &c.Status,
			&c.AssignedAgentID, &c.LastMessageAt, &c.FirstResponseAt, &c.CreatedAt, &c.UpdatedAt,
			&ct.ID, &ct.OrganizationID, &ct.Provider, &ct.ProviderID, &ct.DisplayName, &ct.Metadata, &ct.LastSeenAt, &ct.CreatedAt,
			&ch.ID, &ch.OrganizationID, &ch.Provider, &ch.Config, &ch.WebhookSecret, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt,
		); err != nil {
			slog.Error("failed to scan conversation row", "error", err)
			return nil, 0, fmt.Errorf("scan conversation row: %w", err)
		}
		if c.AssignedAgentID != nil {
			out.AssignedAgent = &domain.AgentRef{ID: *c.AssignedAgentID}
		}
		results = append(results, out)
	}

	return results, total, rows.Err()
}

// FindActiveByScope enforces the "at most one PENDING/ASSIGNED conversation
// per (org, channel, contact)" invariant at read time; Create relies on a
// unique partial index doing the same at write time in a real schema.
func (r *ConversationRepo) FindActiveByScope(ctx context.Context, organizationID, channelID, contactID string) (*domain.Conversation, error) {
	return r.scanOne(ctx, `
		SELECT id, organization_id, channel_id, contact_id, status, assigned_agent_id,
		       last_message_at, first_response_at, created_at, updated_at
		FROM conversations
		WHERE organization_id = ? AND channel_id = ? AND contact_id = ? AND status IN ('PENDING', 'ASSIGNED')
		LIMIT 1
	`, organizationID, channelID, contactID)
}

func (r *ConversationRepo) FindLatestByScope(ctx context.Context, organizationID, channelID, contactID string) (*domain.Conversation, error) {
	return r.scanOne(ctx, `
		SELECT id, organization_id, channel_id, contact_id, status, assigned_agent_id,
		       last_message_at, first_response_at, created_at, updated_at
		FROM conversations
		WHERE organization_id = ? AND channel_id = ? AND contact_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, organizationID, channelID, contactID)
}

func (r *ConversationRepo) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	query := `
		INSERT INTO conversations (id, organization_id, channel_id, contact_id, status, assigned_agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		conv.ID, conv.OrganizationID, conv.ChannelID, conv.ContactID, conv.Status, conv.AssignedAgentID, conv.CreatedAt,
	)
	if err != nil {
		slog.Error("failed to create conversation", "error", err, "organization_id", conv.OrganizationID)
		return fmt.Errorf("create conversation: %w", err)
	}
	slog.Info("new conversation created", "conversation_id", conv.ID, "organization_id", conv.OrganizationID)
	return nil
}

// CompareAndSwapStatus is the single conditional update §9 calls "strictly
// stronger than the lock": it only succeeds if the row is still in the
// expected `from` state, giving the accept path its final safety net even
// though the Coordination Store lock already serialized the attempt.
func (r *ConversationRepo) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.ConversationStatus, assignedAgentID *string) (bool, error) {
	query := `UPDATE conversations SET status = ?, assigned_agent_id = ?, updated_at = NOW() WHERE id = ? AND status = ?`
	result, err := r.db.ExecContext(ctx, query, to, assignedAgentID, id, from)
	if err != nil {
		slog.Error("failed to compare-and-swap conversation status", "error", err, "conversation_id", id)
		return false, fmt.Errorf("compare-and-swap conversation status: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (r *ConversationRepo) ReleaseAllByAgent(ctx context.Context, agentID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM conversations WHERE status = 'ASSIGNED' AND assigned_agent_id = ?`, agentID)
	if err != nil {
		return nil, fmt.Errorf("find assigned conversations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan assigned conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'PENDING', assigned_agent_id = NULL, updated_at = NOW() WHERE status = 'ASSIGNED' AND assigned_agent_id = ?`,
		agentID,
	)
	if err != nil {
		slog.Error("failed to release conversations by agent", "error", err, "agent_id", agentID)
		return nil, fmt.Errorf("release conversations by agent: %w", err)
	}
	return ids, nil
}

// AdvanceLastMessageAt is a monotonic advance: it rejects updates with
// older timestamps, per §5's ordering guarantee for out-of-order webhook
// delivery.
func (r *ConversationRepo) AdvanceLastMessageAt(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET last_message_at = ? WHERE id = ? AND (last_message_at IS NULL OR last_message_at < ?)`,
		at, id, at,
	)
	if err != nil {
		slog.Error("failed to advance last_message_at", "error", err, "conversation_id", id)
		return fmt.Errorf("advance last_message_at: %w", err)
	}
	return nil
}

func (r *ConversationRepo) SetFirstResponseAtIfNull(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET first_response_at = ? WHERE id = ? AND first_response_at IS NULL`,
		at, id,
	)
	if err != nil {
		slog.Error("failed to set first_response_at", "error", err, "conversation_id", id)
		return fmt.Errorf("set first_response_at: %w", err)
	}
	return nil
}

func (r *ConversationRepo) AppendEvent(ctx context.Context, event *domain.ConversationEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Metadata == nil {
		event.Metadata = json.RawMessage("{}")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_events (id, conversation_id, event_type, actor_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.ID, event.ConversationID, event.EventType, event.ActorID, event.Metadata, event.CreatedAt)
	if err != nil {
		slog.Error("failed to append conversation event", "error", err, "conversation_id", event.ConversationID, "event_type", event.EventType)
		return fmt.Errorf("append conversation event: %w", err)
	}
	return nil
}

func (r *ConversationRepo) ListEvents(ctx context.Context, conversationID string, page, limit int) ([]domain.ConversationEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, conversation_id, event_type, actor_id, metadata, created_at
		FROM conversation_events
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversation events: %w", err)
	}
	defer rows.Close()

	var events []domain.ConversationEvent
	for rows.Next() {
		var e domain.ConversationEvent
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.EventType, &e.ActorID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
