// Package ports defines interfaces for dependency inversion.
// Following Hexagonal Architecture: Core defines contracts, Adapters
// implement them.
package ports

import (
	"context"
	"errors"
	"time"

	"immortal-chat/internal/core/domain"
)

// ErrDuplicateMessage is returned by MessageRepository.Insert when a row
// with the same ProviderMessageID already exists. The Webhook Processor
// treats this as a successful no-op (duplicate delivery), per §4.2's
// idempotency rule.
var ErrDuplicateMessage = errors.New("duplicate provider message id")

// ConversationFilter narrows the paginated conversation list.
type ConversationFilter struct {
	OrganizationID string
	Status         domain.ConversationStatus // empty = any
	ChannelID      string                    // empty = any
	AgentID        string                    // empty = any
	Search         string                    // empty = none; matches contact display name
	Page           int
	Limit          int
}

// MessagePage is the cursor-paginated message listing result.
type MessagePage struct {
	Data       []domain.Message
	NextCursor *string
}

// OrganizationRepository is CRUD for organizations. Full org/user
// management is an external collaborator; this core only needs to read
// the organization a channel or conversation belongs to.
type OrganizationRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Organization, error)
}

// ChannelRepository resolves channels for webhook ingest and provider
// dispatch.
type ChannelRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Channel, error)
	// FindByAddressingID locates the channel whose config carries the given
	// provider-addressing id (phoneNumberId / pageId) within an
	// organization-agnostic scan, since inbound webhooks do not carry an
	// organization id directly.
	FindByAddressingID(ctx context.Context, provider domain.Provider, addressingID string) (*domain.Channel, error)
	UpdateStatus(ctx context.Context, id string, status domain.ChannelStatus) error
}

// ContactRepository upserts and reads contacts.
type ContactRepository interface {
	// UpsertSeen inserts a Contact if absent, or updates LastSeenAt and
	// (when previously null) DisplayName if present. Returns the resulting
	// row. Must be safe under concurrent callers for the same
	// (organizationId, provider, providerId).
	UpsertSeen(ctx context.Context, organizationID string, provider domain.Provider, providerID string, displayName *string) (*domain.Contact, error)
	GetByID(ctx context.Context, id string) (*domain.Contact, error)
}

// ConversationRepository is transactional access to conversation rows and
// their audit trail.
type ConversationRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetWithRelations(ctx context.Context, id string) (*domain.ConversationWithRelations, error)
	List(ctx context.Context, filter ConversationFilter) ([]domain.ConversationWithRelations, int, error)

	// FindActiveByScope returns the at-most-one conversation with status in
	// {PENDING, ASSIGNED} for (organizationId, channelId, contactId), or nil.
	FindActiveByScope(ctx context.Context, organizationID, channelID, contactID string) (*domain.Conversation, error)
	// FindLatestByScope returns the most recently created conversation for
	// the scope regardless of status, or nil if none exists.
	FindLatestByScope(ctx context.Context, organizationID, channelID, contactID string) (*domain.Conversation, error)

	Create(ctx context.Context, conv *domain.Conversation) error

	// CompareAndSwapStatus performs a single conditional update:
	// `UPDATE conversations SET status=$to, assigned_agent_id=$agent
	//  WHERE id=$id AND status=$from`. Returns whether a row was affected.
	CompareAndSwapStatus(ctx context.Context, id string, from, to domain.ConversationStatus, assignedAgentID *string) (bool, error)

	// ReleaseAllByAgent transitions every ASSIGNED conversation owned by
	// agentID to PENDING/null and returns their ids, for releaseByAgent.
	ReleaseAllByAgent(ctx context.Context, agentID string) ([]string, error)

	// AdvanceLastMessageAt sets lastMessageAt only if the new timestamp is
	// later than the stored one (monotonic advance, rejects stale updates
	// from out-of-order webhook delivery).
	AdvanceLastMessageAt(ctx context.Context, id string, at time.Time) error

	// SetFirstResponseAtIfNull sets firstResponseAt only when currently
	// null; a reopen after completion must not reset it.
	SetFirstResponseAtIfNull(ctx context.Context, id string, at time.Time) error

	AppendEvent(ctx context.Context, event *domain.ConversationEvent) error
	ListEvents(ctx context.Context, conversationID string, page, limit int) ([]domain.ConversationEvent, error)
}

// MessageRepository is persistence for inbound/outbound messages.
type MessageRepository interface {
	// Insert persists a message. If ProviderMessageID is set and a row with
	// that id already exists, Insert returns ErrDuplicateMessage rather than
	// an error — the webhook processor treats that as a successful no-op.
	Insert(ctx context.Context, msg *domain.Message) error

	GetByID(ctx context.Context, id string) (*domain.Message, error)
	GetByProviderMessageID(ctx context.Context, providerMessageID string) (*domain.Message, error)

	// GetByIdempotencyKey looks up an OUTBOUND message previously inserted
	// for (conversationID, idempotencyKey), or nil if none exists. Used by
	// the Outbound Send Pipeline to make Send idempotent under retry.
	GetByIdempotencyKey(ctx context.Context, conversationID, idempotencyKey string) (*domain.Message, error)

	// UpdateStatus applies a monotone status transition plus optional error
	// fields and, on success, the provider-assigned id. Returns false
	// without error if the transition would regress (caller drops silently).
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, providerMessageID, errorCode, errorMessage *string) (bool, error)

	// UpdateStatusUpToWatermark advances every OUTBOUND message in a
	// conversation created at or before the watermark whose status is SENT
	// or DELIVERED to READ in one statement (provider-B read-receipt
	// propagation).
	UpdateStatusUpToWatermark(ctx context.Context, conversationID string, watermark time.Time) (int64, error)

	ListByConversation(ctx context.Context, conversationID string, cursor *string, limit int) (MessagePage, error)
}

// AgentSessionRepository backs the Socket Gateway's presence tracking and
// the stale-session reaper.
type AgentSessionRepository interface {
	Upsert(ctx context.Context, s *domain.AgentSession) error
	Touch(ctx context.Context, connectionID string, at time.Time) error
	Remove(ctx context.Context, connectionID string) error
	ListStale(ctx context.Context, olderThan time.Time) ([]domain.AgentSession, error)
	MarkOffline(ctx context.Context, connectionID string) error
}

// WebhookJobRepository persists the dead-letter bucket for ingest jobs
// that exhaust their retry budget, per §4.2's "failed-jobs bucket".
type WebhookJobRepository interface {
	SaveDeadLetter(ctx context.Context, channelID string, rawPayload []byte, lastError string) error
}
