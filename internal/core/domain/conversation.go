package domain

import "time"

// ConversationStatus is the conversation dispatch state machine.
type ConversationStatus string

const (
	ConversationStatusPending   ConversationStatus = "PENDING"
	ConversationStatusAssigned  ConversationStatus = "ASSIGNED"
	ConversationStatusCompleted ConversationStatus = "COMPLETED"
)

// ActiveStatuses are the statuses that count toward the "at most one active
// conversation per (org, channel, contact)" invariant.
var ActiveStatuses = []ConversationStatus{ConversationStatusPending, ConversationStatusAssigned}

// Conversation is a stateful thread between one Contact and the
// Organization, dispatched to at most one agent at a time.
type Conversation struct {
	ID              string             `json:"id" db:"id"`
	OrganizationID  string             `json:"organizationId" db:"organization_id"`
	ChannelID       string             `json:"channelId" db:"channel_id"`
	ContactID       string             `json:"contactId" db:"contact_id"`
	Status          ConversationStatus `json:"status" db:"status"`
	AssignedAgentID *string            `json:"assignedAgentId,omitempty" db:"assigned_agent_id"`
	LastMessageAt   *time.Time         `json:"lastMessageAt,omitempty" db:"last_message_at"`
	FirstResponseAt *time.Time         `json:"firstResponseAt,omitempty" db:"first_response_at"`
	CreatedAt       time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt       *time.Time         `json:"updatedAt,omitempty" db:"updated_at"`
}

// ConversationWithRelations is the joined projection the list/get endpoints
// return, per the original source's "replace eager-loaded graphs with
// explicit query results" guidance.
type ConversationWithRelations struct {
	Conversation  Conversation `json:"conversation"`
	Contact       Contact      `json:"contact"`
	Channel       Channel      `json:"channel"`
	AssignedAgent *AgentRef    `json:"assignedAgent,omitempty"`
}

// AgentRef is the minimal agent projection embedded in joined reads; full
// agent CRUD lives in the auth provider collaborator, out of this core's
// scope.
type AgentRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// IsActive reports whether this status counts toward the unique-active-
// conversation invariant.
func (s ConversationStatus) IsActive() bool {
	return s == ConversationStatusPending || s == ConversationStatusAssigned
}
