package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates the ConversationEvent audit-trail entries appended
// by the Conversation Service and Webhook Processor.
type EventType string

const (
	EventCreated           EventType = "CREATED"
	EventReopened          EventType = "REOPENED"
	EventAccepted          EventType = "ACCEPTED"
	EventReleased          EventType = "RELEASED"
	EventCompleted         EventType = "COMPLETED"
	EventAgentDisconnected EventType = "AGENT_DISCONNECTED"
	EventMessageSent       EventType = "MESSAGE_SENT"
	EventMessageReceived   EventType = "MESSAGE_RECEIVED"
	EventMessageDelivered  EventType = "MESSAGE_DELIVERED"
	EventMessageRead       EventType = "MESSAGE_READ"
	EventMessageFailed     EventType = "MESSAGE_FAILED"
)

// ConversationEvent is an append-only audit trail entry. A Conversation
// exclusively owns its events; they are never updated or deleted.
type ConversationEvent struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversationId" db:"conversation_id"`
	EventType      EventType       `json:"eventType" db:"event_type"`
	ActorID        *string         `json:"actorId,omitempty" db:"actor_id"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}
