package domain

import "time"

// Direction distinguishes inbound (provider -> us) from outbound
// (agent -> provider) messages.
type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// MessageStatus is the outbound delivery state machine:
// PENDING -> SENT -> DELIVERED -> READ, with FAILED absorbing from
// PENDING or SENT. Inbound messages start DELIVERED.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "PENDING"
	MessageStatusSent      MessageStatus = "SENT"
	MessageStatusDelivered MessageStatus = "DELIVERED"
	MessageStatusRead      MessageStatus = "READ"
	MessageStatusFailed    MessageStatus = "FAILED"
)

// statusRank gives the monotone ordinal of each non-terminal status so a
// callback can be checked for regression before it is applied.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanAdvanceTo reports whether transitioning from s to next is a monotone
// forward move (or a move into the absorbing FAILED state from a
// non-terminal status). Regressions and no-ops return false.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if next == MessageStatusFailed {
		return s == MessageStatusPending || s == MessageStatusSent
	}
	curRank, curOK := statusRank[s]
	nextRank, nextOK := statusRank[next]
	if !curOK || !nextOK {
		return false
	}
	return nextRank > curRank
}

// MessageType is the content discriminant for the message body, mirroring
// the provider payload's own tagged-variant shape rather than an open map.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeLocation MessageType = "location"
	MessageTypeFallback MessageType = "fallback"
)

// Message is one inbound or outbound message within a Conversation.
// ProviderMessageID is the idempotency key: unique when present, and a
// uniqueness violation on insert is treated as a successful no-op (the
// job is a duplicate delivery).
type Message struct {
	ID                string      `json:"id" db:"id"`
	ConversationID    string      `json:"conversationId" db:"conversation_id"`
	Direction         Direction   `json:"direction" db:"direction"`
	AgentID           *string     `json:"agentId,omitempty" db:"agent_id"` // OUTBOUND only
	Type              MessageType `json:"type" db:"type"`
	Body              *string     `json:"body,omitempty" db:"body"`
	MediaRef          *string     `json:"mediaRef,omitempty" db:"media_ref"`
	ProviderMessageID *string     `json:"providerMessageId,omitempty" db:"provider_message_id"`
	// IdempotencyKey is a client-supplied token for outbound sends (§9
	// open question: "outbound idempotency"), unique per conversation. A
	// retry of the same send-message request after a network failure
	// reuses the same key so the Outbound Send Pipeline can recognize it
	// as a duplicate rather than delivering twice.
	IdempotencyKey *string       `json:"idempotencyKey,omitempty" db:"idempotency_key"`
	Status         MessageStatus `json:"status" db:"status"`
	ErrorCode      *string       `json:"errorCode,omitempty" db:"error_code"`
	ErrorMessage   *string       `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
}
