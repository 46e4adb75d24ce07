package ports

import (
	"context"

	"immortal-chat/internal/core/domain"
)

// InboundMessage is the internal normalized shape every Provider Adapter
// parses its inbound webhook payload into, per §9's "tagged variant, not
// an open map" guidance.
type InboundMessage struct {
	ProviderMessageID string
	ContactProviderID string
	ContactName       *string
	Type              domain.MessageType
	Body              *string
	MediaRef          *string
}

// StatusCallback is a normalized delivery/read receipt from a provider.
type StatusCallback struct {
	ProviderMessageID string
	Status            domain.MessageStatus
	// Watermark is set for provider-B-style read receipts that apply to
	// every message up to and including this timestamp rather than to one
	// ProviderMessageID. ContactProviderID identifies whose conversation
	// the watermark belongs to, since a watermark callback carries no
	// ProviderMessageID to look up.
	Watermark         *int64
	ContactProviderID string
}

// NormalizedPayload is what ParseWebhook produces: the provider-addressing
// id needed to resolve the local Channel, plus zero or more inbound
// messages and status callbacks found in the raw payload.
type NormalizedPayload struct {
	AddressingID string
	Messages     []InboundMessage
	Callbacks    []StatusCallback
}

// OutboundRequest is what the Outbound Send Pipeline worker hands to a
// Provider Adapter.
type OutboundRequest struct {
	ChannelConfig []byte // opaque, provider-specific (phone number id / page id / token)
	RecipientRef  string // contact's ProviderID
	Body          *string
	MediaRef      *string
}

// OutboundResult is returned by a successful Send.
type OutboundResult struct {
	ProviderMessageID string
}

// ProviderAdapter is the per-provider send/receive translation: signature
// verification, payload normalization, and outbound delivery, behind one
// interface shared by both concrete providers.
type ProviderAdapter interface {
	Provider() domain.Provider

	// VerifySignature checks the provider's HMAC-SHA256 signature header
	// against the exact raw request body, constant-time.
	VerifySignature(rawBody []byte, signatureHeader, secret string) bool

	// VerifyHandshake checks a GET-verify challenge's token and returns the
	// challenge body to echo back, or ok=false if the token mismatches.
	VerifyHandshake(mode, token, challenge, secret string) (echo string, ok bool)

	ParseWebhook(rawBody []byte) (*NormalizedPayload, error)

	Send(ctx context.Context, req OutboundRequest) (*OutboundResult, error)
}
