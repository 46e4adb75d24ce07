package domain

import (
	"encoding/json"
	"time"
)

// ChannelStatus enumerates the lifecycle of a configured provider channel.
type ChannelStatus string

const (
	ChannelStatusActive   ChannelStatus = "ACTIVE"
	ChannelStatusInactive ChannelStatus = "INACTIVE"
	ChannelStatusError    ChannelStatus = "ERROR"
)

// Channel is a configured connection to one external messaging provider:
// one WhatsApp-style phone number or one Messenger-style page.
//
// Config shape depends on Provider: for ProviderA it carries the
// phoneNumberId used to address inbound webhooks; for ProviderB it carries
// the pageId. WebhookSecret is the per-channel HMAC key, falling back to
// the process-wide PROVIDER_A_SECRET/PROVIDER_B_SECRET default when unset.
type Channel struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organizationId" db:"organization_id"`
	Provider       Provider        `json:"provider" db:"provider"`
	Config         json.RawMessage `json:"config" db:"config"`
	WebhookSecret  string          `json:"-" db:"webhook_secret"`
	Status         ChannelStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt      *time.Time      `json:"updatedAt,omitempty" db:"updated_at"`
}

// channelConfig is the shape decoded out of Config to locate the
// provider-addressing id that inbound webhooks carry.
type channelConfig struct {
	PhoneNumberID string `json:"phoneNumberId,omitempty"`
	PageID        string `json:"pageId,omitempty"`
}

// AddressingID returns the provider-specific id (phoneNumberId or pageId)
// that inbound webhooks use to address this channel.
func (c *Channel) AddressingID() (string, error) {
	var cfg channelConfig
	if err := json.Unmarshal(c.Config, &cfg); err != nil {
		return "", err
	}
	if c.Provider == ProviderA {
		return cfg.PhoneNumberID, nil
	}
	return cfg.PageID, nil
}
