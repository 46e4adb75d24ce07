package domain

import (
	"encoding/json"
	"time"
)

// Contact is an external end-user identified by the provider's addressing
// identifier. (organizationId, provider, providerId) is unique.
type Contact struct {
	ID             string          `json:"id" db:"id"`
	OrganizationID string          `json:"organizationId" db:"organization_id"`
	Provider       Provider        `json:"provider" db:"provider"`
	ProviderID     string          `json:"providerId" db:"provider_id"`
	DisplayName    *string         `json:"displayName,omitempty" db:"display_name"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	LastSeenAt     time.Time       `json:"lastSeenAt" db:"last_seen_at"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}
