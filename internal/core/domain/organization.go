// Package domain contains core business entities.
// Following Hexagonal Architecture: these models are infrastructure-agnostic.
package domain

import "time"

// Organization is the top-level tenant boundary. Every other entity in
// this package is scoped to exactly one Organization.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Slug      string    `json:"slug" db:"slug"` // unique
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Provider identifies which external messaging API a Channel or Contact
// belongs to.
type Provider string

const (
	ProviderA Provider = "A" // WhatsApp-style
	ProviderB Provider = "B" // Messenger-style
)
