// Package mysql implements the Persistence Store client: transactional
// access to the core tables over MySQL/MariaDB via database/sql and the
// go-sql-driver/mysql driver, in the teacher's raw-SQL style
// (mariadb_repo.go).
package mysql

import (
	"database/sql"

	"immortal-chat/internal/core/ports"
)

// Store is the Persistence Store client: process-wide singleton over one
// *sql.DB. Each aggregate gets its own repository type so that method
// names like GetByID don't collide across aggregates on one receiver;
// Store is the single construction point main.go wires up, mirroring the
// teacher's NewMariaDBRepository(db) entry point.
type Store struct {
	Organizations *OrganizationRepo
	Channels      *ChannelRepo
	Contacts      *ContactRepo
	Conversations *ConversationRepo
	Messages      *MessageRepo
	AgentSessions *AgentSessionRepo
	WebhookJobs   *WebhookJobRepo
}

// New creates a new Persistence Store client.
func New(db *sql.DB) *Store {
	return &Store{
		Organizations: &OrganizationRepo{db: db},
		Channels:      &ChannelRepo{db: db},
		Contacts:      &ContactRepo{db: db},
		Conversations: &ConversationRepo{db: db},
		Messages:      &MessageRepo{db: db},
		AgentSessions: &AgentSessionRepo{db: db},
		WebhookJobs:   &WebhookJobRepo{db: db},
	}
}

var (
	_ ports.OrganizationRepository = (*OrganizationRepo)(nil)
	_ ports.ChannelRepository      = (*ChannelRepo)(nil)
	_ ports.ContactRepository      = (*ContactRepo)(nil)
	_ ports.ConversationRepository = (*ConversationRepo)(nil)
	_ ports.MessageRepository      = (*MessageRepo)(nil)
	_ ports.AgentSessionRepository = (*AgentSessionRepo)(nil)
	_ ports.WebhookJobRepository   = (*WebhookJobRepo)(nil)
)
