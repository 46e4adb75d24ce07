package domain

import "time"

// SessionStatus tracks agent presence as observed by the Socket Gateway.
type SessionStatus string

const (
	SessionStatusOnline  SessionStatus = "ONLINE"
	SessionStatusAway    SessionStatus = "AWAY"
	SessionStatusOffline SessionStatus = "OFFLINE"
)

// AgentSession is owned by the process instance that accepted the socket;
// ConnectionID is unique per live session. An agent may hold several
// sessions across devices. When the owning instance vanishes without a
// clean disconnect, the reaper (internal/core/services.Reaper) transitions
// stale sessions to OFFLINE and releases their conversations.
type AgentSession struct {
	ID           string        `json:"id" db:"id"`
	AgentID      string        `json:"agentId" db:"agent_id"`
	ConnectionID string        `json:"connectionId" db:"connection_id"` // unique
	InstanceID   string        `json:"instanceId" db:"instance_id"`
	Status       SessionStatus `json:"status" db:"status"`
	LastSeenAt   time.Time     `json:"lastSeenAt" db:"last_seen_at"`
}
