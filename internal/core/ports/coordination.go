package ports

import (
	"context"
	"time"
)

// CoordinationStore is a thin wrapper over a replicated key/value +
// pub/sub service (Redis in this implementation). It backs the
// conversation-accept distributed lock, agent session blobs, and the
// cross-instance event bus mirror.
type CoordinationStore interface {
	// TryLock performs "set if not exists, with expiry" — SET key value PX
	// ttl NX. owner is stored as the value so Unlock can be owner-scoped.
	// Returns false (no error) if the lock is already held.
	TryLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error)

	// Unlock deletes key only if its stored value equals owner, evaluated
	// atomically, so a stale holder past its TTL cannot unlock a newer
	// acquisition.
	Unlock(ctx context.Context, key string, owner string) error

	// SetSession stores a session blob (SETEX) for presence tracking.
	SetSession(ctx context.Context, userID string, ttl time.Duration, payload []byte) error
	GetSession(ctx context.Context, userID string) ([]byte, error)
	DeleteSession(ctx context.Context, userID string) error

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw payloads; closing ctx stops
	// delivery and the returned channel is closed.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// DedupStore is the webhook-event dedup cache, kept as its own narrow
// interface since the Webhook Processor's idempotency check is logically
// distinct from distributed locking even though both implementations
// share one Redis client.
type DedupStore interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
}
