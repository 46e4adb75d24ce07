// Package rediscoord implements the Coordination Store client over Redis:
// distributed locks, agent session blobs, and the cross-instance event bus
// pub/sub mirror. Generalizes the teacher's redis_repo.go (which only did
// dedup GET/SETEX) into the full contract §6 lists.
package rediscoord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"immortal-chat/internal/core/ports"
)

// unlockScript deletes key only if its stored value equals the owner
// argument, evaluated atomically, so a stale lock holder past its TTL
// cannot unlock a newer acquisition.
const unlockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`

// Store implements ports.CoordinationStore and ports.DedupStore over one
// Redis client, mirroring the teacher's single-client RedisRepository.
type Store struct {
	client *redis.Client
}

var (
	_ ports.CoordinationStore = (*Store)(nil)
	_ ports.DedupStore        = (*Store)(nil)
)

// New creates a new Coordination Store client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// TryLock performs "set if not exists, with expiry" — SET key value PX ttl
// NX. owner is stored as the value so Unlock can be owner-scoped.
func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		slog.Error("failed to acquire lock", "error", err, "key", key)
		return false, fmt.Errorf("try lock: %w", err)
	}
	return ok, nil
}

// Unlock deletes key only if its stored value equals owner.
func (s *Store) Unlock(ctx context.Context, key string, owner string) error {
	err := s.client.Eval(ctx, unlockScript, []string{key}, owner).Err()
	if err != nil && err != redis.Nil {
		slog.Error("failed to release lock", "error", err, "key", key)
		return fmt.Errorf("unlock: %w", err)
	}
	return nil
}

func (s *Store) SetSession(ctx context.Context, userID string, ttl time.Duration, payload []byte) error {
	key := sessionKey(userID)
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		slog.Error("failed to set session", "error", err, "user_id", userID)
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, userID string) ([]byte, error) {
	val, err := s.client.Get(ctx, sessionKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return val, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		slog.Error("failed to delete session", "error", err, "user_id", userID)
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		slog.Error("failed to publish", "error", err, "channel", channel)
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe returns a channel of raw payloads; cancelling ctx stops
// delivery and closes the underlying pub/sub connection.
func (s *Store) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		slog.Error("failed to subscribe", "error", err, "channel", channel)
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("PANIC in coordination subscribe loop", "panic", r, "channel", channel)
			}
		}()
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					slog.Warn("dropping coordination message, subscriber buffer full", "channel", channel)
				}
			}
		}
	}()

	return out, nil
}

func sessionKey(userID string) string {
	return fmt.Sprintf("session:%s", userID)
}
