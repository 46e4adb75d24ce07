package rediscoord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// IsDuplicate checks if a dedup key has already been processed.
// Kept as its own file mirroring the teacher's redis_repo.go, whose
// dedup:msg:{id} key scheme this reuses directly.
func (s *Store) IsDuplicate(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Get(ctx, dedupKey(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		slog.Error("failed to check deduplication", "error", err, "key", key)
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return true, nil
}

func (s *Store) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	err := s.client.Set(ctx, dedupKey(key), time.Now().Unix(), ttl).Err()
	if err != nil {
		slog.Error("failed to mark event as processed", "error", err, "key", key, "ttl", ttl)
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func dedupKey(key string) string {
	return fmt.Sprintf("dedup:msg:%s", key)
}
