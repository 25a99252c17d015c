package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"flowrelay/pkg/errors"
)

const redisKeyPrefix = "flowrelay:dedup:"

// RedisStore keeps processed identities in Redis with a per-key TTL equal
// to the dedup window, so the window survives restarts and is shared
// between replicas. Redis being unreachable surfaces as an error; the
// handler treats that as "not a duplicate" and relies on downstream
// idempotency.
type RedisStore struct {
	client *redis.Client
	window time.Duration
}

func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RedisStore{client: client, window: window}
}

func (s *RedisStore) IsDuplicate(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return false, errors.ErrServiceUnavailable.WithCause(fmt.Errorf("dedup exists check: %w", err))
	}
	return n > 0, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key string) error {
	// SetNX keeps the original first-seen TTL when two replicas race.
	if err := s.client.SetNX(ctx, redisKeyPrefix+key, 1, s.window).Err(); err != nil {
		return errors.ErrServiceUnavailable.WithCause(fmt.Errorf("dedup mark: %w", err))
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	var size int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 500).Result()
		if err != nil {
			return Stats{}, errors.ErrServiceUnavailable.WithCause(err)
		}
		size += int64(len(keys))
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return Stats{
		Backend:       "redis",
		Size:          size,
		WindowSeconds: int(s.window / time.Second),
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
