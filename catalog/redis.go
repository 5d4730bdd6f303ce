package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the catalogue in Redis so several dispatch processes
// can share one copy. The single-writer/many-reader contract of Store
// still applies: only one process should run the refresher.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a Redis-backed catalogue store.
//
// Parameters:
//   - client: A connected Redis client
//
// Returns:
//   - A new *RedisStore using the default catalogue key
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		key:    "judge-dispatch:" + problemsKey,
	}
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, list string) error {
	if err := s.client.Set(ctx, s.key, list, 0).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context) (string, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Empty, nil
		}
		return "", fmt.Errorf("redis get error: %w", err)
	}

	return val, nil
}
