package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keySegment      = "notification"
	valueProcessing = "processing"
	valueCompleted  = "completed"
)

// redisClient is the subset of redis.Cmdable the store needs.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisStore shares the dedup window across service instances.
type RedisStore struct {
	client redisClient
	prefix string
}

// NewRedisStore creates a store writing keys under prefix.
func NewRedisStore(client redisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(key string) string {
	parts := []string{keySegment, key}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

// Claim atomically marks key as processing using SETNX.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultWindow
	}

	ok, err := s.client.SetNX(ctx, s.key(key), valueProcessing, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim notification: %w", err)
	}
	return ok, nil
}

// Complete marks key as processed and restarts its window.
func (s *RedisStore) Complete(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultWindow
	}

	if err := s.client.Set(ctx, s.key(key), valueCompleted, ttl).Err(); err != nil {
		return fmt.Errorf("failed to complete notification: %w", err)
	}
	return nil
}

// Release removes the mark so the notification can be retried.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to release notification: %w", err)
	}
	return nil
}
