// Package session persists and caches per-session undo/redo history.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("session state not found")

const defaultStateTTL = 24 * time.Hour

// RedisStore keeps exported undo state in Redis with a sliding TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed undo state store
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisStore{
		client: client,
		prefix: "undo:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(sessionKey string) string {
	return s.prefix + sessionKey
}

// SaveState stores the exported state and refreshes its expiry.
func (s *RedisStore) SaveState(ctx context.Context, sessionKey string, state []byte) error {
	if err := s.client.Set(ctx, s.key(sessionKey), state, s.ttl).Err(); err != nil {
		return fmt.Errorf("save undo state: %w", err)
	}
	return nil
}

// LoadState returns ErrNotFound when the key is missing or expired.
func (s *RedisStore) LoadState(ctx context.Context, sessionKey string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(sessionKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load undo state: %w", err)
	}
	return data, nil
}

func (s *RedisStore) DeleteState(ctx context.Context, sessionKey string) error {
	if err := s.client.Del(ctx, s.key(sessionKey)).Err(); err != nil {
		return fmt.Errorf("delete undo state: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
