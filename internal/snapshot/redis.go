package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots as JSON strings. A zero ttl keeps them forever.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "snapshot:", ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Create(ctx context.Context, snap Snapshot) (Ref, error) {
	snap = prepare(snap)
	payload, err := encode(snap)
	if err != nil {
		return Ref{}, err
	}
	if err := s.client.Set(ctx, s.key(snap.ID), payload, s.ttl).Err(); err != nil {
		return Ref{}, fmt.Errorf("save snapshot: %w", err)
	}
	return Ref{ID: snap.ID, WordCount: snap.WordCount}, nil
}

func (s *RedisStore) Fetch(ctx context.Context, id string) (Snapshot, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(payload)
}
