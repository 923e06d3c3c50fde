package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "httpssh:session:"

// RedisStore implements Store using Redis so that every replica sees every other replica's sessions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings Redis before returning.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: rdb}, nil
}

var _ Store = (*RedisStore)(nil)

func (r *RedisStore) Register(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := r.client.Set(ctx, keyPrefix+id, owner, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Refresh extends the key TTL of every id in one pipeline round trip.
func (r *RedisStore) Refresh(ctx context.Context, ids []string, ttl time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, id := range ids {
		pipe.Expire(ctx, keyPrefix+id, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis refresh failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Remove(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Owner(ctx context.Context, id string) (string, error) {
	owner, err := r.client.Get(ctx, keyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return owner, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
