package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout bounds every single redis round-trip.
const redisOpTimeout = 3 * time.Second

// Redis keeps all engine records in a single redis hash, one field per key.
// A hash (rather than top-level keys) keeps the whole keyspace under one
// namespaced entry and makes wiping an installation a single DEL.
type Redis struct {
	db      *redis.Client
	hashKey string
}

// NewRedis creates a redis-backed store. namespace distinguishes multiple
// engine instances sharing one redis; empty means "flujo".
func NewRedis(cli *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "flujo"
	}
	return &Redis{db: cli, hashKey: namespace + ":records"}
}

// Load implements Store.
func (r *Redis) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	val, err := r.db.HGet(ctx, r.hashKey, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %q: %w", key, err)
	}
	return val, nil
}

// Save implements Store.
func (r *Redis) Save(ctx context.Context, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := r.db.HSet(ctx, r.hashKey, key, value).Err(); err != nil {
		return fmt.Errorf("store: redis set %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := r.db.HDel(ctx, r.hashKey, key).Err(); err != nil {
		return fmt.Errorf("store: redis del %q: %w", key, err)
	}
	return nil
}
