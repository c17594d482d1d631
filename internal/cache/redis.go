package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ordersync/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotStore keeps last-known-good server snapshots in redis so a
// restarted client can render data before the first fetch completes.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient builds a redis client from configuration.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

func snapshotKey(resourceType string) string {
	return "ordersync:snapshot:" + resourceType
}

func (r *RedisSnapshotStore) GetSnapshot(ctx context.Context, resourceType string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, snapshotKey(resourceType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot from redis: %w", err)
	}
	if !json.Valid(val) {
		return nil, fmt.Errorf("snapshot for %s is not valid json", resourceType)
	}
	return val, nil
}

func (r *RedisSnapshotStore) SetSnapshot(ctx context.Context, resourceType string, data []byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Set(ctx, snapshotKey(resourceType), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot in redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshotStore) ClearSnapshot(ctx context.Context, resourceType string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, snapshotKey(resourceType)).Err(); err != nil {
		return fmt.Errorf("delete snapshot from redis: %w", err)
	}
	return nil
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
