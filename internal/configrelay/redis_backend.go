package configrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey         = "configrelay:state"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend keeps the sync-state snapshot under a single key. No
// TTL: the snapshot lives until explicitly overwritten.
type RedisStateBackend struct {
	client *redis.Client
	key    string
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStateBackend{client: client, key: redisStateKey}, nil
}

// NewRedisStateBackendWithClient wraps an existing client; the caller
// keeps ownership of the connection.
func NewRedisStateBackendWithClient(client *redis.Client) *RedisStateBackend {
	return &RedisStateBackend{client: client, key: redisStateKey}
}

func (b *RedisStateBackend) Load() ([]byte, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state snapshot: %w", err)
	}
	return data, nil
}

func (b *RedisStateBackend) Save(snapshot []byte) error {
	if b == nil || b.client == nil || snapshot == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	if err := b.client.Set(ctx, b.key, snapshot, 0).Err(); err != nil {
		return fmt.Errorf("save state snapshot: %w", err)
	}
	return nil
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
