package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps each collection in one hash at "<prefix>:<collection>".
// A batch is applied inside MULTI/EXEC.
type RedisBackend struct {
	rdb    *redis.Client
	prefix string
}

type RedisConfig struct {
	Addr   string
	DB     int
	Prefix string
}

func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisBackend(rdb, cfg.Prefix), nil
}

func NewRedisBackend(rdb *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "posqueue"
	}
	return &RedisBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisBackend) hashKey(collection string) string {
	return fmt.Sprintf("%s:%s", b.prefix, collection)
}

func (b *RedisBackend) Get(ctx context.Context, collection, key string) ([]byte, error) {
	value, err := b.rdb.HGet(ctx, b.hashKey(collection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, key, err)
	}
	return value, nil
}

func (b *RedisBackend) Keys(ctx context.Context, collection string) ([]string, error) {
	keys, err := b.rdb.HKeys(ctx, b.hashKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *RedisBackend) Commit(ctx context.Context, ops []Op) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				pipe.HDel(ctx, b.hashKey(op.Collection), op.Key)
			} else {
				pipe.HSet(ctx, b.hashKey(op.Collection), op.Key, op.Value)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to exec redis transaction: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
