package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/auctiondeck/auction-monitor-backend/internal/infrastructure/config"
)

// RedisBackend implements Backend on a Redis keyspace. Construction does
// not require the server to be up; the Store probes reachability and
// falls back to memory when it is not.
type RedisBackend struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisBackend(cfg config.RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	return &RedisBackend{client: client, logger: logger}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrKeyNotFound{Key: key}
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return result, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

// GetMany fetches all keys through one pipeline round-trip.
func (r *RedisBackend) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}

	values := make([][]byte, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if err != redis.Nil {
				r.logger.Warn("pipelined get failed",
					zap.String("key", keys[i]),
					zap.Error(err))
			}
			continue
		}
		values[i] = data
	}
	return values, nil
}

// AppendHistory stores one entry in a timestamp-scored sorted set,
// trims it to the newest keep entries, and refreshes the TTL, all in
// one pipeline.
func (r *RedisBackend) AppendHistory(ctx context.Context, key string, score int64, value []byte, keep int, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(score), Member: value})
	if keep > 0 {
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-(keep + 1)))
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis history append failed: %w", err)
	}
	return nil
}

func (r *RedisBackend) History(ctx context.Context, key string, limit int) ([][]byte, error) {
	if limit <= 0 {
		limit = MaxHistoryEntries
	}

	members, err := r.client.ZRevRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis history read failed: %w", err)
	}

	values := make([][]byte, len(members))
	for i, member := range members {
		values[i] = []byte(member)
	}
	return values, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("redis close failed: %w", err)
	}
	return nil
}
