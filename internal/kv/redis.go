package kv

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/followup-core/internal/coreerr"
	"github.com/capitalize-ai/followup-core/pkg/logger"
)

// Config holds redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

type redisKV struct {
	rdb *goredis.Client
	log *logger.Logger
}

// NewRedis connects to redis and verifies the connection with a ping.
func NewRedis(cfg Config, log *logger.Logger) (KV, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisKV{rdb: rdb, log: log.With("client", "RedisKV")}, nil
}

func (k *redisKV) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := k.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "lpush", err)
	}
	return nil
}

func (k *redisKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := k.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindStorageUnavailable, "lrange", err)
	}
	return vals, nil
}

func (k *redisKV) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := k.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "ltrim", err)
	}
	return nil
}

func (k *redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := k.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "expire", err)
	}
	return nil
}

func (k *redisKV) Del(ctx context.Context, keys ...string) error {
	if err := k.rdb.Del(ctx, keys...).Err(); err != nil {
		return coreerr.Wrap(coreerr.KindStorageUnavailable, "del", err)
	}
	return nil
}

func (k *redisKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := k.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, coreerr.Wrap(coreerr.KindStorageUnavailable, "setnx", err)
	}
	return ok, nil
}
