// Package kv provides the bounded-FIFO primitives backing the hot memory
// tier, plus the small lock surface the dispatcher's in-flight guard needs.
package kv

import (
	"context"
	"time"
)

// KV is the hot-tier store contract. Lists are left-pushed and trimmed so
// index 0 is always the newest entry.
type KV interface {
	LPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	// SetNX acquires key with a TTL iff it is unset. Backs the at-most-one
	// in-flight send guard.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
