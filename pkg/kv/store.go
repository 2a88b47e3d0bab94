// Package kv defines a small Redis-shaped key-value interface with
// interchangeable backends. The service runs against the redis backend in
// production and the memory backend in tests and Redis-less dev setups.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found.
var ErrNotFound = errors.New("not found")

// Store is the key-value surface the service depends on. TTLs are
// optional; zero or omitted means no expiry.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// List operations back the recent-events ring.
	LPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	Ping(ctx context.Context) error
	Close() error
}
