// Package kv abstracts the shared key/value store behind a small interface so
// the gateway can run against Redis in production or an embedded SQLite file
// (and an in-memory map in tests).
package kv

import (
	"context"
	"time"
)

// Store is the key/value contract the session and symbol stores depend on.
// Get and HGet report absence as ok=false with a nil error; errors are
// reserved for transport/backend failures.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set writes value with a TTL; ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetKeepTTL writes value preserving the key's remaining TTL.
	SetKeepTTL(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error

	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	// HScan walks hash fields matching a glob pattern ("*" or "*NEEDLE*"),
	// returning alternating field/value pairs and the next cursor (0 = done).
	HScan(ctx context.Context, key string, cursor uint64, match string, count int64) (pairs []string, next uint64, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}
