// Package cache holds short-lived driver state: last location, recent history,
// navigation progress and computed routes.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Backend when a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Backend is a TTL key/value store with capped lists.
type Backend interface {
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// PushCapped prepends val to the list at key, keeps the newest max entries and
	// refreshes the list's TTL.
	PushCapped(ctx context.Context, key string, val []byte, max int, ttl time.Duration) error
	// Range returns up to n entries of the list at key, newest first.
	Range(ctx context.Context, key string, n int) ([][]byte, error)
	Ping(ctx context.Context) error
	Close() error
}
