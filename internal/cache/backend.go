// Package cache holds the key/value backends behind the account store, the
// relay list cache and the NIP-05 cache.
package cache

import (
	"context"
	"time"
)

// CacheBackend is a byte-oriented key/value store with per-key expiry.
// A ttl <= 0 stores the value until it is deleted.
type CacheBackend interface {
	// Get reports found=false for missing or expired keys; that is not an error.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
