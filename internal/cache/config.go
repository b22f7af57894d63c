package cache

import "time"

// CacheConfig holds cache TTL configuration
type CacheConfig struct {
	RelayListTTL         time.Duration
	RelayListNotFoundTTL time.Duration
	// SnapshotTTL of zero keeps the signed-in snapshot until sign-out
	SnapshotTTL time.Duration
}

// DefaultCacheConfig returns sensible defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		RelayListTTL:         1 * time.Hour,
		RelayListNotFoundTTL: 5 * time.Minute, // short so a freshly published list is picked up
		SnapshotTTL:          0,
	}
}
