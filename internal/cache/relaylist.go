package cache

import (
	"context"
	"encoding/json"
	"time"

	"nostr-account/internal/types"
)

// RelayListCache provides typed access to cached relay lists.
// A nil relay list is cached as "not found" with the shorter TTL.
type RelayListCache struct {
	backend CacheBackend
	config  CacheConfig
}

// NewRelayListCache wraps backend with the relay list TTLs from config
func NewRelayListCache(backend CacheBackend, config CacheConfig) *RelayListCache {
	return &RelayListCache{backend: backend, config: config}
}

// Get returns (relayList, notFound, ok)
func (c *RelayListCache) Get(ctx context.Context, pubkey string) (*types.RelayList, bool, bool) {
	data, found, err := c.backend.Get(ctx, "relaylist:"+pubkey)
	if err != nil || !found {
		return nil, false, false
	}

	var cached types.CachedRelayList
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false, false
	}

	return cached.RelayList, cached.NotFound, true
}

// Set stores a relay list in the cache
func (c *RelayListCache) Set(ctx context.Context, pubkey string, relayList *types.RelayList) error {
	cached := types.CachedRelayList{
		RelayList: relayList,
		FetchedAt: time.Now().Unix(),
		NotFound:  relayList == nil,
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return err
	}

	ttl := c.config.RelayListTTL
	if relayList == nil {
		ttl = c.config.RelayListNotFoundTTL
	}
	return c.backend.Set(ctx, "relaylist:"+pubkey, data, ttl)
}

// Delete drops the cached entry for pubkey
func (c *RelayListCache) Delete(ctx context.Context, pubkey string) error {
	return c.backend.Delete(ctx, "relaylist:"+pubkey)
}
