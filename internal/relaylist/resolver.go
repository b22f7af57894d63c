// Package relaylist discovers where a user publishes, from their NIP-65 relay list.
package relaylist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-account/internal/cache"
	"nostr-account/internal/metrics"
	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/types"
)

// DefaultQueryTimeout bounds each indexer's answer independently
const DefaultQueryTimeout = 3 * time.Second

// Resolver looks up write relays on a fixed set of indexer relays.
// It never substitutes defaults; callers decide what to do with none.
type Resolver struct {
	registry *relay.Registry
	relays   []string
	timeout  time.Duration
	cache    *cache.RelayListCache
	logger   *slog.Logger
	metrics  *metrics.Collector

	group singleflight.Group
}

// NewResolver creates a resolver. relayCache may be nil to disable caching.
func NewResolver(registry *relay.Registry, relays []string, timeout time.Duration, relayCache *cache.RelayListCache, logger *slog.Logger, m *metrics.Collector) *Resolver {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		registry: registry,
		relays:   relays,
		timeout:  timeout,
		cache:    relayCache,
		logger:   logger,
		metrics:  m,
	}
}

// Resolve returns the normalized write relays of pubkey, or nil when the user
// has no relay list or it names no write relays.
func (r *Resolver) Resolve(ctx context.Context, pubkey string) []string {
	list := r.fetchRelayList(ctx, pubkey)
	if list == nil || len(list.Write) == 0 {
		return nil
	}
	return append([]string(nil), list.Write...)
}

// Forget drops the cached relay list for pubkey
func (r *Resolver) Forget(ctx context.Context, pubkey string) {
	if r.cache != nil {
		if err := r.cache.Delete(ctx, pubkey); err != nil {
			r.logger.Debug("relay list cache delete failed", "pubkey", nostr.ShortID(pubkey), "error", err)
		}
	}
}

// fetchRelayList checks the cache, then shares one fan-out among concurrent callers
func (r *Resolver) fetchRelayList(ctx context.Context, pubkey string) *types.RelayList {
	if r.cache != nil {
		if relayList, notFound, ok := r.cache.Get(ctx, pubkey); ok {
			r.metrics.RelayListLookup("cache_hit")
			if notFound {
				return nil
			}
			return relayList
		}
	}

	detached := context.WithoutCancel(ctx)
	ch := r.group.DoChan(pubkey, func() (interface{}, error) {
		relayList, answered := r.fetchRelayListDirect(detached, pubkey)
		// a miss is only remembered when some indexer actually answered
		if r.cache != nil && (relayList != nil || answered) {
			if err := r.cache.Set(detached, pubkey, relayList); err != nil {
				r.logger.Warn("relay list cache set failed", "pubkey", nostr.ShortID(pubkey), "error", err)
			}
		}
		return relayList, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.logger.Debug("singleflight: shared relay list fetch", "pubkey", nostr.ShortID(pubkey))
		}
		relayList, _ := res.Val.(*types.RelayList)
		return relayList
	case <-ctx.Done():
		return nil
	}
}

// fetchRelayListDirect asks every indexer and keeps the newest list.
// answered reports whether any indexer completed its query.
func (r *Resolver) fetchRelayListDirect(ctx context.Context, pubkey string) (relayList *types.RelayList, answered bool) {
	filter := types.Filter{
		Authors: []string{pubkey},
		Kinds:   []int{nostr.KindRelayList},
		Limit:   1,
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		newest *types.Event
	)
	for _, relayURL := range r.relays {
		wg.Add(1)
		go func(relayURL string) {
			defer wg.Done()
			evt, err := r.fetchFrom(ctx, relayURL, filter)
			if err != nil {
				r.logger.Debug("relay list query failed", "relay", relayURL, "pubkey", nostr.ShortID(pubkey), "error", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			answered = true
			if evt == nil || evt.Kind != nostr.KindRelayList || evt.PubKey != pubkey {
				return
			}
			if newest == nil || evt.CreatedAt > newest.CreatedAt {
				newest = evt
			}
		}(relayURL)
	}
	wg.Wait()

	if newest == nil {
		r.logger.Debug("no relay list found", "pubkey", nostr.ShortID(pubkey))
		r.metrics.RelayListLookup("not_found")
		return nil, answered
	}

	relayList = nostr.ParseRelayList(newest)
	r.logger.Debug("found relay list", "pubkey", nostr.ShortID(pubkey), "read", len(relayList.Read), "write", len(relayList.Write))
	r.metrics.RelayListLookup("found")
	return relayList, true
}

func (r *Resolver) fetchFrom(ctx context.Context, relayURL string, filter types.Filter) (*types.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, err := r.registry.Resolve(ctx, relayURL)
	if err != nil {
		return nil, err
	}
	return conn.Get(ctx, filter)
}
