// Package dedupe collapses concurrent lookups of the same key into one fetch.
// When multiple goroutines request the same key simultaneously, only one
// producer runs while the others wait and share its result. Successful
// results are kept until forgotten; failures are not kept, so the next
// request for that key fetches again.
package dedupe

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"nostr-account/internal/metrics"
)

// Producer fetches the value for a key. The context it receives carries the
// first caller's values but is never cancelled by any caller.
type Producer[V any] func(ctx context.Context) (V, error)

// Group deduplicates fetches per key and retains successful results
type Group[V any] struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Collector

	flight singleflight.Group

	mu   sync.RWMutex
	done map[string]V
	// gen counts Forget calls per key
	gen map[string]uint64
}

// New creates a group. name labels log lines.
func New[V any](name string, logger *slog.Logger, m *metrics.Collector) *Group[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group[V]{
		name:    name,
		logger:  logger,
		metrics: m,
		done:    make(map[string]V),
		gen:     make(map[string]uint64),
	}
}

// GetOrFetch returns the retained value for key, or joins the in-flight fetch,
// or starts one with produce. If ctx ends first the caller stops waiting with
// ctx.Err(); the fetch itself keeps running for the other callers.
func (g *Group[V]) GetOrFetch(ctx context.Context, key string, produce Producer[V]) (V, error) {
	if v, ok := g.lookup(key); ok {
		g.metrics.Dedupe("hit")
		return v, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(key, func() (interface{}, error) {
		// a flight may have completed between lookup and DoChan
		if v, ok := g.lookup(key); ok {
			return v, nil
		}
		g.metrics.Dedupe("fetch")
		g.mu.RLock()
		gen := g.gen[key]
		g.mu.RUnlock()

		v, err := produce(detached)
		if err != nil {
			return v, err
		}
		g.mu.Lock()
		// results of a fetch that straddled Forget are handed out but not kept
		if g.gen[key] == gen {
			g.done[key] = v
		}
		g.mu.Unlock()
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.metrics.Dedupe("shared")
			g.logger.Debug("dedupe: shared fetch", "group", g.name, "key", key)
		}
		v, _ := res.Val.(V)
		return v, res.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (g *Group[V]) lookup(key string) (V, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.done[key]
	return v, ok
}

// Forget drops the retained value for key. A fetch already in flight is not
// joined by later callers.
func (g *Group[V]) Forget(key string) {
	g.mu.Lock()
	delete(g.done, key)
	g.gen[key]++
	g.mu.Unlock()
	g.flight.Forget(key)
}

// Len returns the number of retained values
func (g *Group[V]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.done)
}
