package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCache is a process-local CacheBackend. A janitor goroutine drops
// expired keys every cleanupInterval and trims the map to maxSize.
type MemoryCache struct {
	maxSize int

	mu      sync.RWMutex
	entries map[string]memoryEntry

	stopCh    chan struct{}
	closeOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero: never
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryCache starts a memory cache. maxSize <= 0 means unbounded.
func NewMemoryCache(maxSize int, cleanupInterval time.Duration) *MemoryCache {
	m := &MemoryCache{
		maxSize: maxSize,
		entries: make(map[string]memoryEntry),
		stopCh:  make(chan struct{}),
	}
	go m.janitor(cleanupInterval)
	return m
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Close() error {
	m.closeOnce.Do(func() { close(m.stopCh) })
	return nil
}

func (m *MemoryCache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// cleanup drops expired keys, then evicts the keys closest to expiry until
// the cache fits maxSize. Keys without expiry are evicted last.
func (m *MemoryCache) cleanup() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
		}
	}
	if m.maxSize <= 0 || len(m.entries) <= m.maxSize {
		return
	}

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := m.entries[keys[i]].expiresAt, m.entries[keys[j]].expiresAt
		if a.IsZero() || b.IsZero() {
			return b.IsZero() && !a.IsZero()
		}
		return a.Before(b)
	})
	for _, key := range keys[:len(keys)-m.maxSize] {
		delete(m.entries, key)
	}
}
