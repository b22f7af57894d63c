// Package store persists the signed-in account snapshot in a single slot.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"nostr-account/internal/cache"
	"nostr-account/internal/types"
)

// SlotKey is the key the snapshot is stored under
const SlotKey = "loggedin"

// SnapshotStore saves and restores the account snapshot through a cache backend
type SnapshotStore struct {
	backend cache.CacheBackend
	ttl     time.Duration
	logger  *slog.Logger
}

// NewSnapshotStore creates a store. A ttl <= 0 keeps the snapshot until Remove.
func NewSnapshotStore(backend cache.CacheBackend, ttl time.Duration, logger *slog.Logger) *SnapshotStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotStore{backend: backend, ttl: ttl, logger: logger}
}

// Save replaces the stored snapshot
func (s *SnapshotStore) Save(ctx context.Context, account *types.Metadata) error {
	data, err := json.Marshal(types.CachedSnapshot{
		Account: account,
		SavedAt: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.backend.Set(ctx, SlotKey, data, s.ttl); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot, or nil when the slot is empty or holds
// something that does not decode to an account.
func (s *SnapshotStore) Load(ctx context.Context) (*types.Metadata, error) {
	data, found, err := s.backend.Get(ctx, SlotKey)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if !found {
		return nil, nil
	}

	var cached types.CachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil {
		s.logger.Warn("ignoring malformed stored snapshot", "error", err)
		return nil, nil
	}
	if cached.Account == nil || cached.Account.PubKey == "" {
		s.logger.Warn("ignoring stored snapshot without account")
		return nil, nil
	}

	account := cached.Account
	if account.Groups == nil {
		account.Groups = []types.GroupRecord{}
	}
	if account.WriteRelays == nil {
		account.WriteRelays = []string{}
	}
	return account, nil
}

// Remove clears the slot
func (s *SnapshotStore) Remove(ctx context.Context) error {
	if err := s.backend.Delete(ctx, SlotKey); err != nil {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}
