// Package session owns the signed-in account snapshot. It drives login
// hydration (profile, write relays, NIP-05, group memberships), persists every
// change and fans snapshots out to observers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"nostr-account/internal/config"
	"nostr-account/internal/groups"
	"nostr-account/internal/metadata"
	"nostr-account/internal/metrics"
	"nostr-account/internal/nip05"
	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/relaylist"
	"nostr-account/internal/signer"
	"nostr-account/internal/store"
	"nostr-account/internal/types"
)

// Observer receives every published snapshot; nil means signed out.
// Observers run synchronously and must not call back into the session.
type Observer func(account *types.Metadata)

// Deps wires a session to its collaborators. Verifier, Store and Signer may be nil.
type Deps struct {
	Registry      *relay.Registry
	Metadata      *metadata.Resolver
	RelayLists    *relaylist.Resolver
	Groups        *groups.Synchronizer
	Verifier      *nip05.Verifier
	Store         *store.SnapshotStore
	Signer        signer.Signer
	DefaultRelays []string
	Client        *config.ClientConfig
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// Session is the single owner of the account snapshot
type Session struct {
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Collector

	mu           sync.Mutex
	account      *types.Metadata
	started      bool
	generation   uint64
	sub          *groups.Subscription
	observers    map[int]Observer
	nextObserver int

	// emitMu orders save+notify so observers never see an older snapshot last
	emitMu sync.Mutex
}

// New creates a session and restores the persisted snapshot, if any
func New(ctx context.Context, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Signer == nil {
		deps.Signer = signer.Unavailable{}
	}
	s := &Session{
		deps:      deps,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		observers: make(map[int]Observer),
	}

	if deps.Store != nil {
		stored, err := deps.Store.Load(ctx)
		if err != nil {
			s.logger.Warn("could not load stored account", "error", err)
		}
		if stored != nil {
			s.logger.Info("restored account", "pubkey", nostr.ShortID(stored.PubKey))
			s.account = stored
		}
	}
	return s
}

// Snapshot returns a copy of the current account, or nil when signed out
func (s *Session) Snapshot() *types.Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account.Clone()
}

// Observe registers fn and immediately replays the current snapshot to it
func (s *Session) Observe(fn Observer) (cancel func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	current := s.account.Clone()
	s.mu.Unlock()

	fn(current)
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Login asks the signer who the user is and initializes for that pubkey
func (s *Session) Login(ctx context.Context) error {
	pubkey, err := s.deps.Signer.GetPublicKey(ctx)
	if err != nil {
		if !errors.Is(err, signer.ErrSigningUnavailable) {
			err = fmt.Errorf("%w: %v", signer.ErrSigningUnavailable, err)
		}
		return err
	}
	return s.Initialize(ctx, pubkey)
}

// Initialize hydrates the account for pubkey. It is a no-op while a previous
// call is in flight or has completed; SignOut resets it.
func (s *Session) Initialize(ctx context.Context, pubkey string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	gen := s.generation
	var restored *types.Metadata
	if s.account != nil && s.account.PubKey == pubkey {
		restored = s.account.Clone()
	}
	s.mu.Unlock()

	logger := s.logger.With("pubkey", nostr.ShortID(pubkey))
	logger.Info("initializing account")

	account, err := s.deps.Metadata.Resolve(ctx, pubkey)
	if err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.started = false
		}
		s.mu.Unlock()
		return fmt.Errorf("resolve metadata: %w", err)
	}

	var lastKnown *types.MembershipList
	if restored != nil {
		lastKnown = restored.LastMembershipList
		account.Groups = restored.Groups
		account.LastMembershipList = restored.LastMembershipList
	}
	if !s.update(gen, func() { s.account = account }) {
		return nil
	}
	s.emit(ctx)

	var (
		writeRelays []string
		nip05Valid  bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		writeRelays = s.deps.RelayLists.Resolve(gctx, pubkey)
		if len(writeRelays) == 0 {
			logger.Info("no write relays published, using defaults")
			writeRelays = append([]string(nil), s.deps.DefaultRelays...)
		}
		return nil
	})
	g.Go(func() error {
		if s.deps.Verifier != nil && account.Nip05 != "" {
			nip05Valid = s.deps.Verifier.Verify(gctx, account.Nip05, pubkey).Verified
		}
		return nil
	})
	g.Wait()

	if !s.update(gen, func() {
		s.account.WriteRelays = writeRelays
		s.account.Nip05Valid = nip05Valid
	}) {
		return nil
	}
	s.emit(ctx)

	sub := s.deps.Groups.Subscribe(ctx, writeRelays, pubkey, lastKnown, func(groups []types.GroupRecord, list *types.MembershipList) {
		s.applyGroups(gen, groups, list)
	})

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		sub.Close()
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	logger.Info("account initialized", "write_relays", len(writeRelays), "nip05_valid", nip05Valid)
	return nil
}

// update runs fn under the lock if generation gen is still current
func (s *Session) update(gen uint64, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	fn()
	return true
}

func (s *Session) applyGroups(gen uint64, groups []types.GroupRecord, list *types.MembershipList) {
	applied := s.update(gen, func() {
		s.account.Groups = groups
		s.account.LastMembershipList = list
	})
	if !applied {
		s.logger.Debug("ignoring group update from previous session")
		return
	}
	s.logger.Debug("groups updated", "groups", len(groups), "created_at", list.CreatedAt)
	s.emit(context.Background())
}

// emit persists the current snapshot then hands it to every observer.
// A persistence failure is logged and returned; observers are notified regardless.
func (s *Session) emit(ctx context.Context) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	current := s.account.Clone()
	observers := make([]Observer, 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	var err error
	if s.deps.Store != nil {
		if current == nil {
			err = s.deps.Store.Remove(ctx)
		} else {
			err = s.deps.Store.Save(ctx, current)
		}
		if err != nil {
			s.logger.Warn("could not persist account", "error", err)
		}
	}

	for _, fn := range observers {
		fn(current.Clone())
	}
	s.metrics.SnapshotPublished()
	return err
}

// SignOut tears down the membership subscription, clears the stored slot and
// the cached profile and relay list, then publishes nil. Updates still in
// flight from the old subscription are dropped.
func (s *Session) SignOut(ctx context.Context) error {
	s.mu.Lock()
	s.generation++
	sub := s.sub
	s.sub = nil
	var pubkey string
	if s.account != nil {
		pubkey = s.account.PubKey
	}
	s.account = nil
	s.started = false
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	if pubkey != "" {
		s.deps.Metadata.Forget(pubkey)
		s.deps.RelayLists.Forget(ctx, pubkey)
		s.logger.Info("signed out", "pubkey", nostr.ShortID(pubkey))
	}
	return s.emit(ctx)
}

// Close stops the membership subscription without touching the stored account
func (s *Session) Close() {
	s.mu.Lock()
	s.generation++
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}
