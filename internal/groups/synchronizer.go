// Package groups keeps a user's simple-group memberships (NIP-51 kind 10009)
// in sync and resolves each group's metadata (NIP-29 kind 39000) from the
// relay that hosts it.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"nostr-account/internal/metrics"
	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/types"
)

// DefaultQueryTimeout bounds a single group metadata lookup
const DefaultQueryTimeout = 3 * time.Second

// queueSize is how many accepted lists may wait for delivery before the reader blocks
const queueSize = 16

var errGroupNotFound = errors.New("group metadata not found")

// UpdateFunc receives the resolved groups of an accepted membership list,
// in the list's declaration order. Groups that could not be resolved are absent.
type UpdateFunc func(groups []types.GroupRecord, list *types.MembershipList)

// Synchronizer opens membership subscriptions. Group metadata queries are
// shared across all of its subscriptions, one in flight per (group, relay).
type Synchronizer struct {
	registry *relay.Registry
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Collector

	queries singleflight.Group
}

// NewSynchronizer creates a synchronizer. A zero timeout uses DefaultQueryTimeout.
func NewSynchronizer(registry *relay.Registry, timeout time.Duration, logger *slog.Logger, m *metrics.Collector) *Synchronizer {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		metrics:  m,
	}
}

// State of a membership subscription
type State int32

const (
	StateIdle State = iota
	StateListening
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Subscription follows one pubkey's membership list until closed.
// Only strictly newer lists are accepted; updates are delivered in acceptance
// order even when a later list resolves first.
type Subscription struct {
	owner    *Synchronizer
	pubkey   string
	onUpdate UpdateFunc
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	incoming chan types.Event
	queue    chan *batch

	mu       sync.Mutex
	state    State
	accepted *types.MembershipList
	subs     []*relay.Subscription

	// deliverMu is held across the closed check and onUpdate
	deliverMu sync.Mutex
}

// batch is one accepted list; groups is set before done is closed
type batch struct {
	list   *types.MembershipList
	groups []types.GroupRecord
	done   chan struct{}
}

// Subscribe starts following pubkey's membership list on endpoints.
//
// A lastKnown list owned by pubkey is accepted immediately and resolved first,
// so a restored session shows its groups without waiting for the relays.
// Endpoints that cannot be reached are skipped. The subscription lives until
// Close; ctx only carries values.
func (s *Synchronizer) Subscribe(ctx context.Context, endpoints []string, pubkey string, lastKnown *types.MembershipList, onUpdate UpdateFunc) *Subscription {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		owner:    s,
		pubkey:   pubkey,
		onUpdate: onUpdate,
		logger:   s.logger.With("pubkey", nostr.ShortID(pubkey)),
		ctx:      subCtx,
		cancel:   cancel,
		incoming: make(chan types.Event, 100),
		queue:    make(chan *batch, queueSize),
		state:    StateIdle,
	}

	if lastKnown != nil && lastKnown.PubKey == pubkey {
		sub.accepted = lastKnown.Clone()
		sub.enqueue(sub.accepted)
	}

	go sub.deliverLoop()
	go sub.readLoop()

	sub.mu.Lock()
	sub.state = StateListening
	sub.mu.Unlock()

	for _, endpoint := range nostr.NormalizeRelayURLs(endpoints) {
		go sub.listen(endpoint)
	}
	return sub
}

// State returns the current lifecycle state
func (sub *Subscription) State() State {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Latest returns a copy of the most recently accepted membership list
func (sub *Subscription) Latest() *types.MembershipList {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.accepted.Clone()
}

// Close stops listening and delivery. If an onUpdate is running Close waits
// for it to return; no onUpdate starts after Close returns, so onUpdate must
// not call Close itself.
func (sub *Subscription) Close() {
	sub.mu.Lock()
	if sub.state == StateClosed {
		sub.mu.Unlock()
		return
	}
	sub.state = StateClosed
	subs := sub.subs
	sub.subs = nil
	sub.mu.Unlock()

	sub.cancel()
	for _, rs := range subs {
		rs.Close()
	}
	sub.deliverMu.Lock()
	sub.deliverMu.Unlock()
	sub.logger.Debug("membership subscription closed")
}

func (sub *Subscription) closed() bool {
	return sub.State() == StateClosed
}

// listen subscribes on one endpoint and forwards its events to the reader
func (sub *Subscription) listen(endpoint string) {
	conn, err := sub.owner.registry.Resolve(sub.ctx, endpoint)
	if err != nil {
		if !sub.closed() {
			sub.logger.Warn("membership relay unavailable", "relay", endpoint, "error", err)
		}
		return
	}

	filter := types.Filter{
		Authors: []string{sub.pubkey},
		Kinds:   []int{nostr.KindSimpleGroups},
	}
	rs, err := conn.Subscribe(sub.ctx, filter)
	if err != nil {
		sub.logger.Warn("membership subscribe failed", "relay", endpoint, "error", err)
		return
	}

	sub.mu.Lock()
	if sub.state == StateClosed {
		sub.mu.Unlock()
		rs.Close()
		return
	}
	sub.subs = append(sub.subs, rs)
	sub.mu.Unlock()

	sub.logger.Debug("listening for membership lists", "relay", endpoint)
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-rs.Done:
			sub.logger.Debug("membership subscription ended by relay", "relay", endpoint)
			return
		case <-rs.EOSEChan:
		case evt := <-rs.EventChan:
			select {
			case sub.incoming <- evt:
			case <-sub.ctx.Done():
				return
			}
		}
	}
}

// readLoop processes events one at a time in arrival order
func (sub *Subscription) readLoop() {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case evt := <-sub.incoming:
			sub.accept(&evt)
		}
	}
}

func (sub *Subscription) accept(evt *types.Event) {
	list, err := nostr.ParseMembershipList(evt)
	if err != nil || list.PubKey != sub.pubkey {
		sub.owner.metrics.MembershipEvent("malformed")
		return
	}

	sub.mu.Lock()
	if sub.state == StateClosed || !list.NewerThan(sub.accepted) {
		sub.mu.Unlock()
		sub.owner.metrics.MembershipEvent("stale")
		sub.logger.Debug("discarding stale membership list", "created_at", list.CreatedAt, "event_id", nostr.ShortID(evt.ID))
		return
	}
	sub.accepted = list
	sub.mu.Unlock()

	sub.owner.metrics.MembershipEvent("accepted")
	sub.logger.Debug("accepted membership list", "created_at", list.CreatedAt, "groups", len(list.Groups))
	sub.enqueue(list)
}

// enqueue starts resolving list right away and queues it for ordered delivery
func (sub *Subscription) enqueue(list *types.MembershipList) {
	b := &batch{list: list, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		b.groups = sub.owner.resolveGroups(list.Groups)
	}()

	select {
	case sub.queue <- b:
	case <-sub.ctx.Done():
	}
}

// deliverLoop hands batches to onUpdate in the order they were accepted
func (sub *Subscription) deliverLoop() {
	for {
		select {
		case <-sub.ctx.Done():
			return
		case b := <-sub.queue:
			select {
			case <-b.done:
			case <-sub.ctx.Done():
				return
			}
			if !sub.deliver(b) {
				return
			}
		}
	}
}

// deliver runs onUpdate for b unless the subscription is closed
func (sub *Subscription) deliver(b *batch) bool {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()
	if sub.closed() {
		return false
	}
	if sub.onUpdate != nil {
		sub.onUpdate(b.groups, b.list.Clone())
	}
	return true
}

// resolveGroups looks up every referenced group concurrently and returns the
// ones that resolved, in reference order
func (s *Synchronizer) resolveGroups(refs []types.GroupRef) []types.GroupRecord {
	results := make([]*types.GroupRecord, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref types.GroupRef) {
			defer wg.Done()
			group, err := s.fetchGroup(ref)
			if err != nil {
				s.logger.Debug("group lookup failed", "group", ref.ID, "relay", ref.Relay, "error", err)
				return
			}
			results[i] = group
		}(i, ref)
	}
	wg.Wait()

	groups := make([]types.GroupRecord, 0, len(refs))
	for _, g := range results {
		if g != nil {
			groups = append(groups, *g)
		}
	}
	return groups
}

// fetchGroup queries the group's origin relay, sharing in-flight lookups of the same pair
func (s *Synchronizer) fetchGroup(ref types.GroupRef) (*types.GroupRecord, error) {
	v, err, shared := s.queries.Do(ref.Key(), func() (interface{}, error) {
		group, err := s.fetchGroupDirect(ref)
		switch {
		case err == nil:
			s.metrics.GroupQuery("ok")
		case errors.Is(err, errGroupNotFound):
			s.metrics.GroupQuery("not_found")
		default:
			s.metrics.GroupQuery("error")
		}
		return group, err
	})
	if shared {
		s.logger.Debug("singleflight: shared group lookup", "group", ref.ID, "relay", ref.Relay)
	}
	if err != nil {
		return nil, err
	}
	group := *v.(*types.GroupRecord)
	return &group, nil
}

func (s *Synchronizer) fetchGroupDirect(ref types.GroupRef) (*types.GroupRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	conn, err := s.registry.Resolve(ctx, ref.Relay)
	if err != nil {
		return nil, err
	}
	evt, err := conn.Get(ctx, types.Filter{
		Kinds: []int{nostr.KindGroupMetadata},
		DTags: []string{ref.ID},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if evt == nil {
		return nil, errGroupNotFound
	}
	group, err := nostr.ParseGroup(evt, ref.Relay)
	if err != nil {
		return nil, err
	}
	if group.ID != ref.ID {
		return nil, fmt.Errorf("%w: relay answered for %q", errGroupNotFound, group.ID)
	}
	return group, nil
}
