// Package relaytest provides an in-memory relay transport for tests.
package relaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nostr-account/internal/nostr"
	"nostr-account/internal/relay"
	"nostr-account/internal/types"
)

// ErrUnknownRelay is returned when connecting to a relay the test never declared
var ErrUnknownRelay = errors.New("relaytest: unknown relay")

// Transport is a relay.Transport backed by in-memory relays
type Transport struct {
	mu       sync.Mutex
	relays   map[string]*Relay
	connects map[string]int
}

// NewTransport creates an empty transport
func NewTransport() *Transport {
	return &Transport{
		relays:   make(map[string]*Relay),
		connects: make(map[string]int),
	}
}

// Relay returns the relay for url, creating it on first use
func (t *Transport) Relay(url string) *Relay {
	url = nostr.NormalizeRelayURL(url)
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.relays[url]
	if !ok {
		r = &Relay{URL: url, subs: make(map[string]*liveSub)}
		t.relays[url] = r
	}
	return r
}

// Connects returns how many times Connect was called for url
func (t *Transport) Connects(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects[nostr.NormalizeRelayURL(url)]
}

func (t *Transport) Connect(ctx context.Context, url string) (relay.Conn, error) {
	t.mu.Lock()
	t.connects[url]++
	r, ok := t.relays[url]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRelay, url)
	}

	r.mu.Lock()
	delay, connectErr, hang := r.connectDelay, r.connectErr, r.hangConnect
	r.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	return &conn{relay: r}, nil
}

// Relay is one in-memory relay holding stored events
type Relay struct {
	URL string

	mu           sync.Mutex
	events       []types.Event
	published    []types.Event
	subs         map[string]*liveSub
	getDelay     time.Duration
	getErr       error
	connectDelay time.Duration
	connectErr   error
	hangConnect  bool
	rejectReason string

	gets atomic.Int32
}

type liveSub struct {
	sub    *relay.Subscription
	filter types.Filter
}

// Add stores events and pushes them to matching live subscriptions
func (r *Relay) Add(events ...types.Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	var targets []*liveSub
	for _, ls := range r.subs {
		targets = append(targets, ls)
	}
	r.mu.Unlock()

	for _, evt := range events {
		for _, ls := range targets {
			if !nostr.MatchFilter(ls.filter, &evt) {
				continue
			}
			e := evt
			e.RelaysSeen = []string{r.URL}
			select {
			case ls.sub.EventChan <- e:
			case <-ls.sub.Done:
			}
		}
	}
}

// SetGetDelay delays every Get by d
func (r *Relay) SetGetDelay(d time.Duration) {
	r.mu.Lock()
	r.getDelay = d
	r.mu.Unlock()
}

// SetGetError makes every Get fail with err
func (r *Relay) SetGetError(err error) {
	r.mu.Lock()
	r.getErr = err
	r.mu.Unlock()
}

// SetConnectDelay delays connection establishment by d
func (r *Relay) SetConnectDelay(d time.Duration) {
	r.mu.Lock()
	r.connectDelay = d
	r.mu.Unlock()
}

// SetConnectError makes connection attempts fail with err
func (r *Relay) SetConnectError(err error) {
	r.mu.Lock()
	r.connectErr = err
	r.mu.Unlock()
}

// SetHangConnect makes connection attempts block until the caller gives up
func (r *Relay) SetHangConnect(hang bool) {
	r.mu.Lock()
	r.hangConnect = hang
	r.mu.Unlock()
}

// SetRejectPublish makes Publish answer OK=false with reason; empty accepts
func (r *Relay) SetRejectPublish(reason string) {
	r.mu.Lock()
	r.rejectReason = reason
	r.mu.Unlock()
}

// Gets returns how many point queries the relay has served
func (r *Relay) Gets() int {
	return int(r.gets.Load())
}

// Published returns the events accepted or rejected by Publish
func (r *Relay) Published() []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Event{}, r.published...)
}

// Subscriptions returns the number of open subscriptions
func (r *Relay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Relay) matching(filter types.Filter) []types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []types.Event
	for _, evt := range r.events {
		if nostr.MatchFilter(filter, &evt) {
			result = append(result, evt)
		}
	}
	return result
}

type conn struct {
	relay  *Relay
	closed atomic.Bool
}

func (c *conn) URL() string  { return c.relay.URL }
func (c *conn) Closed() bool { return c.closed.Load() }

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *conn) Get(ctx context.Context, filter types.Filter) (*types.Event, error) {
	if c.Closed() {
		return nil, relay.ErrConnClosed
	}
	c.relay.gets.Add(1)

	c.relay.mu.Lock()
	delay, getErr := c.relay.getDelay, c.relay.getErr
	c.relay.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if getErr != nil {
		return nil, getErr
	}

	var newest *types.Event
	for _, evt := range c.relay.matching(filter) {
		if newest == nil || evt.CreatedAt > newest.CreatedAt {
			e := evt
			e.RelaysSeen = []string{c.relay.URL}
			newest = &e
		}
	}
	return newest, nil
}

func (c *conn) Publish(ctx context.Context, evt *types.Event) error {
	if c.Closed() {
		return relay.ErrConnClosed
	}
	c.relay.mu.Lock()
	c.relay.published = append(c.relay.published, *evt)
	reason := c.relay.rejectReason
	c.relay.mu.Unlock()

	if reason != "" {
		return fmt.Errorf("%w: %s", relay.ErrRejected, reason)
	}
	return nil
}

func (c *conn) Subscribe(ctx context.Context, filter types.Filter) (*relay.Subscription, error) {
	if c.Closed() {
		return nil, relay.ErrConnClosed
	}
	r := c.relay
	id := uuid.NewString()
	sub := relay.NewSubscription(id, r.URL, func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	})

	stored := r.matching(filter)
	r.mu.Lock()
	r.subs[id] = &liveSub{sub: sub, filter: filter}
	r.mu.Unlock()

	go func() {
		for _, evt := range stored {
			e := evt
			e.RelaysSeen = []string{r.URL}
			select {
			case sub.EventChan <- e:
			case <-sub.Done:
				return
			}
		}
		select {
		case sub.EOSEChan <- true:
		default:
		}
	}()
	return sub, nil
}
