// Package relay manages connections to nostr relays: the transport that speaks
// NIP-01 and the registry that hands out one shared connection per relay.
package relay

import (
	"context"
	"errors"
	"sync"

	"nostr-account/internal/types"
)

var (
	// ErrConnectionTimeout is returned when a relay does not accept a connection in time
	ErrConnectionTimeout = errors.New("relay connection timeout")
	// ErrInvalidEndpoint is returned for addresses that are not usable ws/wss relay URLs
	ErrInvalidEndpoint = errors.New("invalid relay endpoint")
	// ErrRejected is returned when a relay answers OK=false to a published event
	ErrRejected = errors.New("event rejected by relay")
	// ErrConnClosed is returned when using a connection that has been closed
	ErrConnClosed = errors.New("relay connection closed")
)

// Transport opens connections to relays
type Transport interface {
	Connect(ctx context.Context, relayURL string) (Conn, error)
}

// Conn is a live connection to one relay
type Conn interface {
	URL() string

	// Get returns the newest event matching filter that the relay sends before EOSE.
	// A nil event with nil error means the relay has nothing.
	Get(ctx context.Context, filter types.Filter) (*types.Event, error)

	// Publish sends an event and waits for the relay's OK.
	Publish(ctx context.Context, evt *types.Event) error

	// Subscribe opens a long-lived subscription. Stored events are delivered first,
	// followed by EOSE and then live events until the subscription is closed.
	Subscribe(ctx context.Context, filter types.Filter) (*Subscription, error)

	Closed() bool
	Close() error
}

// Subscription represents an active subscription on a relay connection
type Subscription struct {
	ID        string
	Relay     string
	EventChan chan types.Event
	EOSEChan  chan bool
	Done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

// NewSubscription creates a subscription whose onClose hook runs once on Close
func NewSubscription(id, relayURL string, onClose func()) *Subscription {
	return &Subscription{
		ID:        id,
		Relay:     relayURL,
		EventChan: make(chan types.Event, 100),
		EOSEChan:  make(chan bool, 1),
		Done:      make(chan struct{}),
		onClose:   onClose,
	}
}

// Close safely closes the Done channel exactly once
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.Done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
