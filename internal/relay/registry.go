package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nostr-account/internal/metrics"
	"nostr-account/internal/nostr"
)

// DefaultConnectTimeout bounds a single connection attempt
const DefaultConnectTimeout = 5 * time.Second

// Registry hands out one shared connection per normalized relay URL.
// Concurrent callers for a relay that is still connecting wait on the same attempt.
type Registry struct {
	transport      Transport
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Collector

	mu     sync.Mutex
	conns  map[string]*pendingConn
	closed bool
}

// pendingConn is a connection attempt; conn and err are set before ready is closed
type pendingConn struct {
	ready chan struct{}
	conn  Conn
	err   error
}

func (pc *pendingConn) settled() bool {
	select {
	case <-pc.ready:
		return true
	default:
		return false
	}
}

// NewRegistry creates a registry on top of transport.
// A zero connectTimeout uses DefaultConnectTimeout.
func NewRegistry(transport Transport, connectTimeout time.Duration, logger *slog.Logger, m *metrics.Collector) *Registry {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		transport:      transport,
		connectTimeout: connectTimeout,
		logger:         logger,
		metrics:        m,
		conns:          make(map[string]*pendingConn),
	}
}

// Resolve returns the shared connection for address, connecting if needed.
// Failed attempts are forgotten so the next call retries.
func (r *Registry) Resolve(ctx context.Context, address string) (Conn, error) {
	relayURL := nostr.NormalizeRelayURL(address)
	if relayURL == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEndpoint, address)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: registry closed", ErrConnClosed)
	}
	pc := r.conns[relayURL]
	if pc != nil && pc.settled() && (pc.err != nil || pc.conn.Closed()) {
		pc = nil
	}
	if pc == nil {
		pc = &pendingConn{ready: make(chan struct{})}
		r.conns[relayURL] = pc
		go r.connect(relayURL, pc)
	}
	r.mu.Unlock()

	select {
	case <-pc.ready:
		if pc.err != nil {
			return nil, pc.err
		}
		return pc.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect runs detached from any caller so one caller giving up does not fail the others
func (r *Registry) connect(relayURL string, pc *pendingConn) {
	ctx, cancel := context.WithTimeout(context.Background(), r.connectTimeout)
	defer cancel()

	r.logger.Debug("connecting to relay", "relay", relayURL)
	conn, err := r.transport.Connect(ctx, relayURL)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("%w: %s after %s", ErrConnectionTimeout, relayURL, r.connectTimeout)
	}

	r.mu.Lock()
	closed := r.closed
	if err == nil && closed {
		// the registry was closed while dialing; nobody may use this conn
		pc.conn, pc.err = nil, fmt.Errorf("%w: registry closed", ErrConnClosed)
	} else {
		pc.conn, pc.err = conn, err
	}
	if err != nil && r.conns[relayURL] == pc {
		delete(r.conns, relayURL)
	}
	close(pc.ready)
	r.mu.Unlock()

	switch {
	case err != nil:
		r.logger.Warn("relay connection failed", "relay", relayURL, "error", err)
		if errors.Is(err, ErrConnectionTimeout) {
			r.metrics.RelayConnect("timeout")
		} else {
			r.metrics.RelayConnect("error")
		}
	case closed:
		conn.Close()
	default:
		r.logger.Debug("relay connected", "relay", relayURL)
		r.metrics.RelayConnect("ok")
	}
}

// Len returns the number of tracked relays (connected or connecting)
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Close closes every connection. Resolve fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]*pendingConn)
	r.mu.Unlock()

	for relayURL, pc := range conns {
		if pc.settled() && pc.err == nil {
			r.logger.Debug("closing relay connection", "relay", relayURL)
			pc.conn.Close()
		}
	}
}
