package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"nostr-account/internal/nostr"
	"nostr-account/internal/types"
)

const (
	writeTimeout = 10 * time.Second
	idleTimeout  = 2 * time.Minute
	cleanupEvery = 60 * time.Second
)

// WebsocketTransport speaks NIP-01 over gorilla/websocket.
// Only events with a valid id and schnorr signature are passed up.
type WebsocketTransport struct {
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	stopCh chan struct{}
	once   sync.Once
}

// NewWebsocketTransport creates a transport and starts its idle-connection reaper
func NewWebsocketTransport(logger *slog.Logger) *WebsocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	t := &WebsocketTransport{
		dialer: websocket.DefaultDialer,
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
		stopCh: make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Connect dials relayURL and starts the read loop for the connection
func (t *WebsocketTransport) Connect(ctx context.Context, relayURL string) (Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, relayURL, nil)
	if err != nil {
		return nil, err
	}

	rc := &wsConn{
		conn:          conn,
		relayURL:      relayURL,
		logger:        t.logger.With("relay", relayURL),
		subscriptions: make(map[string]*Subscription),
		pendingOK:     make(map[string]chan okResult),
		lastActivity:  time.Now(),
		onClosed:      t.forget,
	}

	t.mu.Lock()
	t.conns[rc] = struct{}{}
	t.mu.Unlock()

	go rc.readLoop()
	return rc, nil
}

// Close stops the reaper and closes every connection opened by this transport
func (t *WebsocketTransport) Close() {
	t.once.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for rc := range t.conns {
		conns = append(conns, rc)
	}
	t.mu.Unlock()

	for _, rc := range conns {
		rc.Close()
	}
}

func (t *WebsocketTransport) forget(rc *wsConn) {
	t.mu.Lock()
	delete(t.conns, rc)
	t.mu.Unlock()
}

// cleanupLoop periodically closes idle connections
func (t *WebsocketTransport) cleanupLoop() {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanup(time.Now())
		}
	}
}

// cleanup closes connections without subscriptions that have been idle too long
func (t *WebsocketTransport) cleanup(now time.Time) {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for rc := range t.conns {
		conns = append(conns, rc)
	}
	t.mu.Unlock()

	for _, rc := range conns {
		rc.mu.Lock()
		idle := len(rc.subscriptions) == 0 && len(rc.pendingOK) == 0 && now.Sub(rc.lastActivity) > idleTimeout
		rc.mu.Unlock()
		if idle {
			rc.logger.Debug("closing idle relay connection")
			rc.Close()
		}
	}
}

type okResult struct {
	accepted bool
	message  string
}

// wsConn manages a single websocket connection with multiple subscriptions
type wsConn struct {
	conn     *websocket.Conn
	relayURL string
	logger   *slog.Logger
	onClosed func(*wsConn)

	mu            sync.Mutex
	writeMu       sync.Mutex
	subscriptions map[string]*Subscription
	pendingOK     map[string]chan okResult
	closed        bool
	lastActivity  time.Time
}

func (rc *wsConn) URL() string {
	return rc.relayURL
}

func (rc *wsConn) Closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

func (rc *wsConn) Close() error {
	rc.markClosed()
	return nil
}

// writeJSON sends a message with a write deadline to prevent indefinite blocking
func (rc *wsConn) writeJSON(v interface{}) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()

	rc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	defer rc.conn.SetWriteDeadline(time.Time{})

	return rc.conn.WriteJSON(v)
}

func (rc *wsConn) Subscribe(ctx context.Context, filter types.Filter) (*Subscription, error) {
	subID := "sub-" + uuid.NewString()[:8]

	var sub *Subscription
	sub = NewSubscription(subID, rc.relayURL, func() { rc.unsubscribe(sub) })

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, ErrConnClosed
	}
	rc.subscriptions[subID] = sub
	rc.lastActivity = time.Now()
	rc.mu.Unlock()

	req := []interface{}{"REQ", subID, nostr.FilterToMap(filter)}
	if err := rc.writeJSON(req); err != nil {
		rc.mu.Lock()
		delete(rc.subscriptions, subID)
		rc.mu.Unlock()
		rc.markClosed()
		return nil, fmt.Errorf("send REQ to %s: %w", rc.relayURL, err)
	}
	return sub, nil
}

// unsubscribe removes the subscription and sends CLOSE if the connection is still up
func (rc *wsConn) unsubscribe(sub *Subscription) {
	rc.mu.Lock()
	_, exists := rc.subscriptions[sub.ID]
	shouldSendClose := !rc.closed && exists
	delete(rc.subscriptions, sub.ID)
	rc.mu.Unlock()

	// Best effort, connection may be closing
	if shouldSendClose {
		rc.writeJSON([]interface{}{"CLOSE", sub.ID})
	}
}

func (rc *wsConn) Get(ctx context.Context, filter types.Filter) (*types.Event, error) {
	sub, err := rc.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var newest *types.Event
	keep := func(evt types.Event) {
		if newest == nil || evt.CreatedAt > newest.CreatedAt {
			newest = &evt
		}
	}
	for {
		select {
		case evt := <-sub.EventChan:
			keep(evt)
		case <-sub.EOSEChan:
			// events routed before EOSE may still be buffered
			for {
				select {
				case evt := <-sub.EventChan:
					keep(evt)
				default:
					return newest, nil
				}
			}
		case <-sub.Done:
			if newest != nil {
				return newest, nil
			}
			return nil, ErrConnClosed
		case <-ctx.Done():
			if newest != nil {
				return newest, nil
			}
			return nil, ctx.Err()
		}
	}
}

func (rc *wsConn) Publish(ctx context.Context, evt *types.Event) error {
	okChan := make(chan okResult, 1)

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return ErrConnClosed
	}
	rc.pendingOK[evt.ID] = okChan
	rc.lastActivity = time.Now()
	rc.mu.Unlock()

	defer func() {
		rc.mu.Lock()
		delete(rc.pendingOK, evt.ID)
		rc.mu.Unlock()
	}()

	if err := rc.writeJSON([]interface{}{"EVENT", evt}); err != nil {
		rc.markClosed()
		return fmt.Errorf("send EVENT to %s: %w", rc.relayURL, err)
	}

	select {
	case res := <-okChan:
		if !res.accepted {
			return fmt.Errorf("%w: %s", ErrRejected, res.message)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop continuously reads from the connection and routes messages
func (rc *wsConn) readLoop() {
	defer rc.markClosed()

	for {
		var msg types.NostrMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			if !rc.Closed() {
				rc.logger.Debug("relay read error", "error", err)
			}
			return
		}

		rc.mu.Lock()
		rc.lastActivity = time.Now()
		rc.mu.Unlock()

		if len(msg) < 2 {
			continue
		}
		msgType, ok := msg[0].(string)
		if !ok {
			continue
		}

		switch msgType {
		case "EVENT":
			rc.handleEvent(msg)

		case "EOSE":
			subID, _ := msg[1].(string)
			if sub := rc.subscription(subID); sub != nil {
				select {
				case sub.EOSEChan <- true:
				default:
				}
			}

		case "OK":
			if len(msg) < 3 {
				continue
			}
			eventID, _ := msg[1].(string)
			accepted, _ := msg[2].(bool)
			message := ""
			if len(msg) >= 4 {
				message, _ = msg[3].(string)
			}
			rc.mu.Lock()
			okChan := rc.pendingOK[eventID]
			rc.mu.Unlock()
			if okChan != nil {
				select {
				case okChan <- okResult{accepted: accepted, message: message}:
				default:
				}
			}

		case "CLOSED":
			// Subscription was closed by relay
			subID, _ := msg[1].(string)
			rc.mu.Lock()
			sub := rc.subscriptions[subID]
			delete(rc.subscriptions, subID)
			rc.mu.Unlock()
			if sub != nil {
				reason := ""
				if len(msg) >= 3 {
					reason, _ = msg[2].(string)
				}
				rc.logger.Debug("subscription closed by relay", "sub_id", subID, "reason", reason)
				sub.Close()
			}

		case "NOTICE":
			notice, _ := msg[1].(string)
			rc.logger.Info("relay notice", "notice", notice)
		}
	}
}

func (rc *wsConn) handleEvent(msg types.NostrMessage) {
	if len(msg) < 3 {
		return
	}
	subID, ok := msg[1].(string)
	if !ok {
		return
	}
	evt, ok := nostr.ParseEventFromInterface(msg[2])
	if !ok {
		return
	}
	evt.RelaysSeen = []string{rc.relayURL}

	sub := rc.subscription(subID)
	if sub == nil {
		return
	}
	select {
	case sub.EventChan <- evt:
	case <-sub.Done:
	default:
		rc.logger.Warn("subscription buffer full, dropping event", "sub_id", subID, "event_id", nostr.ShortID(evt.ID))
	}
}

func (rc *wsConn) subscription(subID string) *Subscription {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.subscriptions[subID]
}

// markClosed marks the connection as closed and closes all subscriptions
func (rc *wsConn) markClosed() {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.closed = true
	subs := rc.subscriptions
	rc.subscriptions = make(map[string]*Subscription)
	rc.mu.Unlock()

	rc.conn.Close()
	for _, sub := range subs {
		sub.Close()
	}
	if rc.onClosed != nil {
		rc.onClosed(rc)
	}
}
