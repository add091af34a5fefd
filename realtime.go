package sawerni

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event Payload Types
// ============================================================================

// Event names delivered by the realtime connection.
const (
	EventMessage             = "message"
	EventUserOnline          = "userOnline"
	EventUserOffline         = "userOffline"
	EventConversationCreated = "conversationCreated"
	EventReadReceipt         = "readReceipt"
)

// PresencePayload is sent when a user comes online or goes offline.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ReadReceiptPayload is sent when the other participant reads a
// conversation. Display affordance only; unread accounting never depends
// on it.
type ReadReceiptPayload struct {
	ConversationID string `json:"conversationId"`
	ReaderID       string `json:"readerId"`
}

// Envelope is the wire format for all realtime events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the realtime connection.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Subscriptions and Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(eventType string, payload json.RawMessage)

// Subscription is the handle returned by every On* registration. The
// engine's lifecycle is decoupled from any one consumer's: a consumer
// that goes away unsubscribes instead of the connection being torn down.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

// UnsubscribeAll unsubscribes a batch of handles, e.g. everything
// returned by Syncer.Bind.
func UnsubscribeAll(subs []*Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}

type handlerEntry struct {
	id int
	fn EventHandler
}

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         int
	byType         map[string][]handlerEntry
	onConnected    []handlerEntry
	onDisconnected map[int]func(code int, reason string)
	onReconnecting map[int]func(attempt int, delay time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		byType:         make(map[string][]handlerEntry),
		onDisconnected: make(map[int]func(int, string)),
		onReconnecting: make(map[int]func(int, time.Duration)),
	}
}

func (d *eventDispatcher) add(eventType string, fn EventHandler) *Subscription {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.byType[eventType] = append(d.byType[eventType], handlerEntry{id: id, fn: fn})
	d.mu.Unlock()

	return &Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.byType[eventType]
		for i, e := range entries {
			if e.id == id {
				d.byType[eventType] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
	}}
}

func (d *eventDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	entries := append([]handlerEntry(nil), d.byType[env.Type]...)
	d.mu.RUnlock()
	for _, e := range entries {
		e.fn(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	entries := append([]handlerEntry(nil), d.onConnected...)
	d.mu.RUnlock()
	for _, e := range entries {
		e.fn("", nil)
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := make([]func(int, string), 0, len(d.onDisconnected))
	for _, h := range d.onDisconnected {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := make([]func(int, time.Duration), 0, len(d.onReconnecting))
	for _, h := range d.onReconnecting {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Realtime
// ============================================================================

// Realtime is the single long-lived websocket connection of one
// authenticated session. It is constructed explicitly (created on login,
// torn down on logout) and injected into the Syncer; it is the only
// writer of remote truth outside direct REST responses.
//
// There is no event replay on reconnect. A gap between disconnect and
// reconnect is backfilled by the next explicit fetch.
type Realtime struct {
	baseURL          string
	config           *RealtimeConfig
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
}

// NewRealtime creates a realtime client for the given API base URL. Call
// Connect to establish the connection.
func NewRealtime(baseURL string, config *RealtimeConfig) *Realtime {
	cfg := *config
	cfg.defaults()
	return &Realtime{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnMessage registers a handler for inbound messages.
func (rt *Realtime) OnMessage(h func(Message)) *Subscription {
	return rt.dispatcher.add(EventMessage, func(_ string, payload json.RawMessage) {
		var m Message
		if json.Unmarshal(payload, &m) == nil {
			h(m)
		}
	})
}

// OnUserOnline registers a handler for a participant coming online.
func (rt *Realtime) OnUserOnline(h func(PresencePayload)) *Subscription {
	return rt.onPresence(EventUserOnline, h)
}

// OnUserOffline registers a handler for a participant going offline.
func (rt *Realtime) OnUserOffline(h func(PresencePayload)) *Subscription {
	return rt.onPresence(EventUserOffline, h)
}

func (rt *Realtime) onPresence(event string, h func(PresencePayload)) *Subscription {
	return rt.dispatcher.add(event, func(_ string, payload json.RawMessage) {
		var p PresencePayload
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// OnConversationCreated registers a handler for new conversations.
func (rt *Realtime) OnConversationCreated(h func(Conversation)) *Subscription {
	return rt.dispatcher.add(EventConversationCreated, func(_ string, payload json.RawMessage) {
		var c Conversation
		if json.Unmarshal(payload, &c) == nil {
			h(c)
		}
	})
}

// OnReadReceipt registers a handler for the other participant's read
// receipts.
func (rt *Realtime) OnReadReceipt(h func(ReadReceiptPayload)) *Subscription {
	return rt.dispatcher.add(EventReadReceipt, func(_ string, payload json.RawMessage) {
		var p ReadReceiptPayload
		if json.Unmarshal(payload, &p) == nil {
			h(p)
		}
	})
}

// On registers a generic handler for a named event.
func (rt *Realtime) On(eventType string, h EventHandler) *Subscription {
	return rt.dispatcher.add(eventType, h)
}

// OnConnected registers a handler for the connected meta-event.
func (rt *Realtime) OnConnected(h func()) *Subscription {
	d := rt.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onConnected = append(d.onConnected, handlerEntry{id: id, fn: func(string, json.RawMessage) { h() }})
	d.mu.Unlock()

	return &Subscription{cancel: func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, e := range d.onConnected {
			if e.id == id {
				d.onConnected = append(d.onConnected[:i], d.onConnected[i+1:]...)
				break
			}
		}
	}}
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (rt *Realtime) OnDisconnected(h func(code int, reason string)) *Subscription {
	d := rt.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onDisconnected[id] = h
	d.mu.Unlock()
	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.onDisconnected, id)
		d.mu.Unlock()
	}}
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (rt *Realtime) OnReconnecting(h func(attempt int, delay time.Duration)) *Subscription {
	d := rt.dispatcher
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.onReconnecting[id] = h
	d.mu.Unlock()
	return &Subscription{cancel: func() {
		d.mu.Lock()
		delete(d.onReconnecting, id)
		d.mu.Unlock()
	}}
}

// State returns the current connection state.
func (rt *Realtime) State() RealtimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// wsURL derives the websocket endpoint from the REST base.
func (rt *Realtime) wsURL() string {
	u := strings.Replace(rt.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + rt.config.Token
}

// Connect establishes the websocket connection and starts the read and
// heartbeat loops. No-op when already connected or connecting.
func (rt *Realtime) Connect(ctx context.Context) error {
	rt.mu.Lock()
	if rt.state == StateConnected || rt.state == StateConnecting {
		rt.mu.Unlock()
		return nil
	}
	rt.state = StateConnecting
	rt.intentionalClose = false
	rt.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, rt.wsURL(), nil)
	if err != nil {
		rt.mu.Lock()
		rt.state = StateDisconnected
		rt.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	rt.mu.Lock()
	rt.conn = conn
	rt.state = StateConnected
	rt.cancelFn = cancel
	rt.mu.Unlock()
	rt.recon.markConnected()

	rt.dispatcher.emitConnected()

	go rt.readLoop(connCtx, conn)
	go rt.heartbeatLoop(connCtx, conn)

	return nil
}

// Disconnect gracefully closes the connection. Called on logout; the
// dispatcher and its subscriptions survive a Disconnect/Connect cycle.
func (rt *Realtime) Disconnect() error {
	rt.mu.Lock()
	rt.intentionalClose = true
	if rt.cancelFn != nil {
		rt.cancelFn()
		rt.cancelFn = nil
	}
	conn := rt.conn
	rt.conn = nil
	rt.state = StateDisconnected
	rt.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	rt.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	return nil
}

func (rt *Realtime) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rt.mu.Lock()
			intentional := rt.intentionalClose
			rt.mu.Unlock()
			if intentional {
				return
			}

			rt.mu.Lock()
			rt.state = StateDisconnected
			rt.conn = nil
			rt.mu.Unlock()

			rt.dispatcher.emitDisconnected(0, err.Error())

			if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
				rt.scheduleReconnect()
			}
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		rt.dispatcher.dispatch(env)
	}
}

func (rt *Realtime) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rt.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Force-close so the read loop notices and reconnects
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rt *Realtime) scheduleReconnect() {
	delay := rt.recon.nextDelay()
	rt.mu.Lock()
	rt.state = StateReconnecting
	rt.mu.Unlock()

	rt.dispatcher.emitReconnecting(rt.recon.attempt, delay)

	time.Sleep(delay)

	rt.mu.Lock()
	intentional := rt.intentionalClose
	rt.state = StateDisconnected
	rt.mu.Unlock()
	if intentional {
		return
	}

	if err := rt.Connect(context.Background()); err != nil {
		if rt.config.AutoReconnect && rt.recon.shouldReconnect() {
			rt.scheduleReconnect()
		}
	}
}
