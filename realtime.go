package murmur

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Push-feed contract
// ============================================================================

// Channel is one live push subscription. Unsubscribing is the only operation
// that releases an external resource.
type Channel interface {
	Unsubscribe(ctx context.Context) error
}

// ChannelOpener opens per-conversation push subscriptions. Delivered insert
// events are forwarded verbatim to onInsert; duplicates and replays are
// harmless because Timeline ingestion is idempotent. Reconnection belongs to
// the transport, not the subscriber.
type ChannelOpener interface {
	Subscribe(ctx context.Context, conversationID string, onInsert func(Message)) (Channel, error)
}

// InsertPayload is the wire shape of a push-feed insert event: the newly
// inserted message row.
type InsertPayload struct {
	New Message `json:"new"`
}

// realtimeEnvelope is the wire format for all realtime frames.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// channelName returns the push channel for a conversation's message inserts.
func channelName(conversationID string) string {
	return "messages:" + conversationID
}

// decodeInsert extracts the inserted row from an insert frame payload.
func decodeInsert(payload json.RawMessage) (Message, error) {
	var p InsertPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Message{}, fmt.Errorf("malformed insert payload: %w", err)
	}
	if p.New.ID == "" {
		return Message{}, fmt.Errorf("insert payload has no row")
	}
	return p.New, nil
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket realtime client.
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
// RealtimeClient
// ============================================================================

// RealtimeClient multiplexes per-conversation insert subscriptions over one
// WebSocket connection, with auto-reconnect and heartbeat. It implements
// ChannelOpener; active subscriptions survive a reconnect.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  *slog.Logger
	recon   *reconnector

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	lastDataTime     time.Time

	subMu sync.Mutex
	subs  map[string]map[*realtimeChannel]struct{}
}

// NewRealtimeClient creates a realtime client for the given API base URL.
// A nil logger keeps it silent.
func NewRealtimeClient(baseURL string, config *RealtimeConfig, logger *slog.Logger) *RealtimeClient {
	cfg := *config
	cfg.defaults()
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &RealtimeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		config:  &cfg,
		logger:  logger,
		recon:   newReconnector(&cfg),
		state:   StateDisconnected,
		subs:    make(map[string]map[*realtimeChannel]struct{}),
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect establishes the WebSocket connection. Idempotent while connected or
// connecting.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state == StateConnected || rc.state == StateConnecting {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime/ws"
	if rc.config.Token != "" {
		wsURL += "?token=" + rc.config.Token
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		rc.mu.Lock()
		rc.state = StateDisconnected
		rc.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelFn = cancel
	rc.lastDataTime = time.Now()
	rc.mu.Unlock()
	rc.recon.markConnected()

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection. Subscriptions are kept and
// replayed on the next Connect.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe opens a push subscription for one conversation's inserts.
func (rc *RealtimeClient) Subscribe(ctx context.Context, conversationID string, onInsert func(Message)) (Channel, error) {
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}

	name := channelName(conversationID)
	h := &realtimeChannel{client: rc, name: name, onInsert: onInsert}

	rc.subMu.Lock()
	first := len(rc.subs[name]) == 0
	if rc.subs[name] == nil {
		rc.subs[name] = make(map[*realtimeChannel]struct{})
	}
	rc.subs[name][h] = struct{}{}
	rc.subMu.Unlock()

	if first {
		if err := rc.send(ctx, realtimeEnvelope{Type: "subscribe", Channel: name}); err != nil {
			rc.drop(h)
			return nil, fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	return h, nil
}

// send writes a frame to the current connection.
func (rc *RealtimeClient) send(ctx context.Context, env realtimeEnvelope) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// drop removes a subscription handle; returns true if it was the channel's
// last one.
func (rc *RealtimeClient) drop(h *realtimeChannel) bool {
	rc.subMu.Lock()
	defer rc.subMu.Unlock()
	handles, ok := rc.subs[h.name]
	if !ok {
		return false
	}
	delete(handles, h)
	if len(handles) == 0 {
		delete(rc.subs, h.name)
		return true
	}
	return false
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
				rc.state = StateDisconnected
			}
			rc.mu.Unlock()
			if intentional || ctx.Err() != nil {
				return
			}
			rc.logger.Warn("realtime connection lost", "error", err)
			if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
				rc.scheduleReconnect()
			}
			return
		}

		rc.mu.Lock()
		rc.lastDataTime = time.Now()
		rc.mu.Unlock()

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "insert":
			msg, err := decodeInsert(env.Payload)
			if err != nil {
				rc.logger.Warn("dropping bad insert frame", "channel", env.Channel, "error", err)
				continue
			}
			// Handlers run in arrival order so same-timestamp ties keep the
			// feed's ordering.
			for _, h := range rc.handlers(env.Channel) {
				fn := h.onInsert
				safeInvoke(func() { fn(msg) })
			}
		case "pong":
			// lastDataTime already refreshed above
		}
	}
}

func (rc *RealtimeClient) handlers(name string) []*realtimeChannel {
	rc.subMu.Lock()
	defer rc.subMu.Unlock()
	out := make([]*realtimeChannel, 0, len(rc.subs[name]))
	for h := range rc.subs[name] {
		out = append(out, h)
	}
	return out
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rc.mu.Lock()
			stale := time.Since(rc.lastDataTime) > 2*rc.config.HeartbeatInterval
			conn := rc.conn
			rc.mu.Unlock()
			if conn == nil {
				return
			}
			if stale {
				// Force the read loop onto its reconnect path.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if err := rc.send(ctx, realtimeEnvelope{Type: "ping"}); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat write failed")
				return
			}
		}
	}
}

func (rc *RealtimeClient) scheduleReconnect() {
	delay := rc.recon.nextDelay()
	rc.mu.Lock()
	rc.state = StateReconnecting
	rc.mu.Unlock()
	rc.logger.Info("realtime reconnecting", "attempt", rc.recon.attempt, "delay", delay)

	time.Sleep(delay)

	rc.mu.Lock()
	if rc.intentionalClose {
		rc.mu.Unlock()
		return
	}
	rc.state = StateDisconnected
	rc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := rc.Connect(ctx); err != nil {
		if rc.config.AutoReconnect && rc.recon.shouldReconnect() {
			rc.scheduleReconnect()
		}
		return
	}
	rc.resubscribe(ctx)
}

// resubscribe replays subscribe frames for every active channel after a
// reconnect.
func (rc *RealtimeClient) resubscribe(ctx context.Context) {
	rc.subMu.Lock()
	names := make([]string, 0, len(rc.subs))
	for name := range rc.subs {
		names = append(names, name)
	}
	rc.subMu.Unlock()

	for _, name := range names {
		if err := rc.send(ctx, realtimeEnvelope{Type: "subscribe", Channel: name}); err != nil {
			rc.logger.Warn("resubscribe failed", "channel", name, "error", err)
			return
		}
	}
}

// ----------------------------------------------------------------------------

// realtimeChannel is one Subscribe handle.
type realtimeChannel struct {
	client   *RealtimeClient
	name     string
	onInsert func(Message)
	once     sync.Once
}

// Unsubscribe releases the handle; the unsubscribe frame is sent only when
// the last handle for the channel goes away. Safe to call multiple times.
func (h *realtimeChannel) Unsubscribe(ctx context.Context) error {
	h.once.Do(func() {
		if last := h.client.drop(h); last {
			// Best effort: a dropped connection already unsubscribed us.
			if err := h.client.send(ctx, realtimeEnvelope{Type: "unsubscribe", Channel: h.name}); err != nil {
				h.client.logger.Debug("unsubscribe frame not sent", "channel", h.name, "error", err)
			}
		}
	})
	return nil
}
