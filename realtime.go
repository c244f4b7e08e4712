package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket transport.
type RealtimeConfig struct {
	// Auth is consulted on every dial, so refreshed tokens are picked up on
	// reconnect.
	Auth                 AuthProvider
	Path                 string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	HTTPClient           *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws"
	}
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
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Auth == nil {
		c.Auth = StaticAuth{}
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

// Transport is the persistent bidirectional event connection the engine runs
// on. RealtimeWSClient is the production implementation.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, cmd *RealtimeCommand) error
	State() RealtimeState
	On(eventType string, h RealtimeEventHandler)
	OnAny(h RealtimeEventHandler)
	OnConnected(h func())
	OnDisconnected(h func(code int, reason string))
	OnReconnecting(h func(attempt int, delay time.Duration))
}

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(env RealtimeEnvelope)

// eventDispatcher runs handlers synchronously on the calling goroutine so
// events are applied in the order they were read off the wire.
type eventDispatcher struct {
	mu             sync.RWMutex
	generic        map[string][]RealtimeEventHandler
	any            []RealtimeEventHandler
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]RealtimeEventHandler),
	}
}

func (d *eventDispatcher) on(eventType string, h RealtimeEventHandler) {
	d.mu.Lock()
	d.generic[eventType] = append(d.generic[eventType], h)
	d.mu.Unlock()
}

func (d *eventDispatcher) onAny(h RealtimeEventHandler) {
	d.mu.Lock()
	d.any = append(d.any, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	handlers := append([]RealtimeEventHandler{}, d.any...)
	handlers = append(handlers, d.generic[env.Type]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
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
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and the attempt number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	r.connectedAt = time.Time{}
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is a WebSocket transport with auto-reconnect and heartbeat.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	lifeCtx          context.Context
	lifeCancel       context.CancelFunc
}

// NewRealtimeWSClient creates a transport for the server at baseURL
// (http, https, ws or wss scheme).
func NewRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &RealtimeWSClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(),
		recon:      newReconnector(config),
	}
}

// On registers a handler for one event type.
func (ws *RealtimeWSClient) On(eventType string, h RealtimeEventHandler) {
	ws.dispatcher.on(eventType, h)
}

// OnAny registers a handler that sees every inbound event.
func (ws *RealtimeWSClient) OnAny(h RealtimeEventHandler) {
	ws.dispatcher.onAny(h)
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

// dialURL converts the base URL to a ws(s) URL carrying the user id.
func (ws *RealtimeWSClient) dialURL(userID string) string {
	wsURL := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += ws.config.Path
	if userID != "" {
		wsURL += "?userId=" + url.QueryEscape(userID)
	}
	return wsURL
}

// Connect establishes the WebSocket connection. Calling it while connected,
// connecting or reconnecting is a no-op.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.lifeCtx, ws.lifeCancel = context.WithCancel(context.Background())
	life := ws.lifeCtx
	ws.mu.Unlock()

	ws.recon.reset()
	if err := ws.dial(ctx, life); err != nil {
		ws.mu.Lock()
		ws.state = StateDisconnected
		if ws.lifeCancel != nil {
			ws.lifeCancel()
		}
		ws.mu.Unlock()
		return err
	}
	return nil
}

func (ws *RealtimeWSClient) dial(ctx, life context.Context) error {
	creds := ws.config.Auth.Credentials()
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}

	conn, _, err := websocket.Dial(ctx, ws.dialURL(creds.UserID), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("websocket dial: %w", context.Canceled)
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.recon.markConnected()

	go ws.readLoop(life, conn)
	go ws.heartbeatLoop(life, conn)

	ws.dispatcher.emitConnected()
	return nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.lifeCancel != nil {
		ws.lifeCancel()
		ws.lifeCancel = nil
	}
	conn := ws.conn
	ws.conn = nil
	prev := ws.state
	ws.state = StateDisconnected
	ws.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if prev != StateDisconnected {
		ws.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	}
	return err
}

// Send writes a command as a JSON text frame.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			// A replaced or intentionally closed connection is not a drop.
			if ws.conn != conn || ws.intentionalClose {
				ws.mu.Unlock()
				return
			}
			ws.conn = nil
			ws.state = StateDisconnected
			ws.mu.Unlock()

			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect {
				ws.reconnectLoop(ctx)
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil || env.Type == "" {
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ws.mu.Lock()
			current := ws.conn == conn
			ws.mu.Unlock()
			if !current {
				return
			}

			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed, force close so the read loop reconnects.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) reconnectLoop(life context.Context) {
	for ws.recon.shouldReconnect() {
		delay, attempt := ws.recon.nextDelay()
		ws.setState(StateReconnecting)
		ws.dispatcher.emitReconnecting(attempt, delay)

		select {
		case <-life.Done():
			return
		case <-time.After(delay):
		}

		dialCtx, cancel := context.WithTimeout(life, ws.config.ReconnectMaxDelay)
		err := ws.dial(dialCtx, life)
		cancel()
		if err == nil {
			return
		}
	}

	ws.mu.Lock()
	if !ws.intentionalClose {
		ws.state = StateDisconnected
	}
	ws.mu.Unlock()
}
