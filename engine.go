// Package chatsync is a client-side real-time chat synchronization engine.
//
// It keeps a local view of private and group conversations for one connected
// user, reconciles optimistic local actions with events pushed by the server,
// and pages message history per conversation.
//
// Usage:
//
//	auth := chatsync.StaticAuth{Token: token, UserID: "u1", Username: "alice"}
//	engine := chatsync.NewEngine("https://chat.example.com", auth)
//	unsubscribe := engine.Subscribe(func(s chatsync.State) { render(s) })
//	defer unsubscribe()
//
//	if err := engine.Connect(ctx); err != nil { ... }
//	team := engine.CreateGroup("Team")
//	engine.OpenChat(team)
//	engine.SendMessage("hello", team.Name, false, team.ID, "")
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	defaultFetchLimit  = 15
	defaultRecentLimit = 20
	sendTimeout        = 5 * time.Second
)

// ============================================================================
// State
// ============================================================================

// State is a consistent snapshot of everything the engine knows. Snapshots
// are deep copies; mutating one has no effect on the engine.
type State struct {
	ClientName string
	ClientID   string

	ConnectedClients []Client
	OfflineClients   []Client
	// Presence holds the last status hint per user id.
	Presence map[string]string
	// Typing lists users currently typing, keyed by conversation key.
	Typing map[string][]Client

	ActiveChat   Chat
	FetchedChats map[string]bool

	Groups []ChatGroup

	Messages                []ChatMessage
	RecentPrivateMessages   map[string]ChatMessage
	RecentMessagesTimestamp int64
	IsLoadingMessages       bool
	HasMoreMessages         bool
	OldestMessageTimestamp  map[string]int64

	IsConnected bool
}

// ============================================================================
// Options
// ============================================================================

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for diagnostics and the inbound trace.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithNotifier installs the user-visible notification sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics records engine activity on m.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTransport replaces the default WebSocket transport.
func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithRealtimeConfig configures the default WebSocket transport. The Auth
// field is always overwritten with the engine's AuthProvider.
func WithRealtimeConfig(cfg *RealtimeConfig) Option {
	return func(e *Engine) { e.rtConfig = cfg }
}

// WithTypingRate limits outbound typing indicators.
func WithTypingRate(r rate.Limit, burst int) Option {
	return func(e *Engine) { e.typingLimiter = rate.NewLimiter(r, burst) }
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides the generator for message, group and request ids.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// ============================================================================
// Engine
// ============================================================================

type pendingFetch struct {
	target string
	typ    ChatType
	key    string
	issued time.Time
}

// Engine owns the synchronization state. All operations and inbound events
// are applied under one lock, so every snapshot reflects whole events.
type Engine struct {
	transport     Transport
	rtConfig      *RealtimeConfig
	auth          AuthProvider
	logger        *slog.Logger
	notifier      Notifier
	metrics       *Metrics
	typingLimiter *rate.Limiter
	now           func() time.Time
	newID         func() string

	mu        sync.Mutex
	connected bool
	identity  identity
	dir       directory
	store     *messageStore
	active    activeChat
	pending   map[string]pendingFetch

	// version numbers snapshots under mu so delivery can drop stale ones.
	version uint64

	subsMu  sync.Mutex
	subs    map[int]func(State)
	nextSub int

	pubMu      sync.Mutex
	delivering bool
	latest     State
	latestVer  uint64
	sentVer    uint64
}

// NewEngine creates an engine for the chat server at serverURL. The auth
// collaborator seeds the local identity; anonymous sessions get a random id
// and the name "Guest".
func NewEngine(serverURL string, auth AuthProvider, opts ...Option) *Engine {
	if auth == nil {
		auth = StaticAuth{}
	}
	e := &Engine{
		auth:    auth,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		store:   newMessageStore(),
		active:  newActiveChat(),
		pending: make(map[string]pendingFetch),
		subs:    make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: e.logger}
	}
	if e.typingLimiter == nil {
		e.typingLimiter = rate.NewLimiter(rate.Every(2*time.Second), 1)
	}
	if e.transport == nil {
		cfg := e.rtConfig
		if cfg == nil {
			cfg = &RealtimeConfig{AutoReconnect: true}
		}
		cfg.Auth = auth
		e.transport = NewRealtimeWSClient(serverURL, cfg)
	}

	creds := auth.Credentials()
	e.identity = newIdentity(creds.UserID, creds.Username)
	if e.identity.id == "" {
		e.identity.id = e.newID()
	}
	if e.identity.name == "" {
		e.identity.name = "Guest"
	}

	e.registerHandlers()
	return e
}

// Snapshot returns a deep copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() State {
	s := State{
		ClientName:              e.identity.name,
		ClientID:                e.identity.id,
		ConnectedClients:        append([]Client{}, e.identity.online...),
		OfflineClients:          append([]Client{}, e.identity.offline...),
		Presence:                make(map[string]string, len(e.identity.presence)),
		Typing:                  e.identity.typingSnapshot(),
		ActiveChat:              e.active.chat,
		FetchedChats:            make(map[string]bool, len(e.active.fetched)),
		Groups:                  make([]ChatGroup, 0, len(e.dir.groups)),
		Messages:                make([]ChatMessage, 0, len(e.store.messages)),
		RecentPrivateMessages:   make(map[string]ChatMessage, len(e.store.recent)),
		RecentMessagesTimestamp: e.store.recentTS,
		IsLoadingMessages:       len(e.pending) > 0,
		HasMoreMessages:         e.store.hasMore,
		OldestMessageTimestamp:  make(map[string]int64, len(e.store.cursors)),
		IsConnected:             e.connected,
	}
	for k, v := range e.identity.presence {
		s.Presence[k] = v
	}
	for k, v := range e.active.fetched {
		s.FetchedChats[k] = v
	}
	for _, g := range e.dir.groups {
		s.Groups = append(s.Groups, g.clone())
	}
	for _, m := range e.store.messages {
		s.Messages = append(s.Messages, m.clone())
	}
	for k, m := range e.store.recent {
		s.RecentPrivateMessages[k] = m.clone()
	}
	for k, v := range e.store.cursors {
		s.OldestMessageTimestamp[k] = v
	}
	return s
}

// Subscribe registers fn to receive a snapshot after every state change. The
// returned function removes the subscription.
func (e *Engine) Subscribe(fn func(State)) (unsubscribe func()) {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()

	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

// update applies fn under the state lock and, if fn reports a change,
// publishes the resulting snapshot to subscribers.
func (e *Engine) update(fn func() bool) {
	e.mu.Lock()
	changed := fn()
	var (
		snap State
		ver  uint64
	)
	if changed {
		e.version++
		ver = e.version
		snap = e.snapshotLocked()
	}
	e.metrics.setPending(len(e.pending))
	e.mu.Unlock()

	if changed {
		e.publish(ver, snap)
	}
}

// publish hands s to subscribers. Only one goroutine delivers at a time and
// it always delivers the newest snapshot it has seen, so subscribers observe
// versions in increasing order. Intermediate snapshots may be coalesced.
func (e *Engine) publish(ver uint64, s State) {
	e.pubMu.Lock()
	if ver > e.latestVer {
		e.latest, e.latestVer = s, ver
	}
	if e.delivering {
		e.pubMu.Unlock()
		return
	}
	e.delivering = true
	for e.latestVer > e.sentVer {
		snap := e.latest
		e.sentVer = e.latestVer
		e.pubMu.Unlock()
		e.deliver(snap)
		e.pubMu.Lock()
	}
	e.delivering = false
	e.pubMu.Unlock()
}

func (e *Engine) deliver(s State) {
	e.subsMu.Lock()
	subs := make([]func(State), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subsMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("subscriber panicked", "panic", r)
				}
			}()
			fn(s)
		}()
	}
}

// IsConnected reports whether the engine currently has a live connection.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// ============================================================================
// Connection Manager
// ============================================================================

// Connect opens the persistent connection. It is a no-op when already
// connected; reconnection after an involuntary drop is automatic.
func (e *Engine) Connect(ctx context.Context) error {
	if e.IsConnected() {
		return nil
	}
	if err := e.transport.Connect(ctx); err != nil {
		e.logger.Error("connect failed", "error", err)
		e.notifyError("Connection Error", err.Error())
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Disconnect tears down the connection and clears connection state. Messages,
// groups and identity are kept.
func (e *Engine) Disconnect() error {
	err := e.transport.Disconnect()
	e.update(func() bool {
		changed := e.connected || len(e.pending) > 0
		e.connected = false
		e.pending = make(map[string]pendingFetch)
		return changed
	})
	return err
}

func (e *Engine) registerHandlers() {
	e.transport.OnConnected(e.handleConnected)
	e.transport.OnDisconnected(e.handleDisconnected)
	e.transport.OnReconnecting(func(attempt int, delay time.Duration) {
		e.metrics.observeReconnect()
		e.logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	})
	e.transport.OnAny(func(env RealtimeEnvelope) {
		e.metrics.observeInbound(env.Type)
		e.logger.Debug("received event", "type", env.Type, "requestId", env.RequestID, "payload", string(env.Payload))
	})

	e.transport.On(EventClients, e.handleClients)
	e.transport.On(EventOfflineClients, e.handleOfflineClients)
	e.transport.On(EventClientUpdated, e.handleClientUpdated)
	e.transport.On(EventUserPresenceChanged, e.handlePresenceChanged)
	e.transport.On(EventUserTyping, e.handleUserTyping)
	e.transport.On(EventGroups, e.handleGroups)
	e.transport.On(EventGroupRenamed, e.handleGroupRenamed)
	e.transport.On(EventMessageReceived, e.handleMessageReceived)
	e.transport.On(EventMessageEdited, e.handleMessageEdited)
	e.transport.On(EventMessageReacted, e.handleMessageReacted)
	e.transport.On(EventRecentMessages, e.handleRecentMessages)
	e.transport.On(EventMessagesFetched, e.handleMessagesFetched)
	e.transport.On(EventMessageFetchError, e.handleMessageFetchError)
}

func (e *Engine) handleConnected() {
	var announce *RealtimeCommand
	e.update(func() bool {
		e.connected = true
		if e.identity.name != "" && e.identity.id != "" {
			announce = &RealtimeCommand{
				Type:    CmdUpdateClient,
				Payload: updateClientPayload{Name: e.identity.name, ID: e.identity.id},
			}
		}
		return true
	})
	e.logger.Info("connected to chat server")
	e.send(announce)
	e.FetchRecentMessages()
}

func (e *Engine) handleDisconnected(code int, reason string) {
	e.update(func() bool {
		e.connected = false
		// Responses to in-flight fetches never arrive on a new connection.
		e.pending = make(map[string]pendingFetch)
		return true
	})
	e.logger.Info("disconnected from chat server", "code", code, "reason", reason)
}

// send writes cmd to the transport. A nil cmd is ignored.
func (e *Engine) send(cmd *RealtimeCommand) {
	if cmd == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	err := e.transport.Send(ctx, cmd)
	e.metrics.observeOutbound(cmd.Type, err)
	if err != nil {
		e.logger.Warn("send failed", "type", cmd.Type, "error", err)
	}
}

// decode unmarshals an event payload, logging malformed input.
func (e *Engine) decode(env RealtimeEnvelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		e.logger.Warn("malformed event payload", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (e *Engine) millis() int64 { return e.now().UnixMilli() }
