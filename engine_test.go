package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeTransport records outbound commands and lets tests inject events.
type fakeTransport struct {
	mu         sync.Mutex
	state      RealtimeState
	sent       []*RealtimeCommand
	connectErr error

	handlers       map[string][]RealtimeEventHandler
	any            []RealtimeEventHandler
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: StateDisconnected, handlers: make(map[string][]RealtimeEventHandler)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.mu.Unlock()
		return f.connectErr
	}
	f.state = StateConnected
	hs := append([]func(){}, f.onConnected...)
	f.mu.Unlock()
	for _, h := range hs {
		h()
	}
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.drop(1000, "client disconnect")
	return nil
}

// drop simulates the connection going away.
func (f *fakeTransport) drop(code int, reason string) {
	f.mu.Lock()
	prev := f.state
	f.state = StateDisconnected
	hs := append([]func(int, string){}, f.onDisconnected...)
	f.mu.Unlock()
	if prev == StateDisconnected {
		return
	}
	for _, h := range hs {
		h(code, reason)
	}
}

func (f *fakeTransport) Send(ctx context.Context, cmd *RealtimeCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateConnected {
		return ErrNotConnected
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) On(eventType string, h RealtimeEventHandler) {
	f.handlers[eventType] = append(f.handlers[eventType], h)
}
func (f *fakeTransport) OnAny(h RealtimeEventHandler) { f.any = append(f.any, h) }
func (f *fakeTransport) OnConnected(h func())         { f.onConnected = append(f.onConnected, h) }
func (f *fakeTransport) OnDisconnected(h func(int, string)) {
	f.onDisconnected = append(f.onDisconnected, h)
}
func (f *fakeTransport) OnReconnecting(h func(int, time.Duration)) {
	f.onReconnecting = append(f.onReconnecting, h)
}

// deliver injects an inbound event as if read off the wire.
func (f *fakeTransport) deliver(t *testing.T, eventType string, payload any, requestID string) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", eventType, err)
	}
	f.deliverRaw(eventType, raw, requestID)
}

func (f *fakeTransport) deliverRaw(eventType string, raw json.RawMessage, requestID string) {
	env := RealtimeEnvelope{Type: eventType, Payload: raw, RequestID: requestID}
	for _, h := range f.any {
		h(env)
	}
	for _, h := range f.handlers[eventType] {
		h(env)
	}
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeTransport) commands() []*RealtimeCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*RealtimeCommand{}, f.sent...)
}

// last returns the most recent command of the given type.
func (f *fakeTransport) last(t *testing.T, cmdType string) *RealtimeCommand {
	t.Helper()
	cmds := f.commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Type == cmdType {
			return cmds[i]
		}
	}
	t.Fatalf("no %s command sent (sent %d commands)", cmdType, len(cmds))
	return nil
}

type notifications struct {
	mu   sync.Mutex
	list []Notification
}

func (n *notifications) Notify(x Notification) {
	n.mu.Lock()
	n.list = append(n.list, x)
	n.mu.Unlock()
}

func (n *notifications) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.list))
	for _, x := range n.list {
		out = append(out, x.Title)
	}
	return out
}

type harness struct {
	engine *Engine
	ft     *fakeTransport
	notes  *notifications
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness builds an engine for user u1/alice on a fake transport with
// deterministic ids and clock.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ft := newFakeTransport()
	notes := &notifications{}
	var seq int
	base := []Option{
		WithTransport(ft),
		WithLogger(quietLogger()),
		WithNotifier(notes),
		WithClock(func() time.Time { return time.UnixMilli(1_000_000) }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	}
	e := NewEngine("http://chat.test", StaticAuth{Token: "tok", UserID: "u1", Username: "alice"}, append(base, opts...)...)
	return &harness{engine: e, ft: ft, notes: notes}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.engine.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.ft.reset()
}

func groupMsg(id, group string, ts int64) ChatMessage {
	return ChatMessage{ID: id, FromID: "u2", From: "bob", ToID: group, To: group, Content: "msg " + id, Timestamp: ts}
}

func teamGroup() map[string]any {
	return map[string]any{
		"id":        "g1",
		"name":      "Team",
		"members":   []string{"alice", "bob"},
		"memberIds": []string{"u1", "u2"},
		"creator":   "alice",
		"creatorId": "u1",
	}
}

func bobGroup() map[string]any {
	return map[string]any{
		"id":        "g2",
		"name":      "Bobs",
		"members":   []string{"bob", "alice"},
		"memberIds": []string{"u2", "u1"},
		"creator":   "bob",
		"creatorId": "u2",
	}
}

// ============================================================================
// Connection
// ============================================================================

func TestConnect(t *testing.T) {
	t.Run("announces identity and requests recent messages", func(t *testing.T) {
		h := newHarness(t)
		if err := h.engine.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		cmds := h.ft.commands()
		if len(cmds) != 2 {
			t.Fatalf("expected 2 commands, got %d", len(cmds))
		}
		if cmds[0].Type != CmdUpdateClient {
			t.Fatalf("expected updateClient first, got %s", cmds[0].Type)
		}
		p := cmds[0].Payload.(updateClientPayload)
		if p.Name != "alice" || p.ID != "u1" {
			t.Fatalf("unexpected announce payload %+v", p)
		}
		if cmds[1].Type != CmdFetchRecentMessages {
			t.Fatalf("expected fetchRecentMessages second, got %s", cmds[1].Type)
		}
		if !h.engine.Snapshot().IsConnected {
			t.Fatal("expected IsConnected")
		}
	})

	t.Run("failure notifies and returns error", func(t *testing.T) {
		h := newHarness(t)
		h.ft.connectErr = errors.New("refused")
		err := h.engine.Connect(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if h.engine.IsConnected() {
			t.Fatal("expected disconnected")
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Connection Error" {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("anonymous session falls back to guest", func(t *testing.T) {
		e := NewEngine("http://chat.test", nil, WithTransport(newFakeTransport()), WithLogger(quietLogger()))
		s := e.Snapshot()
		if s.ClientName != "Guest" {
			t.Fatalf("expected Guest, got %q", s.ClientName)
		}
		if s.ClientID == "" {
			t.Fatal("expected generated client id")
		}
	})

	t.Run("drop preserves messages and groups", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")
		h.ft.deliver(t, EventMessageReceived, groupMsg("m1", "g1", 10), "")
		h.engine.FetchMessages("g1", TypeGroup, 10, 0)

		h.ft.drop(1006, "abnormal")

		s := h.engine.Snapshot()
		if s.IsConnected {
			t.Fatal("expected disconnected")
		}
		if s.IsLoadingMessages {
			t.Fatal("expected pending fetches to be dropped")
		}
		if len(s.Messages) != 1 || len(s.Groups) != 1 {
			t.Fatalf("expected state preserved, got %d messages %d groups", len(s.Messages), len(s.Groups))
		}
	})
}

// ============================================================================
// Subscriptions
// ============================================================================

func TestSubscribe(t *testing.T) {
	t.Run("receives snapshots until unsubscribed", func(t *testing.T) {
		h := newHarness(t)
		var got []State
		unsubscribe := h.engine.Subscribe(func(s State) { got = append(got, s) })

		h.engine.SetClientName("alice2")
		if len(got) != 1 || got[0].ClientName != "alice2" {
			t.Fatalf("expected one snapshot with new name, got %d", len(got))
		}

		unsubscribe()
		h.engine.SetClientName("alice3")
		if len(got) != 1 {
			t.Fatalf("expected no snapshot after unsubscribe, got %d", len(got))
		}
	})

	t.Run("panicking subscriber does not break others", func(t *testing.T) {
		h := newHarness(t)
		calls := 0
		h.engine.Subscribe(func(State) { panic("boom") })
		h.engine.Subscribe(func(State) { calls++ })
		h.engine.SetClientName("bob")
		if calls != 1 {
			t.Fatalf("expected second subscriber to run, got %d calls", calls)
		}
	})

	t.Run("concurrent updates are delivered in order", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		var (
			mu   sync.Mutex
			seen []int
		)
		h.engine.Subscribe(func(s State) {
			mu.Lock()
			seen = append(seen, len(s.Messages))
			mu.Unlock()
		})

		const n = 50
		payloads := make([]json.RawMessage, n)
		for i := range payloads {
			raw, err := json.Marshal(groupMsg(fmt.Sprintf("m%d", i), "g1", int64(i)))
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			payloads[i] = raw
		}
		var wg sync.WaitGroup
		for _, raw := range payloads {
			wg.Add(1)
			go func(raw json.RawMessage) {
				defer wg.Done()
				h.ft.deliverRaw(EventMessageReceived, raw, "")
			}(raw)
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		for i := 1; i < len(seen); i++ {
			if seen[i] <= seen[i-1] {
				t.Fatalf("snapshot %d went backwards: %v", i, seen)
			}
		}
		if len(seen) == 0 || seen[len(seen)-1] != n {
			t.Fatalf("expected final snapshot with %d messages, got %v", n, seen)
		}
	})

	t.Run("subscriber may call back into the engine", func(t *testing.T) {
		h := newHarness(t)
		var names []string
		h.engine.Subscribe(func(s State) {
			names = append(names, s.ClientName)
			if s.ClientName == "bob" {
				h.engine.SetClientName("carol")
			}
		})
		h.engine.SetClientName("bob")
		if len(names) != 2 || names[1] != "carol" {
			t.Fatalf("expected nested update delivered after the first, got %v", names)
		}
	})

	t.Run("snapshot is a deep copy", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")
		h.ft.deliver(t, EventMessageReceived, groupMsg("m1", "g1", 10), "")
		h.engine.ReactToMessage("m1", "👍")

		s := h.engine.Snapshot()
		s.Groups[0].MemberIDs[0] = "mutated"
		s.Messages[0].Reactions["👍"][0].UserID = "mutated"

		again := h.engine.Snapshot()
		if again.Groups[0].MemberIDs[0] != "u1" {
			t.Fatal("group membership leaked through snapshot")
		}
		if again.Messages[0].Reactions["👍"][0].UserID != "u1" {
			t.Fatal("reactions leaked through snapshot")
		}
	})
}

// ============================================================================
// Identity & Presence
// ============================================================================

func TestIdentity(t *testing.T) {
	t.Run("roster snapshots replace", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventClients, []Client{{ID: "u2", Name: "bob"}, {ID: "u3", Name: "carol"}}, "")
		h.ft.deliver(t, EventOfflineClients, []Client{{ID: "u4", Name: "dave"}}, "")
		h.ft.deliver(t, EventClients, []Client{{ID: "u2", Name: "bob"}}, "")

		s := h.engine.Snapshot()
		if len(s.ConnectedClients) != 1 || s.ConnectedClients[0].ID != "u2" {
			t.Fatalf("unexpected online roster %+v", s.ConnectedClients)
		}
		if len(s.OfflineClients) != 1 || s.OfflineClients[0].Name != "dave" {
			t.Fatalf("unexpected offline roster %+v", s.OfflineClients)
		}
		if h.engine.NameOf("u3") != "carol" {
			t.Fatalf("expected name index to remember carol, got %q", h.engine.NameOf("u3"))
		}
	})

	t.Run("malformed roster yields empty roster", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventClients, []Client{{ID: "u2", Name: "bob"}}, "")
		h.ft.deliverRaw(EventClients, json.RawMessage(`{"not":"a list"}`), "")

		if n := len(h.engine.Snapshot().ConnectedClients); n != 0 {
			t.Fatalf("expected empty roster, got %d entries", n)
		}
	})

	t.Run("set client name announces when connected", func(t *testing.T) {
		h := newHarness(t)
		h.engine.SetClientName("offline-name")
		if n := len(h.ft.commands()); n != 0 {
			t.Fatalf("expected no commands while disconnected, got %d", n)
		}

		h.connect(t)
		h.engine.SetClientName("online-name")
		p := h.ft.last(t, CmdUpdateClient).Payload.(updateClientPayload)
		if p.Name != "online-name" || p.ID != "u1" {
			t.Fatalf("unexpected payload %+v", p)
		}
	})

	t.Run("client updated renames roster entry", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventClients, []Client{{ID: "u2", Name: "bob"}}, "")
		h.ft.deliver(t, EventClientUpdated, Client{ID: "u2", Name: "robert"}, "")

		s := h.engine.Snapshot()
		if s.ConnectedClients[0].Name != "robert" {
			t.Fatalf("expected renamed entry, got %q", s.ConnectedClients[0].Name)
		}
	})

	t.Run("presence and typing", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventUserPresenceChanged, map[string]any{"userId": "u2", "status": "away"}, "")
		h.ft.deliver(t, EventUserTyping, map[string]any{
			"userId": "u2", "userName": "bob", "target": "g1", "type": "group", "isTyping": true,
		}, "")
		h.ft.deliver(t, EventUserTyping, map[string]any{
			"userId": "u3", "userName": "carol", "target": "u1", "type": "private", "isTyping": true,
		}, "")

		s := h.engine.Snapshot()
		if s.Presence["u2"] != "away" {
			t.Fatalf("expected presence away, got %q", s.Presence["u2"])
		}
		if got := s.Typing["group-g1"]; len(got) != 1 || got[0].Name != "bob" {
			t.Fatalf("unexpected group typing %+v", got)
		}
		if got := s.Typing["private-u3"]; len(got) != 1 || got[0].ID != "u3" {
			t.Fatalf("unexpected private typing %+v", got)
		}

		h.ft.deliver(t, EventUserTyping, map[string]any{
			"userId": "u2", "target": "g1", "type": "group", "isTyping": false,
		}, "")
		if _, ok := h.engine.Snapshot().Typing["group-g1"]; ok {
			t.Fatal("expected typing entry to be removed")
		}
	})

	t.Run("typing start is throttled, stop always sent", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		chat := Chat{ID: "g1", Name: "Team", Type: TypeGroup}

		h.engine.SetTyping(chat, true)
		h.engine.SetTyping(chat, true)
		h.engine.SetTyping(chat, false)

		cmds := h.ft.commands()
		if len(cmds) != 2 {
			t.Fatalf("expected 2 typing commands, got %d", len(cmds))
		}
		if cmds[1].Payload.(typingPayload).IsTyping {
			t.Fatal("expected stop notification last")
		}
	})
}

// ============================================================================
// Conversation Directory
// ============================================================================

func TestGroups(t *testing.T) {
	t.Run("create group twice with same name", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		first := h.engine.CreateGroup("Team")
		if first.ID == "" || first.Name != "Team" || first.Type != TypeGroup {
			t.Fatalf("unexpected first ref %+v", first)
		}
		second := h.engine.CreateGroup("Team")
		if !second.IsZero() {
			t.Fatalf("expected empty ref, got %+v", second)
		}

		count := 0
		for _, g := range h.engine.Groups() {
			if g.Name == "Team" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected exactly one Team group, got %d", count)
		}
		if !h.engine.IsFetched(first.Key()) {
			t.Fatal("expected new group to be marked fetched")
		}

		w := h.ft.last(t, CmdCreateGroup).Payload.(groupWire)
		if len(w.MemberIDs) != 1 || w.MemberIDs[0] != "u1" || w.Members[0] != "alice" || w.CreatorID != "u1" {
			t.Fatalf("unexpected createGroup payload %+v", w)
		}
	})

	t.Run("join is idempotent but always announced", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{bobGroup()}, "")

		ref := Chat{ID: "g2", Name: "Bobs", Type: TypeGroup}
		h.engine.JoinGroup(ref)
		h.engine.JoinGroup(ref)

		g := h.engine.Groups()[0]
		if len(g.MemberIDs) != 2 {
			t.Fatalf("expected membership unchanged, got %v", g.MemberIDs)
		}
		joins := 0
		for _, c := range h.ft.commands() {
			if c.Type == CmdJoinGroup {
				joins++
			}
		}
		if joins != 2 {
			t.Fatalf("expected two joinGroup commands, got %d", joins)
		}
	})

	t.Run("creator cannot leave", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")
		ref := Chat{ID: "g1", Name: "Team", Type: TypeGroup}
		h.engine.SetActiveChat(ref)

		h.engine.LeaveGroup(ref)

		s := h.engine.Snapshot()
		if len(s.Groups[0].MemberIDs) != 2 {
			t.Fatalf("expected membership unchanged, got %v", s.Groups[0].MemberIDs)
		}
		if s.ActiveChat != ref {
			t.Fatalf("expected active chat kept, got %+v", s.ActiveChat)
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Cannot Leave Group" {
			t.Fatalf("unexpected notifications %v", titles)
		}
		if n := len(h.ft.commands()); n != 0 {
			t.Fatalf("expected no commands, got %d", n)
		}
	})

	t.Run("member leaves and active chat clears", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{bobGroup()}, "")
		ref := Chat{ID: "g2", Name: "Bobs", Type: TypeGroup}
		h.engine.SetActiveChat(ref)

		h.engine.LeaveGroup(ref)

		s := h.engine.Snapshot()
		if s.Groups[0].HasMember("u1") {
			t.Fatal("expected u1 removed")
		}
		if !s.ActiveChat.IsZero() {
			t.Fatalf("expected active chat cleared, got %+v", s.ActiveChat)
		}
		p := h.ft.last(t, CmdLeaveGroup).Payload.(membershipPayload)
		if p.GroupID != "g2" || p.ClientID != "u1" || p.Client != "alice" {
			t.Fatalf("unexpected leave payload %+v", p)
		}
	})

	t.Run("non-creator cannot delete or rename", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{bobGroup()}, "")
		ref := Chat{ID: "g2", Name: "Bobs", Type: TypeGroup}

		h.engine.DeleteGroup(ref)
		h.engine.RenameGroup(ref, "Mine")

		groups := h.engine.Groups()
		if len(groups) != 1 || groups[0].Name != "Bobs" {
			t.Fatalf("expected directory unchanged, got %+v", groups)
		}
		if n := len(h.ft.commands()); n != 0 {
			t.Fatalf("expected no commands, got %d", n)
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Permission Denied" {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("creator renames and deletes", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")
		ref := Chat{ID: "g1", Name: "Team", Type: TypeGroup}
		h.engine.SetActiveChat(ref)

		h.engine.RenameGroup(ref, "Crew")
		if got := h.engine.ActiveChat().Name; got != "Crew" {
			t.Fatalf("expected active chat renamed, got %q", got)
		}
		rp := h.ft.last(t, CmdRenameGroup).Payload.(renameGroupPayload)
		if rp.GroupID != "g1" || rp.NewName != "Crew" {
			t.Fatalf("unexpected rename payload %+v", rp)
		}

		h.engine.DeleteGroup(Chat{Name: "Crew", Type: TypeGroup})
		s := h.engine.Snapshot()
		if len(s.Groups) != 0 {
			t.Fatalf("expected group deleted, got %+v", s.Groups)
		}
		if !s.ActiveChat.IsZero() {
			t.Fatal("expected active chat cleared")
		}
		dp := h.ft.last(t, CmdDeleteGroup).Payload.(deleteGroupPayload)
		if dp.GroupID != "g1" || dp.Client != "u1" {
			t.Fatalf("unexpected delete payload %+v", dp)
		}
	})

	t.Run("groups snapshot replaces directory", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventGroups, []any{teamGroup(), bobGroup()}, "")
		h.engine.SetActiveChat(Chat{ID: "g2", Name: "Bobs", Type: TypeGroup})

		h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")

		s := h.engine.Snapshot()
		if len(s.Groups) != 1 || s.Groups[0].ID != "g1" {
			t.Fatalf("unexpected groups %+v", s.Groups)
		}
		if !s.ActiveChat.IsZero() {
			t.Fatal("expected vanished active group to be cleared")
		}
		names := h.engine.MemberNames(Chat{ID: "g1"})
		if len(names) != 2 || names[1] != "bob" {
			t.Fatalf("unexpected member names %v", names)
		}
	})

	t.Run("group renamed event", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventGroups, []any{bobGroup()}, "")
		h.engine.SetActiveChat(Chat{ID: "g2", Name: "Bobs", Type: TypeGroup})

		h.ft.deliver(t, EventGroupRenamed, map[string]any{"groupId": "g2", "newName": "Bob's Place"}, "")

		s := h.engine.Snapshot()
		if s.Groups[0].Name != "Bob's Place" || s.ActiveChat.Name != "Bob's Place" {
			t.Fatalf("expected rename applied, got %q / %q", s.Groups[0].Name, s.ActiveChat.Name)
		}
	})
}

// ============================================================================
// Message Store
// ============================================================================

func TestSendMessage(t *testing.T) {
	t.Run("disconnected send is a no-op", func(t *testing.T) {
		h := newHarness(t)
		h.engine.SendMessage("hi", "Team", false, "g1", "")

		if n := len(h.engine.Snapshot().Messages); n != 0 {
			t.Fatalf("expected no messages, got %d", n)
		}
		if n := len(h.ft.commands()); n != 0 {
			t.Fatalf("expected no outbound commands, got %d", n)
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Connection Error" {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("group message updates summary", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")

		long := "this message is definitely longer than thirty characters"
		h.engine.SendMessage(long, "Team", false, "g1", "")

		s := h.engine.Snapshot()
		if len(s.Messages) != 1 {
			t.Fatalf("expected 1 message, got %d", len(s.Messages))
		}
		m := s.Messages[0]
		if m.FromID != "u1" || m.From != "alice" || m.ToID != "g1" || m.Timestamp != 1_000_000 || m.IsPrivate {
			t.Fatalf("unexpected message %+v", m)
		}
		g := s.Groups[0]
		if g.LastMessage == nil || g.LastMessage.Content != long[:30]+"..." {
			t.Fatalf("unexpected group summary %+v", g.LastMessage)
		}
		if g.LastMessageSender != "alice" {
			t.Fatalf("unexpected last sender %q", g.LastMessageSender)
		}
		sent := h.ft.last(t, CmdGroupMessage).Payload.(ChatMessage)
		if sent.ID != m.ID {
			t.Fatalf("expected outbound record %s, got %s", m.ID, sent.ID)
		}
	})

	t.Run("echo of own message is not duplicated", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.SendMessage("hello", "bob", true, "u2", "")
		sent := h.ft.last(t, CmdPrivateMessage).Payload.(ChatMessage)

		h.ft.deliver(t, EventMessageReceived, sent, "")

		if n := len(h.engine.Snapshot().Messages); n != 1 {
			t.Fatalf("expected 1 message after echo, got %d", n)
		}
	})

	t.Run("no target is a no-op", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.SendMessage("hello", "", true, "", "")
		if n := len(h.engine.Snapshot().Messages); n != 0 {
			t.Fatalf("expected no messages, got %d", n)
		}
	})
}

func TestMessageReceived(t *testing.T) {
	h := newHarness(t)
	h.ft.deliver(t, EventGroups, []any{teamGroup()}, "")
	h.ft.deliver(t, EventMessageReceived, groupMsg("m2", "g1", 20), "")
	h.ft.deliver(t, EventMessageReceived, groupMsg("m1", "g1", 10), "")
	h.ft.deliver(t, EventMessageReceived, groupMsg("m3", "g1", 20), "")

	s := h.engine.Snapshot()
	var ids []string
	for _, m := range s.Messages {
		ids = append(ids, m.ID)
	}
	if fmt.Sprint(ids) != "[m1 m2 m3]" {
		t.Fatalf("expected timestamp order with stable ties, got %v", ids)
	}
	if s.Groups[0].LastMessageSender != "bob" {
		t.Fatalf("expected group summary from inbound message, got %q", s.Groups[0].LastMessageSender)
	}
}

func TestFetchMessages(t *testing.T) {
	fetched := func(t *testing.T, h *harness, requestID string, msgs []ChatMessage, hasMore bool) {
		t.Helper()
		h.ft.deliver(t, EventMessagesFetched, map[string]any{
			"requestId": requestID,
			"messages":  msgs,
			"hasMore":   hasMore,
		}, requestID)
	}
	batch := func(group string, from, to int64) []ChatMessage {
		var out []ChatMessage
		for ts := from; ts <= to; ts++ {
			out = append(out, groupMsg(fmt.Sprintf("%s-%d", group, ts), group, ts))
		}
		return out
	}

	t.Run("first page sets cursor and hasMore", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		cmd := h.ft.last(t, CmdFetchMessages)
		p := cmd.Payload.(FetchParams)
		if p.Target != "g1" || p.Type != TypeGroup || p.Limit != 10 || p.Before != 1_000_000 {
			t.Fatalf("unexpected fetch params %+v", p)
		}
		if !h.engine.Snapshot().IsLoadingMessages {
			t.Fatal("expected loading flag while pending")
		}

		fetched(t, h, cmd.RequestID, batch("g1", 100, 109), true)

		s := h.engine.Snapshot()
		if s.OldestMessageTimestamp["group-g1"] != 100 {
			t.Fatalf("expected cursor 100, got %d", s.OldestMessageTimestamp["group-g1"])
		}
		if !s.HasMoreMessages || s.IsLoadingMessages {
			t.Fatalf("unexpected flags hasMore=%v loading=%v", s.HasMoreMessages, s.IsLoadingMessages)
		}
		if len(s.Messages) != 10 {
			t.Fatalf("expected 10 messages, got %d", len(s.Messages))
		}
	})

	t.Run("cursor is non-increasing", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		fetched(t, h, h.ft.last(t, CmdFetchMessages).RequestID, batch("g1", 100, 109), true)

		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		cmd := h.ft.last(t, CmdFetchMessages)
		if before := cmd.Payload.(FetchParams).Before; before != 100 {
			t.Fatalf("expected next page before 100, got %d", before)
		}
		fetched(t, h, cmd.RequestID, batch("g1", 90, 99), true)

		// A late overlapping batch must not move the cursor forward.
		h.engine.FetchMessages("g1", TypeGroup, 10, 200)
		fetched(t, h, h.ft.last(t, CmdFetchMessages).RequestID, batch("g1", 95, 104), false)

		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		fetched(t, h, h.ft.last(t, CmdFetchMessages).RequestID, nil, false)

		s := h.engine.Snapshot()
		if got := s.OldestMessageTimestamp["group-g1"]; got != 90 {
			t.Fatalf("expected cursor 90, got %d", got)
		}
		if len(s.Messages) != 20 {
			t.Fatalf("expected 20 unique messages, got %d", len(s.Messages))
		}
		if s.HasMoreMessages {
			t.Fatal("expected hasMore false after last page")
		}
	})

	t.Run("duplicate ids keep existing entry", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventMessageReceived, groupMsg("m1", "g1", 50), "")

		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		dup := groupMsg("m1", "g1", 50)
		dup.Content = "changed"
		fetched(t, h, h.ft.last(t, CmdFetchMessages).RequestID, []ChatMessage{dup, groupMsg("m0", "g1", 40)}, false)

		s := h.engine.Snapshot()
		if len(s.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(s.Messages))
		}
		if m, _ := h.engine.Message("m1"); m.Content != "msg m1" {
			t.Fatalf("expected existing entry untouched, got %q", m.Content)
		}
	})

	t.Run("concurrent fetches are correlated by request id", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)

		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		first := h.ft.last(t, CmdFetchMessages).RequestID
		h.engine.FetchMessages("g1", TypeGroup, 10, 500)
		second := h.ft.last(t, CmdFetchMessages).RequestID
		if first == second {
			t.Fatal("expected distinct request ids")
		}

		fetched(t, h, second, batch("g1", 400, 409), true)
		if !h.engine.Snapshot().IsLoadingMessages {
			t.Fatal("expected first fetch still pending")
		}
		fetched(t, h, first, batch("g1", 300, 309), true)

		s := h.engine.Snapshot()
		if s.IsLoadingMessages {
			t.Fatal("expected no pending fetches")
		}
		if got := s.OldestMessageTimestamp["group-g1"]; got != 300 {
			t.Fatalf("expected cursor 300, got %d", got)
		}

		// A stray response for a completed request is ignored.
		fetched(t, h, first, batch("g1", 1, 2), false)
		if n := len(h.engine.Snapshot().Messages); n != 20 {
			t.Fatalf("expected stray response ignored, got %d messages", n)
		}
	})

	t.Run("response without request id pairs with single pending fetch", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.FetchMessages("g1", TypeGroup, 10, 0)

		fetched(t, h, "", batch("g1", 100, 101), false)

		s := h.engine.Snapshot()
		if s.IsLoadingMessages || s.OldestMessageTimestamp["group-g1"] != 100 {
			t.Fatalf("expected response applied, loading=%v cursor=%d", s.IsLoadingMessages, s.OldestMessageTimestamp["group-g1"])
		}
	})

	t.Run("error response clears pending and notifies", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		cmd := h.ft.last(t, CmdFetchMessages)

		h.ft.deliver(t, EventMessageFetchError, map[string]any{"requestId": cmd.RequestID, "error": "db down"}, cmd.RequestID)

		s := h.engine.Snapshot()
		if s.IsLoadingMessages {
			t.Fatal("expected loading cleared")
		}
		if _, ok := s.OldestMessageTimestamp["group-g1"]; ok {
			t.Fatal("expected cursor untouched")
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Failed to load messages" {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("malformed response clears pending and notifies", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		cmd := h.ft.last(t, CmdFetchMessages)

		h.ft.deliverRaw(EventMessagesFetched, json.RawMessage(`{"messages":[{"id":"m1","timestamp":"100"}]}`), cmd.RequestID)

		s := h.engine.Snapshot()
		if s.IsLoadingMessages {
			t.Fatal("expected loading cleared")
		}
		if len(s.Messages) != 0 {
			t.Fatalf("expected nothing merged, got %d messages", len(s.Messages))
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Failed to load messages" {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("malformed unmatched response is ignored", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.FetchMessages("g1", TypeGroup, 10, 0)
		h.engine.FetchMessages("g2", TypeGroup, 10, 0)

		h.ft.deliverRaw(EventMessagesFetched, json.RawMessage(`"garbage"`), "")

		if !h.engine.Snapshot().IsLoadingMessages {
			t.Fatal("expected both fetches still pending")
		}
		if titles := h.notes.titles(); len(titles) != 0 {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("disconnected fetch notifies", func(t *testing.T) {
		h := newHarness(t)
		h.engine.FetchMessages("g1", TypeGroup, 0, 0)

		if h.engine.Snapshot().IsLoadingMessages {
			t.Fatal("expected no pending fetch")
		}
		if titles := h.notes.titles(); len(titles) != 1 || titles[0] != "Connection Error" {
			t.Fatalf("unexpected notifications %v", titles)
		}
	})

	t.Run("default limit", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.engine.FetchMessages("u2", TypePrivate, 0, 0)
		if got := h.ft.last(t, CmdFetchMessages).Payload.(FetchParams).Limit; got != 15 {
			t.Fatalf("expected default limit 15, got %d", got)
		}
	})
}

func TestRecentMessages(t *testing.T) {
	t.Run("map payload merges newest per peer", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventRecentMessages, map[string]ChatMessage{
			"u2": {ID: "r1", FromID: "u2", From: "bob", ToID: "u1", To: "alice", Content: "hey", Timestamp: 50, IsPrivate: true},
		}, "")
		h.ft.deliver(t, EventRecentMessages, map[string]ChatMessage{
			"u2": {ID: "r0", FromID: "u2", From: "bob", ToID: "u1", To: "alice", Content: "old", Timestamp: 10, IsPrivate: true},
			"u3": {ID: "r2", FromID: "u1", From: "alice", ToID: "u3", To: "carol", Content: "yo", Timestamp: 70, IsPrivate: true},
		}, "")

		s := h.engine.Snapshot()
		if s.RecentPrivateMessages["u2"].ID != "r1" {
			t.Fatalf("expected newer message kept, got %s", s.RecentPrivateMessages["u2"].ID)
		}
		if s.RecentMessagesTimestamp != 70 {
			t.Fatalf("expected timestamp 70, got %d", s.RecentMessagesTimestamp)
		}

		chats := h.engine.RecentPrivateChats()
		if len(chats) != 2 || chats[0].Chat.ID != "u3" || chats[0].LastMessageSender != "You" {
			t.Fatalf("unexpected recent chats %+v", chats)
		}
		if chats[1].Chat.Name != "bob" || chats[1].LastMessageSender != "bob" {
			t.Fatalf("unexpected second chat %+v", chats[1])
		}
	})

	t.Run("list payload is keyed by peer", func(t *testing.T) {
		h := newHarness(t)
		h.ft.deliver(t, EventRecentMessages, []ChatMessage{
			{ID: "r1", FromID: "u2", ToID: "u1", Timestamp: 5, IsPrivate: true},
			{ID: "r2", FromID: "u1", ToID: "u2", Timestamp: 9, IsPrivate: true},
		}, "")
		if got := h.engine.Snapshot().RecentPrivateMessages["u2"].ID; got != "r2" {
			t.Fatalf("expected r2 for peer u2, got %q", got)
		}
	})

	t.Run("follow-up request carries the timestamp", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		h.ft.deliver(t, EventRecentMessages, map[string]ChatMessage{
			"u2": {ID: "r1", FromID: "u2", ToID: "u1", Timestamp: 50, IsPrivate: true},
		}, "")

		h.engine.FetchRecentMessages()
		p := h.ft.last(t, CmdFetchRecentMessages).Payload.(fetchRecentPayload)
		if p.Timestamp == nil || *p.Timestamp != 50 || p.Limit != 20 {
			t.Fatalf("unexpected payload %+v", p)
		}
	})
}

func TestLocalQueries(t *testing.T) {
	h := newHarness(t)
	h.ft.deliver(t, EventMessageReceived, groupMsg("g-1", "g1", 10), "")
	h.ft.deliver(t, EventMessageReceived, ChatMessage{ID: "p-1", FromID: "u2", From: "bob", ToID: "u1", Content: "Lunch today?", Timestamp: 20, IsPrivate: true}, "")
	h.ft.deliver(t, EventMessageReceived, ChatMessage{ID: "p-2", FromID: "u3", From: "carol", ToID: "u1", Content: "lunch is on me", Timestamp: 30, IsPrivate: true}, "")

	t.Run("messages for conversation", func(t *testing.T) {
		msgs := h.engine.MessagesFor(Chat{ID: "u2", Type: TypePrivate})
		if len(msgs) != 1 || msgs[0].ID != "p-1" {
			t.Fatalf("unexpected conversation %+v", msgs)
		}
		if msgs := h.engine.MessagesFor(Chat{ID: "g1", Type: TypeGroup}); len(msgs) != 1 {
			t.Fatalf("expected 1 group message, got %d", len(msgs))
		}
	})

	t.Run("search is case-insensitive and newest first", func(t *testing.T) {
		results := h.engine.SearchMessages("LUNCH", Chat{}, 0)
		if len(results) != 2 || results[0].ID != "p-2" {
			t.Fatalf("unexpected results %+v", results)
		}
		scoped := h.engine.SearchMessages("lunch", Chat{ID: "u2", Type: TypePrivate}, 0)
		if len(scoped) != 1 || scoped[0].ID != "p-1" {
			t.Fatalf("unexpected scoped results %+v", scoped)
		}
	})

	t.Run("clear chat messages is local only", func(t *testing.T) {
		h.engine.ClearChatMessages()
		if n := len(h.engine.Snapshot().Messages); n != 0 {
			t.Fatalf("expected empty list, got %d", n)
		}
		if n := len(h.ft.commands()); n != 0 {
			t.Fatalf("expected no commands, got %d", n)
		}
	})
}

// ============================================================================
// Active Conversation
// ============================================================================

func TestOpenChat(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	chat := Chat{ID: "u2", Name: "bob", Type: TypePrivate}

	h.engine.OpenChat(chat)
	h.engine.OpenChat(chat)

	fetches := 0
	for _, c := range h.ft.commands() {
		if c.Type == CmdFetchMessages {
			fetches++
		}
	}
	if fetches != 1 {
		t.Fatalf("expected one fetch, got %d", fetches)
	}
	s := h.engine.Snapshot()
	if s.ActiveChat != chat || !s.FetchedChats["private-u2"] {
		t.Fatalf("unexpected active state %+v %v", s.ActiveChat, s.FetchedChats)
	}

	h.engine.SetFetchedChat("private-u2", false)
	if h.engine.IsFetched("private-u2") {
		t.Fatal("expected fetched flag cleared")
	}
	h.engine.ClearActiveChat()
	if !h.engine.ActiveChat().IsZero() {
		t.Fatal("expected active chat cleared")
	}
}
