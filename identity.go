package chatsync

import (
	"encoding/json"
	"sort"
)

// identity holds this client's identity, the peer rosters and a name index
// used to render member ids.
type identity struct {
	id      string
	name    string
	online  []Client
	offline []Client
	// names maps user ids to the last display name seen for them.
	names    map[string]string
	presence map[string]string
	// typing maps conversation key -> user id -> display name.
	typing map[string]map[string]string
}

func newIdentity(id, name string) identity {
	return identity{
		id:       id,
		name:     name,
		names:    make(map[string]string),
		presence: make(map[string]string),
		typing:   make(map[string]map[string]string),
	}
}

func (i *identity) learn(id, name string) {
	if id == "" || name == "" {
		return
	}
	i.names[id] = name
}

func (i *identity) nameOf(id string) string {
	if id == i.id && i.name != "" {
		return i.name
	}
	if n, ok := i.names[id]; ok {
		return n
	}
	return id
}

func (i *identity) typingSnapshot() map[string][]Client {
	out := make(map[string][]Client, len(i.typing))
	for key, users := range i.typing {
		list := make([]Client, 0, len(users))
		for id, name := range users {
			list = append(list, Client{ID: id, Name: name})
		}
		sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
		out[key] = list
	}
	return out
}

// parseRoster decodes a roster snapshot. Anything that is not a list of
// clients yields an empty roster.
func parseRoster(raw json.RawMessage) ([]Client, bool) {
	var clients []Client
	if err := json.Unmarshal(raw, &clients); err != nil || clients == nil {
		return []Client{}, false
	}
	return clients, true
}

// ============================================================================
// Operations
// ============================================================================

// SetClientName changes the local display name and announces it when
// connected.
func (e *Engine) SetClientName(name string) {
	var cmd *RealtimeCommand
	e.update(func() bool {
		e.identity.name = name
		if e.connected {
			cmd = &RealtimeCommand{
				Type:    CmdUpdateClient,
				Payload: updateClientPayload{Name: name, ID: e.identity.id},
			}
		}
		return true
	})
	e.send(cmd)
}

// SetClientID sets the stable identity key.
func (e *Engine) SetClientID(id string) {
	e.update(func() bool {
		e.identity.id = id
		return true
	})
}

// NameOf resolves a user id to the best known display name, falling back to
// the id itself.
func (e *Engine) NameOf(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity.nameOf(id)
}

// SetTyping announces that the local user started or stopped typing in chat.
// Start notifications are throttled; stop notifications always go out.
func (e *Engine) SetTyping(chat Chat, isTyping bool) {
	e.mu.Lock()
	connected := e.connected
	payload := typingPayload{
		Target:   chat.ID,
		Type:     chat.Type,
		IsTyping: isTyping,
		ClientID: e.identity.id,
		Name:     e.identity.name,
	}
	e.mu.Unlock()

	if !connected || chat.ID == "" {
		return
	}
	if isTyping && !e.typingLimiter.Allow() {
		return
	}
	e.send(&RealtimeCommand{Type: CmdTyping, Payload: payload})
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleClients(env RealtimeEnvelope) {
	clients, ok := parseRoster(env.Payload)
	if !ok {
		e.logger.Warn("received non-list data for clients event", "payload", string(env.Payload))
	}
	e.update(func() bool {
		e.identity.online = clients
		for _, c := range clients {
			e.identity.learn(c.ID, c.Name)
		}
		return true
	})
}

func (e *Engine) handleOfflineClients(env RealtimeEnvelope) {
	clients, ok := parseRoster(env.Payload)
	if !ok {
		e.logger.Warn("received non-list data for offlineClients event", "payload", string(env.Payload))
	}
	e.update(func() bool {
		e.identity.offline = clients
		for _, c := range clients {
			e.identity.learn(c.ID, c.Name)
		}
		return true
	})
}

func (e *Engine) handleClientUpdated(env RealtimeEnvelope) {
	var c Client
	if !e.decode(env, &c) || c.ID == "" {
		return
	}
	e.update(func() bool {
		e.identity.learn(c.ID, c.Name)
		for _, roster := range [][]Client{e.identity.online, e.identity.offline} {
			for i := range roster {
				if roster[i].ID == c.ID {
					roster[i].Name = c.Name
				}
			}
		}
		return true
	})
}

func (e *Engine) handlePresenceChanged(env RealtimeEnvelope) {
	var p presencePayload
	if !e.decode(env, &p) || p.UserID == "" {
		return
	}
	e.update(func() bool {
		if e.identity.presence[p.UserID] == p.Status {
			return false
		}
		e.identity.presence[p.UserID] = p.Status
		return true
	})
}

func (e *Engine) handleUserTyping(env RealtimeEnvelope) {
	var p typingEventPayload
	if !e.decode(env, &p) || p.UserID == "" {
		return
	}
	e.update(func() bool {
		// Private typing is keyed by the typist, since the target is us.
		key := ConversationKey(p.Type, p.Target)
		if p.Type == TypePrivate {
			key = ConversationKey(TypePrivate, p.UserID)
		}
		users := e.identity.typing[key]
		if p.IsTyping {
			if users == nil {
				users = make(map[string]string)
				e.identity.typing[key] = users
			}
			users[p.UserID] = p.UserName
			e.identity.learn(p.UserID, p.UserName)
			return true
		}
		if _, ok := users[p.UserID]; !ok {
			return false
		}
		delete(users, p.UserID)
		if len(users) == 0 {
			delete(e.identity.typing, key)
		}
		return true
	})
}
