package chatsync

import (
	"sort"
)

// RecentChat is an entry of the recent private conversations list.
type RecentChat struct {
	Chat              Chat
	LastMessage       LastMessage
	LastMessageSender string
}

// ============================================================================
// Operations
// ============================================================================

// SendMessage appends a message locally and sends it. It does nothing when
// disconnected or when there is no target.
func (e *Engine) SendMessage(content, toName string, isPrivate bool, toID, image string) {
	var (
		cmd          *RealtimeCommand
		disconnected bool
	)
	e.update(func() bool {
		if !e.connected {
			disconnected = true
			return false
		}
		if toName == "" && toID == "" {
			e.logger.Warn("send message without a target")
			return false
		}
		m := ChatMessage{
			ID:        e.newID(),
			FromID:    e.identity.id,
			From:      e.identity.name,
			ToID:      toID,
			To:        toName,
			Content:   content,
			Timestamp: e.millis(),
			IsPrivate: isPrivate,
			Image:     image,
			Reactions: map[string][]Reactor{},
		}
		e.store.insert(m)
		if !isPrivate {
			e.dir.summarizeInto(&m)
		}

		cmdType := CmdGroupMessage
		if isPrivate {
			cmdType = CmdPrivateMessage
		}
		cmd = &RealtimeCommand{Type: cmdType, Payload: m.clone()}
		return true
	})
	if disconnected {
		e.logger.Error("cannot send message", "error", ErrNotConnected)
		e.notifyError("Connection Error", "Cannot send message: not connected")
		return
	}
	e.send(cmd)
}

// FetchMessages requests a page of history for target older than before. A
// zero before means "older than the stored cursor", or now when there is
// none. A zero limit uses the default page size.
func (e *Engine) FetchMessages(target string, typ ChatType, limit int, before int64) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	var (
		cmd          *RealtimeCommand
		disconnected bool
	)
	e.update(func() bool {
		if !e.connected {
			disconnected = true
			return false
		}
		key := ConversationKey(typ, target)
		if before == 0 {
			if ts, ok := e.store.cursor(key); ok {
				before = ts
			} else {
				before = e.millis()
			}
		}
		requestID := e.newID()
		e.pending[requestID] = pendingFetch{target: target, typ: typ, key: key, issued: e.now()}
		cmd = &RealtimeCommand{
			Type:      CmdFetchMessages,
			Payload:   FetchParams{Target: target, Type: typ, Limit: limit, Before: before},
			RequestID: requestID,
		}
		return true
	})
	if disconnected {
		e.logger.Error("cannot fetch messages", "error", ErrNotConnected)
		e.notifyError("Connection Error", "Cannot fetch messages: not connected")
		return
	}
	e.logger.Debug("fetching messages", "requestId", cmd.RequestID, "params", cmd.Payload)
	e.send(cmd)
}

// FetchRecentMessages requests the most recent message of every private
// conversation.
func (e *Engine) FetchRecentMessages() {
	var cmd *RealtimeCommand
	e.mu.Lock()
	if e.connected {
		p := fetchRecentPayload{Limit: defaultRecentLimit}
		if e.store.recentTS > 0 {
			ts := e.store.recentTS
			p.Timestamp = &ts
		}
		cmd = &RealtimeCommand{Type: CmdFetchRecentMessages, Payload: p}
	}
	e.mu.Unlock()

	if cmd == nil {
		e.logger.Error("cannot fetch recent messages", "error", ErrNotConnected)
		return
	}
	e.send(cmd)
}

// ClearChatMessages purges the local message list. The server is not told.
func (e *Engine) ClearChatMessages() {
	e.update(func() bool {
		e.store.clear()
		return true
	})
}

// Message returns a copy of the message with the given id.
func (e *Engine) Message(id string) (ChatMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.store.get(id)
	if m == nil {
		return ChatMessage{}, false
	}
	return m.clone(), true
}

// MessagesFor returns the messages of one conversation in timestamp order.
func (e *Engine) MessagesFor(chat Chat) []ChatMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.conversation(chat, e.identity.id)
}

// SearchMessages does a case-insensitive substring search over local
// messages, newest first. A zero chat searches every conversation.
func (e *Engine) SearchMessages(query string, chat Chat, limit int) []ChatMessage {
	if limit <= 0 {
		limit = 50
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.search(query, chat, e.identity.id, limit)
}

// RecentPrivateChats lists private conversations newest first, combining
// local messages with the server's recent-messages summary.
func (e *Engine) RecentPrivateChats() []RecentChat {
	e.mu.Lock()
	defer e.mu.Unlock()

	self := e.identity.id
	byPeer := make(map[string]RecentChat)
	consider := func(m *ChatMessage) {
		if !m.IsPrivate {
			return
		}
		id, name := m.peer(self)
		if id == "" {
			return
		}
		if name == "" {
			name = e.identity.nameOf(id)
		}
		if prev, ok := byPeer[id]; ok && prev.LastMessage.Timestamp >= m.Timestamp {
			return
		}
		sender := m.From
		if m.FromID == self {
			sender = "You"
		}
		byPeer[id] = RecentChat{
			Chat:              Chat{ID: id, Name: name, Type: TypePrivate},
			LastMessage:       LastMessage{Content: m.Content, Timestamp: m.Timestamp},
			LastMessageSender: sender,
		}
	}
	for i := range e.store.messages {
		consider(&e.store.messages[i])
	}
	for _, m := range e.store.recent {
		m := m
		consider(&m)
	}

	out := make([]RecentChat, 0, len(byPeer))
	for _, rc := range byPeer {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessage.Timestamp > out[j].LastMessage.Timestamp
	})
	return out
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleMessageReceived(env RealtimeEnvelope) {
	var m ChatMessage
	if !e.decode(env, &m) || m.ID == "" {
		return
	}
	e.update(func() bool {
		// The server echoes our own sends back; those are already applied.
		if !e.store.insert(m) {
			return false
		}
		if !m.IsPrivate {
			e.dir.summarizeInto(&m)
		} else if id, _ := m.peer(e.identity.id); id != "" {
			e.store.mergeRecent(map[string]ChatMessage{id: m})
		}
		e.identity.learn(m.FromID, m.From)
		return true
	})
}

func (e *Engine) handleRecentMessages(env RealtimeEnvelope) {
	e.update(func() bool {
		byPeer, ok := parseRecentMessages(env.Payload, e.identity.id)
		if !ok {
			e.logger.Warn("malformed recentMessages payload")
			return false
		}
		return e.store.mergeRecent(byPeer)
	})
}

// takePending removes and returns the fetch a response belongs to. Responses
// without a request id are matched only when exactly one fetch is pending.
func (e *Engine) takePending(requestID string) (pendingFetch, bool) {
	if requestID == "" && len(e.pending) == 1 {
		for id := range e.pending {
			requestID = id
		}
	}
	p, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	return p, ok
}

func (e *Engine) handleMessagesFetched(env RealtimeEnvelope) {
	var p messagesFetchedPayload
	if !e.decode(env, &p) {
		e.failFetch(EventMessagesFetched, env.RequestID, "malformed response from server")
		return
	}
	if p.RequestID == "" {
		p.RequestID = env.RequestID
	}
	var issued pendingFetch
	e.update(func() bool {
		req, ok := e.takePending(p.RequestID)
		if !ok {
			e.logger.Warn("unmatched messagesFetched response", "requestId", p.RequestID)
			return false
		}
		issued = req

		if len(p.Messages) > 0 {
			oldest := p.Messages[0].Timestamp
			for _, m := range p.Messages[1:] {
				if m.Timestamp < oldest {
					oldest = m.Timestamp
				}
			}
			e.store.advanceCursor(req.key, oldest)
		}
		added := e.store.merge(p.Messages)
		e.store.hasMore = p.HasMore
		e.logger.Debug("fetched messages", "key", req.key, "received", len(p.Messages), "added", added, "hasMore", p.HasMore)
		return true
	})
	e.metrics.observeFetch(issued.issued)
}

func (e *Engine) handleMessageFetchError(env RealtimeEnvelope) {
	p := parseFetchError(env.Payload)
	if p.RequestID == "" {
		p.RequestID = env.RequestID
	}
	e.failFetch(EventMessageFetchError, p.RequestID, p.Error)
}

// failFetch resolves the pending fetch for requestID as failed.
func (e *Engine) failFetch(event, requestID, reason string) {
	matched := false
	e.update(func() bool {
		_, matched = e.takePending(requestID)
		return matched
	})
	if !matched {
		e.logger.Warn("unmatched fetch response", "type", event, "requestId", requestID, "error", reason)
		return
	}
	e.logger.Error("error fetching messages", "error", reason)
	e.notifyError("Failed to load messages", reason)
}
