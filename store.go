package chatsync

import (
	"sort"
	"strings"
)

// messageStore is the ordered, deduplicated message list plus the per
// conversation pagination cursors. It relies on the engine lock.
type messageStore struct {
	// messages is sorted by timestamp; ties keep arrival order.
	messages []ChatMessage
	ids      map[string]struct{}
	cursors  map[string]int64
	hasMore  bool

	recent   map[string]ChatMessage
	recentTS int64
}

func newMessageStore() *messageStore {
	return &messageStore{
		ids:     make(map[string]struct{}),
		cursors: make(map[string]int64),
		recent:  make(map[string]ChatMessage),
		hasMore: true,
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *messageStore) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *messageStore) get(id string) *ChatMessage {
	if !s.has(id) {
		return nil
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return &s.messages[i]
		}
	}
	return nil
}

// insert adds m in timestamp order. It reports false if the id is already
// present, leaving the existing entry untouched.
func (s *messageStore) insert(m ChatMessage) bool {
	if m.ID == "" || s.has(m.ID) {
		return false
	}
	m.Reactions = normalizeReactions(m.Reactions)
	pos := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].Timestamp > m.Timestamp
	})
	s.messages = append(s.messages, ChatMessage{})
	copy(s.messages[pos+1:], s.messages[pos:])
	s.messages[pos] = m
	s.ids[m.ID] = struct{}{}
	return true
}

// merge inserts every message of batch whose id is not yet known and returns
// how many were added.
func (s *messageStore) merge(batch []ChatMessage) int {
	added := 0
	for _, m := range batch {
		if s.insert(m) {
			added++
		}
	}
	return added
}

func (s *messageStore) clear() {
	s.messages = nil
	s.ids = make(map[string]struct{})
}

// ── Cursors ──────────────────────────────────────────────

func (s *messageStore) cursor(key string) (int64, bool) {
	ts, ok := s.cursors[key]
	return ts, ok
}

// advanceCursor moves the cursor for key back to ts. It never moves forward.
func (s *messageStore) advanceCursor(key string, ts int64) {
	if cur, ok := s.cursors[key]; ok && cur <= ts {
		return
	}
	s.cursors[key] = ts
}

// ── Recent private messages ──────────────────────────────

func (s *messageStore) mergeRecent(byPeer map[string]ChatMessage) bool {
	changed := false
	for peer, m := range byPeer {
		if prev, ok := s.recent[peer]; ok && prev.Timestamp > m.Timestamp {
			continue
		}
		s.recent[peer] = m
		if m.Timestamp > s.recentTS {
			s.recentTS = m.Timestamp
		}
		changed = true
	}
	return changed
}

// ── Queries ──────────────────────────────────────────────

// belongs reports whether m is part of the conversation chat as seen by
// selfID.
func belongs(m *ChatMessage, chat Chat, selfID string) bool {
	switch chat.Type {
	case TypePrivate:
		return m.IsPrivate &&
			((m.FromID == chat.ID && m.ToID == selfID) ||
				(m.FromID == selfID && m.ToID == chat.ID))
	case TypeGroup:
		return !m.IsPrivate && m.ToID == chat.ID
	}
	return false
}

func (s *messageStore) conversation(chat Chat, selfID string) []ChatMessage {
	var out []ChatMessage
	for i := range s.messages {
		if belongs(&s.messages[i], chat, selfID) {
			out = append(out, s.messages[i].clone())
		}
	}
	return out
}

func (s *messageStore) search(query string, chat Chat, selfID string, limit int) []ChatMessage {
	q := strings.ToLower(query)
	var results []ChatMessage
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := &s.messages[i]
		if chat.Type != TypeNone && !belongs(m, chat, selfID) {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), q) {
			results = append(results, m.clone())
			if len(results) >= limit {
				break
			}
		}
	}
	return results
}
