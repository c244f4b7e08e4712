package chatsync

import "sort"

// userReaction returns the emoji under which userID currently reacts to m.
func userReaction(m *ChatMessage, userID string) (string, bool) {
	for emoji, reactors := range m.Reactions {
		for _, r := range reactors {
			if r.UserID == userID {
				return emoji, true
			}
		}
	}
	return "", false
}

// removeReactor drops userID from every bucket of m and prunes buckets that
// become empty.
func removeReactor(m *ChatMessage, userID string) {
	for emoji, reactors := range m.Reactions {
		kept := reactors[:0]
		for _, r := range reactors {
			if r.UserID != userID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.Reactions, emoji)
			continue
		}
		m.Reactions[emoji] = kept
	}
}

func addReactor(m *ChatMessage, emoji string, r Reactor) {
	if m.Reactions == nil {
		m.Reactions = map[string][]Reactor{}
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], r)
}

// normalizeReactions rebuilds a server-supplied reaction map so that every
// user sits in exactly one bucket and no bucket is empty. A user listed under
// several emoji keeps the newest entry; equal timestamps resolve to the
// lexically smallest emoji.
func normalizeReactions(in map[string][]Reactor) map[string][]Reactor {
	type pick struct {
		emoji string
		ts    int64
	}
	emojis := make([]string, 0, len(in))
	for emoji := range in {
		emojis = append(emojis, emoji)
	}
	sort.Strings(emojis)

	best := make(map[string]pick)
	for _, emoji := range emojis {
		for _, r := range in[emoji] {
			if r.UserID == "" {
				continue
			}
			if cur, ok := best[r.UserID]; !ok || r.Timestamp > cur.ts {
				best[r.UserID] = pick{emoji: emoji, ts: r.Timestamp}
			}
		}
	}

	out := make(map[string][]Reactor, len(in))
	placed := make(map[string]bool, len(best))
	for _, emoji := range emojis {
		for _, r := range in[emoji] {
			if r.UserID == "" || placed[r.UserID] || best[r.UserID].emoji != emoji || best[r.UserID].ts != r.Timestamp {
				continue
			}
			placed[r.UserID] = true
			out[emoji] = append(out[emoji], r)
		}
	}
	return out
}

// ============================================================================
// Operations
// ============================================================================

// EditMessage replaces the content of a known message and announces the edit.
func (e *Engine) EditMessage(id, newContent string) {
	var cmd *RealtimeCommand
	e.update(func() bool {
		m := e.store.get(id)
		if m == nil {
			e.logger.Warn("edit message", "messageId", id, "error", ErrNotFound)
			return false
		}
		m.Content = newContent
		m.Edited = true
		m.EditedBy = e.identity.name
		if e.connected {
			cmd = &RealtimeCommand{
				Type:    CmdEditMessage,
				Payload: editMessagePayload{MessageID: id, NewContent: newContent},
			}
		}
		return true
	})
	e.send(cmd)
}

// ReactToMessage toggles the caller's reaction. Reacting with the current
// emoji removes it; reacting with a different one moves the caller to that
// bucket. A user holds at most one reaction per message.
func (e *Engine) ReactToMessage(id, emoji string) {
	var cmd *RealtimeCommand
	e.update(func() bool {
		m := e.store.get(id)
		if m == nil {
			e.logger.Warn("react to message", "messageId", id, "error", ErrNotFound)
			return false
		}
		self := e.identity.id
		prev, had := userReaction(m, self)
		removeReactor(m, self)
		if !had || prev != emoji {
			addReactor(m, emoji, Reactor{UserID: self, UserName: e.identity.name, Timestamp: e.millis()})
		}

		if e.connected {
			p := reactPayload{MessageID: id, Reaction: emoji}
			if had {
				p.PreviousReaction = &prev
			}
			cmd = &RealtimeCommand{Type: CmdReactToMessage, Payload: p}
		}
		return true
	})
	e.send(cmd)
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleMessageEdited(env RealtimeEnvelope) {
	var p messageEditedPayload
	if !e.decode(env, &p) || p.MessageID == "" {
		return
	}
	e.update(func() bool {
		m := e.store.get(p.MessageID)
		if m == nil {
			e.logger.Debug("edit for unknown message", "messageId", p.MessageID)
			return false
		}
		if m.Edited && m.Content == p.NewContent && (p.EditedBy == "" || m.EditedBy == p.EditedBy) {
			return false
		}
		m.Content = p.NewContent
		m.Edited = true
		if p.EditedBy != "" {
			m.EditedBy = p.EditedBy
		}
		return true
	})
}

// handleMessageReacted applies the resulting reaction state rather than
// toggling again, so the echo of our own reaction is a no-op.
func (e *Engine) handleMessageReacted(env RealtimeEnvelope) {
	var p messageReactedPayload
	if !e.decode(env, &p) || p.MessageID == "" {
		return
	}
	e.update(func() bool {
		m := e.store.get(p.MessageID)
		if m == nil {
			e.logger.Debug("reaction for unknown message", "messageId", p.MessageID)
			return false
		}
		if p.Reactions != nil {
			m.Reactions = normalizeReactions(p.Reactions)
			return true
		}
		if p.UserID == "" {
			return false
		}

		removed := p.PreviousReaction != nil && *p.PreviousReaction == p.Reaction
		cur, had := userReaction(m, p.UserID)
		if removed && !had {
			return false
		}
		if !removed && had && cur == p.Reaction {
			return false
		}
		removeReactor(m, p.UserID)
		if !removed && p.Reaction != "" {
			ts := p.Timestamp
			if ts == 0 {
				ts = e.millis()
			}
			addReactor(m, p.Reaction, Reactor{UserID: p.UserID, UserName: p.UserName, Timestamp: ts})
		}
		return true
	})
}
