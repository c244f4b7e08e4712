package chatsync

// activeChat tracks the conversation the UI has open and which conversations
// had their first page of history requested.
type activeChat struct {
	chat    Chat
	fetched map[string]bool
}

func newActiveChat() activeChat {
	return activeChat{fetched: make(map[string]bool)}
}

func (a *activeChat) clear() { a.chat = Chat{} }

// clearActiveIf clears the active chat when it is the group identified by id
// or name. Callers must hold e.mu.
func (e *Engine) clearActiveIf(id, name string) {
	c := e.active.chat
	if c.Type != TypeGroup {
		return
	}
	if (id != "" && c.ID == id) || (c.ID == "" && name != "" && c.Name == name) {
		e.active.clear()
	}
}

// ActiveChat returns the open conversation, or the empty reference.
func (e *Engine) ActiveChat() Chat {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.chat
}

// SetActiveChat selects the conversation the UI has open.
func (e *Engine) SetActiveChat(chat Chat) {
	e.update(func() bool {
		if e.active.chat == chat {
			return false
		}
		e.active.chat = chat
		return true
	})
}

// ClearActiveChat deselects the open conversation.
func (e *Engine) ClearActiveChat() {
	e.SetActiveChat(Chat{})
}

// SetFetchedChat records whether the first history page for key has been
// requested.
func (e *Engine) SetFetchedChat(key string, fetched bool) {
	e.update(func() bool {
		if e.active.fetched[key] == fetched {
			return false
		}
		if fetched {
			e.active.fetched[key] = true
		} else {
			delete(e.active.fetched, key)
		}
		return true
	})
}

// IsFetched reports whether the first history page for key was requested.
func (e *Engine) IsFetched(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active.fetched[key]
}

// OpenChat makes chat active and requests its first page of history the first
// time it is opened.
func (e *Engine) OpenChat(chat Chat) {
	e.SetActiveChat(chat)
	if chat.ID == "" {
		return
	}
	key := chat.Key()
	first := false
	e.update(func() bool {
		if e.active.fetched[key] || !e.connected {
			return false
		}
		e.active.fetched[key] = true
		first = true
		return true
	})
	if first {
		e.FetchMessages(chat.ID, chat.Type, defaultFetchLimit, 0)
	}
}
