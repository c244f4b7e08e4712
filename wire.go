package chatsync

import (
	"encoding/json"
)

// ============================================================================
// Event names
// ============================================================================

// Outbound commands.
const (
	CmdUpdateClient        = "updateClient"
	CmdCreateGroup         = "createGroup"
	CmdJoinGroup           = "joinGroup"
	CmdLeaveGroup          = "leaveGroup"
	CmdDeleteGroup         = "deleteGroup"
	CmdRenameGroup         = "renameGroup"
	CmdPrivateMessage      = "privateMessage"
	CmdGroupMessage        = "groupMessage"
	CmdEditMessage         = "editMessage"
	CmdReactToMessage      = "reactToMessage"
	CmdFetchMessages       = "fetchMessages"
	CmdFetchRecentMessages = "fetchRecentMessages"
	CmdTyping              = "typing"
)

// Inbound events.
const (
	EventClients             = "clients"
	EventOfflineClients      = "offlineClients"
	EventGroups              = "groups"
	EventMessageReceived     = "messageReceived"
	EventMessageEdited       = "messageEdited"
	EventMessageReacted      = "messageReacted"
	EventGroupRenamed        = "groupRenamed"
	EventRecentMessages      = "recentMessages"
	EventMessagesFetched     = "messagesFetched"
	EventMessageFetchError   = "messageFetchError"
	EventUserTyping          = "userTyping"
	EventUserPresenceChanged = "userPresenceChanged"
	EventClientUpdated       = "clientUpdated"
)

// ============================================================================
// Envelopes
// ============================================================================

// RealtimeEnvelope is the wire format for all inbound events.
type RealtimeEnvelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// ============================================================================
// Outbound payloads
// ============================================================================

type updateClientPayload struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type membershipPayload struct {
	GroupName string `json:"groupName"`
	GroupID   string `json:"groupId"`
	Client    string `json:"client"`
	ClientID  string `json:"clientId"`
}

type deleteGroupPayload struct {
	GroupID string `json:"groupId"`
	Client  string `json:"client"`
}

type renameGroupPayload struct {
	GroupID  string `json:"groupId"`
	NewName  string `json:"newName"`
	ClientID string `json:"clientId"`
}

type editMessagePayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
}

type reactPayload struct {
	MessageID        string  `json:"messageId"`
	Reaction         string  `json:"reaction"`
	PreviousReaction *string `json:"previousReaction"`
}

// FetchParams is the payload of a fetchMessages command.
type FetchParams struct {
	Target string   `json:"target"`
	Type   ChatType `json:"type"`
	Limit  int      `json:"limit"`
	Before int64    `json:"before"`
}

type fetchRecentPayload struct {
	Timestamp *int64 `json:"timestamp,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type typingPayload struct {
	Target   string   `json:"target"`
	Type     ChatType `json:"type"`
	IsTyping bool     `json:"isTyping"`
	ClientID string   `json:"clientId"`
	Name     string   `json:"name"`
}

// ============================================================================
// Inbound payloads
// ============================================================================

// groupWire is the group record exchanged with the server. It carries both
// membership representations; only memberIds is authoritative locally.
type groupWire struct {
	ID                string       `json:"id"`
	Name              string       `json:"name"`
	Members           []string     `json:"members"`
	MemberIDs         []string     `json:"memberIds"`
	Creator           string       `json:"creator"`
	CreatorID         string       `json:"creatorId,omitempty"`
	LastMessage       *LastMessage `json:"lastMessage,omitempty"`
	LastMessageSender string       `json:"lastMessageSender,omitempty"`
}

func (w groupWire) group() ChatGroup {
	g := ChatGroup{
		ID:                w.ID,
		Name:              w.Name,
		CreatorID:         w.CreatorID,
		CreatorName:       w.Creator,
		LastMessage:       w.LastMessage,
		LastMessageSender: w.LastMessageSender,
	}
	seen := make(map[string]bool, len(w.MemberIDs))
	for _, id := range w.MemberIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			g.MemberIDs = append(g.MemberIDs, id)
		}
	}
	return g
}

// memberNames pairs ids with names when both lists line up.
func (w groupWire) memberNames() map[string]string {
	if len(w.Members) != len(w.MemberIDs) {
		return nil
	}
	out := make(map[string]string, len(w.MemberIDs))
	for i, id := range w.MemberIDs {
		if id != "" && w.Members[i] != "" {
			out[id] = w.Members[i]
		}
	}
	return out
}

func encodeGroup(g ChatGroup, names func(string) string) groupWire {
	w := groupWire{
		ID:                g.ID,
		Name:              g.Name,
		MemberIDs:         append([]string{}, g.MemberIDs...),
		Creator:           g.CreatorName,
		CreatorID:         g.CreatorID,
		LastMessage:       g.LastMessage,
		LastMessageSender: g.LastMessageSender,
	}
	w.Members = make([]string, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		w.Members = append(w.Members, names(id))
	}
	return w
}

// UnmarshalJSON accepts both the current {userId,userName} reactor shape and
// the older {id,name} one.
func (r *Reactor) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID    string `json:"userId"`
		UserName  string `json:"userName"`
		ID        string `json:"id"`
		Name      string `json:"name"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.UserID = raw.UserID
	if r.UserID == "" {
		r.UserID = raw.ID
	}
	r.UserName = raw.UserName
	if r.UserName == "" {
		r.UserName = raw.Name
	}
	r.Timestamp = raw.Timestamp
	return nil
}

type messageEditedPayload struct {
	MessageID  string `json:"messageId"`
	NewContent string `json:"newContent"`
	EditedBy   string `json:"editedBy,omitempty"`
}

type messageReactedPayload struct {
	MessageID        string               `json:"messageId"`
	Reaction         string               `json:"reaction"`
	PreviousReaction *string              `json:"previousReaction"`
	UserID           string               `json:"userId"`
	UserName         string               `json:"userName"`
	Timestamp        int64                `json:"timestamp"`
	Reactions        map[string][]Reactor `json:"reactions,omitempty"`
}

type groupRenamedPayload struct {
	GroupID string `json:"groupId"`
	NewName string `json:"newName"`
}

type messagesFetchedPayload struct {
	RequestID string        `json:"requestId,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	HasMore   bool          `json:"hasMore"`
}

type fetchErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error"`
}

// parseFetchError accepts either a bare error string or an object.
func parseFetchError(raw json.RawMessage) fetchErrorPayload {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return fetchErrorPayload{Error: s}
	}
	var p fetchErrorPayload
	if json.Unmarshal(raw, &p) != nil || p.Error == "" {
		p.Error = "unknown error"
	}
	return p
}

type typingEventPayload struct {
	UserID   string   `json:"userId"`
	UserName string   `json:"userName"`
	Target   string   `json:"target"`
	Type     ChatType `json:"type"`
	IsTyping bool     `json:"isTyping"`
}

type presencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// parseRecentMessages accepts the peer-keyed map or a plain list.
func parseRecentMessages(raw json.RawMessage, selfID string) (map[string]ChatMessage, bool) {
	var byPeer map[string]ChatMessage
	if json.Unmarshal(raw, &byPeer) == nil {
		return byPeer, true
	}
	var list []ChatMessage
	if json.Unmarshal(raw, &list) != nil {
		return nil, false
	}
	byPeer = make(map[string]ChatMessage, len(list))
	for _, m := range list {
		if id, _ := m.peer(selfID); id != "" {
			if prev, ok := byPeer[id]; !ok || prev.Timestamp < m.Timestamp {
				byPeer[id] = m
			}
		}
	}
	return byPeer, true
}
