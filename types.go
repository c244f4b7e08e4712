package chatsync

import (
	"errors"
	"unicode/utf8"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is reported when an operation needs the connection.
	ErrNotConnected = errors.New("not connected")
	// ErrPermissionDenied is reported for creator-only group actions.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrNotFound is reported for unknown message ids or groups.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is reported when a group name is already taken.
	ErrDuplicate = errors.New("already exists")
)

// ============================================================================
// Identity
// ============================================================================

// Client is a peer identity as reported in roster snapshots.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Credentials are supplied by the authentication collaborator at connect time.
type Credentials struct {
	Token    string
	UserID   string
	Username string
}

// AuthProvider supplies the bearer token and stable identity used to open the
// connection.
type AuthProvider interface {
	Credentials() Credentials
}

// StaticAuth is an AuthProvider backed by fixed credentials.
type StaticAuth Credentials

// Credentials implements AuthProvider.
func (s StaticAuth) Credentials() Credentials { return Credentials(s) }

// ============================================================================
// Conversations
// ============================================================================

// ChatType distinguishes private and group conversations.
type ChatType string

const (
	TypeNone    ChatType = ""
	TypePrivate ChatType = "private"
	TypeGroup   ChatType = "group"
)

// Chat is a lightweight conversation reference used for navigation and as the
// key for pagination cursors. It does not hold messages.
type Chat struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Type ChatType `json:"type"`
}

// Key returns the cursor key for the conversation, e.g. "group-g1".
func (c Chat) Key() string { return ConversationKey(c.Type, c.ID) }

// IsZero reports whether c is the empty reference.
func (c Chat) IsZero() bool { return c.ID == "" && c.Name == "" && c.Type == TypeNone }

// ConversationKey builds the key used for cursors and the fetched-once guard.
func ConversationKey(t ChatType, id string) string { return string(t) + "-" + id }

// LastMessage is the short summary shown next to a group.
type LastMessage struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ChatGroup is a group conversation. MemberIDs is the canonical membership
// set; display names are resolved through the engine's name index.
type ChatGroup struct {
	ID                string
	Name              string
	MemberIDs         []string
	CreatorID         string
	CreatorName       string
	LastMessage       *LastMessage
	LastMessageSender string
}

// HasMember reports whether id is in the membership set.
func (g *ChatGroup) HasMember(id string) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

// IsCreator reports whether the given identity created the group. Either the
// id or the display name may match.
func (g *ChatGroup) IsCreator(id, name string) bool {
	if g.CreatorID != "" && g.CreatorID == id {
		return true
	}
	return g.CreatorName != "" && g.CreatorName == name
}

// Ref returns a navigable reference to the group.
func (g *ChatGroup) Ref() Chat { return Chat{ID: g.ID, Name: g.Name, Type: TypeGroup} }

func (g ChatGroup) clone() ChatGroup {
	g.MemberIDs = append([]string(nil), g.MemberIDs...)
	if g.LastMessage != nil {
		lm := *g.LastMessage
		g.LastMessage = &lm
	}
	return g
}

// ============================================================================
// Messages
// ============================================================================

// Reactor is one user's reaction entry under an emoji.
type Reactor struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessage is a private or group message. Only Content, Edited, EditedBy
// and Reactions change after creation.
type ChatMessage struct {
	ID        string               `json:"id"`
	FromID    string               `json:"fromId"`
	From      string               `json:"from"`
	ToID      string               `json:"toId,omitempty"`
	To        string               `json:"to,omitempty"`
	Content   string               `json:"content"`
	Timestamp int64                `json:"timestamp"`
	IsPrivate bool                 `json:"isPrivate"`
	Image     string               `json:"image,omitempty"`
	Edited    bool                 `json:"edited,omitempty"`
	EditedBy  string               `json:"editedBy,omitempty"`
	Reactions map[string][]Reactor `json:"reactions"`
}

func (m ChatMessage) clone() ChatMessage {
	if m.Reactions != nil {
		r := make(map[string][]Reactor, len(m.Reactions))
		for emoji, users := range m.Reactions {
			r[emoji] = append([]Reactor(nil), users...)
		}
		m.Reactions = r
	}
	return m
}

// peer returns the other party of a private message relative to self.
func (m *ChatMessage) peer(selfID string) (id, name string) {
	switch {
	case m.FromID == selfID:
		return m.ToID, m.To
	case m.ToID == selfID:
		return m.FromID, m.From
	}
	return "", ""
}

const summaryLimit = 30

// summarize truncates content for group summaries.
func summarize(content string) string {
	if utf8.RuneCountInString(content) <= summaryLimit {
		return content
	}
	r := []rune(content)
	return string(r[:summaryLimit]) + "..."
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationVariant mirrors the toast styles of the UI layer.
type NotificationVariant string

const (
	VariantDefault     NotificationVariant = "default"
	VariantDestructive NotificationVariant = "destructive"
)

// Notification is a user-visible side-channel message.
type Notification struct {
	Title       string
	Description string
	Variant     NotificationVariant
}

// Notifier receives user-visible notifications from the engine.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }
