package chatsync

import (
	"encoding/json"
	"fmt"
)

// directory is the registry of groups known to this client.
type directory struct {
	groups []ChatGroup
}

// find resolves ref by id first, then by name.
func (d *directory) find(ref Chat) int {
	if ref.ID != "" {
		for i := range d.groups {
			if d.groups[i].ID == ref.ID {
				return i
			}
		}
	}
	if ref.Name != "" {
		return d.byName(ref.Name)
	}
	return -1
}

func (d *directory) byName(name string) int {
	for i := range d.groups {
		if d.groups[i].Name == name {
			return i
		}
	}
	return -1
}

func (d *directory) remove(i int) {
	d.groups = append(d.groups[:i], d.groups[i+1:]...)
}

// summarizeInto records a new last message on the group addressed by a
// message: by id when the message carries one, else by name.
func (d *directory) summarizeInto(m *ChatMessage) bool {
	i := d.find(Chat{ID: m.ToID, Name: m.To})
	if i < 0 {
		return false
	}
	g := &d.groups[i]
	g.LastMessage = &LastMessage{Content: summarize(m.Content), Timestamp: m.Timestamp}
	g.LastMessageSender = m.From
	return true
}

// ============================================================================
// Operations
// ============================================================================

// Groups returns a copy of the directory.
func (e *Engine) Groups() []ChatGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ChatGroup, 0, len(e.dir.groups))
	for _, g := range e.dir.groups {
		out = append(out, g.clone())
	}
	return out
}

// MemberNames returns display names for the members of a group, in
// membership order.
func (e *Engine) MemberNames(ref Chat) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.dir.find(ref)
	if i < 0 {
		return nil
	}
	ids := e.dir.groups[i].MemberIDs
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, e.identity.nameOf(id))
	}
	return names
}

// CreateGroup adds a new group with the caller as creator and sole member.
// It returns the empty reference when a group with that name already exists.
func (e *Engine) CreateGroup(name string) Chat {
	var (
		ref Chat
		cmd *RealtimeCommand
	)
	e.update(func() bool {
		if e.dir.byName(name) >= 0 {
			e.logger.Warn("create group rejected", "group", name, "error", ErrDuplicate)
			return false
		}
		g := ChatGroup{
			ID:          e.newID(),
			Name:        name,
			MemberIDs:   []string{e.identity.id},
			CreatorID:   e.identity.id,
			CreatorName: e.identity.name,
		}
		// A brand-new group has no history to page through.
		e.active.fetched[ConversationKey(TypeGroup, g.ID)] = true
		e.dir.groups = append(e.dir.groups, g)
		ref = g.Ref()
		if e.connected {
			cmd = &RealtimeCommand{Type: CmdCreateGroup, Payload: encodeGroup(g, e.identity.nameOf)}
		}
		return true
	})
	e.send(cmd)
	return ref
}

// JoinGroup adds the caller to the group. Joining twice does not duplicate
// membership; the announcement is sent either way.
func (e *Engine) JoinGroup(ref Chat) {
	var cmd *RealtimeCommand
	e.update(func() bool {
		changed := false
		if i := e.dir.find(ref); i < 0 {
			e.logger.Warn("join group", "group", ref.Name, "error", ErrNotFound)
		} else if g := &e.dir.groups[i]; !g.HasMember(e.identity.id) {
			g.MemberIDs = append(g.MemberIDs, e.identity.id)
			changed = true
		}
		if e.connected {
			cmd = &RealtimeCommand{Type: CmdJoinGroup, Payload: e.membership(ref)}
		}
		return changed
	})
	e.send(cmd)
}

// LeaveGroup removes the caller from the group. The creator cannot leave and
// is told to delete the group instead.
func (e *Engine) LeaveGroup(ref Chat) {
	var (
		cmd    *RealtimeCommand
		denied bool
	)
	e.update(func() bool {
		i := e.dir.find(ref)
		if i < 0 {
			e.logger.Warn("leave group", "group", ref.Name, "error", ErrNotFound)
			return false
		}
		g := &e.dir.groups[i]
		if g.IsCreator(e.identity.id, e.identity.name) {
			denied = true
			return false
		}
		g.MemberIDs = without(g.MemberIDs, e.identity.id)
		e.clearActiveIf(g.ID, g.Name)
		if e.connected {
			cmd = &RealtimeCommand{Type: CmdLeaveGroup, Payload: e.membership(ref)}
		}
		return true
	})
	if denied {
		e.logger.Warn("leave group rejected", "group", ref.Name, "error", ErrPermissionDenied)
		e.notifyError("Cannot Leave Group", "As the creator, you can only delete this group.")
		return
	}
	e.send(cmd)
}

// DeleteGroup removes a group. Only its creator may do so; anyone else gets a
// silent no-op.
func (e *Engine) DeleteGroup(ref Chat) {
	var cmd *RealtimeCommand
	e.update(func() bool {
		i := e.dir.find(ref)
		if i < 0 {
			e.logger.Warn("delete group", "group", ref.Name, "error", ErrNotFound)
			return false
		}
		g := e.dir.groups[i]
		if !g.IsCreator(e.identity.id, e.identity.name) {
			e.logger.Warn("you don't have permission to delete this group", "group", g.Name, "error", ErrPermissionDenied)
			return false
		}
		e.dir.remove(i)
		e.clearActiveIf(g.ID, g.Name)
		if e.connected {
			cmd = &RealtimeCommand{
				Type:    CmdDeleteGroup,
				Payload: deleteGroupPayload{GroupID: g.ID, Client: e.identity.id},
			}
		}
		return true
	})
	e.send(cmd)
}

// RenameGroup changes a group's display name. Only its creator may do so.
func (e *Engine) RenameGroup(ref Chat, newName string) {
	var (
		cmd *RealtimeCommand
		ok  bool
	)
	e.update(func() bool {
		i := e.dir.find(ref)
		if i < 0 || !e.dir.groups[i].IsCreator(e.identity.id, e.identity.name) {
			return false
		}
		g := &e.dir.groups[i]
		g.Name = newName
		if e.active.chat.ID == g.ID {
			e.active.chat.Name = newName
		}
		ok = true
		if e.connected {
			cmd = &RealtimeCommand{
				Type:    CmdRenameGroup,
				Payload: renameGroupPayload{GroupID: g.ID, NewName: newName, ClientID: e.identity.id},
			}
		}
		return true
	})
	if !ok {
		e.logger.Warn("rename group rejected", "group", ref.Name, "error", ErrPermissionDenied)
		e.notifyError("Permission Denied", "Only the creator can rename this group")
		return
	}
	e.send(cmd)
	e.notify("Group Renamed", fmt.Sprintf("Group renamed to %q", newName), VariantDefault)
}

func (e *Engine) membership(ref Chat) membershipPayload {
	return membershipPayload{
		GroupName: ref.Name,
		GroupID:   ref.ID,
		Client:    e.identity.name,
		ClientID:  e.identity.id,
	}
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// ============================================================================
// Inbound events
// ============================================================================

func (e *Engine) handleGroups(env RealtimeEnvelope) {
	var wire []groupWire
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		e.logger.Warn("received non-list data for groups event", "error", err)
		return
	}
	e.update(func() bool {
		groups := make([]ChatGroup, 0, len(wire))
		for _, w := range wire {
			for id, name := range w.memberNames() {
				e.identity.learn(id, name)
			}
			e.identity.learn(w.CreatorID, w.Creator)
			groups = append(groups, w.group())
		}
		e.dir.groups = groups

		if e.active.chat.Type == TypeGroup && e.dir.find(Chat{ID: e.active.chat.ID}) < 0 {
			e.active.clear()
		}
		return true
	})
}

func (e *Engine) handleGroupRenamed(env RealtimeEnvelope) {
	var p groupRenamedPayload
	if !e.decode(env, &p) || p.GroupID == "" {
		return
	}
	e.update(func() bool {
		i := e.dir.find(Chat{ID: p.GroupID})
		if i < 0 {
			return false
		}
		e.dir.groups[i].Name = p.NewName
		if e.active.chat.ID == p.GroupID {
			e.active.chat.Name = p.NewName
		}
		return true
	})
}
