package server

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSuchRoom        = errors.New("no such room")
	ErrNotMember         = errors.New("not a member of the room")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrRoomLimit         = errors.New("room limit reached")
)

// RoomKind distinguishes a one-to-one conversation from a group room. Both
// are the same Room; the kind follows from the membership size.
type RoomKind int

const (
	GroupRoom RoomKind = iota
	DirectPair
)

func (k RoomKind) String() string {
	if k == DirectPair {
		return "direct"
	}
	return "group"
}

// Room is a server-held, invite-only group. Rooms are never deleted.
type Room struct {
	Name      string
	Members   []string // ordered, creator first
	History   []string // ordered, oldest first
	CreatedAt time.Time
}

// Kind reports DirectPair for exactly two members, GroupRoom otherwise
func (r *Room) Kind() RoomKind {
	if len(r.Members) == 2 {
		return DirectPair
	}
	return GroupRoom
}

// HasMember reports whether name is in the member list
func (r *Room) HasMember(name string) bool {
	for _, m := range r.Members {
		if m == name {
			return true
		}
	}
	return false
}

func (r *Room) memberSnapshot() []string {
	out := make([]string, len(r.Members))
	copy(out, r.Members)
	return out
}

// RoomTable holds every room and the counter used to name them. Like the
// Registry it belongs to the event loop.
type RoomTable struct {
	rooms        map[string]*Room
	order        []string
	counter      int
	historyLimit int
	now          func() time.Time
}

// NewRoomTable creates an empty table. historyLimit bounds each room's
// message history; 0 means unbounded.
func NewRoomTable(historyLimit int) *RoomTable {
	return &RoomTable{
		rooms:        make(map[string]*Room),
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Create allocates the next room, "Room<N> by <creator>", with the creator
// as its only member. The counter is never reused, so names are unique.
func (t *RoomTable) Create(creator string) *Room {
	t.counter++
	room := &Room{
		Name:      fmt.Sprintf("Room%d by %s", t.counter, creator),
		Members:   []string{creator},
		CreatedAt: t.now(),
	}
	t.rooms[room.Name] = room
	t.order = append(t.order, room.Name)
	return room
}

// Get looks a room up by name
func (t *RoomTable) Get(name string) (*Room, bool) {
	room, ok := t.rooms[name]
	return room, ok
}

// Names returns every room name in creation order
func (t *RoomTable) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Len returns the number of rooms
func (t *RoomTable) Len() int {
	return len(t.order)
}

// Join returns the room's current members. It does not add the requester:
// membership only grows through Invite.
func (t *RoomTable) Join(roomName, requester string) ([]string, error) {
	room, ok := t.rooms[roomName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRoom, roomName)
	}
	return room.memberSnapshot(), nil
}

// Invite adds invitee to the room and returns the updated members. Inviting
// an existing member leaves the list unchanged.
func (t *RoomTable) Invite(roomName, invitee string) ([]string, error) {
	room, ok := t.rooms[roomName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRoom, roomName)
	}
	if !room.HasMember(invitee) {
		room.Members = append(room.Members, invitee)
	}
	return room.memberSnapshot(), nil
}

// Invitable returns the registered names that are not yet members, in the
// order given and without duplicates
func (t *RoomTable) Invitable(roomName string, registered []string) ([]string, error) {
	room, ok := t.rooms[roomName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRoom, roomName)
	}
	seen := make(map[string]bool, len(registered))
	out := make([]string, 0, len(registered))
	for _, name := range registered {
		if seen[name] || room.HasMember(name) {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

// Post appends a line to the room's history. Only members may post.
func (t *RoomTable) Post(roomName, sender, line string) (*Room, error) {
	room, ok := t.rooms[roomName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRoom, roomName)
	}
	if !room.HasMember(sender) {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, roomName)
	}
	room.History = append(room.History, line)
	if t.historyLimit > 0 && len(room.History) > t.historyLimit {
		room.History = append([]string(nil), room.History[len(room.History)-t.historyLimit:]...)
	}
	return room, nil
}

// RemoveMember drops name from every room it belongs to and returns the rooms
// whose membership changed, in creation order
func (t *RoomTable) RemoveMember(name string) []*Room {
	var changed []*Room
	for _, roomName := range t.order {
		room := t.rooms[roomName]
		for i, m := range room.Members {
			if m == name {
				room.Members = append(room.Members[:i], room.Members[i+1:]...)
				changed = append(changed, room)
				break
			}
		}
	}
	return changed
}
