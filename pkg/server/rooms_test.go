package server

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCreateRoom(t *testing.T) {
	rooms := NewRoomTable(0)

	first := rooms.Create("alice")
	second := rooms.Create("bob")
	third := rooms.Create("alice")

	assert.Equal(t, "Room1 by alice", first.Name)
	assert.Equal(t, "Room2 by bob", second.Name)
	assert.Equal(t, "Room3 by alice", third.Name)
	assert.Equal(t, []string{"alice"}, first.Members)
	assert.Equal(t, []string{"Room1 by alice", "Room2 by bob", "Room3 by alice"}, rooms.Names())
	assert.Equal(t, 3, rooms.Len())
}

func TestJoinDoesNotAddRequester(t *testing.T) {
	rooms := NewRoomTable(0)
	room := rooms.Create("alice")

	members, err := rooms.Join(room.Name, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
	assert.False(t, room.HasMember("bob"))

	_, err = rooms.Join("Room9 by nobody", "bob")
	assert.ErrorIs(t, err, ErrNoSuchRoom)
}

func TestInvite(t *testing.T) {
	rooms := NewRoomTable(0)
	room := rooms.Create("alice")

	members, err := rooms.Invite(room.Name, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)
	assert.Equal(t, DirectPair, room.Kind())

	members, err = rooms.Invite(room.Name, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members, "invite is idempotent")

	members, err = rooms.Invite(room.Name, "carol")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)
	assert.Equal(t, GroupRoom, room.Kind())

	_, err = rooms.Invite("missing", "bob")
	assert.ErrorIs(t, err, ErrNoSuchRoom)
}

func TestInviteReturnsSnapshot(t *testing.T) {
	rooms := NewRoomTable(0)
	room := rooms.Create("alice")

	members, err := rooms.Invite(room.Name, "bob")
	require.NoError(t, err)
	members[0] = "mallory"

	assert.Equal(t, []string{"alice", "bob"}, room.Members)
}

func TestInvitable(t *testing.T) {
	rooms := NewRoomTable(0)
	room := rooms.Create("alice")
	_, err := rooms.Invite(room.Name, "bob")
	require.NoError(t, err)

	names, err := rooms.Invitable(room.Name, []string{"alice", "bob", "carol", "dave", "carol"})
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, names)

	names, err = rooms.Invitable(room.Name, nil)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = rooms.Invitable("missing", nil)
	assert.ErrorIs(t, err, ErrNoSuchRoom)
}

func TestPost(t *testing.T) {
	rooms := NewRoomTable(0)
	room := rooms.Create("alice")

	_, err := rooms.Post(room.Name, "alice", "alice (9:05): hi")
	require.NoError(t, err)

	_, err = rooms.Post(room.Name, "bob", "bob (9:05): let me in")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = rooms.Post("missing", "alice", "x")
	assert.ErrorIs(t, err, ErrNoSuchRoom)

	assert.Equal(t, []string{"alice (9:05): hi"}, room.History)
}

func TestPostHistoryLimit(t *testing.T) {
	rooms := NewRoomTable(3)
	room := rooms.Create("alice")

	for i := 1; i <= 5; i++ {
		_, err := rooms.Post(room.Name, "alice", fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, room.History)
}

func TestRemoveMember(t *testing.T) {
	rooms := NewRoomTable(0)
	r1 := rooms.Create("alice")
	r2 := rooms.Create("bob")
	r3 := rooms.Create("carol")
	_, err := rooms.Invite(r1.Name, "bob")
	require.NoError(t, err)

	changed := rooms.RemoveMember("bob")
	require.Len(t, changed, 2)
	assert.Same(t, r1, changed[0])
	assert.Same(t, r2, changed[1])

	assert.Equal(t, []string{"alice"}, r1.Members)
	assert.Empty(t, r2.Members)
	assert.Equal(t, []string{"carol"}, r3.Members)

	assert.Empty(t, rooms.RemoveMember("bob"))
	assert.Equal(t, 3, rooms.Len(), "rooms are never deleted")
}

func TestRoomKindString(t *testing.T) {
	assert.Equal(t, "group", GroupRoom.String())
	assert.Equal(t, "direct", DirectPair.String())
}

// Room names stay unique and creation-ordered, and every member list stays
// free of duplicates, whatever sequence of creates and invites runs.
func TestRoomTableProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rooms := NewRoomTable(0)
		users := []string{"alice", "bob", "carol", "dave"}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			user := rapid.SampledFrom(users).Draw(t, "user")
			if rooms.Len() == 0 || rapid.Bool().Draw(t, "create") {
				rooms.Create(user)
				continue
			}
			names := rooms.Names()
			name := rapid.SampledFrom(names).Draw(t, "room")
			if _, err := rooms.Invite(name, user); err != nil {
				t.Fatalf("invite into existing room failed: %v", err)
			}
		}

		seen := make(map[string]bool)
		for i, name := range rooms.Names() {
			if seen[name] {
				t.Fatalf("duplicate room name %q", name)
			}
			seen[name] = true

			var n int
			var creator string
			if _, err := fmt.Sscanf(name, "Room%d by %s", &n, &creator); err != nil || n != i+1 {
				t.Fatalf("room %d has unexpected name %q", i, name)
			}

			room, _ := rooms.Get(name)
			if room.Members[0] != creator {
				t.Fatalf("room %q does not list its creator first: %v", name, room.Members)
			}
			members := make(map[string]bool)
			for _, m := range room.Members {
				if members[m] {
					t.Fatalf("room %q lists %q twice", name, m)
				}
				members[m] = true
			}
		}
	})
}
