package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		want    Command
	}{
		{"handshake", HandshakePayload("alice"), Command{Kind: CmdName, Name: "alice"}},
		{"handshake keeps inner spaces", HandshakePayload("mary jane"), Command{Kind: CmdName, Name: "mary jane"}},
		{"message", NewPayload(TagMessage, "bob", "hi"), Command{Kind: CmdMessage, Target: "bob", Body: "hi"}},
		{"create room", NewPayload(TagCreateRoom), Command{Kind: CmdCreateRoom}},
		{"join room", NewPayload(TagJoinRoom, "Room1 by alice"), Command{Kind: CmdJoinRoom, Room: "Room1 by alice"}},
		{"invite window", NewPayload(TagUpdateInviteWindow, "Room1 by alice"), Command{Kind: CmdUpdateInviteWindow, Room: "Room1 by alice"}},
		{"invite", NewPayload(TagInvite, "Room1 by alice", "bob"), Command{Kind: CmdInvite, Room: "Room1 by alice", Target: "bob"}},
		{"room message", NewPayload(TagRoomMessage, "Room1 by alice", "hey all"), Command{Kind: CmdRoomMessage, Room: "Room1 by alice", Body: "hey all"}},
		{"client list", NewPayload(TagClientList), Command{Kind: CmdClientList}},
		{"end", NewPayload(TagEnd), Command{Kind: CmdEnd}},
		{"extra arguments are ignored", NewPayload(TagEnd, "bye"), Command{Kind: CmdEnd}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommand(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	t.Run("unknown tag", func(t *testing.T) {
		_, err := ParseCommand(NewPayload("GET_ALL_CLIENTS"))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("empty payload is unknown", func(t *testing.T) {
		_, err := ParseCommand(Payload{})
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	t.Run("tags are case sensitive", func(t *testing.T) {
		_, err := ParseCommand(NewPayload("message", "bob", "hi"))
		assert.ErrorIs(t, err, ErrUnknownCommand)
	})

	missing := []Payload{
		NewPayload(TagMessage, "bob"),
		NewPayload(TagJoinRoom),
		NewPayload(TagUpdateInviteWindow),
		NewPayload(TagInvite, "Room1 by alice"),
		NewPayload(TagRoomMessage, "Room1 by alice"),
	}
	for _, p := range missing {
		t.Run("missing argument "+p.Tag(), func(t *testing.T) {
			_, err := ParseCommand(p)
			assert.ErrorIs(t, err, ErrMissingArgument)
		})
	}
}

func TestCommandPayloadRoundTrip(t *testing.T) {
	commands := []Command{
		{Kind: CmdName, Name: "alice"},
		{Kind: CmdMessage, Target: "bob", Body: "hello"},
		{Kind: CmdCreateRoom},
		{Kind: CmdJoinRoom, Room: "Room2 by bob"},
		{Kind: CmdUpdateInviteWindow, Room: "Room2 by bob"},
		{Kind: CmdInvite, Room: "Room2 by bob", Target: "carol"},
		{Kind: CmdRoomMessage, Room: "Room2 by bob", Body: "hey"},
		{Kind: CmdClientList},
		{Kind: CmdEnd},
	}

	for _, c := range commands {
		t.Run(c.Kind.String(), func(t *testing.T) {
			got, err := ParseCommand(c.Payload())
			require.NoError(t, err)
			assert.Equal(t, c, got)
		})
	}
}

func TestParseHandshake(t *testing.T) {
	name, err := ParseHandshake(HandshakePayload("alice"))
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	_, err = ParseHandshake(NewPayload(TagMessage, "bob", "hi"))
	assert.ErrorIs(t, err, ErrNotHandshake)

	_, err = ParseHandshake(Payload{})
	assert.ErrorIs(t, err, ErrNotHandshake)

	// Without the space after the colon it is not a handshake
	_, err = ParseHandshake(NewPayload("NAME:alice"))
	assert.ErrorIs(t, err, ErrNotHandshake)
}

func TestErrorPayload(t *testing.T) {
	p := ErrorPayload(ErrCodeNoSuchRoom, "no such room: Room9 by x")
	assert.Equal(t, Payload{TagError, "4001", "no such room: Room9 by x"}, p)

	code, msg, err := ParseError(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(ErrCodeNoSuchRoom), code)
	assert.Equal(t, "no such room: Room9 by x", msg)

	_, _, err = ParseError(NewPayload(TagError, "abc", "x"))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, _, err = ParseError(NewPayload(TagMessage, "x"))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestJoinList(t *testing.T) {
	assert.Equal(t, "", JoinList(nil))
	assert.Equal(t, "alice", JoinList([]string{"alice"}))
	assert.Equal(t, "alice, bob, carol", JoinList([]string{"alice", "bob", "carol"}))
}

func TestCommandKindString(t *testing.T) {
	assert.Equal(t, "MESSAGE", CmdMessage.String())
	assert.Equal(t, "NAME", CmdName.String())
	assert.Equal(t, "UNKNOWN(99)", CommandKind(99).String())
}
