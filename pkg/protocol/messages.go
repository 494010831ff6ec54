package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// HandshakePrefix starts the one frame a client sends right after connecting
const HandshakePrefix = "NAME: "

// Command tags (Client → Server)
const (
	TagMessage            = "MESSAGE"
	TagCreateRoom         = "CREATE_ROOM"
	TagJoinRoom           = "JOIN_ROOM"
	TagUpdateInviteWindow = "UPDATE_INVITE_WINDOW"
	TagInvite             = "INVITE"
	TagRoomMessage        = "ROOM_MESSAGE"
	TagClientList         = "CLIENT_LIST"
	TagEnd                = "END"
)

// Reply and broadcast tags (Server → Client). MESSAGE, CREATE_ROOM,
// JOIN_ROOM, UPDATE_INVITE_WINDOW, ROOM_MESSAGE, CLIENT_LIST and END are
// reused for the matching replies.
const (
	TagUpdateRoomsList = "UPDATE_ROOMS_LIST"
	TagInvited         = "INVITED"
	TagRoomHistory     = "ROOM_HISTORY"
	TagError           = "ERROR"
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeUnknownCommand  = 1000
	ErrCodeMissingArgument = 1001
	ErrCodeRateLimited     = 1002

	// Authorization errors (3xxx)
	ErrCodeNotMember = 3000

	// Resource errors (4xxx)
	ErrCodeNoSuchRoom        = 4001
	ErrCodeRecipientNotFound = 4002
	ErrCodeRoomLimit         = 4003

	// Validation errors (6xxx)
	ErrCodeMessageTooLong = 6001
	ErrCodeInvalidName    = 6003
	ErrCodeNameTaken      = 6005

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMissingArgument = errors.New("missing command argument")
	ErrNotHandshake    = errors.New("expected NAME handshake")
)

// CommandKind is the closed set of commands a client can send
type CommandKind uint8

const (
	CmdName CommandKind = iota + 1
	CmdMessage
	CmdCreateRoom
	CmdJoinRoom
	CmdUpdateInviteWindow
	CmdInvite
	CmdRoomMessage
	CmdClientList
	CmdEnd
)

var commandTags = map[CommandKind]string{
	CmdName:               "NAME",
	CmdMessage:            TagMessage,
	CmdCreateRoom:         TagCreateRoom,
	CmdJoinRoom:           TagJoinRoom,
	CmdUpdateInviteWindow: TagUpdateInviteWindow,
	CmdInvite:             TagInvite,
	CmdRoomMessage:        TagRoomMessage,
	CmdClientList:         TagClientList,
	CmdEnd:                TagEnd,
}

// String returns the wire tag of the command kind
func (k CommandKind) String() string {
	if tag, ok := commandTags[k]; ok {
		return tag
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
}

// Command is a decoded client command. Only the fields its Kind uses are set.
type Command struct {
	Kind   CommandKind
	Name   string // CmdName
	Target string // CmdMessage recipient, CmdInvite invitee
	Room   string // CmdJoinRoom, CmdUpdateInviteWindow, CmdInvite, CmdRoomMessage
	Body   string // CmdMessage, CmdRoomMessage
}

// ParseCommand decodes a payload into a typed command
func ParseCommand(p Payload) (Command, error) {
	tag := p.Tag()
	if strings.HasPrefix(tag, HandshakePrefix) {
		return Command{Kind: CmdName, Name: strings.TrimPrefix(tag, HandshakePrefix)}, nil
	}

	switch tag {
	case TagMessage:
		if len(p) < 3 {
			return Command{}, fmt.Errorf("%s: %w", tag, ErrMissingArgument)
		}
		return Command{Kind: CmdMessage, Target: p.Arg(0), Body: p.Arg(1)}, nil
	case TagCreateRoom:
		return Command{Kind: CmdCreateRoom}, nil
	case TagJoinRoom:
		if len(p) < 2 {
			return Command{}, fmt.Errorf("%s: %w", tag, ErrMissingArgument)
		}
		return Command{Kind: CmdJoinRoom, Room: p.Arg(0)}, nil
	case TagUpdateInviteWindow:
		if len(p) < 2 {
			return Command{}, fmt.Errorf("%s: %w", tag, ErrMissingArgument)
		}
		return Command{Kind: CmdUpdateInviteWindow, Room: p.Arg(0)}, nil
	case TagInvite:
		if len(p) < 3 {
			return Command{}, fmt.Errorf("%s: %w", tag, ErrMissingArgument)
		}
		return Command{Kind: CmdInvite, Room: p.Arg(0), Target: p.Arg(1)}, nil
	case TagRoomMessage:
		if len(p) < 3 {
			return Command{}, fmt.Errorf("%s: %w", tag, ErrMissingArgument)
		}
		return Command{Kind: CmdRoomMessage, Room: p.Arg(0), Body: p.Arg(1)}, nil
	case TagClientList:
		return Command{Kind: CmdClientList}, nil
	case TagEnd:
		return Command{Kind: CmdEnd}, nil
	}

	return Command{}, fmt.Errorf("%q: %w", tag, ErrUnknownCommand)
}

// Payload encodes the command for the wire
func (c Command) Payload() Payload {
	switch c.Kind {
	case CmdName:
		return HandshakePayload(c.Name)
	case CmdMessage:
		return NewPayload(TagMessage, c.Target, c.Body)
	case CmdJoinRoom, CmdUpdateInviteWindow:
		return NewPayload(c.Kind.String(), c.Room)
	case CmdInvite:
		return NewPayload(TagInvite, c.Room, c.Target)
	case CmdRoomMessage:
		return NewPayload(TagRoomMessage, c.Room, c.Body)
	}
	return NewPayload(c.Kind.String())
}

// HandshakePayload builds the NAME frame a client sends after connecting
func HandshakePayload(name string) Payload {
	return NewPayload(HandshakePrefix + name)
}

// ParseHandshake extracts the display name from a NAME frame
func ParseHandshake(p Payload) (string, error) {
	if len(p) == 0 || !strings.HasPrefix(p.Tag(), HandshakePrefix) {
		return "", ErrNotHandshake
	}
	return strings.TrimPrefix(p.Tag(), HandshakePrefix), nil
}

// ErrorPayload builds an ERROR reply: ("ERROR", code, message)
func ErrorPayload(code uint16, message string) Payload {
	return NewPayload(TagError, strconv.Itoa(int(code)), message)
}

// ParseError extracts the code and message from an ERROR reply
func ParseError(p Payload) (uint16, string, error) {
	if p.Tag() != TagError || len(p) < 3 {
		return 0, "", ErrMalformedPayload
	}
	code, err := strconv.ParseUint(p.Arg(0), 10, 16)
	if err != nil {
		return 0, "", ErrMalformedPayload
	}
	return uint16(code), p.Arg(1), nil
}

// JoinList renders a list-valued payload the way clients display it: "a, b, c"
func JoinList(items []string) string {
	return strings.Join(items, ", ")
}
