package server

import (
	"errors"
	"fmt"
	"log"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// errorCodes maps domain errors to the code sent in an ERROR reply. The
// reply message is the sentinel's text.
var errorCodes = []struct {
	err  error
	code uint16
}{
	{protocol.ErrUnknownCommand, protocol.ErrCodeUnknownCommand},
	{protocol.ErrMissingArgument, protocol.ErrCodeMissingArgument},
	{ErrNotMember, protocol.ErrCodeNotMember},
	{ErrNoSuchRoom, protocol.ErrCodeNoSuchRoom},
	{ErrRecipientNotFound, protocol.ErrCodeRecipientNotFound},
	{ErrMessageTooLong, protocol.ErrCodeMessageTooLong},
	{ErrInvalidName, protocol.ErrCodeInvalidName},
	{ErrAlreadyIdentified, protocol.ErrCodeInvalidName},
	{ErrNameTaken, protocol.ErrCodeNameTaken},
	{ErrRoomLimit, protocol.ErrCodeRoomLimit},
	{ErrRateLimited, protocol.ErrCodeRateLimited},
}

// errorReply builds the ERROR payload for err
func errorReply(err error) protocol.Payload {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return protocol.ErrorPayload(ec.code, ec.err.Error())
		}
	}
	return protocol.ErrorPayload(protocol.ErrCodeInternalError, "internal error")
}

// handleCommand routes one command from a registered client
func (s *Server) handleCommand(c *clientConn, p protocol.Payload) {
	rec, ok := s.registry.Lookup(c)
	if !ok {
		return
	}

	if p.Empty() {
		return
	}

	if c.limiter != nil && !c.limiter.allow() {
		s.metrics.RecordCommand("rate_limited")
		s.send(c, errorReply(ErrRateLimited))
		return
	}

	cmd, err := protocol.ParseCommand(p)
	if err != nil {
		debugLog.Printf("Connection %d ← %q: %v", c.id, p.Tag(), err)
		s.metrics.RecordCommand("invalid")
		s.send(c, errorReply(err))
		return
	}

	debugLog.Printf("Connection %d ← %s (%d args)", c.id, cmd.Kind, len(p.Args()))
	s.metrics.RecordCommand(cmd.Kind.String())

	switch cmd.Kind {
	case protocol.CmdName:
		err = ErrAlreadyIdentified
	case protocol.CmdMessage:
		err = s.handleMessage(rec, cmd)
	case protocol.CmdCreateRoom:
		err = s.handleCreateRoom(rec)
	case protocol.CmdJoinRoom:
		err = s.handleJoinRoom(rec, cmd)
	case protocol.CmdUpdateInviteWindow:
		err = s.handleUpdateInviteWindow(rec, cmd)
	case protocol.CmdInvite:
		err = s.handleInvite(rec, cmd)
	case protocol.CmdRoomMessage:
		err = s.handleRoomMessage(rec, cmd)
	case protocol.CmdClientList:
		s.send(c, s.presence(rec))
	case protocol.CmdEnd:
		s.send(c, protocol.NewPayload(protocol.TagEnd))
		s.teardown(c, "end", true)
	}

	if err != nil {
		debugLog.Printf("Connection %d: %s failed: %v", c.id, cmd.Kind, err)
		s.send(c, errorReply(err))
	}
}

// checkLength enforces the body limit. NewServer guarantees the limit leaves
// room for the longest name and timestamp inside one string.
func (s *Server) checkLength(body string) error {
	if len(body) > s.config.MaxMessageLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLong, len(body))
	}
	return nil
}

// handleMessage delivers a direct message. The sender sees its own copy as
// "Me (H:MM): body".
func (s *Server) handleMessage(rec *ClientRecord, cmd protocol.Command) error {
	if err := s.checkLength(cmd.Body); err != nil {
		return err
	}
	target, ok := s.registry.FindByName(cmd.Target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, cmd.Target)
	}

	stamp := s.stamp()
	if err := s.send(rec.Conn, protocol.NewPayload(protocol.TagMessage, fmt.Sprintf("Me (%s): %s", stamp, cmd.Body))); err != nil {
		return err
	}
	return s.send(target.Conn, protocol.NewPayload(protocol.TagMessage, fmt.Sprintf("%s (%s): %s", rec.DisplayName, stamp, cmd.Body)))
}

func (s *Server) handleCreateRoom(rec *ClientRecord) error {
	if s.rooms.Len() >= s.config.MaxRooms {
		return fmt.Errorf("%w: %d rooms", ErrRoomLimit, s.config.MaxRooms)
	}
	room := s.rooms.Create(rec.DisplayName)
	log.Printf("%s created %q", s.registry.Describe(rec), room.Name)
	s.metrics.RecordRoomCreated()
	s.updateGauges()

	s.send(rec.Conn, protocol.NewPayload(protocol.TagCreateRoom, room.Name))
	s.broadcastRooms()
	return nil
}

// handleJoinRoom returns the member list. Joining does not make the
// requester a member; members also get the room history.
func (s *Server) handleJoinRoom(rec *ClientRecord, cmd protocol.Command) error {
	members, err := s.rooms.Join(cmd.Room, rec.DisplayName)
	if err != nil {
		return err
	}
	s.send(rec.Conn, protocol.NewPayload(protocol.TagJoinRoom, append([]string{cmd.Room}, members...)...))

	room, _ := s.rooms.Get(cmd.Room)
	if room.HasMember(rec.DisplayName) {
		return s.send(rec.Conn, historyPayload(room))
	}
	return nil
}

// historyPayload carries the newest history lines that fit in one frame
func historyPayload(room *Room) protocol.Payload {
	budget := protocol.MaxFrameSize - 1 - 2 - (2 + len(protocol.TagRoomHistory)) - (2 + len(room.Name))
	start := len(room.History)
	for start > 0 && len(room.History)-start < protocol.MaxTupleElements-2 {
		size := 2 + len(room.History[start-1])
		if size > budget {
			break
		}
		budget -= size
		start--
	}
	return protocol.NewPayload(protocol.TagRoomHistory, append([]string{room.Name}, room.History[start:]...)...)
}

func (s *Server) handleUpdateInviteWindow(rec *ClientRecord, cmd protocol.Command) error {
	names, err := s.rooms.Invitable(cmd.Room, s.registry.Names())
	if err != nil {
		return err
	}
	s.send(rec.Conn, protocol.NewPayload(protocol.TagUpdateInviteWindow, append([]string{cmd.Room}, names...)...))
	return nil
}

// handleInvite adds the invitee and sends the new member list to every member
func (s *Server) handleInvite(rec *ClientRecord, cmd protocol.Command) error {
	room, ok := s.rooms.Get(cmd.Room)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchRoom, cmd.Room)
	}
	if !room.HasMember(rec.DisplayName) {
		return fmt.Errorf("%w: %s", ErrNotMember, cmd.Room)
	}
	if _, ok := s.registry.FindByName(cmd.Target); !ok {
		return fmt.Errorf("%w: %s", ErrRecipientNotFound, cmd.Target)
	}

	members, err := s.rooms.Invite(cmd.Room, cmd.Target)
	if err != nil {
		return err
	}
	debugLog.Printf("%s invited %s to %q", rec.DisplayName, cmd.Target, cmd.Room)

	s.sendToMembers(room, protocol.NewPayload(protocol.TagInvited, append([]string{room.Name}, members...)...))
	return nil
}

func (s *Server) handleRoomMessage(rec *ClientRecord, cmd protocol.Command) error {
	if err := s.checkLength(cmd.Body); err != nil {
		return err
	}
	line := fmt.Sprintf("%s (%s): %s", rec.DisplayName, s.stamp(), cmd.Body)
	room, err := s.rooms.Post(cmd.Room, rec.DisplayName, line)
	if err != nil {
		return err
	}
	s.sendToMembers(room, protocol.NewPayload(protocol.TagRoomMessage, room.Name, line))
	return nil
}
