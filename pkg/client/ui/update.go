package ui

import (
	"fmt"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case ServerPayloadMsg:
		m.handleServerPayload(msg.Payload)
		return m, listenForServerPayloads(m.conn)

	case ErrorMsg:
		m.errorMessage = msg.Err.Error()
		return m, listenForServerPayloads(m.conn)

	case DisconnectedMsg:
		m.connectionState = StateDisconnected
		m.logSystem("Disconnected from server")
		m.logf("Disconnected: %v", msg.Err)
		m.refreshViewport()
		return m, listenForServerPayloads(m.conn)

	case ReconnectingMsg:
		m.connectionState = StateReconnecting
		m.reconnectAttempt = msg.Attempt
		return m, listenForServerPayloads(m.conn)

	case ConnectedMsg:
		m.connectionState = StateConnected
		m.reconnectAttempt = 0
		m.statusMessage = "Reconnected"
		// Echoes for messages sent before the drop will never arrive
		m.pendingDMs = nil
		m.logSystem("Reconnected to server")
		m.refreshViewport()
		return m, listenForServerPayloads(m.conn)

	case ConnectionClosedMsg:
		return m, tea.Quit
	}

	return m, nil
}

// resize lays out the viewport and input for the current window size
func (m *Model) resize() {
	sidebar := m.sidebarWidth()
	chatWidth := m.width - sidebar - 8 // two panes with border and padding
	if chatWidth < 20 {
		chatWidth = 20
	}
	chatHeight := m.height - 6 // header, footer, input, pane borders
	if chatHeight < 3 {
		chatHeight = 3
	}

	if m.chatViewport.Width == 0 || m.chatViewport.Height == 0 {
		m.chatViewport = viewport.New(chatWidth, chatHeight)
	} else {
		m.chatViewport.Width = chatWidth
		m.chatViewport.Height = chatHeight
	}
	m.chatTextarea.SetWidth(m.width - 2)
	m.refreshViewport()
}

func (m Model) sidebarWidth() int {
	w := m.width / 4
	if w < 22 {
		w = 22
	}
	return w
}

// handleKeyPress routes keys to navigation or to the input box
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.conn.Disconnect()
		return m, tea.Quit
	case tea.KeyEnter:
		line := m.chatTextarea.Value()
		m.chatTextarea.Reset()
		return m.runInput(line)
	case tea.KeyTab:
		m.cycle(1)
		return m, nil
	case tea.KeyShiftTab:
		m.cycle(-1)
		return m, nil
	case tea.KeyEsc:
		m.errorMessage = ""
		m.statusMessage = ""
		return m, nil
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chatViewport, cmd = m.chatViewport.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.chatTextarea, cmd = m.chatTextarea.Update(msg)
	return m, cmd
}

// runInput executes one line from the input box
func (m Model) runInput(line string) (tea.Model, tea.Cmd) {
	action, err := parseInput(line, m.active)
	if err != nil {
		m.errorMessage = err.Error()
		return m, nil
	}
	m.errorMessage = ""

	switch action.local {
	case "help":
		for _, l := range helpLines {
			m.logSystem(l)
		}
		m.switchTo(serverTab)
		return m, nil
	case "rooms":
		if len(m.rooms) == 0 {
			m.logSystem("No rooms yet. Create one with /create")
		} else {
			m.logSystem("Rooms: " + protocol.JoinList(m.rooms))
		}
		m.switchTo(serverTab)
		return m, nil
	case "notify-on", "notify-off":
		enabled := action.local == "notify-on"
		if m.state != nil {
			if err := m.state.SetNotificationsEnabled(enabled); err != nil {
				m.errorMessage = fmt.Sprintf("could not save preference: %v", err)
				return m, nil
			}
		}
		if enabled {
			m.statusMessage = "Desktop notifications on"
		} else {
			m.statusMessage = "Desktop notifications off"
		}
		return m, nil
	case "quit":
		m.conn.Disconnect()
		return m, tea.Quit
	}

	if action.open != "" {
		m.conversation(action.open, false)
		m.switchTo(action.open)
	}

	if action.command.Kind != 0 {
		if err := m.conn.SendCommand(action.command); err != nil {
			m.errorMessage = fmt.Sprintf("send failed: %v", err)
			return m, nil
		}
		if action.command.Kind == protocol.CmdMessage {
			m.pendingDMs = append(m.pendingDMs, action.command.Target)
		}
	}
	return m, nil
}

// handleServerPayload applies one server reply or broadcast to the model
func (m *Model) handleServerPayload(p protocol.Payload) {
	args := p.Args()

	switch p.Tag() {
	case protocol.TagClientList:
		m.presence = args

	case protocol.TagUpdateRoomsList:
		m.rooms = args

	case protocol.TagMessage:
		m.handleDirectMessage(p.Arg(0))

	case protocol.TagCreateRoom:
		room := p.Arg(0)
		conv := m.conversation(room, true)
		conv.Members = []string{m.nickname}
		conv.Lines = append(conv.Lines, systemLine("Room created. Invite people with /invite <name>"))
		m.switchTo(room)

	case protocol.TagJoinRoom:
		if len(args) == 0 {
			return
		}
		room, members := args[0], args[1:]
		if !contains(members, m.nickname) {
			m.statusMessage = fmt.Sprintf("You are not a member of %s", room)
			m.logSystem(fmt.Sprintf("%s members: %s. Ask one of them to invite you.", room, protocol.JoinList(members)))
			m.switchTo(serverTab)
			return
		}
		conv := m.conversation(room, true)
		conv.Members = members
		m.switchTo(room)

	case protocol.TagRoomHistory:
		if len(args) == 0 {
			return
		}
		conv := m.conversation(args[0], true)
		conv.Lines = append([]string(nil), args[1:]...)

	case protocol.TagUpdateInviteWindow:
		if len(args) == 0 {
			return
		}
		room, names := args[0], args[1:]
		line := systemLine("Everyone online is already in " + room)
		if len(names) > 0 {
			line = systemLine("Can be invited: " + protocol.JoinList(names))
		}
		if _, ok := m.conversations[room]; ok {
			m.appendLine(room, true, line)
		} else {
			m.logSystem(line)
		}

	case protocol.TagInvited:
		if len(args) == 0 {
			return
		}
		m.handleInvited(args[0], args[1:])

	case protocol.TagRoomMessage:
		m.appendLine(p.Arg(0), true, p.Arg(1))

	case protocol.TagError:
		code, msg, err := protocol.ParseError(p)
		if err != nil {
			m.errorMessage = "malformed error from server"
			return
		}
		if code == protocol.ErrCodeRecipientNotFound && len(m.pendingDMs) > 0 {
			target := m.pendingDMs[0]
			m.pendingDMs = m.pendingDMs[1:]
			m.appendLine(dmKey(target), false, systemLine(target+" is not online"))
		}
		m.errorMessage = msg

	case protocol.TagEnd:
		m.statusMessage = "Session ended"

	default:
		m.logf("Ignoring unknown payload %q", p.Tag())
	}

	m.refreshViewport()
}

func (m *Model) handleDirectMessage(line string) {
	author, _, body, ok := parseChatLine(line)
	if !ok {
		m.logSystem(line)
		return
	}

	if author == "Me" && len(m.pendingDMs) > 0 {
		target := m.pendingDMs[0]
		m.pendingDMs = m.pendingDMs[1:]
		m.appendLine(dmKey(target), false, line)
		return
	}

	conv := m.appendLine(dmKey(author), false, line)
	if conv.Key != m.active {
		m.sendDesktopNotification(author, body)
	}
}

// handleInvited updates a room's membership and reports who came and went
func (m *Model) handleInvited(room string, members []string) {
	conv := m.conversation(room, true)
	previous := conv.Members
	wasMember := contains(previous, m.nickname)
	conv.Members = members

	if !wasMember {
		if contains(members, m.nickname) {
			m.appendLine(room, true, systemLine("You were invited to "+room+" ("+protocol.JoinList(members)+")"))
			m.sendDesktopNotification(room, "You were invited")
		}
		return
	}

	for _, name := range members {
		if !contains(previous, name) {
			m.appendLine(room, true, systemLine(name+" joined"))
		}
	}
	for _, name := range previous {
		if !contains(members, name) {
			m.appendLine(room, true, systemLine(name+" left"))
		}
	}
}

// sendDesktopNotification sends a best-effort desktop notification
func (m *Model) sendDesktopNotification(from, body string) {
	if m.notify == nil {
		return
	}
	if m.state != nil && !m.state.GetNotificationsEnabled() {
		return
	}

	if len(body) > 100 {
		body = body[:97] + "..."
	}
	if err := m.notify("roomchat - "+from, body); err != nil {
		m.logf("Failed to send desktop notification: %v", err)
	}
}

func systemLine(text string) string {
	return "* " + text
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
