package ui

import (
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateReconnecting
)

// serverTab is the conversation key of the server log
const serverTab = ""

// Conversation is one tab in the sidebar: a room or a direct-message peer
type Conversation struct {
	Key     string // room name, or "@" + peer name
	Room    bool
	Lines   []string
	Members []string // rooms only
	Unread  int
}

// Title is how the conversation is listed in the sidebar
func (c *Conversation) Title() string {
	return c.Key
}

func (c *Conversation) hasMember(name string) bool {
	for _, m := range c.Members {
		if m == name {
			return true
		}
	}
	return false
}

// Model represents the application state
type Model struct {
	// Connection and state
	conn             client.ConnectionInterface
	state            client.StateInterface
	logger           *log.Logger
	connectionState  ConnectionState
	reconnectAttempt int
	nickname         string

	// Server state
	presence []string // latest CLIENT_LIST entries, "name (age)" with "(me)" on ours
	rooms    []string // latest UPDATE_ROOMS_LIST

	// Conversations, in the order they were opened
	conversations map[string]*Conversation
	order         []string
	active        string
	serverLog     []string

	// Targets of direct messages whose "Me" echo has not arrived yet
	pendingDMs []string

	// UI components
	chatViewport viewport.Model
	chatTextarea textarea.Model
	width        int
	height       int

	statusMessage string
	errorMessage  string

	notify func(title, body string) error
}

// NewModel creates the model for a connection that has already completed
// its handshake
func NewModel(conn client.ConnectionInterface, state client.StateInterface, logger *log.Logger) Model {
	ta := textarea.New()
	ta.Placeholder = "Type a message, or /help"
	ta.ShowLineNumbers = false
	ta.CharLimit = 4096
	ta.SetHeight(1)
	ta.Focus()

	m := Model{
		conn:            conn,
		state:           state,
		logger:          logger,
		connectionState: StateConnected,
		nickname:        conn.Name(),
		conversations:   make(map[string]*Conversation),
		active:          serverTab,
		chatTextarea:    ta,
		notify: func(title, body string) error {
			return beeep.Notify(title, body, "")
		},
	}
	if !conn.IsConnected() {
		m.connectionState = StateDisconnected
	}
	m.logSystem(fmt.Sprintf("Connected to %s as %s. Type /help for commands.", conn.GetAddress(), m.nickname))
	return m
}

// Message types for bubbletea

// ServerPayloadMsg wraps an incoming server payload
type ServerPayloadMsg struct {
	Payload protocol.Payload
}

// ErrorMsg represents an error
type ErrorMsg struct {
	Err error
}

// ConnectedMsg is sent when successfully reconnected
type ConnectedMsg struct{}

// DisconnectedMsg is sent when connection is lost
type DisconnectedMsg struct {
	Err error
}

// ReconnectingMsg is sent when attempting to reconnect
type ReconnectingMsg struct {
	Attempt int
}

// ConnectionClosedMsg is sent once the connection's channels are closed
type ConnectionClosedMsg struct{}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(listenForServerPayloads(m.conn), textarea.Blink)
}

// listenForServerPayloads waits for the next payload, error or state change
func listenForServerPayloads(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case p, ok := <-conn.Incoming():
			if !ok {
				return ConnectionClosedMsg{}
			}
			return ServerPayloadMsg{Payload: p}
		case err, ok := <-conn.Errors():
			if !ok {
				return ConnectionClosedMsg{}
			}
			return ErrorMsg{Err: err}
		case stateUpdate, ok := <-conn.StateChanges():
			if !ok {
				return ConnectionClosedMsg{}
			}
			switch stateUpdate.State {
			case client.StateTypeConnected:
				return ConnectedMsg{}
			case client.StateTypeDisconnected:
				return DisconnectedMsg{Err: stateUpdate.Err}
			case client.StateTypeReconnecting:
				return ReconnectingMsg{Attempt: stateUpdate.Attempt}
			}
		}
		return nil
	}
}

func (m *Model) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// conversation returns the conversation for key, opening it if needed
func (m *Model) conversation(key string, room bool) *Conversation {
	if conv, ok := m.conversations[key]; ok {
		return conv
	}
	conv := &Conversation{Key: key, Room: room}
	m.conversations[key] = conv
	m.order = append(m.order, key)
	return conv
}

// appendLine adds a line to a conversation and counts it as unread unless
// the conversation is on screen
func (m *Model) appendLine(key string, room bool, line string) *Conversation {
	conv := m.conversation(key, room)
	conv.Lines = append(conv.Lines, line)
	if key != m.active {
		conv.Unread++
	}
	return conv
}

func (m *Model) logSystem(line string) {
	m.serverLog = append(m.serverLog, line)
}

// switchTo makes key the visible conversation
func (m *Model) switchTo(key string) {
	m.active = key
	if conv, ok := m.conversations[key]; ok {
		conv.Unread = 0
	}
	m.refreshViewport()
}

// cycle moves through the server tab and every conversation
func (m *Model) cycle(step int) {
	keys := append([]string{serverTab}, m.order...)
	idx := 0
	for i, k := range keys {
		if k == m.active {
			idx = i
			break
		}
	}
	idx = (idx + step + len(keys)) % len(keys)
	m.switchTo(keys[idx])
}

func (m *Model) activeLines() []string {
	if m.active == serverTab {
		return m.serverLog
	}
	if conv, ok := m.conversations[m.active]; ok {
		return conv.Lines
	}
	return nil
}

func (m *Model) refreshViewport() {
	if m.chatViewport.Width == 0 {
		return
	}
	m.chatViewport.SetContent(m.buildChatContent())
	m.chatViewport.GotoBottom()
}

// onlineNames extracts display names from the presence listing
func (m *Model) onlineNames() []string {
	names := make([]string, 0, len(m.presence))
	for _, entry := range m.presence {
		if name, _, ok := parsePresenceEntry(entry); ok {
			names = append(names, name)
		}
	}
	return names
}

// Pure helpers

var (
	chatLineRE = regexp.MustCompile(`(?s)^(.*?) \((\d+:\d\d)\): (.*)$`)
	presenceRE = regexp.MustCompile(`^(.*) \(([^()]*)\)$`)
)

// dmKey is the conversation key for a direct-message peer
func dmKey(name string) string {
	return "@" + name
}

// parseChatLine splits "<author> (H:MM): body" into its parts
func parseChatLine(line string) (author, stamp, body string, ok bool) {
	match := chatLineRE.FindStringSubmatch(line)
	if match == nil {
		return "", "", "", false
	}
	return match[1], match[2], match[3], true
}

// parsePresenceEntry splits "<name> (<age>)" with an optional " (me)" suffix
func parsePresenceEntry(entry string) (name string, self bool, ok bool) {
	if trimmed, found := strings.CutSuffix(entry, " (me)"); found {
		entry = trimmed
		self = true
	}
	match := presenceRE.FindStringSubmatch(entry)
	if match == nil {
		return "", false, false
	}
	return match[1], self, true
}

// inputAction is what a line typed into the input box asks for
type inputAction struct {
	command protocol.Command // Kind 0 means nothing to send
	open    string           // conversation to switch to
	local   string           // local command: help, rooms, quit, notify-on, notify-off
}

// parseInput turns one input line into an action. Plain text goes to the
// active conversation.
func parseInput(line, active string) (inputAction, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return inputAction{}, nil
	}

	if !strings.HasPrefix(line, "/") {
		switch {
		case active == serverTab:
			return inputAction{}, fmt.Errorf("pick a conversation with Tab, or use /msg <name> <text>")
		case strings.HasPrefix(active, "@"):
			target := strings.TrimPrefix(active, "@")
			return inputAction{command: protocol.Command{Kind: protocol.CmdMessage, Target: target, Body: line}}, nil
		default:
			return inputAction{command: protocol.Command{Kind: protocol.CmdRoomMessage, Room: active, Body: line}}, nil
		}
	}

	verb, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "msg", "m":
		target, body, _ := strings.Cut(rest, " ")
		body = strings.TrimSpace(body)
		if target == "" {
			return inputAction{}, fmt.Errorf("usage: /msg <name> [text]")
		}
		if body == "" {
			return inputAction{open: dmKey(target)}, nil
		}
		return inputAction{
			command: protocol.Command{Kind: protocol.CmdMessage, Target: target, Body: body},
			open:    dmKey(target),
		}, nil
	case "create":
		return inputAction{command: protocol.Command{Kind: protocol.CmdCreateRoom}}, nil
	case "join":
		if rest == "" {
			return inputAction{}, fmt.Errorf("usage: /join <room name>")
		}
		return inputAction{command: protocol.Command{Kind: protocol.CmdJoinRoom, Room: rest}}, nil
	case "invite":
		if rest == "" {
			return inputAction{}, fmt.Errorf("usage: /invite <name>")
		}
		if active == serverTab || strings.HasPrefix(active, "@") {
			return inputAction{}, fmt.Errorf("switch to a room before inviting")
		}
		return inputAction{command: protocol.Command{Kind: protocol.CmdInvite, Room: active, Target: rest}}, nil
	case "invitable":
		room := rest
		if room == "" {
			room = active
		}
		if room == serverTab || strings.HasPrefix(room, "@") {
			return inputAction{}, fmt.Errorf("usage: /invitable [room name]")
		}
		return inputAction{command: protocol.Command{Kind: protocol.CmdUpdateInviteWindow, Room: room}}, nil
	case "who":
		return inputAction{command: protocol.Command{Kind: protocol.CmdClientList}}, nil
	case "rooms":
		return inputAction{local: "rooms"}, nil
	case "notify":
		switch strings.ToLower(rest) {
		case "on":
			return inputAction{local: "notify-on"}, nil
		case "off":
			return inputAction{local: "notify-off"}, nil
		}
		return inputAction{}, fmt.Errorf("usage: /notify on|off")
	case "help", "?":
		return inputAction{local: "help"}, nil
	case "quit", "exit":
		return inputAction{local: "quit"}, nil
	}
	return inputAction{}, fmt.Errorf("unknown command /%s (try /help)", verb)
}

var helpLines = []string{
	"/msg <name> [text]   open a direct conversation, optionally sending text",
	"/create              create a room",
	"/join <room>         show a room's members and history",
	"/invite <name>       invite someone into the current room",
	"/invitable [room]    list who can still be invited",
	"/who                 refresh the online list",
	"/rooms               list every room on the server",
	"/notify on|off       desktop notifications for direct messages",
	"/quit                leave",
	"Tab / Shift+Tab switch conversations, PgUp/PgDn scroll",
}

// formatBytes renders a byte count for the header
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
