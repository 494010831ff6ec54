package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// DisconnectReason indicates why a connection was lost
type DisconnectReason int

const (
	DisconnectUnknown DisconnectReason = iota
	DisconnectError                    // Read/write error
	DisconnectServerDown               // Server closed connection
	DisconnectUserRequested            // User explicitly disconnected
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectError:
		return "error"
	case DisconnectServerDown:
		return "server closed connection"
	case DisconnectUserRequested:
		return "user requested"
	}
	return "unknown"
}

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outgoing queue full")
)

// ServerError is an ERROR reply received from the server
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Connection represents a client connection to the server
type Connection struct {
	addr           string // Display address with scheme (e.g., "ws://server:8080")
	rawAddr        string // Raw host:port without scheme (e.g., "server:12345")
	dial           func() (net.Conn, error)
	conn           net.Conn
	mu             sync.RWMutex
	writeMu        sync.Mutex // serializes frames on conn
	connected      bool
	reconnecting   bool
	connectionType string // "tcp" or "websocket"
	name           string

	// Channels for communication
	incoming    chan protocol.Payload
	outgoing    chan protocol.Payload
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Auto-reconnect settings
	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	lastDisconnectReason DisconnectReason
	handshakeTimeout     time.Duration

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	// Shutdown
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a new client connection
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:              dialConfig.display,
		rawAddr:           dialConfig.raw,
		dial:              dialConfig.dial,
		connectionType:    dialConfig.transport,
		incoming:          make(chan protocol.Payload, 100),
		outgoing:          make(chan protocol.Payload, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		handshakeTimeout:  5 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// DisableAutoReconnect disables automatic reconnection on connection loss
func (c *Connection) DisableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = false
}

// EnableAutoReconnect enables automatic reconnection on connection loss
func (c *Connection) EnableAutoReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = true
}

// logf logs a message if a logger is set
func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the server and identifies as name. A rejected handshake is
// returned as a *ServerError.
func (c *Connection) Connect(name string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.name = name
	c.mu.Unlock()

	return c.connect()
}

func (c *Connection) connect() error {
	c.logf("Connecting to %s...", c.addr)

	if c.dial == nil {
		return fmt.Errorf("no dialer configured")
	}

	conn, err := c.dial()
	if err != nil {
		c.logf("Dial failed: %v", err)
		return err
	}

	first, err := c.handshake(conn)
	if err != nil {
		c.logf("Handshake failed: %v", err)
		conn.Close()
		return err
	}

	// Close may have run while we were dialing; it must not be handed a
	// socket after it has already disconnected
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.logf("Connection closed during connect, dropping new socket")
		return ErrConnectionClosed
	}
	c.conn = conn
	c.connected = true
	c.wg.Add(2)
	c.mu.Unlock()

	c.logf("Connected to %s (%s) as %q", c.addr, c.connectionType, c.name)

	// The presence listing that accepted us goes through the normal path
	select {
	case c.incoming <- first:
	default:
		c.logf("Warning: incoming channel full during handshake")
	}

	stop := make(chan struct{})
	go c.readLoop(conn, stop)
	go c.writeLoop(conn, stop)

	return nil
}

// handshake sends the NAME frame and waits for the server's verdict: a
// CLIENT_LIST means we are registered, an ERROR means we were turned away.
func (c *Connection) handshake(conn net.Conn) (protocol.Payload, error) {
	c.mu.RLock()
	name := c.name
	timeout := c.handshakeTimeout
	c.mu.RUnlock()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	if err := protocol.EncodeFrame(writer, protocol.HandshakePayload(name)); err != nil {
		return nil, fmt.Errorf("failed to send name: %w", err)
	}

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	reply, err := protocol.DecodeFrame(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read handshake reply: %w", err)
	}

	switch reply.Tag() {
	case protocol.TagClientList:
		return reply, nil
	case protocol.TagError:
		code, msg, err := protocol.ParseError(reply)
		if err != nil {
			return nil, err
		}
		return nil, &ServerError{Code: code, Message: msg}
	}
	return nil, fmt.Errorf("unexpected handshake reply %q", reply.Tag())
}

// GetConnectionType returns the connection type (tcp or websocket)
func (c *Connection) GetConnectionType() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionType
}

// Name returns the display name used for the last handshake
func (c *Connection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Disconnect ends the session politely and closes the socket
func (c *Connection) Disconnect() {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if connected && conn != nil {
		// Best effort; the socket is closed right after
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		protocol.EncodeFrame(&countingWriter{w: conn, counter: &c.bytesSent}, protocol.Command{Kind: protocol.CmdEnd}.Payload())
		c.writeMu.Unlock()
	}
	c.disconnectWithReason(DisconnectUserRequested)
}

// disconnectWithReason closes the connection and records why
func (c *Connection) disconnectWithReason(reason DisconnectReason) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.logf("Disconnecting from %s (reason: %v)", c.addr, reason)
	c.connected = false
	c.lastDisconnectReason = reason
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.autoReconnect = false
	c.mu.Unlock()

	close(c.shutdown)
	c.Disconnect()
	c.wg.Wait()
	close(c.incoming)
	close(c.errors)
	close(c.stateChange)
	c.logf("Connection fully closed")
}

// Send queues a payload for the server
func (c *Connection) Send(p protocol.Payload) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	select {
	case <-c.shutdown:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outgoing <- p:
		return nil
	default:
		return ErrQueueFull
	}
}

// SendCommand queues a typed command for the server
func (c *Connection) SendCommand(cmd protocol.Command) error {
	return c.Send(cmd.Payload())
}

// SendMessage sends a direct message to another client
func (c *Connection) SendMessage(target, body string) error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdMessage, Target: target, Body: body})
}

// CreateRoom asks the server for a new room with us as its only member
func (c *Connection) CreateRoom() error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdCreateRoom})
}

// JoinRoom requests the member snapshot of a room
func (c *Connection) JoinRoom(room string) error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdJoinRoom, Room: room})
}

// UpdateInviteWindow requests the names that can still be invited to a room
func (c *Connection) UpdateInviteWindow(room string) error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdUpdateInviteWindow, Room: room})
}

// Invite adds a client to a room we belong to
func (c *Connection) Invite(room, target string) error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdInvite, Room: room, Target: target})
}

// SendRoomMessage posts to a room we belong to
func (c *Connection) SendRoomMessage(room, body string) error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdRoomMessage, Room: room, Body: body})
}

// RequestClientList asks for a fresh presence listing
func (c *Connection) RequestClientList() error {
	return c.SendCommand(protocol.Command{Kind: protocol.CmdClientList})
}

// Incoming returns the channel for receiving payloads from the server
func (c *Connection) Incoming() <-chan protocol.Payload {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetRawAddress returns the address without scheme (e.g., "server:12345")
func (c *Connection) GetRawAddress() string {
	return c.rawAddr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
		c.logf("Dropped error (channel full): %v", err)
	}
}

// readLoop reads frames from one socket until it fails
func (c *Connection) readLoop(conn net.Conn, stop chan struct{}) {
	defer c.wg.Done()
	defer close(stop)

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	for {
		p, err := protocol.DecodeFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logf("Connection closed by server (EOF)")
				c.handleDisconnect(conn, DisconnectServerDown)
				return
			}
			c.logf("Read error: %v", err)
			c.handleDisconnect(conn, DisconnectError)
			return
		}

		c.logf("← RECV: %s (%d args)", p.Tag(), len(p.Args()))

		select {
		case c.incoming <- p:
		case <-c.shutdown:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.counter != nil {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.counter != nil {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

// writeLoop sends queued payloads on one socket until it or the reader stops
func (c *Connection) writeLoop(conn net.Conn, stop chan struct{}) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	for {
		select {
		case p := <-c.outgoing:
			c.writeMu.Lock()
			err := protocol.EncodeFrame(writer, p)
			c.writeMu.Unlock()
			if err != nil {
				if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrStringTooLong) {
					c.reportError(fmt.Errorf("encode error: %w", err))
					continue
				}
				c.logf("Write error: %v", err)
				// The reader notices the closed socket and handles the disconnect
				conn.Close()
				return
			}
			c.logf("→ SEND: %s (%d args)", p.Tag(), len(p.Args()))

		case <-stop:
			return
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect handles an unexpected loss of conn
func (c *Connection) handleDisconnect(conn net.Conn, reason DisconnectReason) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	conn.Close()
	if wasConnected {
		c.lastDisconnectReason = reason
	}
	autoReconnect := c.autoReconnect
	c.mu.Unlock()

	if !wasConnected {
		return
	}

	c.logf("Disconnected from server (reason: %v)", reason)

	disconnectErr := fmt.Errorf("disconnected from server: %v", reason)
	c.reportError(disconnectErr)

	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: disconnectErr}:
	default:
	}

	if autoReconnect {
		c.logf("Auto-reconnect enabled, starting reconnect loop")
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
			c.logf("Reconnect attempt %d to %s", attempt, c.addr)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			if err := c.connect(); err != nil {
				c.logf("Reconnect attempt %d failed: %v", attempt, err)

				// A rejected name will not get better by retrying
				var serverErr *ServerError
				if errors.As(err, &serverErr) {
					c.reportError(err)
					return
				}

				delay = delay * 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				attempt++
				continue
			}

			c.logf("Reconnected successfully after %d attempts", attempt)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}
			return
		}
	}
}

type dialConfig struct {
	display   string // Display address with scheme
	raw       string // Raw host:port without scheme
	transport string
	dial      func() (net.Conn, error)
}

const (
	defaultTCPPort  = "12345"
	defaultHTTPPort = "8080"
)

// parseServerAddress accepts host[:port], tcp://host[:port] and
// ws[s]://host[:port]
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed

	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.Host != "" {
			hostPort = u.Host
		} else if u.Path != "" {
			hostPort = u.Path
		}
		hostPort = strings.TrimPrefix(hostPort, "//")
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		dial := func() (net.Conn, error) {
			conn, err := net.DialTimeout("tcp", address, 5*time.Second)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetNoDelay(true)
			}
			return conn, nil
		}
		return &dialConfig{
			display:   address,
			raw:       address,
			transport: "tcp",
			dial:      dial,
		}, nil
	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		dial := func() (net.Conn, error) {
			return DialWebSocket(address, useTLS)
		}
		return &dialConfig{
			display:   fmt.Sprintf("%s://%s", scheme, address),
			raw:       address,
			transport: "websocket",
			dial:      dial,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}
	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		if host == "" {
			return "", "", errors.New("missing host in server address")
		}
		return host, port, nil
	}
	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}
	return "", "", err
}

// ResolveConnectionMethod prefixes a bare address with the scheme that last
// worked for it. Addresses that already carry a scheme are returned as is.
func ResolveConnectionMethod(state StateInterface, address string) string {
	if state == nil || strings.Contains(address, "://") {
		return address
	}

	candidates := []string{address}
	if host, _, err := splitHostPortWithDefault(address, defaultTCPPort); err == nil {
		candidates = append(candidates,
			net.JoinHostPort(host, defaultTCPPort),
			net.JoinHostPort(host, defaultHTTPPort))
	}

	for _, candidate := range candidates {
		method, err := state.GetLastSuccessfulMethod(candidate)
		if err != nil || method == "" {
			continue
		}
		switch method {
		case "websocket", "ws":
			return "ws://" + address
		case "wss":
			return "wss://" + address
		}
		return address
	}
	return address
}
