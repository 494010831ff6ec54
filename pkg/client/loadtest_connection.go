package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// ErrFrameLost means no complete frame arrived: the peer closed, the read
// deadline hit, or the frame was malformed. The connection is closed since
// the stream may have stopped mid-frame.
var ErrFrameLost = errors.New("no frame received")

// LoadTestConnection is a simplified connection for load testing that avoids
// goroutine overhead by reading/writing synchronously. Unlike the full Connection,
// it does not spawn readLoop/writeLoop goroutines and does not support auto-reconnect.
//
// This keeps the per-client goroutine count at zero, allowing load tests to
// scale to thousands of concurrent clients.
type LoadTestConnection struct {
	addr   string
	conn   net.Conn
	sendMu sync.Mutex // Protects concurrent writes
	recvMu sync.Mutex // Protects concurrent reads
	closed bool
	mu     sync.Mutex // Protects closed flag
}

// NewLoadTestConnection creates a new load test connection
func NewLoadTestConnection(addr string) *LoadTestConnection {
	return &LoadTestConnection{
		addr: addr,
	}
}

// Connect dials the server over TCP and performs the NAME handshake
func (c *LoadTestConnection) Connect(name string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", c.addr, timeout)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	// Enable TCP_NODELAY for low latency
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	c.conn = conn

	if err := c.Send(protocol.HandshakePayload(name)); err != nil {
		conn.Close()
		return err
	}

	reply, err := c.Receive(timeout)
	if err != nil {
		conn.Close()
		return err
	}
	if reply.Tag() == protocol.TagError {
		conn.Close()
		code, msg, _ := protocol.ParseError(reply)
		return &ServerError{Code: code, Message: msg}
	}
	return nil
}

// Close closes the connection
func (c *LoadTestConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}

func (c *LoadTestConnection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Send encodes and writes a payload synchronously
func (c *LoadTestConnection) Send(p protocol.Payload) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return fmt.Errorf("connection closed")
	}

	if err := protocol.EncodeFrame(c.conn, p); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

// Receive reads one frame from the connection with timeout
func (c *LoadTestConnection) Receive(timeout time.Duration) (protocol.Payload, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if c.isClosed() {
		return nil, fmt.Errorf("connection closed")
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("set read deadline failed: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}

	p := protocol.Receive(c.conn)
	if p.Empty() {
		c.Close()
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, fmt.Errorf("timed out after %v: %w", timeout, ErrFrameLost)
		}
		return nil, ErrFrameLost
	}
	return p, nil
}

// ReceiveTag reads frames until one carries tag, skipping the presence and
// room broadcasts other clients trigger. An ERROR frame ends the wait.
func (c *LoadTestConnection) ReceiveTag(tag string, timeout time.Duration) (protocol.Payload, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("timed out waiting for %s", tag)
		}
		p, err := c.Receive(remaining)
		if err != nil {
			return nil, err
		}
		switch p.Tag() {
		case tag:
			return p, nil
		case protocol.TagError:
			code, msg, _ := protocol.ParseError(p)
			return nil, &ServerError{Code: code, Message: msg}
		}
	}
}

// Addr returns the connection address
func (c *LoadTestConnection) Addr() string {
	return c.addr
}
