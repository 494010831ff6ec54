package server

import (
	"net"
	"sync"
	"time"
)

// clientConn is one open client connection. The event loop owns its
// lifecycle; writes never happen on the loop goroutine. Frames are queued on
// a bounded channel and drained by a dedicated writer goroutine, so a peer
// that stops reading can only stall itself.
//
// The raw conn is private: the writer goroutine is the only writer, the
// reader goroutine started by the server is the only reader.
type clientConn struct {
	id           uint64
	conn         net.Conn
	remoteAddr   string
	transport    string // "tcp" or "websocket"
	writeTimeout time.Duration
	limiter      *rateLimiter // nil when commands are not throttled

	send     chan []byte   // pre-encoded frames
	flushReq chan struct{} // closed to drain the queue, then close
	stopReq  chan struct{} // closed to close immediately
	done     chan struct{} // closed once the writer goroutine has exited

	closeOnce sync.Once
}

func newClientConn(id uint64, conn net.Conn, transport string, queueSize int, writeTimeout time.Duration) *clientConn {
	if queueSize <= 0 {
		queueSize = 1
	}
	c := &clientConn{
		id:           id,
		conn:         conn,
		remoteAddr:   conn.RemoteAddr().String(),
		transport:    transport,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, queueSize),
		flushReq:     make(chan struct{}),
		stopReq:      make(chan struct{}),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// enqueue hands a pre-encoded frame to the writer. It never blocks: false
// means the connection is closing or its queue is full (slow consumer).
func (c *clientConn) enqueue(frame []byte) bool {
	select {
	case <-c.flushReq:
		return false
	case <-c.stopReq:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// closeGracefully writes whatever is already queued, then closes
func (c *clientConn) closeGracefully() {
	c.closeOnce.Do(func() {
		close(c.flushReq)
	})
}

// closeNow drops queued frames and closes the socket immediately
func (c *clientConn) closeNow() {
	c.closeOnce.Do(func() {
		close(c.stopReq)
		c.conn.Close()
	})
}

func (c *clientConn) writeLoop() {
	defer close(c.done)
	defer c.conn.Close()

	for {
		select {
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-c.flushReq:
			for {
				select {
				case frame := <-c.send:
					if !c.write(frame) {
						return
					}
				default:
					return
				}
			}
		case <-c.stopReq:
			return
		}
	}
}

func (c *clientConn) write(frame []byte) bool {
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.conn.Write(frame); err != nil {
		debugLog.Printf("Connection %d: write failed: %v", c.id, err)
		return false
	}
	return true
}
