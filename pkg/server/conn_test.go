package server

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoded(t *testing.T, p protocol.Payload) []byte {
	t.Helper()
	frame, err := protocol.EncodeMessage(p)
	require.NoError(t, err)
	return frame
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("writer goroutine did not exit")
	}
}

func TestEnqueueFullQueueReportsSlowConsumer(t *testing.T) {
	serverSide, peer := net.Pipe()
	defer peer.Close()

	const queueSize = 4
	c := newClientConn(1, serverSide, "tcp", queueSize, 0)
	defer c.closeNow()

	frame := encoded(t, protocol.NewPayload(protocol.TagEnd))

	// Nobody reads the peer: the writer holds at most one frame, the queue
	// the rest.
	accepted := 0
	for i := 0; i < queueSize+2; i++ {
		if c.enqueue(frame) {
			accepted++
		}
	}
	assert.Less(t, accepted, queueSize+2)
	assert.GreaterOrEqual(t, accepted, queueSize)
}

func TestWriteDeadlineClosesConnection(t *testing.T) {
	serverSide, peer := net.Pipe()
	defer peer.Close()

	c := newClientConn(1, serverSide, "tcp", 4, 50*time.Millisecond)
	require.True(t, c.enqueue(encoded(t, protocol.NewPayload(protocol.TagEnd))))

	waitClosed(t, c.done)

	_, err := peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestCloseGracefullyDrainsQueue(t *testing.T) {
	serverSide, peer := net.Pipe()
	defer peer.Close()

	c := newClientConn(1, serverSide, "tcp", 8, time.Second)
	require.True(t, c.enqueue(encoded(t, protocol.NewPayload(protocol.TagMessage, "Me (9:05): one"))))
	require.True(t, c.enqueue(encoded(t, protocol.NewPayload(protocol.TagEnd))))
	c.closeGracefully()

	assert.False(t, c.enqueue(encoded(t, protocol.NewPayload(protocol.TagEnd))), "closing connection accepts nothing")

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	first, err := protocol.DecodeFrame(peer)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagMessage, first.Tag())

	second, err := protocol.DecodeFrame(peer)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagEnd, second.Tag())

	_, err = protocol.DecodeFrame(peer)
	assert.ErrorIs(t, err, io.EOF)

	waitClosed(t, c.done)
}

func TestCloseNowDropsQueue(t *testing.T) {
	serverSide, peer := net.Pipe()
	defer peer.Close()

	c := newClientConn(1, serverSide, "tcp", 8, time.Second)
	c.closeNow()
	c.closeNow()
	c.closeGracefully()

	assert.False(t, c.enqueue(encoded(t, protocol.NewPayload(protocol.TagEnd))))
	waitClosed(t, c.done)

	_, err := peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
