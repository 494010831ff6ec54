package client

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection, answers the handshake with a presence
// listing and then hands the socket to script
func fakeServer(t *testing.T, script func(net.Conn)) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := protocol.DecodeFrame(conn); err != nil {
			return
		}
		protocol.EncodeFrame(conn, protocol.NewPayload(protocol.TagClientList, "bot (now) (me)"))
		script(conn)
	}()
	return listener.Addr().String()
}

func TestLoadTestConnectionReceive(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		protocol.EncodeFrame(conn, protocol.NewPayload(protocol.TagUpdateRoomsList))
		protocol.EncodeFrame(conn, protocol.NewPayload(protocol.TagCreateRoom, "Room1 by bot"))
		time.Sleep(time.Second)
	})

	conn := NewLoadTestConnection(addr)
	require.NoError(t, conn.Connect("bot", 2*time.Second))
	defer conn.Close()

	p, err := conn.ReceiveTag(protocol.TagCreateRoom, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Room1 by bot", p.Arg(0))
}

func TestLoadTestConnectionTruncatedFrameClosesConnection(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		// Length prefix promising more than is ever sent
		conn.Write([]byte{0x00, 0x00, 0x00, 0x10, 0x00, 0x00})
	})

	conn := NewLoadTestConnection(addr)
	require.NoError(t, conn.Connect("bot", 2*time.Second))

	_, err := conn.Receive(2 * time.Second)
	assert.ErrorIs(t, err, ErrFrameLost)
	assert.NotContains(t, err.Error(), "timed out")
	assert.Error(t, conn.Send(protocol.NewPayload(protocol.TagClientList)), "connection closed after a lost frame")
}

func TestLoadTestConnectionTimeout(t *testing.T) {
	release := make(chan struct{})
	addr := fakeServer(t, func(net.Conn) { <-release })
	defer close(release)

	conn := NewLoadTestConnection(addr)
	require.NoError(t, conn.Connect("bot", 2*time.Second))

	_, err := conn.ReceiveTag(protocol.TagRoomMessage, 100*time.Millisecond)
	require.ErrorIs(t, err, ErrFrameLost)
	assert.True(t, strings.Contains(err.Error(), "timed out"), "timeouts stay distinguishable: %v", err)
}
