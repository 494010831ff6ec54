package client

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/aeolun/roomchat/pkg/protocol"
	"github.com/aeolun/roomchat/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServers struct {
	srv     *server.Server
	tcpAddr string
	wsAddr  string
}

func startServer(t *testing.T) *testServers {
	t.Helper()

	config := server.DefaultConfig()
	config.BindAddress = "127.0.0.1"
	config.Port = 0
	config.HandshakeTimeout = 2 * time.Second

	srv, err := server.NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.HandleWebSocket)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := &http.Server{Handler: mux}
	go httpServer.Serve(listener)

	t.Cleanup(func() {
		srv.Stop()
		httpServer.Close()
	})

	return &testServers{
		srv:     srv,
		tcpAddr: srv.Addr().String(),
		wsAddr:  listener.Addr().String(),
	}
}

func connectAs(t *testing.T, addr, name string) *Connection {
	t.Helper()
	conn, err := NewConnection(addr)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	require.NoError(t, conn.Connect(name))
	t.Cleanup(conn.Close)
	return conn
}

// next returns the next payload with the given tag, skipping broadcasts
func next(t *testing.T, conn *Connection, tag string) protocol.Payload {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p, ok := <-conn.Incoming():
			require.True(t, ok, "incoming channel closed while waiting for %s", tag)
			if p.Tag() == tag {
				return p
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", tag)
			return nil
		}
	}
}

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		input     string
		display   string
		raw       string
		transport string
		wantErr   bool
	}{
		{input: "localhost", display: "localhost:12345", raw: "localhost:12345", transport: "tcp"},
		{input: "localhost:7000", display: "localhost:7000", raw: "localhost:7000", transport: "tcp"},
		{input: "tcp://chat.example.com", display: "chat.example.com:12345", raw: "chat.example.com:12345", transport: "tcp"},
		{input: "ws://chat.example.com", display: "ws://chat.example.com:8080", raw: "chat.example.com:8080", transport: "websocket"},
		{input: "WSS://chat.example.com:443", display: "wss://chat.example.com:443", raw: "chat.example.com:443", transport: "websocket"},
		{input: "[::1]", display: "[::1]:12345", raw: "[::1]:12345", transport: "tcp"},
		{input: "  ", wantErr: true},
		{input: "ssh://chat.example.com", wantErr: true},
		{input: "tcp://:7000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cfg, err := parseServerAddress(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.display, cfg.display)
			assert.Equal(t, tt.raw, cfg.raw)
			assert.Equal(t, tt.transport, cfg.transport)
		})
	}
}

func TestResolveConnectionMethod(t *testing.T) {
	tests := []struct {
		name    string
		address string
		history map[string]string
		want    string
	}{
		{
			name:    "address with scheme unchanged",
			address: "tcp://example.com",
			history: map[string]string{"example.com:8080": "websocket"},
			want:    "tcp://example.com",
		},
		{
			name:    "no connection history returns original",
			address: "example.com:7000",
			want:    "example.com:7000",
		},
		{
			name:    "tcp history keeps bare address",
			address: "example.com",
			history: map[string]string{"example.com:12345": "tcp"},
			want:    "example.com",
		},
		{
			name:    "websocket history on default port",
			address: "example.com",
			history: map[string]string{"example.com:8080": "websocket"},
			want:    "ws://example.com",
		},
		{
			name:    "exact match wins",
			address: "example.com:9000",
			history: map[string]string{"example.com:9000": "wss"},
			want:    "wss://example.com:9000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := NewMockState()
			for addr, method := range tt.history {
				require.NoError(t, state.SaveSuccessfulConnection(addr, method))
			}
			assert.Equal(t, tt.want, ResolveConnectionMethod(state, tt.address))
		})
	}

	assert.Equal(t, "example.com", ResolveConnectionMethod(nil, "example.com"))
}

func TestConnectionJourney(t *testing.T) {
	servers := startServer(t)

	for _, tc := range []struct {
		name string
		addr string
	}{
		{"tcp", servers.tcpAddr},
		{"websocket", "ws://" + servers.wsAddr},
	} {
		t.Run(tc.name, func(t *testing.T) {
			alice := connectAs(t, tc.addr, "alice-"+tc.name)
			listing := next(t, alice, protocol.TagClientList)
			assert.Contains(t, listing.Args(), "alice-"+tc.name+" (now) (me)")
			assert.Equal(t, tc.name, alice.GetConnectionType())
			assert.True(t, alice.IsConnected())

			bob := connectAs(t, tc.addr, "bob-"+tc.name)
			next(t, bob, protocol.TagClientList)

			require.NoError(t, alice.SendMessage("bob-"+tc.name, "hello"))
			dm := next(t, bob, protocol.TagMessage)
			assert.Regexp(t, `^alice-`+tc.name+` \(\d+:\d\d\): hello$`, dm.Arg(0))
			echo := next(t, alice, protocol.TagMessage)
			assert.Regexp(t, `^Me \(\d+:\d\d\): hello$`, echo.Arg(0))

			require.NoError(t, alice.CreateRoom())
			room := next(t, alice, protocol.TagCreateRoom).Arg(0)
			assert.Contains(t, room, "by alice-"+tc.name)

			require.NoError(t, alice.Invite(room, "bob-"+tc.name))
			invited := next(t, bob, protocol.TagInvited)
			assert.Equal(t, []string{room, "alice-" + tc.name, "bob-" + tc.name}, invited.Args())

			require.NoError(t, bob.SendRoomMessage(room, "hi all"))
			line := next(t, alice, protocol.TagRoomMessage)
			assert.Equal(t, room, line.Arg(0))
			assert.Contains(t, line.Arg(1), "hi all")

			require.NoError(t, bob.JoinRoom(room))
			members := next(t, bob, protocol.TagJoinRoom)
			assert.Equal(t, []string{room, "alice-" + tc.name, "bob-" + tc.name}, members.Args())

			require.NoError(t, alice.UpdateInviteWindow(room))
			window := next(t, alice, protocol.TagUpdateInviteWindow)
			assert.Equal(t, room, window.Arg(0))
			assert.NotContains(t, window.Args()[1:], "bob-"+tc.name)

			require.NoError(t, bob.RequestClientList())
			next(t, bob, protocol.TagClientList)

			assert.Greater(t, alice.GetBytesSent(), uint64(0))
			assert.Greater(t, alice.GetBytesReceived(), uint64(0))
		})
	}
}

func TestConnectRejectedName(t *testing.T) {
	servers := startServer(t)
	connectAs(t, servers.tcpAddr, "alice")

	conn, err := NewConnection(servers.tcpAddr)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	err = conn.Connect("alice")
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, uint16(protocol.ErrCodeNameTaken), serverErr.Code)
	assert.False(t, conn.IsConnected())

	err = conn.Connect("")
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, uint16(protocol.ErrCodeInvalidName), serverErr.Code)
}

func TestSendRequiresConnection(t *testing.T) {
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)

	assert.ErrorIs(t, conn.SendMessage("bob", "hi"), ErrNotConnected)
	conn.Close()
	assert.ErrorIs(t, conn.Connect("alice"), ErrConnectionClosed)
	conn.Close()
}

func TestServerShutdownReportsDisconnect(t *testing.T) {
	servers := startServer(t)
	alice := connectAs(t, servers.tcpAddr, "alice")
	next(t, alice, protocol.TagClientList)

	require.NoError(t, servers.srv.Stop())

	select {
	case update := <-alice.StateChanges():
		assert.Equal(t, StateTypeDisconnected, update.State)
	case <-time.After(3 * time.Second):
		t.Fatal("no disconnect state update after server shutdown")
	}
	assert.False(t, alice.IsConnected())

	select {
	case err := <-alice.Errors():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("no error reported after server shutdown")
	}
}

func TestDisconnectEndsSession(t *testing.T) {
	servers := startServer(t)
	alice := connectAs(t, servers.tcpAddr, "alice")
	bob := connectAs(t, servers.tcpAddr, "bob")
	next(t, alice, protocol.TagClientList)

	bob.Disconnect()
	assert.False(t, bob.IsConnected())

	// Presence shrinks back to alice alone
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-alice.Incoming():
			if p.Tag() == protocol.TagClientList && len(p.Args()) == 1 {
				assert.Regexp(t, `^alice \(.+\) \(me\)$`, p.Arg(0))
				return
			}
		case <-deadline:
			t.Fatal("presence never dropped bob")
		}
	}
}

func TestCloseDuringReconnectDropsNewSocket(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer serverSide.Close()

	dialing := make(chan struct{})
	release := make(chan struct{})
	conn, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	conn.name = "alice"
	conn.dial = func() (net.Conn, error) {
		close(dialing)
		<-release
		return clientSide, nil
	}

	// Accept the handshake, then report whether the socket was dropped
	peerClosed := make(chan error, 1)
	go func() {
		if _, err := protocol.DecodeFrame(serverSide); err != nil {
			peerClosed <- err
			return
		}
		protocol.EncodeFrame(serverSide, protocol.NewPayload(protocol.TagClientList, "alice (now) (me)"))
		_, err := protocol.DecodeFrame(serverSide)
		peerClosed <- err
	}()

	// Run connect the way the reconnect loop does, holding a wait group slot
	result := make(chan error, 1)
	conn.wg.Add(1)
	go func() {
		defer conn.wg.Done()
		result <- conn.connect()
	}()
	<-dialing

	closed := make(chan struct{})
	go func() {
		conn.Close()
		close(closed)
	}()
	<-conn.shutdown
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not return")
	}
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close hung waiting for a connection it never saw")
	}
	select {
	case err := <-peerClosed:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("new socket was left open")
	}
	assert.False(t, conn.IsConnected())
}
