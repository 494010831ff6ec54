package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomchat/pkg/database"
	"github.com/aeolun/roomchat/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var (
	ErrInvalidName       = errors.New("invalid display name")
	ErrNameTaken         = errors.New("display name already in use")
	ErrMessageTooLong    = errors.New("message too long")
	ErrAlreadyIdentified = errors.New("already identified")
	ErrRateLimited       = errors.New("too many commands, slow down")
	ErrInvalidConfig     = errors.New("invalid server configuration")
)

const (
	// maxNameLength bounds names whatever the config says; every delivered
	// line and room name carries one
	maxNameLength = 255
	// stampOverhead is the widest " (H:MM): " a delivered line adds to a body
	stampOverhead = len(" (23:59): ")
	// roomNameOverhead is "Room<n> by " with the widest counter
	roomNameOverhead = len("Room18446744073709551615 by ")
)

// InitLogging points the package loggers at stderr, with debug output
// enabled only when debug is set
func InitLogging(debug bool) {
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	if debug {
		debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
		debugLog.Println("Debug logging enabled")
	} else {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	}
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress    string
	Port           int      // TCP port (0 = pick a free port)
	HTTPPort       int      // WebSocket endpoint /ws (0 = disabled)
	MetricsPort    int      // /metrics and /health (0 = disabled)
	AllowedOrigins []string // WebSocket origins; empty allows all
	DatabasePath   string   // session journal; empty disables it

	HandshakeTimeout  time.Duration
	OutboundQueueSize int
	WriteTimeout      time.Duration
	MaxNameLength     int
	MaxMessageLength  int
	RoomHistoryLimit  int
	UniqueNames       bool
	MaxRooms          int

	// Each connection may run CommandBurst commands per CommandWindow
	// (0 burst = unlimited)
	CommandBurst  int
	CommandWindow time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		BindAddress:       "",
		Port:              12345,
		HTTPPort:          0,
		MetricsPort:       0,
		HandshakeTimeout:  10 * time.Second,
		OutboundQueueSize: 256,
		WriteTimeout:      10 * time.Second,
		MaxNameLength:     32,
		MaxMessageLength:  4096,
		RoomHistoryLimit:  500,
		UniqueNames:       true,
		MaxRooms:          1000,
		CommandBurst:      40,
		CommandWindow:     2 * time.Second,
	}
}

// normalize rejects negative limits and caps the rest at what a single frame
// can carry. A zero limit means "as large as the protocol allows".
func (c *ServerConfig) normalize() error {
	if c.MaxNameLength < 0 || c.MaxMessageLength < 0 || c.MaxRooms < 0 ||
		c.RoomHistoryLimit < 0 || c.CommandBurst < 0 || c.CommandWindow < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig)
	}

	if c.MaxNameLength == 0 || c.MaxNameLength > maxNameLength {
		c.MaxNameLength = maxNameLength
	}

	maxBody := protocol.MaxStringLength - c.MaxNameLength - stampOverhead
	if c.MaxMessageLength == 0 || c.MaxMessageLength > maxBody {
		if c.MaxMessageLength > maxBody {
			log.Printf("max_message_length %d exceeds what a frame can carry, using %d", c.MaxMessageLength, maxBody)
		}
		c.MaxMessageLength = maxBody
	}

	// UPDATE_ROOMS_LIST names every room in one frame
	perRoom := 2 + roomNameOverhead + c.MaxNameLength
	maxRooms := (protocol.MaxFrameSize - 64) / perRoom
	if maxRooms > protocol.MaxTupleElements-1 {
		maxRooms = protocol.MaxTupleElements - 1
	}
	if c.MaxRooms == 0 || c.MaxRooms > maxRooms {
		if c.MaxRooms > maxRooms {
			log.Printf("max_rooms %d exceeds what a frame can list, using %d", c.MaxRooms, maxRooms)
		}
		c.MaxRooms = maxRooms
	}

	if c.CommandBurst > 0 && c.CommandWindow == 0 {
		c.CommandWindow = time.Second
	}
	return nil
}

type eventKind uint8

const (
	evAccepted eventKind = iota
	evJoin
	evCommand
	evClosed
	evConsole
)

// event is the only way state crosses into the event loop
type event struct {
	kind    eventKind
	conn    *clientConn
	name    string
	payload protocol.Payload
	err     error
	line    string
	reply   chan []string
}

// Server is the chat server. Reader goroutines decode frames and post events;
// a single event loop goroutine owns the registry, the room table and the
// connection set.
type Server struct {
	config    ServerConfig
	journal   *database.Journal
	metrics   *Metrics
	startTime time.Time

	listener    net.Listener
	httpServers []*http.Server

	events   chan event
	done     chan struct{} // closed when shutdown begins
	stopped  chan struct{} // closed when the event loop has exited
	stopOnce sync.Once
	wg       sync.WaitGroup

	nextID      atomic.Uint64
	clientCount atomic.Int64
	roomCount   atomic.Int64

	// Owned by the event loop
	conns    map[uint64]*clientConn // registered connections
	pending  map[uint64]*clientConn // accepted, handshake not finished
	registry *Registry
	rooms    *RoomTable
	slow     []*clientConn
	clock    func() time.Time
}

// NewServer creates a server. The session journal is opened when
// config.DatabasePath is set.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}

	var journal *database.Journal
	if config.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := database.Open(config.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		journal = database.NewJournal(db, 1024)
	}

	s := &Server{
		config:    config,
		journal:   journal,
		metrics:   NewMetrics(),
		startTime: time.Now(),
		events:    make(chan event, 256),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		conns:     make(map[uint64]*clientConn),
		pending:   make(map[uint64]*clientConn),
		registry:  NewRegistry(),
		rooms:     NewRoomTable(config.RoomHistoryLimit),
		clock:     time.Now,
	}
	return s, nil
}

// Start opens the listeners and starts the event loop
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprintf("%d", s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.serveHTTP(fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.HTTPPort), mux, "WebSocket server (/ws)")
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.serveHTTP(fmt.Sprintf("%s:%d", s.config.BindAddress, s.config.MetricsPort), mux, "Metrics server (/metrics, /health)")
	}

	go s.run()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(addr string, handler http.Handler, what string) {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	s.httpServers = append(s.httpServers, srv)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("%s listening on %s", what, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s error: %v", what, err)
		}
	}()
}

// Addr returns the TCP listener address
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes every tracked connection, then the listeners, then the session
// journal. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.done)
	})

	// The loop might never have started
	if s.listener == nil {
		return s.journal.Close()
	}

	<-s.stopped

	s.listener.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, srv := range s.httpServers {
		srv.Shutdown(ctx)
	}
	s.wg.Wait()

	err := s.journal.Close()
	log.Println("Graceful shutdown complete")
	return err
}

// Wait blocks until the server has shut down
func (s *Server) Wait() {
	<-s.done
	<-s.stopped
}

// Done is closed when shutdown begins
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Run starts the server and blocks until ctx is cancelled or Stop is called
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	return s.Stop()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}
		go s.serveConn(conn, "tcp")
	}
}

// post hands an event to the loop. It fails once shutdown has begun, including
// when the event was queued but the loop may already have drained the queue
// for the last time. The caller then owns the connection's cleanup.
func (s *Server) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// serveConn runs the reader side of one connection: the handshake, then one
// command frame at a time until the peer goes away
func (s *Server) serveConn(raw net.Conn, transport string) {
	c := newClientConn(s.nextID.Add(1), raw, transport, s.config.OutboundQueueSize, s.config.WriteTimeout)
	if s.config.CommandBurst > 0 {
		c.limiter = newRateLimiter(s.config.CommandBurst, s.config.CommandWindow)
	}
	if !s.post(event{kind: evAccepted, conn: c}) {
		c.closeNow()
		return
	}
	debugLog.Printf("Connection %d: accepted %s from %s", c.id, transport, c.remoteAddr)

	name, err := s.readHandshake(raw)
	if err != nil {
		if !s.post(event{kind: evClosed, conn: c, err: err}) {
			c.closeNow()
		}
		return
	}
	if !s.post(event{kind: evJoin, conn: c, name: name}) {
		c.closeNow()
		return
	}

	for {
		p, err := protocol.DecodeFrame(raw)
		if err != nil {
			if recoverable(err) {
				debugLog.Printf("Connection %d: skipping bad frame: %v", c.id, err)
				continue
			}
			if !s.post(event{kind: evClosed, conn: c, err: err}) {
				c.closeNow()
			}
			return
		}
		if !s.post(event{kind: evCommand, conn: c, payload: p}) {
			c.closeNow()
			return
		}
	}
}

type handshakeError struct {
	err error
}

func (e *handshakeError) Error() string { return "handshake: " + e.err.Error() }
func (e *handshakeError) Unwrap() error { return e.err }

func (s *Server) readHandshake(raw net.Conn) (string, error) {
	if s.config.HandshakeTimeout > 0 {
		raw.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	p, err := protocol.DecodeFrame(raw)
	if err != nil {
		return "", &handshakeError{err}
	}
	raw.SetReadDeadline(time.Time{})

	name, err := protocol.ParseHandshake(p)
	if err != nil {
		return "", &handshakeError{err}
	}
	return name, nil
}

// recoverable reports whether a read error left the stream in sync. These
// frames were read in full; only their contents were bad.
func recoverable(err error) bool {
	return errors.Is(err, protocol.ErrMalformedPayload) ||
		errors.Is(err, protocol.ErrDecompressionFailed) ||
		errors.Is(err, protocol.ErrInvalidCompressedLen)
}

// run is the event loop. Everything it calls runs on this goroutine.
func (s *Server) run() {
	defer close(s.stopped)

	for {
		select {
		case ev := <-s.events:
			s.dispatch(ev)
			s.dropSlowConsumers()
		case <-s.done:
			s.closeAll()
			return
		}
	}
}

func (s *Server) dispatch(ev event) {
	switch ev.kind {
	case evAccepted:
		s.pending[ev.conn.id] = ev.conn
	case evJoin:
		s.handleJoin(ev.conn, ev.name)
	case evCommand:
		if _, ok := s.conns[ev.conn.id]; !ok {
			return
		}
		s.handleCommand(ev.conn, ev.payload)
	case evClosed:
		s.handleClosed(ev.conn, ev.err)
	case evConsole:
		ev.reply <- s.consoleCommand(ev.line)
	}
}

func (s *Server) handleJoin(c *clientConn, name string) {
	if _, ok := s.pending[c.id]; !ok {
		return
	}
	delete(s.pending, c.id)

	if err := s.validateName(name); err != nil {
		debugLog.Printf("Connection %d: rejected name %q: %v", c.id, name, err)
		s.metrics.RecordHandshakeFailure()
		s.send(c, errorReply(err))
		c.closeGracefully()
		return
	}

	s.conns[c.id] = c
	rec := s.registry.Register(c, name)
	log.Printf("%s connected via %s", s.registry.Describe(rec), c.transport)

	s.journal.Connected(c.id, rec.DisplayName, rec.PeerAddress, c.transport, rec.ConnectedAt)
	s.metrics.RecordConnection(c.transport)
	s.updateGauges()

	s.broadcastPresence()
	s.broadcastRooms()
}

func (s *Server) validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if s.config.MaxNameLength > 0 && len(name) > s.config.MaxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, s.config.MaxNameLength)
	}
	if s.config.UniqueNames {
		if _, taken := s.registry.FindByName(name); taken {
			return fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
	}
	return nil
}

func (s *Server) handleClosed(c *clientConn, err error) {
	if _, ok := s.pending[c.id]; ok {
		delete(s.pending, c.id)
		c.closeNow()
		s.metrics.RecordHandshakeFailure()
		debugLog.Printf("Connection %d: dropped before handshake: %v", c.id, err)
		return
	}
	s.teardown(c, closeReason(err), false)
}

func closeReason(err error) string {
	if err == nil || errors.Is(err, io.EOF) {
		return "closed"
	}
	return "error"
}

// teardown removes a connection from every set, drops its record, prunes
// its room memberships and tells the remaining clients. Untracked
// connections are ignored, so every path may call it.
func (s *Server) teardown(c *clientConn, reason string, graceful bool) {
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	if graceful {
		c.closeGracefully()
	} else {
		c.closeNow()
	}

	rec, ok := s.registry.Deregister(c)
	if !ok {
		return
	}
	log.Printf("%s disconnected (%s)", s.registry.Describe(rec), reason)

	s.journal.Disconnected(c.id, s.clock(), reason)
	s.metrics.RecordDisconnection(reason)
	s.updateGauges()

	if _, stillHere := s.registry.FindByName(rec.DisplayName); !stillHere {
		for _, room := range s.rooms.RemoveMember(rec.DisplayName) {
			s.sendToMembers(room, protocol.NewPayload(protocol.TagInvited, append([]string{room.Name}, room.Members...)...))
		}
	}

	s.broadcastPresence()
}

// dropSlowConsumers disconnects every peer whose queue overflowed during the
// last dispatch. Teardown broadcasts too, so the loop repeats until no new
// overflow appears.
func (s *Server) dropSlowConsumers() {
	for len(s.slow) > 0 {
		slow := s.slow
		s.slow = nil
		for _, c := range slow {
			if _, ok := s.conns[c.id]; !ok {
				continue
			}
			s.metrics.RecordSlowConsumer()
			debugLog.Printf("Connection %d: outbound queue full, disconnecting", c.id)
			s.teardown(c, "slow consumer", false)
		}
	}
}

// closeAll closes every tracked connection at shutdown
func (s *Server) closeAll() {
	s.drainEvents()

	now := s.clock()
	for _, c := range s.pending {
		c.closeNow()
	}
	s.pending = make(map[uint64]*clientConn)

	for _, rec := range s.registry.Records() {
		c := rec.Conn
		c.closeNow()
		delete(s.conns, c.id)
		s.registry.Deregister(c)
		s.journal.Disconnected(c.id, now, "server shutdown")
		s.metrics.RecordDisconnection("server shutdown")
	}
	for _, c := range s.conns {
		c.closeNow()
	}
	s.conns = make(map[uint64]*clientConn)
	s.updateGauges()
	log.Println("All client connections closed")
}

// drainEvents discards whatever readers queued after the loop's last
// dispatch, closing the connections those events belong to
func (s *Server) drainEvents() {
	for {
		select {
		case ev := <-s.events:
			if ev.conn != nil {
				ev.conn.closeNow()
			}
		default:
			return
		}
	}
}

func (s *Server) updateGauges() {
	s.clientCount.Store(int64(s.registry.Len()))
	s.roomCount.Store(int64(s.rooms.Len()))
	s.metrics.SetConnectedClients(s.registry.Len())
	s.metrics.SetRooms(s.rooms.Len())
}

// send encodes p and queues it for one connection. Only encoding can fail;
// a full queue is handled as a slow consumer.
func (s *Server) send(c *clientConn, p protocol.Payload) error {
	frame, err := protocol.EncodeMessage(p)
	if err != nil {
		errorLog.Printf("Connection %d: failed to encode %s: %v", c.id, p.Tag(), err)
		return fmt.Errorf("encode %s: %w", p.Tag(), err)
	}
	s.deliver(c, frame, p.Tag())
	return nil
}

// deliver queues an encoded frame. A full queue marks the peer as a slow
// consumer; it is dropped after the current event.
func (s *Server) deliver(c *clientConn, frame []byte, tag string) {
	if c.enqueue(frame) {
		s.metrics.RecordFrameSent(tag)
		return
	}
	if _, ok := s.conns[c.id]; ok {
		s.slow = append(s.slow, c)
	}
}

// broadcast encodes p once and queues it for every registered client
func (s *Server) broadcast(p protocol.Payload) {
	frame, err := protocol.EncodeMessage(p)
	if err != nil {
		errorLog.Printf("Failed to encode %s broadcast: %v", p.Tag(), err)
		return
	}
	for _, rec := range s.registry.Records() {
		s.deliver(rec.Conn, frame, p.Tag())
	}
}

// broadcastPresence sends every client its own presence listing
func (s *Server) broadcastPresence() {
	for _, rec := range s.registry.Records() {
		s.send(rec.Conn, s.presence(rec))
	}
}

func (s *Server) presence(forClient *ClientRecord) protocol.Payload {
	return protocol.NewPayload(protocol.TagClientList, s.registry.PresenceListing(forClient)...)
}

func (s *Server) broadcastRooms() {
	s.broadcast(protocol.NewPayload(protocol.TagUpdateRoomsList, s.rooms.Names()...))
}

// sendToMembers delivers p to every room member that resolves to a live client
func (s *Server) sendToMembers(room *Room, p protocol.Payload) {
	frame, err := protocol.EncodeMessage(p)
	if err != nil {
		errorLog.Printf("Failed to encode %s for %s: %v", p.Tag(), room.Name, err)
		return
	}
	for _, member := range room.Members {
		if rec, ok := s.registry.FindByName(member); ok {
			s.deliver(rec.Conn, frame, p.Tag())
		}
	}
}

// stamp renders the current time as H:MM
func (s *Server) stamp() string {
	now := s.clock()
	return fmt.Sprintf("%d:%02d", now.Hour(), now.Minute())
}
