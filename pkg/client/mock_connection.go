package client

import (
	"fmt"
	"sync"

	"github.com/aeolun/roomchat/pkg/protocol"
)

// MockConnection is a test implementation of ConnectionInterface
type MockConnection struct {
	mu sync.RWMutex

	// State
	connected     bool
	address       string
	name          string
	autoReconnect bool
	connectErr    error
	sendErr       error

	// Channels for communication
	incoming    chan protocol.Payload
	errors      chan error
	stateChange chan ConnectionStateUpdate

	// Sent payloads for verification
	SentPayloads []protocol.Payload
}

// NewMockConnection creates a new mock connection
func NewMockConnection(address string) *MockConnection {
	return &MockConnection{
		address:      address,
		incoming:     make(chan protocol.Payload, 100),
		errors:       make(chan error, 10),
		stateChange:  make(chan ConnectionStateUpdate, 10),
		SentPayloads: make([]protocol.Payload, 0),
	}
}

// Connect simulates connecting to the server
func (m *MockConnection) Connect(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.connectErr
	}

	m.name = name
	m.connected = true
	return nil
}

// Disconnect simulates disconnecting from the server
func (m *MockConnection) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// Close closes the mock connection
func (m *MockConnection) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	close(m.incoming)
	close(m.errors)
	close(m.stateChange)
}

// IsConnected returns the connection status
func (m *MockConnection) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// GetAddress returns the mock address
func (m *MockConnection) GetAddress() string {
	return m.address
}

// GetRawAddress returns the raw address without scheme
func (m *MockConnection) GetRawAddress() string {
	return m.address
}

// Name returns the name passed to Connect
func (m *MockConnection) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// GetConnectionType returns the connection type (always "tcp" for mock)
func (m *MockConnection) GetConnectionType() string {
	return "tcp"
}

// Send records the payload for verification
func (m *MockConnection) Send(p protocol.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	if !m.connected {
		return ErrNotConnected
	}

	m.SentPayloads = append(m.SentPayloads, p)
	return nil
}

// SendCommand records the command's payload
func (m *MockConnection) SendCommand(cmd protocol.Command) error {
	return m.Send(cmd.Payload())
}

// Incoming returns the incoming payload channel
func (m *MockConnection) Incoming() <-chan protocol.Payload {
	return m.incoming
}

// Errors returns the error channel
func (m *MockConnection) Errors() <-chan error {
	return m.errors
}

// StateChanges returns the state change channel
func (m *MockConnection) StateChanges() <-chan ConnectionStateUpdate {
	return m.stateChange
}

// DisableAutoReconnect disables auto-reconnect
func (m *MockConnection) DisableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = false
}

// EnableAutoReconnect enables automatic reconnection
func (m *MockConnection) EnableAutoReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoReconnect = true
}

// GetBytesSent returns 0 for mock
func (m *MockConnection) GetBytesSent() uint64 {
	return 0
}

// GetBytesReceived returns 0 for mock
func (m *MockConnection) GetBytesReceived() uint64 {
	return 0
}

// Test helpers

// SetConnectError sets an error to return from Connect()
func (m *MockConnection) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// SetSendError sets an error to return from Send()
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SimulateIncoming sends a payload to the incoming channel
func (m *MockConnection) SimulateIncoming(p protocol.Payload) {
	m.incoming <- p
}

// SimulateError sends an error to the errors channel
func (m *MockConnection) SimulateError(err error) {
	m.errors <- err
}

// SimulateStateChange sends a state change to the stateChange channel
func (m *MockConnection) SimulateStateChange(state ConnectionStateUpdate) {
	m.stateChange <- state
}

// GetSentCount returns the number of payloads sent
func (m *MockConnection) GetSentCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.SentPayloads)
}

// GetLastSent returns the last payload sent, or error if none
func (m *MockConnection) GetLastSent() (protocol.Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.SentPayloads) == 0 {
		return nil, fmt.Errorf("no payloads sent")
	}

	return m.SentPayloads[len(m.SentPayloads)-1], nil
}

// ClearSent clears the sent payload list
func (m *MockConnection) ClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SentPayloads = make([]protocol.Payload, 0)
}
