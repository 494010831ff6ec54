package client

import (
	"github.com/aeolun/roomchat/pkg/protocol"
)

// ConnectionInterface defines the interface for client connections
// This allows for mocking in tests while the real Connection implements all these methods
type ConnectionInterface interface {
	// Connection management
	Connect(name string) error
	Disconnect()
	Close()
	IsConnected() bool
	GetAddress() string
	GetRawAddress() string
	Name() string

	// Sending
	Send(p protocol.Payload) error
	SendCommand(cmd protocol.Command) error

	// Channels for receiving data
	Incoming() <-chan protocol.Payload
	Errors() <-chan error
	StateChanges() <-chan ConnectionStateUpdate

	// Configuration
	DisableAutoReconnect()
	EnableAutoReconnect()

	// Traffic statistics
	GetBytesSent() uint64
	GetBytesReceived() uint64

	// Connection information
	GetConnectionType() string
}

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	// Nickname management
	GetLastNickname() string
	SetLastNickname(nickname string) error

	// Server management
	GetLastServer() string
	SetLastServer(address string) error

	// Connection history
	GetLastSuccessfulMethod(serverAddress string) (string, error)
	SaveSuccessfulConnection(serverAddress string, method string) error

	// Notification preference
	GetNotificationsEnabled() bool
	SetNotificationsEnabled(enabled bool) error

	// State directory
	GetStateDir() string

	Close() error
}
