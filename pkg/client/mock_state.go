package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	config            map[string]string
	connectionHistory map[string]string
	dir               string

	// Error injection
	getConfigErr error
	setConfigErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:            make(map[string]string),
		connectionHistory: make(map[string]string),
		dir:               "/tmp/mock-state",
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}

	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.setConfigErr != nil {
		return s.setConfigErr
	}

	s.config[key] = value
	return nil
}

// GetLastNickname returns the last used nickname
func (s *MockState) GetLastNickname() string {
	nickname, _ := s.GetConfig("last_nickname")
	return nickname
}

// SetLastNickname stores the last used nickname
func (s *MockState) SetLastNickname(nickname string) error {
	return s.SetConfig("last_nickname", nickname)
}

// GetLastServer returns the last server address
func (s *MockState) GetLastServer() string {
	address, _ := s.GetConfig("last_server")
	return address
}

// SetLastServer stores the last server address
func (s *MockState) SetLastServer(address string) error {
	return s.SetConfig("last_server", address)
}

// GetNotificationsEnabled reports the notification preference
func (s *MockState) GetNotificationsEnabled() bool {
	val, _ := s.GetConfig("notifications")
	return val != "off"
}

// SetNotificationsEnabled stores the notification preference
func (s *MockState) SetNotificationsEnabled(enabled bool) error {
	if enabled {
		return s.SetConfig("notifications", "on")
	}
	return s.SetConfig("notifications", "off")
}

// GetLastSuccessfulMethod returns the recorded method for a server
func (s *MockState) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectionHistory[serverAddress], nil
}

// SaveSuccessfulConnection records the method for a server
func (s *MockState) SaveSuccessfulConnection(serverAddress string, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionHistory[serverAddress] = method
	return nil
}

// GetStateDir returns the mock state directory
func (s *MockState) GetStateDir() string {
	return s.dir
}

// Close is a no-op
func (s *MockState) Close() error {
	return nil
}

// Test helpers

// SetGetConfigError makes GetConfig fail
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError makes SetConfig fail
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}
