package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state
type State struct {
	db  *sql.DB
	dir string // Directory where state is stored
}

// OpenState opens or creates the client state database
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// Client only needs one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := createStateTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &State{db: db, dir: dir}, nil
}

func createStateTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS Config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ConnectionHistory (
			server_address TEXT PRIMARY KEY,
			last_successful_method TEXT NOT NULL,
			last_success_at INTEGER NOT NULL
		);
	`)
	return err
}

// Close closes the state database
func (s *State) Close() error {
	return s.db.Close()
}

// GetConfig retrieves a configuration value
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// GetLastNickname returns the last used nickname
func (s *State) GetLastNickname() string {
	nickname, _ := s.GetConfig("last_nickname")
	return nickname
}

// SetLastNickname stores the last used nickname
func (s *State) SetLastNickname(nickname string) error {
	return s.SetConfig("last_nickname", nickname)
}

// GetLastServer returns the last server address the user typed
func (s *State) GetLastServer() string {
	address, _ := s.GetConfig("last_server")
	return address
}

// SetLastServer stores the last server address
func (s *State) SetLastServer(address string) error {
	return s.SetConfig("last_server", address)
}

// GetNotificationsEnabled reports whether desktop notifications are on.
// They are on until the user turns them off.
func (s *State) GetNotificationsEnabled() bool {
	val, _ := s.GetConfig("notifications")
	return val != "off"
}

// SetNotificationsEnabled stores the notification preference
func (s *State) SetNotificationsEnabled(enabled bool) error {
	if enabled {
		return s.SetConfig("notifications", "on")
	}
	return s.SetConfig("notifications", "off")
}

// GetLastSuccessfulMethod retrieves the last successful connection method for a server
func (s *State) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	var method string
	err := s.db.QueryRow(`
		SELECT last_successful_method
		FROM ConnectionHistory
		WHERE server_address = ?
	`, serverAddress).Scan(&method)

	if err == sql.ErrNoRows {
		return "", nil
	}
	return method, err
}

// SaveSuccessfulConnection records a successful connection method for a server
func (s *State) SaveSuccessfulConnection(serverAddress string, method string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ConnectionHistory (server_address, last_successful_method, last_success_at)
		VALUES (?, ?, ?)
	`, serverAddress, method, time.Now().Unix())
	return err
}

// GetStateDir returns the directory where state is stored
func (s *State) GetStateDir() string {
	return s.dir
}
