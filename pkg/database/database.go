package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrSessionNotFound indicates no session row has the given ID.
	ErrSessionNotFound = errors.New("session not found")
)

// DB wraps the SQLite connection holding the session journal
type DB struct {
	conn *sql.DB
}

// SessionRecord is one connection's entry in the journal. Message bodies are
// never stored; only who connected, from where, and for how long.
type SessionRecord struct {
	ID             int64
	DisplayName    string
	RemoteAddr     string
	Transport      string
	ConnectedAt    time.Time
	DisconnectedAt *time.Time
	Reason         string
}

// Open opens the SQLite database at the given path and initializes the
// schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer goroutine owns the journal; one connection is enough
	// and keeps ":memory:" databases coherent.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA journal_mode = WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout = 5000", "set busy timeout"},
		{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Session (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	display_name TEXT NOT NULL,
	remote_addr TEXT NOT NULL,
	transport TEXT NOT NULL,
	connected_at INTEGER NOT NULL,
	disconnected_at INTEGER,
	reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_session_connected_at ON Session(connected_at);
CREATE INDEX IF NOT EXISTS idx_session_display_name ON Session(display_name);
`
	_, err := db.conn.Exec(schema)
	return err
}

// InsertSession records a new connection and returns its row ID
func (db *DB) InsertSession(name, remoteAddr, transport string, connectedAt time.Time) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO Session (display_name, remote_addr, transport, connected_at) VALUES (?, ?, ?, ?)`,
		name, remoteAddr, transport, connectedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	return res.LastInsertId()
}

// CloseSession stamps the disconnect time and reason on a session row
func (db *DB) CloseSession(id int64, disconnectedAt time.Time, reason string) error {
	res, err := db.conn.Exec(
		`UPDATE Session SET disconnected_at = ?, reason = ? WHERE id = ? AND disconnected_at IS NULL`,
		disconnectedAt.UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CloseOpenSessions marks every session without a disconnect time as closed.
// Used on startup to settle rows left behind by a crashed process.
func (db *DB) CloseOpenSessions(at time.Time, reason string) (int64, error) {
	res, err := db.conn.Exec(
		`UPDATE Session SET disconnected_at = ?, reason = ? WHERE disconnected_at IS NULL`,
		at.UnixMilli(), reason,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return res.RowsAffected()
}

// RecentSessions returns up to limit sessions, newest first
func (db *DB) RecentSessions(limit int) ([]SessionRecord, error) {
	rows, err := db.conn.Query(
		`SELECT id, display_name, remote_addr, transport, connected_at, disconnected_at, reason
		 FROM Session ORDER BY connected_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			rec            SessionRecord
			connectedAt    int64
			disconnectedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.DisplayName, &rec.RemoteAddr, &rec.Transport, &connectedAt, &disconnectedAt, &rec.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.ConnectedAt = time.UnixMilli(connectedAt)
		if disconnectedAt.Valid {
			t := time.UnixMilli(disconnectedAt.Int64)
			rec.DisconnectedAt = &t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
