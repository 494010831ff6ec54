package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	connectedAt := time.UnixMilli(1_700_000_000_000)
	id, err := db.InsertSession("alice", "127.0.0.1:5000", "tcp", connectedAt)
	require.NoError(t, err)

	records, err := db.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0].DisplayName)
	assert.Equal(t, "127.0.0.1:5000", records[0].RemoteAddr)
	assert.Equal(t, "tcp", records[0].Transport)
	assert.True(t, connectedAt.Equal(records[0].ConnectedAt))
	assert.Nil(t, records[0].DisconnectedAt)

	disconnectedAt := connectedAt.Add(90 * time.Second)
	require.NoError(t, db.CloseSession(id, disconnectedAt, "peer closed"))

	records, err = db.RecentSessions(10)
	require.NoError(t, err)
	require.NotNil(t, records[0].DisconnectedAt)
	assert.True(t, disconnectedAt.Equal(*records[0].DisconnectedAt))
	assert.Equal(t, "peer closed", records[0].Reason)

	// Closing twice reports the row as already settled
	assert.ErrorIs(t, db.CloseSession(id, disconnectedAt, "again"), ErrSessionNotFound)
}

func TestRecentSessionsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	base := time.UnixMilli(1_700_000_000_000)
	for i, name := range []string{"alice", "bob", "carol"} {
		_, err := db.InsertSession(name, "10.0.0.1:1", "tcp", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	records, err := db.RecentSessions(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "carol", records[0].DisplayName)
	assert.Equal(t, "bob", records[1].DisplayName)
}

func TestCloseOpenSessions(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()

	_, err := db.InsertSession("alice", "a", "tcp", time.Now())
	require.NoError(t, err)
	id, err := db.InsertSession("bob", "b", "websocket", time.Now())
	require.NoError(t, err)
	require.NoError(t, db.CloseSession(id, time.Now(), "end"))

	n, err := db.CloseOpenSessions(time.Now(), "server restart")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestJournalWritesAsynchronously(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(path)
	require.NoError(t, err)
	j := NewJournal(db, 16)

	now := time.Now()
	j.Connected(1, "alice", "127.0.0.1:1", "tcp", now)
	j.Connected(2, "bob", "127.0.0.1:2", "websocket", now.Add(time.Millisecond))
	j.Disconnected(1, now.Add(time.Second), "end")
	// Unknown keys are ignored
	j.Disconnected(99, now, "never connected")

	// Close drains the queue before closing the database, so reopen to read
	require.NoError(t, j.Close())

	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	records, err := db2.RecentSessions(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byName := map[string]SessionRecord{}
	for _, r := range records {
		byName[r.DisplayName] = r
	}
	require.NotNil(t, byName["alice"].DisconnectedAt)
	assert.Equal(t, "end", byName["alice"].Reason)
	assert.Nil(t, byName["bob"].DisconnectedAt)
	assert.Equal(t, "websocket", byName["bob"].Transport)
	assert.Equal(t, int64(0), j.Dropped())
}

func TestJournalRestartSettlesOpenRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = db.InsertSession("ghost", "a", "tcp", time.Now())
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	j := NewJournal(db, 4)
	defer j.Close()

	records, err := j.Recent(5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].DisconnectedAt)
	assert.Equal(t, "server restart", records[0].Reason)
}

func TestNilJournalIsNoop(t *testing.T) {
	var j *Journal
	j.Connected(1, "alice", "a", "tcp", time.Now())
	j.Disconnected(1, time.Now(), "end")
	assert.Equal(t, int64(0), j.Dropped())
	assert.NoError(t, j.Close())

	_, err := j.Recent(10)
	assert.ErrorIs(t, err, ErrJournalDisabled)
}
