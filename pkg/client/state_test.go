package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	state, err := OpenState(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state
}

func TestStateConfig(t *testing.T) {
	state := openTestState(t)

	value, err := state.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	require.NoError(t, state.SetConfig("theme", "dark"))
	require.NoError(t, state.SetConfig("theme", "light"))
	value, err = state.GetConfig("theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)
}

func TestStateNicknameAndServer(t *testing.T) {
	state := openTestState(t)

	assert.Empty(t, state.GetLastNickname())
	assert.Empty(t, state.GetLastServer())

	require.NoError(t, state.SetLastNickname("alice"))
	require.NoError(t, state.SetLastServer("ws://chat.example.com"))
	assert.Equal(t, "alice", state.GetLastNickname())
	assert.Equal(t, "ws://chat.example.com", state.GetLastServer())
}

func TestStateNotifications(t *testing.T) {
	state := openTestState(t)

	assert.True(t, state.GetNotificationsEnabled(), "on by default")
	require.NoError(t, state.SetNotificationsEnabled(false))
	assert.False(t, state.GetNotificationsEnabled())
	require.NoError(t, state.SetNotificationsEnabled(true))
	assert.True(t, state.GetNotificationsEnabled())
}

func TestStateConnectionHistory(t *testing.T) {
	state := openTestState(t)

	method, err := state.GetLastSuccessfulMethod("example.com:12345")
	require.NoError(t, err)
	assert.Empty(t, method)

	require.NoError(t, state.SaveSuccessfulConnection("example.com:8080", "websocket"))
	assert.Equal(t, "ws://example.com", ResolveConnectionMethod(state, "example.com"))
}

func TestStatePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	state, err := OpenState(path)
	require.NoError(t, err)
	require.NoError(t, state.SetLastNickname("bob"))
	assert.Equal(t, filepath.Dir(path), state.GetStateDir())
	require.NoError(t, state.Close())

	reopened, err := OpenState(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "bob", reopened.GetLastNickname())
}
