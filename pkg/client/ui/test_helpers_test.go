package ui

import (
	"io"
	"log"

	"github.com/aeolun/roomchat/pkg/client"
	"github.com/aeolun/roomchat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

type sentNotification struct {
	title string
	body  string
}

// NewTestModel creates a Model for "alice" with mock dependencies
func NewTestModel() (Model, *client.MockConnection, *client.MockState, *[]sentNotification) {
	conn := client.NewMockConnection("localhost:12345")
	conn.Connect("alice")
	state := client.NewMockState()
	logger := log.New(io.Discard, "", 0) // Discard logs in tests

	m := NewModel(conn, state, logger)
	notes := &[]sentNotification{}
	m.notify = func(title, body string) error {
		*notes = append(*notes, sentNotification{title: title, body: body})
		return nil
	}
	return m, conn, state, notes
}

// SetupTestModelWithDimensions creates a test model that has received a window size
func SetupTestModelWithDimensions(width, height int) (Model, *client.MockConnection) {
	m, conn, _, _ := NewTestModel()
	updated, _ := m.Update(tea.WindowSizeMsg{Width: width, Height: height})
	return updated.(Model), conn
}

// deliver feeds server payloads through Update in order
func deliver(m Model, payloads ...protocol.Payload) Model {
	for _, p := range payloads {
		updated, _ := m.Update(ServerPayloadMsg{Payload: p})
		m = updated.(Model)
	}
	return m
}

// typeLine submits a line as if typed into the input box
func typeLine(m Model, line string) (Model, tea.Cmd) {
	m.chatTextarea.SetValue(line)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(Model), cmd
}
