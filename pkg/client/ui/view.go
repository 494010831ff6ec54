package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// View renders the current view
func (m Model) View() string {
	// Don't render until we have dimensions
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	switch m.connectionState {
	case StateDisconnected:
		return m.renderOverlay("Disconnected from server", "Press Ctrl+C to quit")
	case StateReconnecting:
		return m.renderOverlay(fmt.Sprintf("Reconnecting (attempt %d)...", m.reconnectAttempt), "Press Ctrl+C to give up")
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), m.renderChatPane())
	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		m.chatTextarea.View(),
		m.renderFooter(),
	)
}

func (m Model) renderOverlay(title, hint string) string {
	box := OverlayStyle.Render(lipgloss.JoinVertical(lipgloss.Center,
		ErrorStyle.Render(title),
		"",
		MutedTextStyle.Render(hint),
	))
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}

func (m Model) renderHeader() string {
	left := HeaderStyle.Render("roomchat")

	status := fmt.Sprintf("%s @ %s (%s)", m.nickname, m.conn.GetAddress(), m.conn.GetConnectionType())
	traffic := MutedTextStyle.Render(fmt.Sprintf("  ↑%s ↓%s",
		formatBytes(m.conn.GetBytesSent()), formatBytes(m.conn.GetBytesReceived())))
	right := StatusStyle.Render(status) + traffic

	spacer := strings.Repeat(" ", max(0, m.width-lipgloss.Width(left)-lipgloss.Width(right)))
	return left + spacer + right
}

func (m Model) renderFooter() string {
	switch {
	case m.errorMessage != "":
		return ErrorStyle.Render(m.errorMessage)
	case m.statusMessage != "":
		return StatusStyle.Render(m.statusMessage)
	}
	return MutedTextStyle.Render("[Enter] send  [Tab] next conversation  [PgUp/PgDn] scroll  /help  [Ctrl+C] quit")
}

func (m Model) renderSidebar() string {
	width := m.sidebarWidth()
	var b strings.Builder

	b.WriteString(SectionTitleStyle.Render("Conversations"))
	b.WriteString("\n")
	b.WriteString(m.renderSidebarItem("server", serverTab, 0, width))
	for _, key := range m.order {
		conv := m.conversations[key]
		b.WriteString(m.renderSidebarItem(conv.Title(), key, conv.Unread, width))
	}

	b.WriteString("\n")
	b.WriteString(SectionTitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.presence))))
	b.WriteString("\n")
	for _, entry := range m.presence {
		b.WriteString(truncate(entry, width))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(MutedTextStyle.Render(fmt.Sprintf("%d rooms on server", len(m.rooms))))

	// Width and Height include padding; +1 row matches the chat pane title
	return SidebarStyle.
		Width(width + 2).
		Height(m.chatViewport.Height + 1).
		Render(b.String())
}

func (m Model) renderSidebarItem(title, key string, unread, width int) string {
	label := title
	if unread > 0 {
		label = fmt.Sprintf("%s (%d)", title, unread)
	}
	label = truncate(label, width)

	switch {
	case key == m.active:
		return ActiveItemStyle.Render(label) + "\n"
	case unread > 0:
		return UnreadStyle.Render(label) + "\n"
	}
	return label + "\n"
}

func (m Model) renderChatPane() string {
	title := "server"
	if m.active != serverTab {
		title = m.active
	}
	if conv, ok := m.conversations[m.active]; ok && conv.Room {
		title = fmt.Sprintf("%s  %s", title, MutedTextStyle.Render(strings.Join(conv.Members, ", ")))
	}

	content := m.chatViewport.View()
	return ChatPaneStyle.
		Width(m.chatViewport.Width + 2).
		Render(lipgloss.JoinVertical(lipgloss.Left, SectionTitleStyle.Render(truncate(title, m.chatViewport.Width)), content))
}

// buildChatContent renders the active conversation's lines for the viewport
func (m Model) buildChatContent() string {
	lines := m.activeLines()
	if len(lines) == 0 {
		return MutedTextStyle.Render("Nothing here yet.")
	}

	wrap := lipgloss.NewStyle().Width(m.chatViewport.Width)
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		rendered = append(rendered, wrap.Render(m.styleLine(line)))
	}
	return strings.Join(rendered, "\n")
}

func (m Model) styleLine(line string) string {
	switch {
	case strings.HasPrefix(line, "* "):
		return SystemLineStyle.Render(line)
	case strings.HasPrefix(line, "Me ("), strings.HasPrefix(line, m.nickname+" ("):
		return SelfLineStyle.Render(line)
	}
	return line
}

// truncate shortens s to width cells, marking the cut with an ellipsis
func truncate(s string, width int) string {
	if width <= 0 || lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
