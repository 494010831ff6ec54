package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor = lipgloss.Color("63")
	AccentColor  = lipgloss.Color("170")
	MutedColor   = lipgloss.Color("241")
	ErrorColor   = lipgloss.Color("196")
	WarningColor = lipgloss.Color("214")
	SuccessColor = lipgloss.Color("42")

	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(PrimaryColor).
			Padding(0, 1)

	StatusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	SidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 1)

	ChatPaneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(PrimaryColor).
			Padding(0, 1)

	SectionTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(AccentColor)

	ActiveItemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(AccentColor)

	UnreadStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(WarningColor)

	MutedTextStyle = lipgloss.NewStyle().
			Foreground(MutedColor)

	SelfLineStyle = lipgloss.NewStyle().
			Foreground(SuccessColor)

	SystemLineStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Italic(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ErrorColor).
			Bold(true)

	OverlayStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(WarningColor).
			Padding(1, 3)
)
