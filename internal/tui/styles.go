package tui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#16A34A") // green
	accentColor  = lipgloss.Color("#06B6D4") // cyan
	mutedColor   = lipgloss.Color("#6B7280") // gray
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	onlineStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	pulseStyle = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)
