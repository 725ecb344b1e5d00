// ABOUTME: Lipgloss styles for the player TUI
// ABOUTME: Colors follow session state so errors stand out
package ui

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("#7D56F4")
	successColor = lipgloss.Color("#43BF6D")
	errorColor   = lipgloss.Color("#FF5555")
	warningColor = lipgloss.Color("#FFA500")
	mutedColor   = lipgloss.Color("#626262")
)

var (
	frameStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(8)

	okStyle    = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	busyStyle  = lipgloss.NewStyle().Foreground(warningColor)
	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle  = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
)
