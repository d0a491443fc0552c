// Package tui holds the palette and styles shared by the terminal UIs.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/amurg-ai/botgate/pkg/protocol"
)

// Colors.
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // violet
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorText    = lipgloss.Color("#E5E7EB")
	ColorSubtle  = lipgloss.Color("#9CA3AF")
	ColorCode    = lipgloss.Color("#38BDF8") // sky
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Subtitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorSecondary)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Panel is a rounded border around a console region.
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorMuted).
		Padding(0, 1)

	ActiveDot   = lipgloss.NewStyle().Foreground(ColorSuccess).Render("●")
	InactiveDot = lipgloss.NewStyle().Foreground(ColorError).Render("●")
	WarnDot     = lipgloss.NewStyle().Foreground(ColorWarning).Render("●")
)

// RunDot returns a colored dot for a run status string.
func RunDot(status string) string {
	switch status {
	case protocol.StatusRunning:
		return ActiveDot
	case protocol.StatusStarting:
		return WarnDot
	default:
		return InactiveDot
	}
}

// ConnText renders the agent service connection state.
func ConnText(connected bool) string {
	if connected {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("disconnected")
}

// LogKindStyle returns the style for a run log entry kind.
func LogKindStyle(kind protocol.LogKind) lipgloss.Style {
	switch kind {
	case protocol.LogThinking:
		return lipgloss.NewStyle().Foreground(ColorSubtle).Italic(true)
	case protocol.LogAction:
		return lipgloss.NewStyle().Foreground(ColorSecondary)
	case protocol.LogCode:
		return lipgloss.NewStyle().Foreground(ColorCode)
	case protocol.LogResult:
		return lipgloss.NewStyle().Foreground(ColorSuccess)
	case protocol.LogError:
		return lipgloss.NewStyle().Foreground(ColorError)
	case protocol.LogUserMessage:
		return lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	case protocol.LogSystem, protocol.LogState:
		return lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
