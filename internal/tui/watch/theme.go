// Package watch is a terminal dashboard that follows a running agent-runner
// through its /events stream and /healthz endpoint.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds every style the dashboard renders with.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusQueued  lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	accent := lipgloss.Color("#5FAFD7")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		StatusQueued:  lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(accent),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#EEEEEE")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#8A8A8A")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#D7AF5F")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD75F")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// stateStyle picks the colour for an execution state or callback status.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "completed", "success", "done":
		return t.StatusOK
	case "failed", "timed_out", "error":
		return t.StatusFailed
	case "queued", "created":
		return t.StatusQueued
	default:
		return t.StatusRunning
	}
}
