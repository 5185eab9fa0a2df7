package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agent-runner/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeFinished:
		status, _ := data["status"].(string)
		typeStyle = theme.stateStyle(status)
	case events.TypeState:
		state, _ := data["state"].(string)
		typeStyle = theme.stateStyle(state)
	case events.TypeCallback:
		typeStyle = theme.StatusOK
		if data["delivered"] != true {
			typeStyle = theme.StatusFailed
		}
	case events.TypeMaintenance, events.TypeQueueState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-20s", e.Type)), describeEvent(e))
}

// describeEvent is the one-line summary shown after the event type.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if e.ExecutionID != "" {
		parts = append(parts, "["+shortID(e.ExecutionID)+"]")
	}

	switch e.Type {
	case events.TypeAccepted:
		parts = appendString(parts, data, "source", "workspace")
	case events.TypeState:
		parts = appendString(parts, data, "state")
	case events.TypeFinished:
		parts = appendString(parts, data, "status")
		if ms, ok := data["durationMs"].(float64); ok {
			parts = append(parts, fmt.Sprintf("%.0fms", ms))
		}
	case events.TypeCallback:
		if data["delivered"] == true {
			parts = append(parts, fmt.Sprintf("delivered %.0f", data["statusCode"]))
		} else {
			parts = append(parts, "failed")
			parts = appendString(parts, data, "error")
		}
	case events.TypeQueueState:
		parts = append(parts, fmt.Sprintf("active=%v queued=%v max=%v", data["active"], data["queued"], data["max"]))
	case events.TypeMaintenance:
		parts = appendString(parts, data, "task", "error")
	}

	if len(parts) == 0 {
		return shorten(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func appendString(parts []string, data map[string]any, keys ...string) []string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return parts
}
