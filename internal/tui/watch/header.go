package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agent-runner/internal/queue"
)

// HealthState is the last /healthz result plus stream connectivity.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Queue         queue.Status
	Connected     bool
	LastCheck     time.Time
}

// Pulse lights up on each event and fades over ten seconds.
type Pulse struct {
	lastEvent time.Time
}

func (p *Pulse) OnEvent(at time.Time) { p.lastEvent = at }

func (p Pulse) LastEvent() time.Time { return p.lastEvent }

// Level is 0..5, 5 meaning an event within the last two seconds.
func (p Pulse) Level(now time.Time) int {
	if p.lastEvent.IsZero() {
		return 0
	}
	elapsed := now.Sub(p.lastEvent)
	level := 5 - int(elapsed/(2*time.Second))
	if level < 0 {
		return 0
	}
	return level
}

func (p Pulse) Render(theme Theme, now time.Time) string {
	var b strings.Builder
	level := p.Level(now)
	for i := range 5 {
		if i < level {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(target string, health HealthState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	if !health.Connected {
		statusText = theme.StatusFailed.Render("CONNECTING")
	} else if health.Status != "ok" && health.Status != "" {
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(pulse.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" AGENT RUNNER %s", theme.Dim.Render(target))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	q := health.Queue
	statsLine := fmt.Sprintf(" %s  up %s  active %d/%d  queued %d",
		statusText,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		q.Active, q.Max, q.Queued,
	)
	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, pulse.Render(theme, now))

	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine),
	)
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
