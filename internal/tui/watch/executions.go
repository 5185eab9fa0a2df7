package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agent-runner/internal/events"
)

const maxTrackedExecutions = 100

// ExecutionState is what the dashboard knows about one execution.
type ExecutionState struct {
	ID        string
	Source    string
	Workspace string
	State     string
	Status    string
	CostUSD   float64
	Turns     int
	Callback  string
	Started   time.Time
	Finished  time.Time
	Error     string
}

func (e *ExecutionState) duration(now time.Time) time.Duration {
	if e.Started.IsZero() {
		return 0
	}
	if !e.Finished.IsZero() {
		return e.Finished.Sub(e.Started)
	}
	return now.Sub(e.Started)
}

func (e *ExecutionState) active() bool {
	return e.Finished.IsZero()
}

// applyEvent folds an execution event into execs. Events without an
// execution id are ignored.
func applyEvent(execs map[string]*ExecutionState, e events.Event) {
	if e.ExecutionID == "" {
		return
	}
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	ex, ok := execs[e.ExecutionID]
	if !ok {
		ex = &ExecutionState{ID: e.ExecutionID, State: "queued", Started: e.At}
		execs[e.ExecutionID] = ex
	}

	switch e.Type {
	case events.TypeAccepted:
		ex.Source, _ = data["source"].(string)
		ex.Workspace, _ = data["workspace"].(string)
	case events.TypeState:
		ex.State, _ = data["state"].(string)
		if ex.State == "done" && ex.Finished.IsZero() {
			ex.Finished = e.At
		}
	case events.TypeFinished:
		ex.Status, _ = data["status"].(string)
		ex.CostUSD, _ = data["totalCostUsd"].(float64)
		if turns, ok := data["numTurns"].(float64); ok {
			ex.Turns = int(turns)
		}
		ex.Error, _ = data["error"].(string)
		ex.Finished = e.At
	case events.TypeCallback:
		switch {
		case data["delivered"] == true:
			ex.Callback = fmt.Sprintf("%.0f", data["statusCode"])
		case data["statusCode"] != nil && data["statusCode"] != float64(0):
			ex.Callback = fmt.Sprintf("%.0f!", data["statusCode"])
		default:
			ex.Callback = "err"
		}
	}

	pruneExecutions(execs)
}

// pruneExecutions drops the oldest finished executions past the cap.
func pruneExecutions(execs map[string]*ExecutionState) {
	if len(execs) <= maxTrackedExecutions {
		return
	}
	finished := make([]*ExecutionState, 0, len(execs))
	for _, ex := range execs {
		if !ex.active() {
			finished = append(finished, ex)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Finished.Before(finished[j].Finished) })
	for _, ex := range finished {
		if len(execs) <= maxTrackedExecutions {
			return
		}
		delete(execs, ex.ID)
	}
}

// sortedExecutions lists active executions first, then newest first.
func sortedExecutions(execs map[string]*ExecutionState) []*ExecutionState {
	out := make([]*ExecutionState, 0, len(execs))
	for _, ex := range execs {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].active() != out[j].active() {
			return out[i].active()
		}
		return out[i].Started.After(out[j].Started)
	})
	return out
}

func newExecutionTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 14},
			{Title: "State", Width: 22},
			{Title: "Workspace", Width: 9},
			{Title: "Src", Width: 4},
			{Title: "Duration", Width: 9},
			{Title: "Cost", Width: 8},
			{Title: "Turns", Width: 5},
			{Title: "CB", Width: 4},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("24")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func executionRows(execs []*ExecutionState, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(execs))
	for _, ex := range execs {
		state := ex.State
		if ex.Status != "" && !ex.active() {
			state = ex.State + " (" + ex.Status + ")"
		}
		cost := ""
		if ex.CostUSD > 0 {
			cost = fmt.Sprintf("$%.3f", ex.CostUSD)
		}
		turns := ""
		if ex.Turns > 0 {
			turns = fmt.Sprint(ex.Turns)
		}
		rows = append(rows, table.Row{
			shortID(ex.ID),
			state,
			ex.Workspace,
			ex.Source,
			formatDuration(ex.duration(now)),
			cost,
			turns,
			ex.Callback,
		})
	}
	return rows
}

func renderExecutions(t table.Model, selected *ExecutionState, theme Theme, width int) string {
	parts := []string{theme.Title.Render("EXECUTIONS"), t.View()}
	if selected != nil && selected.Error != "" {
		parts = append(parts, theme.StatusFailed.Render(" "+shorten(selected.Error, width-8)))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + ".."
	}
	return id
}

func shorten(s string, n int) string {
	if n < 4 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
