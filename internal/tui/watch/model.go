package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agent-runner/internal/events"
	"github.com/mattjoyce/agent-runner/internal/queue"
)

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	client Client

	width  int
	height int

	health     HealthState
	executions map[string]*ExecutionState
	ordered    []*ExecutionState
	eventLog   []events.Event
	lastID     int64
	pulse      Pulse
	now        time.Time

	table table.Model
	theme Theme

	incoming  chan events.Event
	lastError string
}

func New(client Client) Model {
	return Model{
		client:     client,
		executions: make(map[string]*ExecutionState),
		incoming:   make(chan events.Event, 100),
		table:      newExecutionTable(),
		theme:      NewDefaultTheme(),
		now:        time.Now(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.incoming),
		receiveNextEvent(m.incoming),
		fetchHealth(m.client),
		tick(),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if h := m.height/2 - 6; h > 3 {
			m.table.SetHeight(h)
		}

	case tickMsg:
		m.now = time.Time(msg)
		m.refreshRows()
		return m, tick()

	case eventMsg:
		m = m.applyEvent(events.Event(msg))
		return m, receiveNextEvent(m.incoming)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Queue = msg.Queue
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.client)() })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.client, m.lastID, m.incoming)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg { return fetchHealth(m.client)() })
	}

	return m, nil
}

// applyEvent updates every panel from one stream event.
func (m Model) applyEvent(e events.Event) Model {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.pulse.OnEvent(time.Now())
	m.health.Connected = true
	m.lastError = ""

	if e.Type == events.TypeQueueState {
		var s queue.Status
		if json.Unmarshal(e.Data, &s) == nil {
			m.health.Queue = s
		}
	}
	applyEvent(m.executions, e)
	m.refreshRows()
	return m
}

func (m *Model) refreshRows() {
	m.ordered = sortedExecutions(m.executions)
	m.table.SetRows(executionRows(m.ordered, m.now))
}

func (m Model) selected() *ExecutionState {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.ordered) {
		return nil
	}
	return m.ordered[i]
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.client.BaseURL, m.health, m.pulse, m.theme, m.width, m.now),
		renderExecutions(m.table, m.selected(), m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [↑/↓] select execution"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
