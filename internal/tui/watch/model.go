package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/cascade/internal/events"
)

// taskRow tracks the displayed state of one task.
type taskRow struct {
	id       string
	state    string
	attempts int
	retries  int
	fallback bool
}

// Model is the BubbleTea model for the watch view.
type Model struct {
	runID string
	order []string

	width  int
	height int

	rows      map[string]*taskRow
	eventLog  []events.Event
	runStatus string

	spinner spinner.Model
	theme   Theme

	hubEvents <-chan events.Event
	cancelSub func()
}

type eventMsg events.Event
type runDoneMsg struct{}

// New creates a watch model for one run. order is the topological task
// order; the subscription must be created before the run starts so no
// event is missed.
func New(runID string, order []string, hub *events.Hub) *Model {
	ch, cancel := hub.Subscribe()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#874BFD"))

	rows := make(map[string]*taskRow, len(order))
	for _, id := range order {
		rows[id] = &taskRow{id: id, state: "pending"}
	}

	return &Model{
		runID:     runID,
		order:     order,
		rows:      rows,
		runStatus: "active",
		spinner:   sp,
		theme:     NewDefaultTheme(),
		hubEvents: ch,
		cancelSub: cancel,
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return runDoneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		receiveNextEvent(m.hubEvents),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancelSub()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		ev := events.Event(msg)
		m.apply(ev)

		m.eventLog = append([]events.Event{ev}, m.eventLog...)
		if len(m.eventLog) > 20 {
			m.eventLog = m.eventLog[:20]
		}

		if ev.Type == events.TypeRunFinished {
			// Leave the final state on screen briefly, then exit.
			return m, tea.Tick(1500*time.Millisecond, func(time.Time) tea.Msg {
				return runDoneMsg{}
			})
		}
		return m, receiveNextEvent(m.hubEvents)

	case runDoneMsg:
		m.cancelSub()
		return m, tea.Quit
	}

	return m, nil
}

// apply folds one hub event into the displayed state.
func (m *Model) apply(ev events.Event) {
	if ev.RunID != "" && ev.RunID != m.runID {
		return
	}

	switch ev.Type {
	case events.TypeTaskState:
		row, ok := m.rows[ev.TaskID]
		if !ok {
			return
		}
		var data struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(ev.Data, &data); err == nil && data.State != "" {
			row.state = data.State
		}

	case events.TypeTaskRetry:
		if row, ok := m.rows[ev.TaskID]; ok {
			row.retries++
		}

	case events.TypeTaskFallback:
		row, ok := m.rows[ev.TaskID]
		if !ok {
			return
		}
		row.fallback = true
		var data struct {
			Attempts int `json:"attempts"`
		}
		if err := json.Unmarshal(ev.Data, &data); err == nil {
			row.attempts = data.Attempts
		}

	case events.TypeRunFinished:
		var data struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(ev.Data, &data); err == nil && data.Status != "" {
			m.runStatus = data.Status
		}
	}
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Starting watch..."
	}

	title := m.theme.Title.Render(fmt.Sprintf("cascade run %s", m.runID))
	status := m.renderStatus()
	tasks := m.renderTasks()
	log := m.renderEventLog()
	help := m.theme.Dim.Render(" [q] Quit")

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, status, tasks, log, help),
	)
}

func (m *Model) renderStatus() string {
	switch m.runStatus {
	case "complete":
		return m.theme.StatusOK.Render(" ✓ complete")
	case "aborted":
		return m.theme.StatusAborted.Render(" ✗ aborted")
	default:
		return m.spinner.View() + m.theme.Dim.Render(" running")
	}
}

func (m *Model) renderTasks() string {
	lines := make([]string, 0, len(m.order))
	for _, id := range m.order {
		row := m.rows[id]
		marker := m.stateMarker(row)
		detail := ""
		if row.retries > 0 {
			detail = m.theme.Dim.Render(fmt.Sprintf(" (%d retries)", row.retries))
		}
		if row.fallback {
			detail += m.theme.StatusFallback.Render(" [fallback]")
		}
		lines = append(lines, fmt.Sprintf(" %s %-24s%s", marker, id, detail))
	}
	return m.theme.Border.Width(m.width - 6).Render(
		lipgloss.JoinVertical(lipgloss.Left, lines...),
	)
}

func (m *Model) stateMarker(row *taskRow) string {
	switch row.state {
	case "running":
		return m.spinner.View()
	case "succeeded", "recorded":
		if row.fallback {
			return m.theme.StatusFallback.Render("◐")
		}
		return m.theme.StatusOK.Render("✓")
	case "fallback_applied":
		return m.theme.StatusFallback.Render("◐")
	case "aborted":
		return m.theme.StatusAborted.Render("✗")
	default:
		return m.theme.StatusPending.Render("·")
	}
}

func (m *Model) renderEventLog() string {
	if len(m.eventLog) == 0 {
		return ""
	}
	limit := 8
	if len(m.eventLog) < limit {
		limit = len(m.eventLog)
	}
	lines := make([]string, 0, limit)
	for _, ev := range m.eventLog[:limit] {
		line := fmt.Sprintf(" %s %s", ev.At.Format("15:04:05"), ev.Type)
		if ev.TaskID != "" {
			line += " " + ev.TaskID
		}
		lines = append(lines, m.theme.Dim.Render(line))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
