package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/me/taskfleet/internal/events"
)

// TaskPaneModel shows task status counts, a progress bar, and a scrollable
// feed of recent scheduler events.
type TaskPaneModel struct {
	statuses map[int64]string // taskID -> last seen status
	feed     []string
	viewport viewport.Model
	summary  *events.RunSummary
	width    int
	height   int
	focused  bool
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		statuses: make(map[int64]string),
		viewport: viewport.New(0, 0),
	}
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskAssigned:
		m.statuses[msg.TaskID] = "in_progress"
		m.appendFeed(fmt.Sprintf("task %d -> %s", msg.TaskID, msg.WorkerID))

	case events.TaskStatusChanged:
		m.statuses[msg.TaskID] = msg.Status
		m.appendFeed(fmt.Sprintf("task %d: %s", msg.TaskID, msg.Status))

	case events.TaskBlocked:
		m.statuses[msg.TaskID] = "blocked"
		m.appendFeed(fmt.Sprintf("task %d blocked by %v", msg.TaskID, msg.BlockedBy))

	case events.TaskUnblocked:
		m.appendFeed(fmt.Sprintf("task %d unblocked by %d", msg.TaskID, msg.UnblockedBy))

	case events.DeadlockDetected:
		m.appendFeed(fmt.Sprintf("DEADLOCK: tasks %v can never run", msg.BlockedTaskIDs))

	case events.RunSummary:
		s := msg
		m.summary = &s
		m.appendFeed(fmt.Sprintf("run %s: %s (%d/%d completed)", msg.RunID, msg.TerminalState, msg.Completed, msg.Total))
	}

	return m, cmd
}

func (m *TaskPaneModel) appendFeed(line string) {
	m.feed = append(m.feed, line)
	if len(m.feed) > 200 {
		m.feed = m.feed[len(m.feed)-200:]
	}
	m.viewport.SetContent(strings.Join(m.feed, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = m.width - 4
	m.viewport.Height = max(m.height-10, 3)
	m.viewport.SetContent(strings.Join(m.feed, "\n"))
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var counts struct{ pending, running, completed, failed, blocked int }
	for _, status := range m.statuses {
		switch status {
		case "completed":
			counts.completed++
		case "failed":
			counts.failed++
		case "in_progress", "assigned":
			counts.running++
		case "blocked":
			counts.blocked++
		default:
			counts.pending++
		}
	}
	total := len(m.statuses)

	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	if m.summary != nil {
		title = StyleTitle.Render(fmt.Sprintf("Tasks: %s", m.summary.TerminalState))
	}
	b.WriteString(title)
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("completed %s  running %s  blocked %s  failed %s\n\n",
		StyleStatusComplete.Render(fmt.Sprintf("%d", counts.completed)),
		StyleStatusRunning.Render(fmt.Sprintf("%d", counts.running)),
		StyleStatusBlocked.Render(fmt.Sprintf("%d", counts.blocked)),
		StyleStatusFailed.Render(fmt.Sprintf("%d", counts.failed))))

	if total > 0 {
		barWidth := min(m.width-8, 40)
		done := (counts.completed * barWidth) / total
		bad := (counts.failed * barWidth) / total
		rest := barWidth - done - bad

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, done)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, bad)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, rest)))
		b.WriteString(fmt.Sprintf("[%s] %d/%d\n\n", bar, counts.completed, total))
	}

	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
