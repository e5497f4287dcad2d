package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/me/taskfleet/internal/events"
)

// workerRow is the display state of one pool worker.
type workerRow struct {
	ID             string
	Capability     string
	Status         string
	CurrentTask    int64
	TasksCompleted int
}

// WorkerPaneModel shows the worker fleet: one row per worker with its
// capability, status, and completion count.
type WorkerPaneModel struct {
	workers map[string]*workerRow
	order   []string // creation order for display
	width   int
	height  int
	focused bool
}

// NewWorkerPaneModel creates a new worker pane model.
func NewWorkerPaneModel() WorkerPaneModel {
	return WorkerPaneModel{
		workers: make(map[string]*workerRow),
	}
}

// Update handles messages for the worker pane.
func (m WorkerPaneModel) Update(msg tea.Msg) (WorkerPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case events.WorkerCreated:
		if _, exists := m.workers[msg.WorkerID]; !exists {
			m.workers[msg.WorkerID] = &workerRow{
				ID:         msg.WorkerID,
				Capability: msg.Capability,
				Status:     msg.Status,
			}
			m.order = append(m.order, msg.WorkerID)
		}

	case events.WorkerRetired:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Status = "retired"
			w.CurrentTask = 0
			w.TasksCompleted = msg.TasksCompleted
		}

	case events.TaskAssigned:
		if w, exists := m.workers[msg.WorkerID]; exists {
			w.Status = "busy"
			w.CurrentTask = msg.TaskID
		}

	case events.TaskStatusChanged:
		if w, exists := m.workers[msg.WorkerID]; exists && msg.Status != "in_progress" {
			w.Status = "idle"
			if msg.Status == "completed" {
				w.TasksCompleted++
			}
			w.CurrentTask = 0
		}
	}

	return m, nil
}

// View renders the worker pane.
func (m WorkerPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render(fmt.Sprintf("Workers (%d)", len(m.order)))
	b.WriteString(title)
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusPending.Render("no workers yet"))
	}

	for _, id := range m.order {
		w := m.workers[id]

		status := w.Status
		switch status {
		case "busy":
			status = StyleStatusRunning.Render(status)
		case "idle":
			status = StyleStatusComplete.Render(status)
		case "blocked":
			status = StyleStatusBlocked.Render(status)
		default:
			status = StyleStatusPending.Render(status)
		}

		line := fmt.Sprintf("%-14s %-8s done:%d", w.ID, status, w.TasksCompleted)
		if w.CurrentTask != 0 {
			line += fmt.Sprintf("  task %d", w.CurrentTask)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

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
func (m *WorkerPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *WorkerPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
