package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/me/taskfleet/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneWorkers PaneID = iota
	PaneTasks
)

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	workerPane  WorkerPaneModel
	taskPane    TaskPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	width       int
	height      int
	quitting    bool
}

// New creates a new dashboard model.
// It subscribes to all topics on the event bus using SubscribeAll.
func New(bus *events.Bus) Model {
	return Model{
		workerPane:  NewWorkerPaneModel(),
		taskPane:    NewTaskPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    bus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab, KeyShiftTab:
			if m.focusedPane == PaneWorkers {
				m.focusedPane = PaneTasks
			} else {
				m.focusedPane = PaneWorkers
			}
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneWorkers:
				var cmd tea.Cmd
				m.workerPane, cmd = m.workerPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneTasks:
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case events.Event:
		// Both panes see every event; each picks what it cares about.
		var cmd tea.Cmd
		m.workerPane, cmd = m.workerPane.Update(msg)
		cmds = append(cmds, cmd)
		m.taskPane, cmd = m.taskPane.Update(msg)
		cmds = append(cmds, cmd)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	left := m.workerPane.View()
	right := m.taskPane.View()

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

// computeLayout calculates pane dimensions and updates the child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.workerPane.SetSize(leftWidth, availableHeight)
	m.taskPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of both panes.
func (m *Model) updateFocusStates() {
	m.workerPane.SetFocused(m.focusedPane == PaneWorkers)
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
}
