package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
}

// Topic constants
const (
	TopicWorkers = "workers"
	TopicTasks   = "tasks"
	TopicRun     = "run"
)

// Event type constants
const (
	TypeWorkerCreated     = "worker_created"
	TypeWorkerRetired     = "worker_retired"
	TypeTaskAssigned      = "task_assigned"
	TypeTaskStatusChanged = "task_status_changed"
	TypeTaskBlocked       = "task_blocked"
	TypeTaskUnblocked     = "task_unblocked"
	TypeDeadlockDetected  = "deadlock_detected"
	TypeRunSummary        = "run_summary"
)

// Meta carries the fields shared by every event. Timestamp is RFC-3339 UTC.
// Consumers must treat unknown extra fields on any event as
// forward-compatible additions.
type Meta struct {
	Type      string `json:"type"`
	ProjectID int64  `json:"project_id"`
	Timestamp string `json:"timestamp"`
}

func newMeta(eventType string, projectID int64) Meta {
	return Meta{
		Type:      eventType,
		ProjectID: projectID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WorkerCreated is published when the pool adds a worker.
type WorkerCreated struct {
	Meta
	WorkerID       string `json:"worker_id"`
	Capability     string `json:"capability"`
	Status         string `json:"status"`
	TasksCompleted int    `json:"tasks_completed"`
}

func (e WorkerCreated) EventType() string { return TypeWorkerCreated }

// NewWorkerCreated stamps type and timestamp. Status is always "idle" for a
// freshly created worker.
func NewWorkerCreated(projectID int64, workerID, capability string) WorkerCreated {
	return WorkerCreated{
		Meta:       newMeta(TypeWorkerCreated, projectID),
		WorkerID:   workerID,
		Capability: capability,
		Status:     "idle",
	}
}

// WorkerRetired is published when a worker leaves the pool.
type WorkerRetired struct {
	Meta
	WorkerID       string `json:"worker_id"`
	TasksCompleted int    `json:"tasks_completed"`
}

func (e WorkerRetired) EventType() string { return TypeWorkerRetired }

func NewWorkerRetired(projectID int64, workerID string, tasksCompleted int) WorkerRetired {
	return WorkerRetired{
		Meta:           newMeta(TypeWorkerRetired, projectID),
		WorkerID:       workerID,
		TasksCompleted: tasksCompleted,
	}
}

// TaskAssigned is published when a ready task is handed to a worker.
type TaskAssigned struct {
	Meta
	TaskID    int64  `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	TaskTitle string `json:"task_title"`
}

func (e TaskAssigned) EventType() string { return TypeTaskAssigned }

func NewTaskAssigned(projectID, taskID int64, workerID, taskTitle string) TaskAssigned {
	return TaskAssigned{
		Meta:      newMeta(TypeTaskAssigned, projectID),
		TaskID:    taskID,
		WorkerID:  workerID,
		TaskTitle: taskTitle,
	}
}

// TaskStatusChanged is published on every persisted task status transition.
// WorkerID is present when the task has an assigned worker.
type TaskStatusChanged struct {
	Meta
	TaskID   int64   `json:"task_id"`
	Status   string  `json:"status"`
	WorkerID string  `json:"worker_id,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

func (e TaskStatusChanged) EventType() string { return TypeTaskStatusChanged }

func NewTaskStatusChanged(projectID, taskID int64, status, workerID string) TaskStatusChanged {
	return TaskStatusChanged{
		Meta:     newMeta(TypeTaskStatusChanged, projectID),
		TaskID:   taskID,
		Status:   status,
		WorkerID: workerID,
	}
}

// TaskBlocked is published when a task is marked blocked.
type TaskBlocked struct {
	Meta
	TaskID       int64   `json:"task_id"`
	BlockedBy    []int64 `json:"blocked_by"`
	BlockedCount int     `json:"blocked_count"`
}

func (e TaskBlocked) EventType() string { return TypeTaskBlocked }

func NewTaskBlocked(projectID, taskID int64, blockedBy []int64) TaskBlocked {
	return TaskBlocked{
		Meta:         newMeta(TypeTaskBlocked, projectID),
		TaskID:       taskID,
		BlockedBy:    blockedBy,
		BlockedCount: len(blockedBy),
	}
}

// TaskUnblocked is published when a completion releases a dependent task.
type TaskUnblocked struct {
	Meta
	TaskID      int64 `json:"task_id"`
	UnblockedBy int64 `json:"unblocked_by"`
}

func (e TaskUnblocked) EventType() string { return TypeTaskUnblocked }

func NewTaskUnblocked(projectID, taskID, unblockedBy int64) TaskUnblocked {
	return TaskUnblocked{
		Meta:        newMeta(TypeTaskUnblocked, projectID),
		TaskID:      taskID,
		UnblockedBy: unblockedBy,
	}
}

// DeadlockDetected is published when every incomplete task is blocked and
// nothing is in flight.
type DeadlockDetected struct {
	Meta
	BlockedTaskIDs []int64 `json:"blocked_task_ids"`
}

func (e DeadlockDetected) EventType() string { return TypeDeadlockDetected }

func NewDeadlockDetected(projectID int64, blockedTaskIDs []int64) DeadlockDetected {
	return DeadlockDetected{
		Meta:           newMeta(TypeDeadlockDetected, projectID),
		BlockedTaskIDs: blockedTaskIDs,
	}
}

// RunSummary is the final event of every scheduling run.
type RunSummary struct {
	Meta
	RunID          string  `json:"run_id"`
	Completed      int     `json:"completed"`
	Failed         int     `json:"failed"`
	Total          int     `json:"total"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	TerminalState  string  `json:"terminal_state"`
}

func (e RunSummary) EventType() string { return TypeRunSummary }

func NewRunSummary(projectID int64, runID string, completed, failed, total int, elapsed time.Duration, terminalState string) RunSummary {
	return RunSummary{
		Meta:           newMeta(TypeRunSummary, projectID),
		RunID:          runID,
		Completed:      completed,
		Failed:         failed,
		Total:          total,
		ElapsedSeconds: elapsed.Seconds(),
		TerminalState:  terminalState,
	}
}
