package resolver

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"     // Waiting for dependencies
	StatusAssigned   Status = "assigned"    // Claimed by a worker, not yet executing
	StatusInProgress Status = "in_progress" // Currently executing
	StatusCompleted  Status = "completed"   // Finished successfully
	StatusFailed     Status = "failed"      // Retry budget exhausted
	StatusBlocked    Status = "blocked"     // Cannot proceed; BlockedBy records why
)

// Terminal reports whether the status is a final state.
// Blocked is NOT terminal: a blocked task is incomplete and counts toward
// deadlock detection.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task represents a unit of work in the dependency graph.
type Task struct {
	ID             int64   // Unique, stable identifier
	ProjectID      int64   // Owning project
	Title          string  // Human-readable name
	Capability     string  // Worker capability tag required to execute this task
	Status         Status
	DependsOn      []int64 // Task IDs this task depends on (immutable after creation)
	AssignedWorker string  // Worker currently assigned ("" = none)
	RetryCount     int     // Execution attempts that have failed so far
	Output         string  // Output from execution (populated after completion)
	Error          string  // Last execution error, if any
	BlockedBy      []int64 // Task IDs preventing progress (set when Status is blocked)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]int64(nil), task.DependsOn...)
	}
	if task.BlockedBy != nil {
		cp.BlockedBy = append([]int64(nil), task.BlockedBy...)
	}
	return &cp
}
