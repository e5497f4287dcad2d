package pool

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"    // Available for assignment
	WorkerBusy    WorkerStatus = "busy"    // Executing a task
	WorkerBlocked WorkerStatus = "blocked" // Waiting on an external condition
)

// Worker is a reusable execution slot tagged with a capability. Workers are
// created on demand, reused across tasks of the same capability, and retired
// when the run ends.
type Worker struct {
	ID             string       // "{capability}-NNN", unique within the pool
	Capability     string       // Capability tag this worker serves
	Status         WorkerStatus
	CurrentTask    int64  // Task being executed (0 when not busy)
	TasksCompleted int    // Tasks this worker has finished, including failed attempts
	BlockedBy      string // Reason recorded when Status is blocked
}

func cloneWorker(w *Worker) *Worker {
	cp := *w
	return &cp
}
