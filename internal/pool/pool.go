package pool

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/me/taskfleet/internal/events"
)

var (
	// ErrUnknownCapability is returned when no executor is registered for
	// the requested capability.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrCapacityExceeded is returned when the pool is full and every
	// existing worker of the requested capability is busy.
	ErrCapacityExceeded = errors.New("worker pool capacity exceeded")

	// ErrWorkerNotFound is returned for operations on a worker ID the pool
	// does not hold, including a worker that was already retired.
	ErrWorkerNotFound = errors.New("worker not found")
)

// CapabilitySet answers whether a capability tag has a registered executor.
type CapabilitySet interface {
	Known(capability string) bool
}

// Pool manages the worker fleet: creation up to a capacity limit, idle
// reuse, status transitions, and retirement. All methods are safe for
// concurrent use. The internal mutex is NOT reentrant; helpers that need
// the lock are unexported *Locked variants called under a single
// acquisition, never by re-locking.
type Pool struct {
	mu         sync.Mutex
	workers    map[string]*Worker
	order      []string // worker IDs in creation order, for stable reuse
	counters   map[string]int
	maxWorkers int
	projectID  int64
	caps       CapabilitySet
	sink       events.Sink
	logger     *log.Logger
}

// New creates a pool holding at most maxWorkers workers. caps validates
// capability tags at creation time; sink receives worker lifecycle events.
func New(maxWorkers int, projectID int64, caps CapabilitySet, sink events.Sink, logger *log.Logger) *Pool {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		workers:    make(map[string]*Worker),
		counters:   make(map[string]int),
		maxWorkers: maxWorkers,
		projectID:  projectID,
		caps:       caps,
		sink:       sink,
		logger:     logger,
	}
}

// GetOrCreate returns an idle worker for the capability, reusing the
// earliest-created idle one, or creates a new worker when none is free.
// Returns ErrCapacityExceeded when the pool is full and no idle worker of
// the capability exists, and ErrUnknownCapability for unregistered tags.
// The returned worker is a copy; mutate pool state through Mark* methods.
func (p *Pool) GetOrCreate(capability string) (*Worker, error) {
	if p.caps != nil && !p.caps.Known(capability) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range p.order {
		w := p.workers[id]
		if w.Capability == capability && w.Status == WorkerIdle {
			return cloneWorker(w), nil
		}
	}

	return p.createLocked(capability)
}

// Create adds a new worker without considering idle reuse.
// Returns ErrCapacityExceeded when the pool is full.
func (p *Pool) Create(capability string) (*Worker, error) {
	if p.caps != nil && !p.caps.Known(capability) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createLocked(capability)
}

// createLocked adds a new worker. Caller must hold p.mu.
func (p *Pool) createLocked(capability string) (*Worker, error) {
	if len(p.workers) >= p.maxWorkers {
		return nil, fmt.Errorf("%w: %d workers", ErrCapacityExceeded, p.maxWorkers)
	}

	p.counters[capability]++
	id := fmt.Sprintf("%s-%03d", capability, p.counters[capability])

	w := &Worker{
		ID:         id,
		Capability: capability,
		Status:     WorkerIdle,
	}
	p.workers[id] = w
	p.order = append(p.order, id)

	p.logger.Printf("[pool] created worker %s (%d/%d)", id, len(p.workers), p.maxWorkers)
	p.sink.Emit(events.NewWorkerCreated(p.projectID, id, capability))

	return cloneWorker(w), nil
}

// MarkBusy transitions a worker to busy and records its current task.
func (p *Pool) MarkBusy(workerID string, taskID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = WorkerBusy
	w.CurrentTask = taskID
	w.BlockedBy = ""
	return nil
}

// MarkIdle releases a worker back to the pool and credits a completed
// attempt. The attempt counter covers failed executions too: it measures
// work performed, not successes.
func (p *Pool) MarkIdle(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = WorkerIdle
	w.CurrentTask = 0
	w.BlockedBy = ""
	w.TasksCompleted++
	return nil
}

// MarkBlocked records that a worker is stalled and why.
func (p *Pool) MarkBlocked(workerID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}
	w.Status = WorkerBlocked
	w.BlockedBy = reason
	return nil
}

// Retire removes a worker from the pool. Retiring an unknown or already
// retired worker returns ErrWorkerNotFound.
func (p *Pool) Retire(workerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retireLocked(workerID)
}

func (p *Pool) retireLocked(workerID string) error {
	w, exists := p.workers[workerID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrWorkerNotFound, workerID)
	}

	delete(p.workers, workerID)
	for i, id := range p.order {
		if id == workerID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	p.logger.Printf("[pool] retired worker %s after %d tasks", workerID, w.TasksCompleted)
	p.sink.Emit(events.NewWorkerRetired(p.projectID, workerID, w.TasksCompleted))
	return nil
}

// RetireAll removes every worker, in creation order.
func (p *Pool) RetireAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := append([]string(nil), p.order...)
	for _, id := range ids {
		if err := p.retireLocked(id); err != nil {
			p.logger.Printf("[pool] retire %s: %v", id, err)
		}
	}
}

// Get returns a copy of the worker with the given ID.
func (p *Pool) Get(workerID string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, exists := p.workers[workerID]
	if !exists {
		return nil, false
	}
	return cloneWorker(w), true
}

// Snapshot returns copies of all workers in creation order.
func (p *Pool) Snapshot() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()

	workers := make([]*Worker, 0, len(p.order))
	for _, id := range p.order {
		workers = append(workers, cloneWorker(p.workers[id]))
	}
	return workers
}

// Size returns the current number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IdleCount returns how many workers are currently idle.
func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range p.workers {
		if w.Status == WorkerIdle {
			n++
		}
	}
	return n
}
