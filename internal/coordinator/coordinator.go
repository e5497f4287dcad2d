package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/me/taskfleet/internal/events"
	"github.com/me/taskfleet/internal/executor"
	"github.com/me/taskfleet/internal/pool"
	"github.com/me/taskfleet/internal/resolver"
	"github.com/me/taskfleet/internal/store"
)

// State is the run-level state of the scheduling loop.
type State string

const (
	StateRunning    State = "running"
	StateCompleted  State = "completed"         // Every task completed
	StateFailed     State = "failed"            // All terminal, at least one failed; also watchdog and aborts
	StateTimedOut   State = "timed_out"         // Run deadline elapsed
	StateDeadlocked State = "deadlock_detected" // Incomplete tasks exist but none can ever run
)

var (
	// ErrWatchdogTripped reports that the scheduling loop exceeded its
	// iteration ceiling. A safety net, not a legitimate outcome.
	ErrWatchdogTripped = errors.New("scheduler watchdog tripped")

	// ErrDeadlockDetected reports that every incomplete task is blocked
	// and nothing is in flight. A legitimate terminal outcome for an
	// unsatisfiable task set, not a crash.
	ErrDeadlockDetected = errors.New("deadlock detected")
)

// Options configures a run.
type Options struct {
	ProjectID      int64
	MaxRetries     int           // Attempts per task before permanent failure (default 3)
	MaxConcurrency int           // Tasks executing at once (default 5)
	MaxIterations  int           // Watchdog ceiling on loop passes (default 1000)
	Timeout        time.Duration // Whole-run deadline (0 = none)
	PollInterval   time.Duration // Idle wait between loop passes (default 200ms)
	Retry          RetryConfig
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 5
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = 1000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	if o.Retry == (RetryConfig{}) {
		o.Retry = DefaultRetryConfig()
	}
}

// Summary is the structured result of a finished run.
type Summary struct {
	RunID     string
	State     State
	Completed int
	Failed    int
	Total     int
	Elapsed   time.Duration
}

// completion carries one finished execution attempt back to the loop.
type completion struct {
	taskID   int64
	workerID string
	result   executor.Result
	err      error
}

// Coordinator drives the scheduling loop: it polls the graph for ready
// tasks, dispatches them to pool workers up to the concurrency budget,
// applies the retry policy on failure, and detects deadlock, timeout, and
// runaway iteration.
//
// Graph mutations, the inflight map, and retry bookkeeping are touched only
// from the Run goroutine; executions report back over a channel, so the
// loop needs no locking of its own.
type Coordinator struct {
	graph    *resolver.Graph
	pool     *pool.Pool
	registry *executor.Registry
	store    store.Store
	locks    *store.TaskLocks
	sink     events.Sink
	logger   *log.Logger
	opts     Options
	breakers *BreakerRegistry

	executors map[string]executor.Executor
	inflight  map[int64]string    // taskID -> workerID
	deferred  map[int64]time.Time // taskID -> earliest next attempt
	policies  map[int64]*backoff.ExponentialBackOff

	shutdownOnce sync.Once
}

// New creates a coordinator. sink may be nil (events are dropped); logger
// may be nil (standard logger).
func New(graph *resolver.Graph, p *pool.Pool, registry *executor.Registry, st store.Store, sink events.Sink, logger *log.Logger, opts Options) *Coordinator {
	opts.applyDefaults()
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		graph:     graph,
		pool:      p,
		registry:  registry,
		store:     st,
		locks:     store.NewTaskLocks(),
		sink:      sink,
		logger:    logger,
		opts:      opts,
		breakers:  NewBreakerRegistry(logger),
		executors: make(map[string]executor.Executor),
		inflight:  make(map[int64]string),
		deferred:  make(map[int64]time.Time),
		policies:  make(map[int64]*backoff.ExponentialBackOff),
	}
}

// Run executes the task set to a terminal state. It always returns a
// summary; the error is non-nil for construction failures, persistence
// failures, watchdog trips, deadlock, and timeout.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()

	// Unknown capabilities are fatal before any dispatch occurs.
	for _, task := range c.graph.Tasks() {
		if !c.registry.Known(task.Capability) {
			return Summary{RunID: runID, State: StateFailed, Total: c.graph.Len()},
				fmt.Errorf("task %d: %w: %q", task.ID, executor.ErrUnregistered, task.Capability)
		}
	}
	if err := c.buildExecutors(); err != nil {
		return Summary{RunID: runID, State: StateFailed, Total: c.graph.Len()}, err
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(c.opts.MaxConcurrency)

	completionCh := make(chan completion, c.opts.MaxConcurrency)

	c.logger.Printf("[coordinator] run %s: %d tasks, concurrency %d, retries %d",
		runID, c.graph.Len(), c.opts.MaxConcurrency, c.opts.MaxRetries)

	state := StateRunning
	var runErr error

	iterations := 0
loop:
	for {
		iterations++
		if iterations > c.opts.MaxIterations {
			state = StateFailed
			runErr = fmt.Errorf("%w after %d iterations", ErrWatchdogTripped, c.opts.MaxIterations)
			c.dumpState()
			break
		}

		if err := ctx.Err(); err != nil {
			state = terminalForContext(err)
			runErr = err
			break
		}

		// Drain completions that arrived since the last pass.
	drain:
		for {
			select {
			case comp := <-completionCh:
				if err := c.handleCompletion(ctx, comp); err != nil {
					state = StateFailed
					runErr = err
					break loop
				}
			default:
				break drain
			}
		}

		_, failed, terminal := c.progress()
		if terminal == c.graph.Len() {
			if failed > 0 {
				state = StateFailed
			} else {
				state = StateCompleted
			}
			break
		}

		ready := c.readyNow()
		dispatched := 0
		for _, task := range ready {
			if len(c.inflight) >= c.opts.MaxConcurrency {
				break
			}
			err := c.dispatch(ctx, gctx, g, completionCh, task)
			if errors.Is(err, pool.ErrCapacityExceeded) {
				c.logger.Printf("[coordinator] pool at capacity, deferring task %d", task.ID)
				break
			}
			if err != nil {
				state = StateFailed
				runErr = err
				break loop
			}
			dispatched++
		}

		// Deadlock: incomplete tasks remain but nothing runs, nothing is
		// ready, and no retry is pending.
		if len(c.inflight) == 0 && len(ready) == 0 && len(c.deferred) == 0 {
			state = StateDeadlocked
			runErr = c.reportDeadlock(ctx)
			break
		}

		if dispatched > 0 {
			continue
		}

		select {
		case comp := <-completionCh:
			if err := c.handleCompletion(ctx, comp); err != nil {
				state = StateFailed
				runErr = err
				break loop
			}
		case <-ctx.Done():
		case <-time.After(c.opts.PollInterval):
		}
	}

	summary := c.shutdown(cancelRun, g, runID, start, state)
	return summary, runErr
}

// buildExecutors instantiates one executor per capability present in the
// task set.
func (c *Coordinator) buildExecutors() error {
	for _, task := range c.graph.Tasks() {
		if _, ok := c.executors[task.Capability]; ok {
			continue
		}
		exec, err := c.registry.New(task.Capability)
		if err != nil {
			return fmt.Errorf("capability %q: %w", task.Capability, err)
		}
		c.executors[task.Capability] = exec
	}
	return nil
}

// progress counts tasks by terminal status.
func (c *Coordinator) progress() (completed, failed, terminal int) {
	for _, task := range c.graph.Tasks() {
		switch task.Status {
		case resolver.StatusCompleted:
			completed++
			terminal++
		case resolver.StatusFailed:
			failed++
			terminal++
		}
	}
	return completed, failed, terminal
}

// readyNow returns ready tasks whose retry deferral, if any, has elapsed.
func (c *Coordinator) readyNow() []*resolver.Task {
	now := time.Now()
	var out []*resolver.Task
	for _, task := range c.graph.ReadyTasks() {
		if notBefore, ok := c.deferred[task.ID]; ok && now.Before(notBefore) {
			continue
		}
		out = append(out, task)
	}
	return out
}

// dispatch hands one ready task to a worker and launches its execution.
func (c *Coordinator) dispatch(ctx, gctx context.Context, g *errgroup.Group, completionCh chan<- completion, task *resolver.Task) error {
	w, err := c.pool.GetOrCreate(task.Capability)
	if err != nil {
		return err
	}
	if err := c.pool.MarkBusy(w.ID, task.ID); err != nil {
		return err
	}
	if err := c.graph.SetStatus(task.ID, resolver.StatusInProgress); err != nil {
		return err
	}
	c.inflight[task.ID] = w.ID
	delete(c.deferred, task.ID)

	status := resolver.StatusInProgress
	workerID := w.ID
	c.locks.Lock(task.ID)
	err = c.store.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &status, AssignedWorker: &workerID})
	c.locks.Unlock(task.ID)
	if err != nil {
		return fmt.Errorf("persist assignment of task %d: %w", task.ID, err)
	}

	c.sink.Emit(events.NewTaskAssigned(c.opts.ProjectID, task.ID, w.ID, task.Title))
	c.sink.Emit(events.NewTaskStatusChanged(c.opts.ProjectID, task.ID, string(resolver.StatusInProgress), w.ID))
	c.logger.Printf("[coordinator] task %d (%s) -> worker %s", task.ID, task.Title, w.ID)

	cb := c.breakers.Get(task.Capability)
	exec := c.executors[task.Capability]
	t := task
	g.Go(func() error {
		res, execErr := executeThroughBreaker(gctx, cb, exec, t)
		select {
		case completionCh <- completion{taskID: t.ID, workerID: w.ID, result: res, err: execErr}:
		case <-gctx.Done():
		}
		return nil
	})

	return nil
}

// executeThroughBreaker runs one attempt behind the capability's circuit
// breaker. An open breaker fails the attempt immediately; the failure
// counts against the task's retry budget like any other.
func executeThroughBreaker(ctx context.Context, cb *gobreaker.CircuitBreaker, exec executor.Executor, task *resolver.Task) (executor.Result, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return exec.Execute(ctx, task)
	})
	if err != nil {
		return executor.Result{}, err
	}
	return out.(executor.Result), nil
}

// handleCompletion applies one finished attempt to graph, store, and pool.
func (c *Coordinator) handleCompletion(ctx context.Context, comp completion) error {
	delete(c.inflight, comp.taskID)

	// Release the worker either way; a failed attempt is still work done.
	if err := c.pool.MarkIdle(comp.workerID); err != nil {
		c.logger.Printf("[coordinator] release worker %s: %v", comp.workerID, err)
	}

	if comp.err == nil {
		return c.handleSuccess(ctx, comp)
	}
	return c.handleFailure(ctx, comp)
}

func (c *Coordinator) handleSuccess(ctx context.Context, comp completion) error {
	unblocked, err := c.graph.UnblockDependents(comp.taskID)
	if err != nil {
		return err
	}
	delete(c.policies, comp.taskID)
	delete(c.deferred, comp.taskID)

	status := resolver.StatusCompleted
	noWorker := ""
	c.locks.Lock(comp.taskID)
	err = c.store.UpdateTask(ctx, comp.taskID, store.TaskUpdate{
		Status:         &status,
		AssignedWorker: &noWorker,
		Output:         &comp.result.Output,
	})
	c.locks.Unlock(comp.taskID)
	if err != nil {
		return fmt.Errorf("persist completion of task %d: %w", comp.taskID, err)
	}

	c.sink.Emit(events.NewTaskStatusChanged(c.opts.ProjectID, comp.taskID, string(resolver.StatusCompleted), comp.workerID))
	for _, id := range unblocked {
		c.sink.Emit(events.NewTaskUnblocked(c.opts.ProjectID, id, comp.taskID))
	}
	c.logger.Printf("[coordinator] task %d completed, unblocked %d task(s)", comp.taskID, len(unblocked))
	return nil
}

func (c *Coordinator) handleFailure(ctx context.Context, comp completion) error {
	attempts, err := c.graph.IncrementRetry(comp.taskID)
	if err != nil {
		return err
	}
	errMsg := comp.err.Error()
	noWorker := ""

	if attempts < c.opts.MaxRetries {
		if err := c.graph.SetStatus(comp.taskID, resolver.StatusPending); err != nil {
			return err
		}
		delay := c.nextDelay(comp.taskID)
		c.deferred[comp.taskID] = time.Now().Add(delay)

		status := resolver.StatusPending
		c.locks.Lock(comp.taskID)
		err = c.store.UpdateTask(ctx, comp.taskID, store.TaskUpdate{
			Status:         &status,
			AssignedWorker: &noWorker,
			RetryCount:     &attempts,
			Error:          &errMsg,
		})
		c.locks.Unlock(comp.taskID)
		if err != nil {
			return fmt.Errorf("persist retry of task %d: %w", comp.taskID, err)
		}

		c.sink.Emit(events.NewTaskStatusChanged(c.opts.ProjectID, comp.taskID, string(resolver.StatusPending), ""))
		c.logger.Printf("[coordinator] task %d failed (attempt %d/%d), retrying in %s: %v",
			comp.taskID, attempts, c.opts.MaxRetries, delay.Round(time.Millisecond), comp.err)
		return nil
	}

	// Retry budget exhausted: the task fails permanently and its direct
	// pending dependents become blocked. Never auto-skipped.
	if err := c.graph.SetStatus(comp.taskID, resolver.StatusFailed); err != nil {
		return err
	}
	delete(c.policies, comp.taskID)
	delete(c.deferred, comp.taskID)

	status := resolver.StatusFailed
	c.locks.Lock(comp.taskID)
	err = c.store.UpdateTask(ctx, comp.taskID, store.TaskUpdate{
		Status:         &status,
		AssignedWorker: &noWorker,
		RetryCount:     &attempts,
		Error:          &errMsg,
	})
	c.locks.Unlock(comp.taskID)
	if err != nil {
		return fmt.Errorf("persist failure of task %d: %w", comp.taskID, err)
	}

	c.sink.Emit(events.NewTaskStatusChanged(c.opts.ProjectID, comp.taskID, string(resolver.StatusFailed), ""))
	c.logger.Printf("[coordinator] task %d failed permanently after %d attempts: %v", comp.taskID, attempts, comp.err)

	for _, depID := range c.graph.Dependents(comp.taskID) {
		dep, ok := c.graph.Get(depID)
		if !ok || dep.Status != resolver.StatusPending {
			continue
		}
		if err := c.graph.SetBlocked(depID, []int64{comp.taskID}); err != nil {
			return err
		}

		blockedStatus := resolver.StatusBlocked
		c.locks.Lock(depID)
		err = c.store.UpdateTask(ctx, depID, store.TaskUpdate{Status: &blockedStatus})
		c.locks.Unlock(depID)
		if err != nil {
			return fmt.Errorf("persist block of task %d: %w", depID, err)
		}

		c.sink.Emit(events.NewTaskBlocked(c.opts.ProjectID, depID, []int64{comp.taskID}))
	}
	return nil
}

// nextDelay advances the task's backoff schedule.
func (c *Coordinator) nextDelay(taskID int64) time.Duration {
	policy, ok := c.policies[taskID]
	if !ok {
		policy = newBackoffPolicy(c.opts.Retry)
		c.policies[taskID] = policy
	}
	d := policy.NextBackOff()
	if d == backoff.Stop {
		d = c.opts.Retry.MaxInterval
	}
	return d
}

// reportDeadlock marks every incomplete task blocked on its incomplete
// dependencies and emits the deadlock event. Persistence here is
// best-effort: the run is ending either way.
func (c *Coordinator) reportDeadlock(ctx context.Context) error {
	blocked := c.graph.BlockedTasks()
	ids := make([]int64, 0, len(blocked))
	for id, deps := range blocked {
		ids = append(ids, id)
		task, ok := c.graph.Get(id)
		if !ok || task.Status == resolver.StatusBlocked {
			continue
		}
		if err := c.graph.SetBlocked(id, deps); err != nil {
			c.logger.Printf("[coordinator] mark task %d blocked: %v", id, err)
			continue
		}

		blockedStatus := resolver.StatusBlocked
		c.locks.Lock(id)
		err := c.store.UpdateTask(ctx, id, store.TaskUpdate{Status: &blockedStatus})
		c.locks.Unlock(id)
		if err != nil {
			c.logger.Printf("[coordinator] persist block of task %d: %v", id, err)
		}
		c.sink.Emit(events.NewTaskBlocked(c.opts.ProjectID, id, deps))
	}
	sortInt64s(ids)

	c.sink.Emit(events.NewDeadlockDetected(c.opts.ProjectID, ids))
	c.logger.Printf("[coordinator] deadlock: %d incomplete task(s) can never run: %v", len(ids), ids)
	return fmt.Errorf("%w: blocked tasks %v", ErrDeadlockDetected, ids)
}

// shutdown converges every terminal transition onto one idempotent path:
// cancel in-flight work, wait for it to drain, retire all workers, persist
// and emit the run summary.
func (c *Coordinator) shutdown(cancelRun context.CancelFunc, g *errgroup.Group, runID string, start time.Time, state State) Summary {
	var summary Summary
	c.shutdownOnce.Do(func() {
		cancelRun()
		_ = g.Wait()

		c.pool.RetireAll()

		for capability, exec := range c.executors {
			if err := exec.Close(); err != nil {
				c.logger.Printf("[coordinator] close executor %q: %v", capability, err)
			}
		}

		completed, failed, _ := c.progress()
		elapsed := time.Since(start)
		summary = Summary{
			RunID:     runID,
			State:     state,
			Completed: completed,
			Failed:    failed,
			Total:     c.graph.Len(),
			Elapsed:   elapsed,
		}

		// The run context may already be dead; persist with a fresh one.
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.SaveRun(saveCtx, store.RunRecord{
			ID:             runID,
			ProjectID:      c.opts.ProjectID,
			TerminalState:  string(state),
			Completed:      completed,
			Failed:         failed,
			Total:          summary.Total,
			ElapsedSeconds: elapsed.Seconds(),
		}); err != nil {
			c.logger.Printf("[coordinator] persist run summary: %v", err)
		}

		c.sink.Emit(events.NewRunSummary(c.opts.ProjectID, runID, completed, failed, summary.Total, elapsed, string(state)))
		c.logger.Printf("[coordinator] run %s finished: %s (%d/%d completed, %d failed, %s)",
			runID, state, completed, summary.Total, failed, elapsed.Round(time.Millisecond))
	})
	return summary
}

// dumpState logs every task's status. Watchdog trips always get the full
// picture.
func (c *Coordinator) dumpState() {
	c.logger.Printf("[coordinator] state dump: inflight=%d deferred=%d", len(c.inflight), len(c.deferred))
	for _, task := range c.graph.Tasks() {
		c.logger.Printf("[coordinator]   task %d (%s): %s retries=%d blocked_by=%v",
			task.ID, task.Title, task.Status, task.RetryCount, task.BlockedBy)
	}
}

func terminalForContext(err error) State {
	if errors.Is(err, context.DeadlineExceeded) {
		return StateTimedOut
	}
	return StateFailed
}

func sortInt64s(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
