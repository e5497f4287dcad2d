package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/me/taskfleet/internal/events"
	"github.com/me/taskfleet/internal/executor"
	"github.com/me/taskfleet/internal/pool"
	"github.com/me/taskfleet/internal/resolver"
	"github.com/me/taskfleet/internal/store"
)

// fastRetry keeps re-queue delays negligible in tests.
func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		Multiplier:          1.5,
		RandomizationFactor: 0,
	}
}

func testOptions() Options {
	return Options{
		ProjectID:      1,
		MaxRetries:     3,
		MaxConcurrency: 5,
		MaxIterations:  1000,
		PollInterval:   5 * time.Millisecond,
		Retry:          fastRetry(),
	}
}

// attemptLog counts execution attempts per task.
type attemptLog struct {
	mu     sync.Mutex
	counts map[int64]int
	order  []int64
}

func newAttemptLog() *attemptLog {
	return &attemptLog{counts: make(map[int64]int)}
}

func (a *attemptLog) record(taskID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[taskID]++
	a.order = append(a.order, taskID)
	return a.counts[taskID]
}

func (a *attemptLog) count(taskID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[taskID]
}

func (a *attemptLog) executionOrder() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int64(nil), a.order...)
}

// setup builds a coordinator over an in-memory store with a Func executor
// for the "work" capability.
func setup(t *testing.T, tasks []*resolver.Task, fn executor.Func, opts Options) (*Coordinator, *store.SQLiteStore, *events.CaptureSink) {
	t.Helper()

	graph, err := resolver.Build(tasks)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	st, err := store.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	for _, task := range graph.TopologicalSort() {
		tk, _ := graph.Get(task)
		if err := st.SaveTask(context.Background(), tk); err != nil {
			t.Fatalf("SaveTask %d: %v", task, err)
		}
	}

	registry := executor.NewRegistry(nil)
	registry.Register("work", executor.Config{}, func(cfg executor.Config, pm *executor.ProcessManager) (executor.Executor, error) {
		return fn, nil
	})

	sink := &events.CaptureSink{}
	p := pool.New(10, opts.ProjectID, registry, sink, nil)

	return New(graph, p, registry, st, sink, nil, opts), st, sink
}

func workTask(id int64, deps ...int64) *resolver.Task {
	return &resolver.Task{
		ID:         id,
		ProjectID:  1,
		Title:      fmt.Sprintf("task-%d", id),
		Capability: "work",
		Status:     resolver.StatusPending,
		DependsOn:  deps,
	}
}

func TestRunDiamond(t *testing.T) {
	// 1 -> {2, 3} -> 4. Task 1 runs alone, 2 and 3 may overlap, 4 runs
	// only after both finish.
	attempts := newAttemptLog()
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		attempts.record(task.ID)
		time.Sleep(2 * time.Millisecond)
		return executor.Result{Output: "ok"}, nil
	})

	tasks := []*resolver.Task{
		workTask(1),
		workTask(2, 1),
		workTask(3, 1),
		workTask(4, 2, 3),
	}

	c, st, sink := setup(t, tasks, fn, testOptions())

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.State != StateCompleted {
		t.Errorf("expected completed, got %s", summary.State)
	}
	if summary.Completed != 4 || summary.Failed != 0 || summary.Total != 4 {
		t.Errorf("unexpected counts: %+v", summary)
	}

	order := attempts.executionOrder()
	if len(order) != 4 {
		t.Fatalf("expected 4 executions, got %d", len(order))
	}
	if order[0] != 1 {
		t.Errorf("task 1 must run first, got order %v", order)
	}
	if order[3] != 4 {
		t.Errorf("task 4 must run last, got order %v", order)
	}

	// Every task is persisted completed.
	for id := int64(1); id <= 4; id++ {
		stored, err := st.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask %d: %v", id, err)
		}
		if stored.Status != resolver.StatusCompleted {
			t.Errorf("task %d: expected completed in store, got %s", id, stored.Status)
		}
	}

	// One unblock event each for 2, 3 (from 1) and 4 (from the later of 2/3).
	unblocked := sink.ByType(events.TypeTaskUnblocked)
	if len(unblocked) != 3 {
		t.Errorf("expected 3 task_unblocked events, got %d", len(unblocked))
	}

	summaries := sink.ByType(events.TypeRunSummary)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 run_summary event, got %d", len(summaries))
	}
	if rs := summaries[0].(events.RunSummary); rs.TerminalState != string(StateCompleted) {
		t.Errorf("run summary terminal state mismatch: %s", rs.TerminalState)
	}
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	// The task fails twice, succeeds on the third attempt: it ends
	// completed with a retry count of exactly 2.
	attempts := newAttemptLog()
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		if attempts.record(task.ID) <= 2 {
			return executor.Result{}, errors.New("transient failure")
		}
		return executor.Result{Output: "ok"}, nil
	})

	c, st, _ := setup(t, []*resolver.Task{workTask(1)}, fn, testOptions())

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.State != StateCompleted {
		t.Errorf("expected completed, got %s", summary.State)
	}
	if got := attempts.count(1); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}

	stored, err := st.GetTask(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != resolver.StatusCompleted {
		t.Errorf("expected completed in store, got %s", stored.Status)
	}
	if stored.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", stored.RetryCount)
	}
}

func TestRunRetryBudgetExhausted(t *testing.T) {
	// A lone always-failing task exhausts its budget: every task terminal,
	// run state Failed, retry count equals the budget.
	attempts := newAttemptLog()
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		attempts.record(task.ID)
		return executor.Result{}, errors.New("permanent failure")
	})

	c, st, _ := setup(t, []*resolver.Task{workTask(1)}, fn, testOptions())

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.State != StateFailed {
		t.Errorf("expected failed, got %s", summary.State)
	}
	if summary.Failed != 1 || summary.Completed != 0 {
		t.Errorf("unexpected counts: %+v", summary)
	}
	if got := attempts.count(1); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}

	stored, err := st.GetTask(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != resolver.StatusFailed {
		t.Errorf("expected failed in store, got %s", stored.Status)
	}
	if stored.RetryCount != 3 {
		t.Errorf("expected retry count 3, got %d", stored.RetryCount)
	}
	if stored.Error == "" {
		t.Error("expected last error persisted")
	}
}

func TestRunDeadlockDetected(t *testing.T) {
	// Task 1 fails permanently; tasks 2 and 3 depend on it and can never
	// run. The run must terminate in deadlock, not hang.
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		if task.ID == 1 {
			return executor.Result{}, errors.New("boom")
		}
		return executor.Result{Output: "ok"}, nil
	})

	tasks := []*resolver.Task{
		workTask(1),
		workTask(2, 1),
		workTask(3, 2),
	}

	c, st, sink := setup(t, tasks, fn, testOptions())

	done := make(chan struct{})
	var summary Summary
	var runErr error
	go func() {
		summary, runErr = c.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("run hung instead of detecting deadlock")
	}

	if !errors.Is(runErr, ErrDeadlockDetected) {
		t.Fatalf("expected ErrDeadlockDetected, got %v", runErr)
	}
	if summary.State != StateDeadlocked {
		t.Errorf("expected deadlock_detected, got %s", summary.State)
	}
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed task, got %d", summary.Failed)
	}

	// The direct dependent was blocked when task 1 failed; the transitive
	// one is blocked by the deadlock report.
	for _, id := range []int64{2, 3} {
		stored, err := st.GetTask(context.Background(), id)
		if err != nil {
			t.Fatalf("GetTask %d: %v", id, err)
		}
		if stored.Status != resolver.StatusBlocked {
			t.Errorf("task %d: expected blocked in store, got %s", id, stored.Status)
		}
	}

	dl := sink.ByType(events.TypeDeadlockDetected)
	if len(dl) != 1 {
		t.Fatalf("expected 1 deadlock_detected event, got %d", len(dl))
	}
	ev := dl[0].(events.DeadlockDetected)
	if len(ev.BlockedTaskIDs) != 2 {
		t.Errorf("expected 2 blocked task IDs, got %v", ev.BlockedTaskIDs)
	}
}

func TestRunTimeout(t *testing.T) {
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		select {
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return executor.Result{Output: "ok"}, nil
		}
	})

	opts := testOptions()
	opts.Timeout = 50 * time.Millisecond

	c, _, sink := setup(t, []*resolver.Task{workTask(1)}, fn, opts)

	start := time.Now()
	summary, err := c.Run(context.Background())
	if err == nil {
		t.Fatal("expected error on timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}
	if summary.State != StateTimedOut {
		t.Errorf("expected timed_out, got %s", summary.State)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout shutdown took too long: %v", elapsed)
	}

	summaries := sink.ByType(events.TypeRunSummary)
	if len(summaries) != 1 {
		t.Fatalf("expected 1 run_summary, got %d", len(summaries))
	}
	if rs := summaries[0].(events.RunSummary); rs.TerminalState != string(StateTimedOut) {
		t.Errorf("run summary terminal state mismatch: %s", rs.TerminalState)
	}
}

func TestRunWatchdog(t *testing.T) {
	// One slow task, a tiny iteration ceiling: the watchdog must trip and
	// end the run instead of looping forever.
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		select {
		case <-ctx.Done():
			return executor.Result{}, ctx.Err()
		case <-time.After(10 * time.Second):
			return executor.Result{Output: "ok"}, nil
		}
	})

	opts := testOptions()
	opts.MaxIterations = 5
	opts.PollInterval = time.Millisecond

	c, _, _ := setup(t, []*resolver.Task{workTask(1)}, fn, opts)

	summary, err := c.Run(context.Background())
	if !errors.Is(err, ErrWatchdogTripped) {
		t.Fatalf("expected ErrWatchdogTripped, got %v", err)
	}
	if summary.State != StateFailed {
		t.Errorf("expected failed, got %s", summary.State)
	}
}

func TestRunUnknownCapabilityFatal(t *testing.T) {
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		t.Error("no task should execute")
		return executor.Result{}, nil
	})

	tasks := []*resolver.Task{
		workTask(1),
		{ID: 2, ProjectID: 1, Title: "bad", Capability: "paint", Status: resolver.StatusPending},
	}

	c, _, _ := setup(t, tasks, fn, testOptions())

	_, err := c.Run(context.Background())
	if !errors.Is(err, executor.ErrUnregistered) {
		t.Fatalf("expected ErrUnregistered, got %v", err)
	}
}

func TestRunRetiresWorkers(t *testing.T) {
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		return executor.Result{Output: "ok"}, nil
	})

	tasks := []*resolver.Task{workTask(1), workTask(2), workTask(3)}
	c, _, sink := setup(t, tasks, fn, testOptions())

	if _, err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	created := len(sink.ByType(events.TypeWorkerCreated))
	retired := len(sink.ByType(events.TypeWorkerRetired))
	if created == 0 {
		t.Fatal("expected at least one worker created")
	}
	if retired != created {
		t.Errorf("every created worker must be retired: created %d, retired %d", created, retired)
	}
}

func TestRunConcurrencyBounded(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0

	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return executor.Result{Output: "ok"}, nil
	})

	// 8 independent tasks with a concurrency budget of 2.
	var tasks []*resolver.Task
	for id := int64(1); id <= 8; id++ {
		tasks = append(tasks, workTask(id))
	}

	opts := testOptions()
	opts.MaxConcurrency = 2

	c, _, _ := setup(t, tasks, fn, opts)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Completed != 8 {
		t.Errorf("expected 8 completed, got %d", summary.Completed)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("concurrency bound violated: peak %d", peak)
	}
}

func TestRunPersistsSummary(t *testing.T) {
	fn := executor.Func(func(ctx context.Context, task *resolver.Task) (executor.Result, error) {
		return executor.Result{Output: "ok"}, nil
	})

	c, st, _ := setup(t, []*resolver.Task{workTask(1)}, fn, testOptions())

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := st.GetRun(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.TerminalState != string(StateCompleted) {
		t.Errorf("expected completed run record, got %s", run.TerminalState)
	}
	if run.Completed != 1 || run.Total != 1 {
		t.Errorf("unexpected run record: %+v", run)
	}
}
