package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/taskfleet/internal/resolver"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestSaveAndGetTask(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	dep1 := &resolver.Task{ID: 1, ProjectID: 7, Title: "fetch sources", Capability: "build", Status: resolver.StatusCompleted}
	dep2 := &resolver.Task{ID: 2, ProjectID: 7, Title: "generate code", Capability: "build", Status: resolver.StatusCompleted}
	task := &resolver.Task{
		ID:             3,
		ProjectID:      7,
		Title:          "compile",
		Capability:     "build",
		Status:         resolver.StatusPending,
		DependsOn:      []int64{1, 2},
		AssignedWorker: "",
		RetryCount:     0,
	}

	// Save dependencies first to satisfy foreign key constraints.
	if err := s.SaveTask(ctx, dep1); err != nil {
		t.Fatalf("failed to save dep1: %v", err)
	}
	if err := s.SaveTask(ctx, dep2); err != nil {
		t.Fatalf("failed to save dep2: %v", err)
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	retrieved, err := s.GetTask(ctx, 3)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}

	if retrieved.ID != task.ID {
		t.Errorf("ID mismatch: got %d, want %d", retrieved.ID, task.ID)
	}
	if retrieved.ProjectID != task.ProjectID {
		t.Errorf("ProjectID mismatch: got %d, want %d", retrieved.ProjectID, task.ProjectID)
	}
	if retrieved.Title != task.Title {
		t.Errorf("Title mismatch: got %s, want %s", retrieved.Title, task.Title)
	}
	if retrieved.Capability != task.Capability {
		t.Errorf("Capability mismatch: got %s, want %s", retrieved.Capability, task.Capability)
	}
	if retrieved.Status != task.Status {
		t.Errorf("Status mismatch: got %v, want %v", retrieved.Status, task.Status)
	}
	if len(retrieved.DependsOn) != 2 {
		t.Fatalf("DependsOn length mismatch: got %d, want 2", len(retrieved.DependsOn))
	}
	for i, dep := range task.DependsOn {
		if retrieved.DependsOn[i] != dep {
			t.Errorf("DependsOn[%d] mismatch: got %d, want %d", i, retrieved.DependsOn[i], dep)
		}
	}
}

func TestSaveTaskIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := &resolver.Task{ID: 1, ProjectID: 1, Title: "compile", Capability: "build", Status: resolver.StatusPending}

	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	task.Status = resolver.StatusCompleted
	task.Output = "ok"

	// Save again (should update, not error).
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task second time: %v", err)
	}

	retrieved, err := s.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Status != resolver.StatusCompleted {
		t.Errorf("Status should be completed after update, got %v", retrieved.Status)
	}
	if retrieved.Output != "ok" {
		t.Errorf("Output mismatch: got %s, want ok", retrieved.Output)
	}
}

func TestUpdateTask(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := &resolver.Task{ID: 1, ProjectID: 1, Title: "compile", Capability: "build", Status: resolver.StatusPending}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("failed to save task: %v", err)
	}

	status := resolver.StatusInProgress
	worker := "build-001"
	if err := s.UpdateTask(ctx, 1, TaskUpdate{Status: &status, AssignedWorker: &worker}); err != nil {
		t.Fatalf("failed to update to in_progress: %v", err)
	}

	retrieved, err := s.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Status != resolver.StatusInProgress {
		t.Errorf("Status should be in_progress, got %v", retrieved.Status)
	}
	if retrieved.AssignedWorker != "build-001" {
		t.Errorf("AssignedWorker mismatch: got %s, want build-001", retrieved.AssignedWorker)
	}

	// Partial update: only the retry counter; status must survive.
	retries := 2
	taskErr := "exit status 1"
	if err := s.UpdateTask(ctx, 1, TaskUpdate{RetryCount: &retries, Error: &taskErr}); err != nil {
		t.Fatalf("failed to update retry count: %v", err)
	}

	retrieved, err = s.GetTask(ctx, 1)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if retrieved.Status != resolver.StatusInProgress {
		t.Errorf("Status changed by partial update: got %v", retrieved.Status)
	}
	if retrieved.RetryCount != 2 {
		t.Errorf("RetryCount mismatch: got %d, want 2", retrieved.RetryCount)
	}
	if retrieved.Error != "exit status 1" {
		t.Errorf("Error mismatch: got %q", retrieved.Error)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	status := resolver.StatusCompleted
	err := s.UpdateTask(ctx, 99, TaskUpdate{Status: &status})
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestListTasks(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tasks := []*resolver.Task{
		{ID: 1, ProjectID: 1, Title: "setup", Capability: "build", Status: resolver.StatusCompleted},
		{ID: 2, ProjectID: 1, Title: "compile", Capability: "build", Status: resolver.StatusInProgress, DependsOn: []int64{1}},
		{ID: 3, ProjectID: 1, Title: "verify", Capability: "test", Status: resolver.StatusPending, DependsOn: []int64{1, 2}},
		{ID: 4, ProjectID: 2, Title: "other project", Capability: "build", Status: resolver.StatusPending},
	}
	for _, task := range tasks {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("failed to save task %d: %v", task.ID, err)
		}
	}

	listed, err := s.ListTasks(ctx, 1)
	if err != nil {
		t.Fatalf("failed to list tasks: %v", err)
	}

	if len(listed) != 3 {
		t.Fatalf("expected 3 tasks for project 1, got %d", len(listed))
	}
	for i, want := range []int64{1, 2, 3} {
		if listed[i].ID != want {
			t.Errorf("task %d: expected ID %d, got %d", i, want, listed[i].ID)
		}
	}
	if len(listed[2].DependsOn) != 2 {
		t.Errorf("task 3 should have 2 dependencies, got %d", len(listed[2].DependsOn))
	}
}

func TestForeignKeyEnforced(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	task := &resolver.Task{
		ID:         1,
		ProjectID:  1,
		Title:      "compile",
		Capability: "build",
		Status:     resolver.StatusPending,
		DependsOn:  []int64{99},
	}

	err := s.SaveTask(ctx, task)
	if err == nil {
		t.Fatal("expected error when inserting dependency on non-existent task, got nil")
	}
	if !strings.Contains(err.Error(), "does not exist") && !strings.Contains(strings.ToLower(err.Error()), "foreign key") {
		t.Errorf("expected a dependency error, got: %v", err)
	}
}

func TestSaveAndGetRun(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	run := RunRecord{
		ID:             "run-abc",
		ProjectID:      1,
		TerminalState:  "completed",
		Completed:      4,
		Failed:         0,
		Total:          4,
		ElapsedSeconds: 1.5,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	retrieved, err := s.GetRun(ctx, "run-abc")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if retrieved.TerminalState != "completed" {
		t.Errorf("TerminalState mismatch: got %s", retrieved.TerminalState)
	}
	if retrieved.Completed != 4 || retrieved.Total != 4 {
		t.Errorf("counts mismatch: %+v", retrieved)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestTaskLocksSerializeSameTask(t *testing.T) {
	locks := NewTaskLocks()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.Lock(1)
			defer locks.Unlock(1)
			counter++
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("expected 50 serialized increments, got %d", counter)
	}
}

func TestTaskLocksLockAllOrdering(t *testing.T) {
	locks := NewTaskLocks()

	// Two goroutines lock overlapping sets in opposite argument order.
	// Sorted acquisition means this must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ids := []int64{1, 2, 3}
			locks.LockAll(ids)
			locks.UnlockAll(ids)
		}()
		go func() {
			defer wg.Done()
			ids := []int64{3, 2, 1}
			locks.LockAll(ids)
			locks.UnlockAll(ids)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LockAll deadlocked with overlapping sets")
	}
}
