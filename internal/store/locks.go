package store

import (
	"sort"
	"sync"
)

// TaskLocks provides per-task mutual exclusion for persistence writes.
// Keyed mutex pattern: each task ID gets its own mutex, so writes for
// different tasks proceed concurrently while writes for the same task
// are serialized.
type TaskLocks struct {
	mu    sync.Mutex // Guards the locks map itself
	locks map[int64]*sync.Mutex
}

// NewTaskLocks creates a new TaskLocks.
func NewTaskLocks() *TaskLocks {
	return &TaskLocks{
		locks: make(map[int64]*sync.Mutex),
	}
}

// Lock acquires the per-task mutex for the given task ID.
// Creates the mutex on first access if it doesn't exist.
func (l *TaskLocks) Lock(taskID int64) {
	l.mu.Lock()
	taskLock, exists := l.locks[taskID]
	if !exists {
		taskLock = &sync.Mutex{}
		l.locks[taskID] = taskLock
	}
	l.mu.Unlock()

	// Acquire the per-task lock outside the manager lock to avoid contention.
	taskLock.Lock()
}

// Unlock releases the per-task mutex for the given task ID.
func (l *TaskLocks) Unlock(taskID int64) {
	l.mu.Lock()
	taskLock, exists := l.locks[taskID]
	l.mu.Unlock()

	if exists {
		taskLock.Unlock()
	}
}

// LockAll acquires locks for ALL given task IDs.
// CRITICAL: sorts IDs ascending BEFORE acquiring to prevent deadlocks
// between callers locking overlapping sets.
func (l *TaskLocks) LockAll(taskIDs []int64) {
	if len(taskIDs) == 0 {
		return
	}

	sorted := make([]int64, len(taskIDs))
	copy(sorted, taskIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		l.Lock(id)
	}
}

// UnlockAll releases locks for all given task IDs.
// Releases in reverse sorted order for symmetry with LockAll.
func (l *TaskLocks) UnlockAll(taskIDs []int64) {
	if len(taskIDs) == 0 {
		return
	}

	sorted := make([]int64, len(taskIDs))
	copy(sorted, taskIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for i := len(sorted) - 1; i >= 0; i-- {
		l.Unlock(sorted[i])
	}
}
