package resolver

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// CycleError reports a dependency cycle found while building a graph.
// Path is the ordered cycle; its first and last elements are identical,
// and every consecutive pair is a real depends-on edge.
type CycleError struct {
	Path []int64
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Graph is a directed acyclic graph of tasks keyed by ID. It holds both
// edge directions: each task's DependsOn set (prerequisites) and the derived
// dependents map (forward edges). A Graph is built wholesale by Build and
// never partially updated; status transitions are the only mutation.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[int64]*Task
	dependents map[int64][]int64 // taskID -> tasks that depend on it
}

// Build constructs a graph from the full task set and validates it.
// It fails on duplicate IDs, references to unknown tasks, and cycles.
// Self-dependency is a one-node cycle and is rejected the same way.
// No other Graph method is valid on a graph whose Build returned an error.
func Build(tasks []*Task) (*Graph, error) {
	g := &Graph{
		tasks:      make(map[int64]*Task, len(tasks)),
		dependents: make(map[int64][]int64),
	}

	for _, task := range tasks {
		if _, exists := g.tasks[task.ID]; exists {
			return nil, fmt.Errorf("duplicate task ID %d", task.ID)
		}
		g.tasks[task.ID] = cloneTask(task)
	}

	for _, task := range g.tasks {
		for _, depID := range task.DependsOn {
			if depID == task.ID {
				return nil, &CycleError{Path: []int64{task.ID, task.ID}}
			}
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %d depends on unknown task %d", task.ID, depID)
			}
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}
	for id := range g.dependents {
		sortIDs(g.dependents[id])
	}

	// Topological sort over every node proves acyclicity; the DFS below only
	// runs to extract the exact cycle path for the error.
	var edges []toposort.Edge
	for id, task := range g.tasks {
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	if _, err := toposort.Toposort(edges); err != nil {
		if path := g.findCyclePath(); path != nil {
			return nil, &CycleError{Path: path}
		}
		return nil, fmt.Errorf("dependency graph contains a cycle: %w", err)
	}

	return g, nil
}

// findCyclePath runs a DFS over the prerequisite edges, maintaining the
// recursion stack, and returns the first cycle found as an ordered ID list
// whose first and last elements match. Returns nil if the graph is acyclic.
func (g *Graph) findCyclePath() []int64 {
	visited := make(map[int64]bool)
	onStack := make(map[int64]bool)
	var stack []int64

	var walk func(id int64) []int64
	walk = func(id int64) []int64 {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, depID := range g.tasks[id].DependsOn {
			if !visited[depID] {
				if path := walk(depID); path != nil {
					return path
				}
			} else if onStack[depID] {
				// Back edge: the cycle is everything on the stack from depID on.
				start := 0
				for i, sid := range stack {
					if sid == depID {
						start = i
						break
					}
				}
				path := append([]int64(nil), stack[start:]...)
				return append(path, depID)
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range g.sortedIDs() {
		if !visited[id] {
			if path := walk(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// ReadyTasks returns every pending task whose entire DependsOn set is
// completed, in ascending ID order. A task with no dependencies is ready
// immediately. Pure query: no side effects, safe under concurrent writers.
func (g *Graph) ReadyTasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*Task
	for _, id := range g.sortedIDs() {
		task := g.tasks[id]
		if task.Status != StatusPending {
			continue
		}
		if g.depsCompleted(task) {
			ready = append(ready, cloneTask(task))
		}
	}
	return ready
}

// depsCompleted reports whether every dependency of task is completed.
// Caller must hold g.mu.
func (g *Graph) depsCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := g.tasks[depID]
		if !exists || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// UnblockDependents marks completedID completed and returns the IDs of tasks
// for which it was the last unmet dependency, ascending. Tasks that still
// have other incomplete dependencies, or that are not pending (already
// running, completed, or permanently failed), are never returned.
func (g *Graph) UnblockDependents(completedID int64) ([]int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[completedID]
	if !exists {
		return nil, fmt.Errorf("task %d not found", completedID)
	}
	task.Status = StatusCompleted

	var unblocked []int64
	for _, depID := range g.dependents[completedID] {
		dependent := g.tasks[depID]
		if dependent.Status != StatusPending {
			continue
		}
		if g.depsCompleted(dependent) {
			unblocked = append(unblocked, depID)
		}
	}
	sortIDs(unblocked)
	return unblocked, nil
}

// SetStatus transitions a task to the given status.
func (g *Graph) SetStatus(taskID int64, status Status) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %d not found", taskID)
	}
	task.Status = status
	if status != StatusBlocked {
		task.BlockedBy = nil
	}
	return nil
}

// SetBlocked marks a task blocked and records the blocking task IDs.
func (g *Graph) SetBlocked(taskID int64, blockedBy []int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %d not found", taskID)
	}
	task.Status = StatusBlocked
	task.BlockedBy = append([]int64(nil), blockedBy...)
	return nil
}

// IncrementRetry bumps a task's retry counter and returns the new value.
func (g *Graph) IncrementRetry(taskID int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return 0, fmt.Errorf("task %d not found", taskID)
	}
	task.RetryCount++
	return task.RetryCount, nil
}

// Get returns a copy of the task with the given ID.
func (g *Graph) Get(taskID int64) (*Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	task, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks in ascending ID order.
func (g *Graph) Tasks() []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*Task, 0, len(g.tasks))
	for _, id := range g.sortedIDs() {
		tasks = append(tasks, cloneTask(g.tasks[id]))
	}
	return tasks
}

// Dependents returns the IDs of tasks that directly depend on taskID.
func (g *Graph) Dependents(taskID int64) []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]int64(nil), g.dependents[taskID]...)
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks)
}

// TopologicalSort returns a linear execution order satisfying dependency
// precedence. Ties are broken by ascending task ID so the order is
// deterministic. The graph is acyclic by construction, so an order always
// exists.
func (g *Graph) TopologicalSort() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	inDegree := make(map[int64]int, len(g.tasks))
	for id, task := range g.tasks {
		inDegree[id] = len(task.DependsOn)
	}

	var frontier []int64
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortIDs(frontier)

	order := make([]int64, 0, len(g.tasks))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		released := false
		for _, depID := range g.dependents[id] {
			inDegree[depID]--
			if inDegree[depID] == 0 {
				frontier = append(frontier, depID)
				released = true
			}
		}
		if released {
			sortIDs(frontier)
		}
	}
	return order
}

// BlockedTasks returns every incomplete task that has at least one
// incomplete dependency, mapped to the sorted IDs of those dependencies.
func (g *Graph) BlockedTasks() map[int64][]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	blocked := make(map[int64][]int64)
	for id, task := range g.tasks {
		if task.Status.Terminal() {
			continue
		}
		var incomplete []int64
		for _, depID := range task.DependsOn {
			if dep, exists := g.tasks[depID]; exists && dep.Status != StatusCompleted {
				incomplete = append(incomplete, depID)
			}
		}
		if len(incomplete) > 0 {
			sortIDs(incomplete)
			blocked[id] = incomplete
		}
	}
	return blocked
}

// ValidateEdge reports whether adding a dependency from taskID on dependsOn
// would keep the graph acyclic. Self-edges are always invalid. The graph is
// not modified.
func (g *Graph) ValidateEdge(taskID, dependsOn int64) bool {
	if taskID == dependsOn {
		return false
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, exists := g.tasks[taskID]; !exists {
		return false
	}
	if _, exists := g.tasks[dependsOn]; !exists {
		return false
	}

	// The new edge creates a cycle iff taskID is already reachable from
	// dependsOn along prerequisite edges.
	seen := map[int64]bool{dependsOn: true}
	queue := []int64{dependsOn}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == taskID {
			return false
		}
		for _, depID := range g.tasks[id].DependsOn {
			if !seen[depID] {
				seen[depID] = true
				queue = append(queue, depID)
			}
		}
	}
	return true
}

// DependencyDepth returns the longest prerequisite chain below a task:
// 0 for no dependencies, N for N levels deep. Unknown IDs report 0.
func (g *Graph) DependencyDepth(taskID int64) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	memo := make(map[int64]int)
	var depth func(id int64) int
	depth = func(id int64) int {
		if d, ok := memo[id]; ok {
			return d
		}
		task, exists := g.tasks[id]
		if !exists {
			return 0
		}
		max := 0
		for _, depID := range task.DependsOn {
			if d := 1 + depth(depID); d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}
	return depth(taskID)
}

// sortedIDs returns all task IDs ascending. Caller must hold g.mu.
func (g *Graph) sortedIDs() []int64 {
	ids := make([]int64, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
