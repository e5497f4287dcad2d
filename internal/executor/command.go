package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/me/taskfleet/internal/resolver"
)

// taskPayload is the JSON document written to the subprocess's stdin.
type taskPayload struct {
	ID         int64   `json:"id"`
	ProjectID  int64   `json:"project_id"`
	Title      string  `json:"title"`
	Capability string  `json:"capability"`
	DependsOn  []int64 `json:"depends_on,omitempty"`
	RetryCount int     `json:"retry_count"`
}

// CommandExecutor runs each task as a subprocess of the configured command.
// The task is delivered as JSON on stdin; stdout becomes the task output.
// A non-zero exit fails the attempt.
type CommandExecutor struct {
	cfg Config
	pm  *ProcessManager
}

// NewCommandExecutor creates a subprocess-backed executor.
func NewCommandExecutor(cfg Config, pm *ProcessManager) *CommandExecutor {
	return &CommandExecutor{cfg: cfg, pm: pm}
}

// Execute runs the task through the configured command.
func (e *CommandExecutor) Execute(ctx context.Context, task *resolver.Task) (Result, error) {
	payload, err := json.Marshal(taskPayload{
		ID:         task.ID,
		ProjectID:  task.ProjectID,
		Title:      task.Title,
		Capability: task.Capability,
		DependsOn:  task.DependsOn,
		RetryCount: task.RetryCount,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode task: %w", err)
	}

	cmd := newCommand(ctx, e.cfg.Command, e.cfg.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	if e.cfg.WorkDir != "" {
		cmd.Dir = e.cfg.WorkDir
	}
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}

	stdout, _, err := executeCommand(cmd, e.pm)
	if err != nil {
		return Result{}, err
	}

	return Result{Output: strings.TrimRight(string(stdout), "\n")}, nil
}

// Close is a no-op: subprocesses are per-attempt and tracked by the
// ProcessManager.
func (e *CommandExecutor) Close() error { return nil }

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid flag puts the subprocess in its own process group, allowing
// clean termination of the entire subprocess tree.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// executeCommand executes a command and returns its stdout and stderr.
// Both pipes are drained concurrently before cmd.Wait(), which prevents
// deadlocks when subprocess output exceeds pipe buffer capacity.
func executeCommand(cmd *exec.Cmd, pm *ProcessManager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer

	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()

	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}

	return stdout, stderr, nil
}

// killProcessGroup kills the entire process group associated with the
// command, terminating all child processes rather than just the immediate
// subprocess.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}

	return nil
}

// ProcessManager tracks all running subprocesses and can terminate them all
// on shutdown. This prevents zombie processes and ensures clean cleanup.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a subprocess. Call after cmd.Start(), when cmd.Process is
// available.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess. Call after cmd.Wait() completes.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates all tracked subprocesses. Called during shutdown.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}

	return nil
}

// Count returns the number of currently tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
