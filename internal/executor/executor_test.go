package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/me/taskfleet/internal/resolver"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)

	if r.Known("build") {
		t.Error("empty registry should not know any capability")
	}

	r.RegisterCommand("build", Config{Command: "true"})
	r.RegisterCommand("test", Config{Command: "true"})

	if !r.Known("build") || !r.Known("test") {
		t.Error("registered capabilities not reported as known")
	}
	if r.Known("deploy") {
		t.Error("unregistered capability reported as known")
	}

	caps := r.Capabilities()
	if len(caps) != 2 || caps[0] != "build" || caps[1] != "test" {
		t.Errorf("unexpected capabilities: %v", caps)
	}

	exec, err := r.New("build")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer exec.Close()

	if _, err := r.New("deploy"); !errors.Is(err, ErrUnregistered) {
		t.Errorf("expected ErrUnregistered, got %v", err)
	}
}

func TestCommandExecutorSuccess(t *testing.T) {
	pm := NewProcessManager()
	exec := NewCommandExecutor(Config{
		Command: "sh",
		Args:    []string{"-c", "cat"},
	}, pm)

	task := &resolver.Task{ID: 7, ProjectID: 1, Title: "compile", Capability: "build"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := exec.Execute(ctx, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// "cat" echoes the stdin payload back; it must carry the task fields.
	if !strings.Contains(res.Output, `"id":7`) {
		t.Errorf("output missing task ID: %s", res.Output)
	}
	if !strings.Contains(res.Output, `"capability":"build"`) {
		t.Errorf("output missing capability: %s", res.Output)
	}

	if pm.Count() != 0 {
		t.Errorf("expected no tracked processes after completion, got %d", pm.Count())
	}
}

func TestCommandExecutorFailure(t *testing.T) {
	exec := NewCommandExecutor(Config{
		Command: "sh",
		Args:    []string{"-c", "echo boom >&2; exit 3"},
	}, nil)

	task := &resolver.Task{ID: 1, ProjectID: 1, Title: "compile", Capability: "build"}

	_, err := exec.Execute(context.Background(), task)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected stderr in error, got: %v", err)
	}
}

func TestCommandExecutorContextCancel(t *testing.T) {
	exec := NewCommandExecutor(Config{
		Command: "sleep",
		Args:    []string{"30"},
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	task := &resolver.Task{ID: 1, ProjectID: 1, Title: "slow", Capability: "build"}

	start := time.Now()
	_, err := exec.Execute(ctx, task)
	if err == nil {
		t.Fatal("expected error when context expires")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestCommandExecutorEnv(t *testing.T) {
	exec := NewCommandExecutor(Config{
		Command: "sh",
		Args:    []string{"-c", "printf '%s' \"$FLEET_MARKER\""},
		Env:     []string{"FLEET_MARKER=present"},
	}, nil)

	task := &resolver.Task{ID: 1, ProjectID: 1, Title: "env", Capability: "build"}

	res, err := exec.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "present" {
		t.Errorf("expected env var in output, got %q", res.Output)
	}
}

func TestFuncExecutor(t *testing.T) {
	called := false
	f := Func(func(ctx context.Context, task *resolver.Task) (Result, error) {
		called = true
		return Result{Output: "done"}, nil
	})

	res, err := f.Execute(context.Background(), &resolver.Task{ID: 1})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called || res.Output != "done" {
		t.Error("Func adapter did not invoke the wrapped function")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
