package executor

import (
	"context"

	"github.com/me/taskfleet/internal/resolver"
)

// Result is the outcome of a single execution attempt.
type Result struct {
	Output string
}

// Executor runs one task to completion. Implementations must honor ctx
// cancellation; a returned error marks the attempt as failed and the
// coordinator decides whether to retry.
type Executor interface {
	Execute(ctx context.Context, task *resolver.Task) (Result, error)

	// Close releases executor resources.
	Close() error
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task *resolver.Task) (Result, error)

func (f Func) Execute(ctx context.Context, task *resolver.Task) (Result, error) {
	return f(ctx, task)
}

func (Func) Close() error { return nil }
