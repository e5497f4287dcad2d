package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnregistered is returned when no factory exists for a capability.
var ErrUnregistered = errors.New("no executor registered for capability")

// Config defines how a capability's executor runs its tasks.
type Config struct {
	Command string   // Binary to invoke
	Args    []string // Fixed arguments prepended to every invocation
	Env     []string // Extra environment, KEY=VALUE form
	WorkDir string   // Working directory ("" = inherit)
}

// Factory builds an executor for a capability from its config.
type Factory func(cfg Config, pm *ProcessManager) (Executor, error)

// Registry maps capability tags to executor factories. Safe for concurrent
// use. It satisfies the pool's capability check so that unknown tags are
// rejected before any worker is created.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	configs   map[string]Config
	pm        *ProcessManager
}

// NewRegistry creates an empty registry. pm tracks subprocesses spawned by
// command-based executors so shutdown can terminate them all.
func NewRegistry(pm *ProcessManager) *Registry {
	if pm == nil {
		pm = NewProcessManager()
	}
	return &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]Config),
		pm:        pm,
	}
}

// Register binds a capability tag to a factory. Re-registering a tag
// replaces the previous binding.
func (r *Registry) Register(capability string, cfg Config, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[capability] = factory
	r.configs[capability] = cfg
}

// RegisterCommand binds a capability to the standard subprocess executor.
func (r *Registry) RegisterCommand(capability string, cfg Config) {
	r.Register(capability, cfg, func(cfg Config, pm *ProcessManager) (Executor, error) {
		return NewCommandExecutor(cfg, pm), nil
	})
}

// Known reports whether a capability has a registered executor.
func (r *Registry) Known(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[capability]
	return ok
}

// Capabilities returns all registered capability tags, sorted.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]string, 0, len(r.factories))
	for c := range r.factories {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// New builds an executor for the capability.
func (r *Registry) New(capability string) (Executor, error) {
	r.mu.RLock()
	factory, ok := r.factories[capability]
	cfg := r.configs[capability]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnregistered, capability)
	}
	return factory(cfg, r.pm)
}

// ProcessManager returns the shared subprocess tracker.
func (r *Registry) ProcessManager() *ProcessManager {
	return r.pm
}
