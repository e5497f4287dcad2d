package config

// SchedulerConfig tunes the coordinator and worker pool.
type SchedulerConfig struct {
	MaxWorkers     int `json:"max_workers,omitempty"`      // Worker pool capacity
	MaxConcurrency int `json:"max_concurrency,omitempty"`  // Tasks executing at once
	MaxRetries     int `json:"max_retries,omitempty"`      // Attempts per task before it fails permanently
	MaxIterations  int `json:"max_iterations,omitempty"`   // Watchdog ceiling on scheduler loop passes
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`  // Whole-run deadline
	PollIntervalMS int `json:"poll_interval_ms,omitempty"` // Scheduler loop idle wait
}

// CapabilityConfig defines how tasks of one capability are executed.
// Capabilities map onto subprocess commands; workers of a capability all
// run the same command.
type CapabilityConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Database     string                      `json:"database,omitempty"` // SQLite path
	Scheduler    SchedulerConfig             `json:"scheduler"`
	Capabilities map[string]CapabilityConfig `json:"capabilities"`
}
