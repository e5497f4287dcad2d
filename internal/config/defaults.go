package config

// DefaultConfig returns the default configuration with built-in scheduler
// limits and a generic shell capability.
func DefaultConfig() *Config {
	return &Config{
		Database: ".taskfleet/tasks.db",
		Scheduler: SchedulerConfig{
			MaxWorkers:     10,
			MaxConcurrency: 5,
			MaxRetries:     3,
			MaxIterations:  1000,
			TimeoutSeconds: 300,
			PollIntervalMS: 200,
		},
		Capabilities: map[string]CapabilityConfig{
			"shell": {
				Command: "sh",
				Args:    []string{"-c", "cat"},
			},
		},
	}
}
