package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.taskfleet/config.json
// Project: .taskfleet/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".taskfleet", "config.json")
	projectPath := filepath.Join(".taskfleet", "config.json")

	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Malformed JSON returns an
// error. Scheduler fields merge individually: only values the file sets
// override the base.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if loaded.Database != "" {
		base.Database = loaded.Database
	}

	mergeScheduler(&base.Scheduler, loaded.Scheduler)

	for key, capability := range loaded.Capabilities {
		base.Capabilities[key] = capability
	}

	return nil
}

func mergeScheduler(base *SchedulerConfig, loaded SchedulerConfig) {
	if loaded.MaxWorkers > 0 {
		base.MaxWorkers = loaded.MaxWorkers
	}
	if loaded.MaxConcurrency > 0 {
		base.MaxConcurrency = loaded.MaxConcurrency
	}
	if loaded.MaxRetries > 0 {
		base.MaxRetries = loaded.MaxRetries
	}
	if loaded.MaxIterations > 0 {
		base.MaxIterations = loaded.MaxIterations
	}
	if loaded.TimeoutSeconds > 0 {
		base.TimeoutSeconds = loaded.TimeoutSeconds
	}
	if loaded.PollIntervalMS > 0 {
		base.PollIntervalMS = loaded.PollIntervalMS
	}
}
