package worker

import (
	"time"

	"dockingserver/internal/config"
)

// Config holds configuration for the worker pool.
type Config struct {
	Workers     int           // concurrent tasks (default: 8)
	TaskTimeout time.Duration // per-task deadline, 0 disables (default: 0)
}

// LoadConfigFromEnv loads pool configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workers:     config.GetIntEnv("WORKERS", 8),
		TaskTimeout: config.GetDurationEnv("TASK_TIMEOUT", 0),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.TaskTimeout < 0 {
		c.TaskTimeout = 0
	}
	return c
}
