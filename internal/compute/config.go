package compute

import (
	"context"
	"fmt"
	"time"

	"dockingserver/internal/config"
)

// Backend names accepted by SCORER.
const (
	BackendDocker  = "docker"
	BackendCommand = "command"
)

// Config selects and tunes the scoring backend.
type Config struct {
	Backend  string        // docker or command (default: docker)
	Image    string        // image run per item by the docker backend
	Command  string        // executable run per item by the command backend
	WorkDir  string        // where the command backend writes receptor files
	Timeout  time.Duration // per-item limit (default: 10m)
	MemoryMB int           // container memory limit, 0 for none
	CPUs     float64       // container CPU limit, 0 for none
}

// LoadConfigFromEnv loads scorer configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Backend:  config.GetEnv("SCORER", BackendDocker),
		Image:    config.GetEnv("SCORER_IMAGE", "docking-scorer:latest"),
		Command:  config.GetEnv("SCORER_COMMAND", ""),
		WorkDir:  config.GetEnv("SCORER_WORKDIR", ""),
		Timeout:  config.GetDurationEnv("SCORER_TIMEOUT", 10*time.Minute),
		MemoryMB: config.GetIntEnv("SCORER_MEMORY_MB", 0),
		CPUs:     config.GetFloatEnv("SCORER_CPUS", 0),
	}
}

func (c Config) withDefaults() Config {
	if c.Backend == "" {
		c.Backend = BackendDocker
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Scorer, error) {
	cfg = cfg.withDefaults()
	switch cfg.Backend {
	case BackendDocker:
		return NewDockerScorer(ctx, cfg)
	case BackendCommand:
		return NewCommandScorer(cfg)
	default:
		return nil, fmt.Errorf("unknown scorer backend %q", cfg.Backend)
	}
}
