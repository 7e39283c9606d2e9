// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
)

// ServiceConfig holds configuration for the docking server.
type ServiceConfig struct {
	Addr                string
	Port                string
	MetricsPort         string
	APIKey              string
	ShutdownDrainWait   time.Duration // Time to wait for load balancer to drain (0 to skip)
	Workers             int           // Concurrent compute tasks
	JobRetention        time.Duration // How long a finished, uncollected query is kept
	MaintenanceInterval time.Duration // How often the idle sweep runs
	ReceptorCacheSize   int
	ReceptorDir         string // Client receptor paths resolve inside it; empty refuses them
	ScoreCeiling        float64  // Scores above this are reported as failures
	Receptors           []string // Preload paths, named after the file stem
	NamedReceptors      []string // Preload "path:name" pairs
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Addr:                GetEnv("ADDR", "localhost"),
		Port:                GetEnv("PORT", "8080"),
		MetricsPort:         GetEnv("METRICS_PORT", "9090"),
		APIKey:              GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait:   GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Workers:             GetIntEnv("WORKERS", 8),
		JobRetention:        GetDurationEnv("JOB_RETENTION", 15*time.Minute),
		MaintenanceInterval: GetDurationEnv("MAINTENANCE_INTERVAL", 1*time.Minute),
		ReceptorCacheSize:   GetIntEnv("RECEPTOR_CACHE_SIZE", 256),
		ReceptorDir:         GetEnv("RECEPTOR_DIR", ""),
		ScoreCeiling:        GetFloatEnv("SCORE_CEILING", 10000),
		Receptors:           GetListEnv("RECEPTORS"),
		NamedReceptors:      GetListEnv("NAMED_RECEPTORS"),
	}
}

// LoadDotEnv loads variables from the given .env files into the process environment.
// Variables already set are left untouched. Missing files are not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
