package dispatcher

import (
	"time"

	"dockingserver/internal/config"
)

// Config holds configuration for the in-memory dispatcher.
type Config struct {
	BufferSize       int           // pending deliveries (default: 1000)
	Workers          int           // concurrent senders (default: 4)
	HTTPTimeout      time.Duration // per-request timeout (default: 10s)
	DeliveryTimeout  time.Duration // all attempts of one delivery (default: 30s)
	MaxAttempts      int           // including the first (default: 4)
	InitialBackoff   time.Duration // default: 100ms
	MaxBackoff       time.Duration // default: 5s
	BreakerThreshold int           // default: 5
	BreakerCooldown  time.Duration // default: 30s
	RateLimit        float64       // sends per second across all workers, 0 is unlimited
	RateBurst        int           // default: 1
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		BufferSize:  config.GetIntEnv("DISPATCHER_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("DISPATCHER_WORKERS", 4),
		HTTPTimeout: config.GetDurationEnv("DISPATCHER_HTTP_TIMEOUT", 10*time.Second),
		MaxAttempts: config.GetIntEnv("DISPATCHER_MAX_ATTEMPTS", 4),
		RateLimit:   config.GetFloatEnv("DISPATCHER_RATE_LIMIT", 0),
		RateBurst:   config.GetIntEnv("DISPATCHER_RATE_BURST", 1),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}
