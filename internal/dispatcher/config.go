package dispatcher

import (
	"time"

	"hookrelay/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultBufferSize       = 10000
	defaultWorkers          = 10
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
	defaultMaxRequeues      = 10
)

// Config holds configuration for the dispatcher.
type Config struct {
	BufferSize       int           // pending deliveries buffer (default: 10000)
	Workers          int           // concurrent delivery goroutines (default: 10)
	BreakerThreshold int           // consecutive failures before a subscription's circuit opens (default: 5)
	BreakerCooldown  time.Duration // time before an open circuit lets a probe through (default: 30s)
	MaxRequeues      int           // requeues on open circuit before giving up (default: 10)

	// OnError receives storage errors raised while delivering in the
	// background. Defaults to logging them.
	OnError func(err error)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize: config.GetIntEnv("DISPATCHER_BUFFER_SIZE", defaultBufferSize),
		Workers:    config.GetIntEnv("DISPATCHER_WORKERS", defaultWorkers),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = defaultBreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	return c
}
