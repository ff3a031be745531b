package delivery

import (
	"time"

	"hookrelay/internal/config"
	"hookrelay/pkg/backoff"
)

const (
	defaultMaxAttempts    = 3
	defaultAttemptTimeout = 5 * time.Second
	defaultBackoffInitial = 100 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
	defaultBackoffJitter  = 0.2
	defaultPersistTimeout = 5 * time.Second
)

// Config controls retries and timeouts for a delivery.
type Config struct {
	MaxAttempts    int            // total HTTP attempts (default: 3)
	AttemptTimeout time.Duration  // per attempt (default: 5s)
	Backoff        backoff.Config // wait between attempts (default: 100ms doubling to 5s, ±20%)
	PersistTimeout time.Duration  // failure bookkeeping (default: 5s)
}

// LoadConfigFromEnv loads delivery configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		MaxAttempts:    config.GetIntEnv("WEBHOOK_MAX_ATTEMPTS", defaultMaxAttempts),
		AttemptTimeout: config.GetDurationEnv("WEBHOOK_ATTEMPT_TIMEOUT", defaultAttemptTimeout),
		Backoff: backoff.Config{
			Initial: config.GetDurationEnv("WEBHOOK_BACKOFF_INITIAL", defaultBackoffInitial),
			Max:     config.GetDurationEnv("WEBHOOK_BACKOFF_MAX", defaultBackoffMax),
			Jitter:  defaultBackoffJitter,
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = defaultBackoffInitial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = defaultBackoffMax
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	return c
}
