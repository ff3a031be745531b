// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the hookrelay service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	DatabaseURL       string
	SecretKey         string        // key material for sealing subscription secrets
	RedisAddr         string        // empty disables cross-instance reloads
	PollInterval      time.Duration // registry version poll interval
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		DatabaseURL:       GetEnv("DATABASE_URL", "postgres://localhost:5432/hookrelay?sslmode=disable"),
		SecretKey:         GetSecretFile(GetEnv("SECRET_KEY_FILE", "")),
		RedisAddr:         GetEnv("REDIS_ADDR", ""),
		PollInterval:      GetDurationEnv("REGISTRY_POLL_INTERVAL", 5*time.Second),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
