package dispatcher

import (
	"time"

	"autosubmit/internal/config"
	"autosubmit/pkg/backoff"
	"autosubmit/pkg/circuitbreaker"
)

const (
	defaultBufferSize  = 1000
	defaultWorkers     = 2
	defaultHTTPTimeout = 10 * time.Second
	defaultMaxRequeues = 10
)

// MemoryConfig holds configuration for the in-memory dispatcher.
type MemoryConfig struct {
	BufferSize  int           // pending events across all lanes (default: 1000)
	Workers     int           // delivery lanes, one goroutine each (default: 2)
	HTTPTimeout time.Duration // per-request timeout (default: 10s)
	MaxRequeues int           // requeues while a destination's circuit is open (default: 10)

	Retry   backoff.Policy        // per-event retry schedule (default: 3 retries, 100ms..5s)
	Breaker circuitbreaker.Config // per-destination breaker (default: 5 failures, 30s cooldown)
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() MemoryConfig {
	cfg := MemoryConfig{
		BufferSize:  config.GetIntEnv("HISTORY_WEBHOOK_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("HISTORY_WEBHOOK_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("HISTORY_WEBHOOK_TIMEOUT", defaultHTTPTimeout),
		Retry: backoff.Policy{
			MaxRetries: config.GetIntEnv("HISTORY_WEBHOOK_RETRIES", 3),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	def := circuitbreaker.DefaultConfig()
	if c.Breaker.Threshold <= 0 {
		c.Breaker.Threshold = def.Threshold
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = def.Cooldown
	}
	return c
}
