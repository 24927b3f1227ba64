// Package config provides configuration loading from environment variables
// and the TOML experiment definition.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"autosubmit/internal/apperrors"
)

// Storage strategies for the persisted job graph.
const (
	StorageJSON   = "json"
	StorageSQLite = "sqlite"
)

// RunnerConfig holds configuration for the run loop daemon.
type RunnerConfig struct {
	Root           string // Directory holding one subdirectory per experiment
	ExpID          string
	ExperimentFile string // TOML experiment definition (default: <root>/<expid>/conf/experiment.toml)
	Storage        string // json or sqlite
	BackupSlots    int    // Rotating backup snapshots kept next to the primary

	MaxRetries     int           // Consecutive failed cycles before giving up
	RetryBaseDelay time.Duration // Backoff base between failed cycles
	RetryMaxDelay  time.Duration // Backoff cap

	Rerun string // Jobs to reset to WAITING before the loop starts (see job.List.Rerun)

	RetrievalWorkers int           // Concurrent log retrievals
	RetrievalTimeout time.Duration // Shutdown wait for outstanding retrievals

	StatusPort   string // Read-only status API (empty to disable)
	StatusAPIKey string // Bearer token for the status API (empty disables auth)
	MetricsPort  string // Prometheus endpoint (empty to disable)
	LogLevel     string
	LogFormat    string // json or text

	HistoryDB         bool   // Record status changes in <root>/<expid>/history.db
	HistoryWebhookURL string // CloudEvent sink (empty to disable)
	HistoryWebhookKey string // HMAC key for the webhook
	HistoryRedisURL   string // Redis stream sink (empty to disable)
	HistoryRedisKey   string // Redis stream name
	HistoryBuffer     int    // Entries queued for the sinks before dropping
}

// LoadRunnerConfig loads run loop configuration from environment variables.
func LoadRunnerConfig() (*RunnerConfig, error) {
	cfg := &RunnerConfig{
		Root:              GetEnv("AUTOSUBMIT_ROOT", "experiments"),
		ExpID:             GetEnv("EXPID", ""),
		ExperimentFile:    GetEnv("EXPERIMENT_FILE", ""),
		Storage:           strings.ToLower(GetEnv("STORAGE", StorageJSON)),
		BackupSlots:       GetIntEnv("BACKUP_SLOTS", 2),
		MaxRetries:        GetIntEnv("MAX_RETRIES", 5000),
		RetryBaseDelay:    GetDurationEnv("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:     GetDurationEnv("RETRY_MAX_DELAY", 10*time.Minute),
		Rerun:             GetEnv("RERUN", ""),
		RetrievalWorkers:  GetIntEnv("RETRIEVAL_WORKERS", 4),
		RetrievalTimeout:  GetDurationEnv("RETRIEVAL_TIMEOUT", 30*time.Second),
		StatusPort:        GetEnv("STATUS_PORT", "8080"),
		StatusAPIKey:      GetSecretFile(GetEnv("STATUS_API_KEY_FILE", "")),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),
		LogFormat:         GetEnv("LOG_FORMAT", "json"),
		HistoryDB:         GetBoolEnv("HISTORY_DB", true),
		HistoryWebhookURL: GetEnv("HISTORY_WEBHOOK_URL", ""),
		HistoryWebhookKey: GetSecretFile(GetEnv("HISTORY_WEBHOOK_KEY_FILE", "")),
		HistoryRedisURL:   GetEnv("HISTORY_REDIS_URL", ""),
		HistoryRedisKey:   GetEnv("HISTORY_REDIS_STREAM", "autosubmit_history"),
		HistoryBuffer:     GetIntEnv("HISTORY_BUFFER", 1024),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and fills derived paths.
func (c *RunnerConfig) Validate() error {
	if c.ExpID == "" {
		return apperrors.Config("EXPID", "experiment id is required")
	}
	if strings.ContainsAny(c.ExpID, `/\ `) {
		return apperrors.Config("EXPID", "experiment id must not contain separators or blanks")
	}
	switch c.Storage {
	case StorageJSON, StorageSQLite:
	default:
		return apperrors.Config("STORAGE", "must be json or sqlite, got "+c.Storage)
	}
	if c.MaxRetries <= 0 {
		return apperrors.Config("MAX_RETRIES", "must be positive")
	}
	if c.BackupSlots <= 0 {
		c.BackupSlots = 1
	}
	if c.RetrievalWorkers <= 0 {
		c.RetrievalWorkers = 1
	}
	if c.ExperimentFile == "" {
		c.ExperimentFile = filepath.Join(c.ExperimentDir(), "conf", "experiment.toml")
	}
	return nil
}

// ExperimentDir is the directory owned by this experiment.
func (c *RunnerConfig) ExperimentDir() string {
	return filepath.Join(c.Root, c.ExpID)
}
