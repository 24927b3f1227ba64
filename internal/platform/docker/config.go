package docker

import (
	"path/filepath"
	"time"

	"autosubmit/internal/config"
	"autosubmit/internal/platform"
)

// Config holds configuration for one Docker-backed platform.
type Config struct {
	Name                string // Platform name jobs are bound to
	ExpID               string
	Image               string        // Image every package runs in
	Workspace           string        // Mount point of the package volume (default /workspace)
	LogDir              string        // Local directory receiving fetched logs
	StopTimeout         int           // Seconds to wait on cancel before killing
	Retention           time.Duration // How long finished containers are kept (default 1h)
	MaintenanceInterval time.Duration // How often expired containers are removed (default 5m)
	Limits              platform.Capacity
}

// ConfigFor builds the gateway configuration of a platform from the
// experiment definition, with daemon-level knobs from the environment.
func ConfigFor(exp *config.Experiment, name, experimentDir string) Config {
	p := exp.Platforms[name]
	cfg := Config{
		Name:                name,
		ExpID:               exp.ExpID,
		Workspace:           config.GetEnv("DOCKER_WORKSPACE", "/workspace"),
		StopTimeout:         config.GetIntEnv("DOCKER_STOP_TIMEOUT", 10),
		Retention:           config.GetDurationEnv("DOCKER_RETENTION", time.Hour),
		MaintenanceInterval: config.GetDurationEnv("DOCKER_MAINTENANCE_INTERVAL", 5*time.Minute),
		LogDir:              filepath.Join(experimentDir, "tmp", "LOG_"+exp.ExpID),
	}
	if p != nil {
		cfg.Image = p.Image
		if p.LogDir != "" {
			cfg.LogDir = p.LogDir
		}
		cfg.Limits = platform.Capacity{TotalJobs: p.TotalJobs, MaxWaitingJobs: p.MaxWaitingJobs}
	}
	return cfg
}

func (c *Config) withDefaults() {
	if c.Workspace == "" {
		c.Workspace = "/workspace"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 5 * time.Minute
	}
}
