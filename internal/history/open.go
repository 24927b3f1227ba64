package history

import (
	"path/filepath"

	"autosubmit/internal/config"
	"autosubmit/internal/dispatcher"
)

// DBPath returns <root>/<expid>/history.db.
func DBPath(cfg *config.RunnerConfig) string {
	return filepath.Join(cfg.ExperimentDir(), "history.db")
}

// Open builds the sinks enabled in cfg. With none enabled it returns Discard.
func Open(cfg *config.RunnerConfig, metrics dispatcher.MetricsRecorder) (Sink, error) {
	var sinks Multi
	if cfg.HistoryDB {
		s, err := OpenSQLite(DBPath(cfg))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.HistoryWebhookURL != "" {
		d := dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		sinks = append(sinks, NewWebhook(d, cfg.HistoryWebhookURL, cfg.HistoryWebhookKey))
	}
	if cfg.HistoryRedisURL != "" {
		s, err := NewRedis(cfg.HistoryRedisURL, cfg.HistoryRedisKey, config.GetIntEnv("HISTORY_REDIS_MAXLEN", 100000))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return Discard{}, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}
