package stats

import (
	"fmt"

	"github.com/pezcode/http-roxy/roxy-srv/config"
)

// NewCollector creates a statistics collector based on the provided configuration
func NewCollector(cfg config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var (
		collector Collector
		err       error
	)
	switch cfg.Backend {
	case "dummy":
		return NewDummyCollector(), nil
	case "sqlite":
		collector, err = NewSQLiteCollector(cfg.SQLitePath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}
	return collector, nil
}
