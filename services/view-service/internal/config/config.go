package config

import (
	"time"

	"github.com/secondlayer/streams/shared/config"
)

// Config holds the view processor's settings.
type Config struct {
	*config.PipelineConfig

	Concurrency  int
	PollInterval time.Duration
	Debounce     time.Duration
	ErrorBackoff time.Duration
}

// NewConfig loads the view processor configuration from the
// environment.
func NewConfig() (*Config, error) {
	base, err := config.LoadPipeline("view-service")
	if err != nil {
		return nil, err
	}

	return &Config{
		PipelineConfig: base,

		Concurrency:  config.GetEnvInt("VIEW_CONCURRENCY", 5),
		PollInterval: config.GetEnvDuration("VIEW_POLL_INTERVAL", time.Second),
		Debounce:     config.GetEnvDuration("VIEW_CHANGES_DEBOUNCE", 500*time.Millisecond),
		ErrorBackoff: config.GetEnvDuration("VIEW_ERROR_BACKOFF", 10*time.Second),
	}, nil
}
