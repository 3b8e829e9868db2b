package config

import (
	"time"

	"github.com/secondlayer/streams/shared/config"
)

// Config holds the indexer's settings.
type Config struct {
	*config.PipelineConfig

	Port int

	TipFollowerEnabled  bool
	TipFollowerTimeout  time.Duration
	TipFollowerInterval time.Duration

	AutoBackfill     bool
	AutoBackfillRate float64

	IntegrityInterval time.Duration
	RequireIntegrity  bool

	NodeTimeout time.Duration
}

// NewConfig loads the indexer configuration from the environment.
func NewConfig() (*Config, error) {
	base, err := config.LoadPipeline("indexer-service")
	if err != nil {
		return nil, err
	}

	return &Config{
		PipelineConfig: base,

		Port: config.GetEnvInt("PORT", 3700),

		TipFollowerEnabled:  config.GetEnvBool("TIP_FOLLOWER_ENABLED", true),
		TipFollowerTimeout:  config.GetEnvDuration("TIP_FOLLOWER_TIMEOUT", 60*time.Second),
		TipFollowerInterval: config.GetEnvDuration("TIP_FOLLOWER_INTERVAL", 10*time.Second),

		AutoBackfill:     config.GetEnvBool("AUTO_BACKFILL", true),
		AutoBackfillRate: config.GetEnvFloat("AUTO_BACKFILL_RATE", 10),

		IntegrityInterval: config.GetEnvDuration("INTEGRITY_CHECK_INTERVAL", 300*time.Second),
		RequireIntegrity:  config.GetEnvBool("REQUIRE_INTEGRITY", false),

		NodeTimeout: config.GetEnvDuration("NODE_TIMEOUT", 30*time.Second),
	}, nil
}
