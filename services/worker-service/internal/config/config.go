package config

import (
	"os"
	"time"

	"github.com/secondlayer/streams/shared/config"
)

// Config holds the worker's settings.
type Config struct {
	*config.PipelineConfig

	Concurrency     int
	PollInterval    time.Duration
	RecoverInterval time.Duration
	StaleAfter      time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	WebhookTimeout  time.Duration

	RedisURL    string
	RabbitMQURL string
}

// NewConfig loads the worker configuration from the environment.
func NewConfig() (*Config, error) {
	base, err := config.LoadPipeline("worker-service")
	if err != nil {
		return nil, err
	}

	return &Config{
		PipelineConfig: base,

		Concurrency:     config.GetEnvInt("WORKER_CONCURRENCY", 5),
		PollInterval:    time.Duration(config.GetEnvInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		RecoverInterval: config.GetEnvDuration("RECOVER_INTERVAL", 60*time.Second),
		StaleAfter:      config.GetEnvDuration("JOB_STALE_AFTER", 5*time.Minute),
		MaxAttempts:     config.GetEnvInt("JOB_MAX_ATTEMPTS", 10),
		RetryBackoff:    config.GetEnvDuration("JOB_RETRY_BACKOFF", 5*time.Second),
		WebhookTimeout:  config.GetEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),

		RedisURL:    os.Getenv("REDIS_URL"),
		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
	}, nil
}
