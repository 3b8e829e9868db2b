package monitoring

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryConfig holds Sentry options for one service.
type SentryConfig struct {
	DSN         string
	Environment string
	ServiceName string
	Debug       bool
}

// InitSentry initializes Sentry. A missing DSN disables reporting
// without error so local runs stay quiet.
func InitSentry(config *SentryConfig) error {
	dsn := config.DSN
	if dsn == "" {
		dsn = os.Getenv("SENTRY_DSN")
	}
	if dsn == "" {
		return nil
	}

	environment := config.Environment
	if environment == "" {
		environment = os.Getenv("ENVIRONMENT")
		if environment == "" {
			environment = "development"
		}
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Debug:            config.Debug,
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			if config.ServiceName != "" {
				if event.Tags == nil {
					event.Tags = map[string]string{}
				}
				event.Tags["service"] = config.ServiceName
			}
			return event
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return nil
}

// RecoverWithSentry reports a panic to Sentry before re-panicking.
// Deferred at the top of every main.
func RecoverWithSentry() {
	if r := recover(); r != nil {
		sentry.CurrentHub().Recover(r)
		sentry.Flush(2 * time.Second)
		panic(r)
	}
}

// Flush drains buffered events on shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
