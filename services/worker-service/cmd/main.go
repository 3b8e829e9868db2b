package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secondlayer/streams/services/worker-service/internal/config"
	"github.com/secondlayer/streams/services/worker-service/internal/infrastructure/repository"
	"github.com/secondlayer/streams/services/worker-service/internal/infrastructure/webhook"
	"github.com/secondlayer/streams/services/worker-service/internal/service"
	"github.com/secondlayer/streams/shared/contracts"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/messaging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/monitoring"
	"github.com/secondlayer/streams/shared/postgres"
	"github.com/secondlayer/streams/shared/queue"
	"github.com/secondlayer/streams/shared/redis"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(logging.DefaultConfig("worker-service"))

	if err := monitoring.InitSentry(&monitoring.SentryConfig{
		DSN:         cfg.Monitoring.SentryDSN,
		Environment: cfg.Environment,
		ServiceName: "worker-service",
	}); err != nil {
		logger.WithError(err).Warn("failed to initialize Sentry")
	}
	defer monitoring.Flush(2 * time.Second)
	defer monitoring.RecoverWithSentry()

	store, err := postgres.NewStore(cfg.Database.URL, cfg.Database.MaxConnections, cfg.Database.MaxIdleConns)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to store")
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.HealthCheck(ctx); err != nil {
		logger.WithError(err).Fatal("store health check failed")
	}

	var cache *redis.Redis
	if cfg.RedisURL != "" {
		cache, err = redis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to Redis")
		}
		defer cache.Close()
		if err := cache.HealthCheck(ctx); err != nil {
			logger.WithError(err).Warn("Redis unreachable, running without stream cache")
			cache = nil
		}
	}

	var publisher *messaging.RabbitMQ
	if cfg.RabbitMQURL != "" {
		publisher, err = messaging.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.WithError(err).Warn("RabbitMQ unreachable, delivery events disabled")
		} else {
			defer publisher.Close()
		}
	}

	listener, err := postgres.NewListener(cfg.Database.URL, contracts.NewJobChannel, contracts.StreamChangesChannel)
	if err != nil {
		logger.WithError(err).Fatal("failed to open notification listener")
	}
	defer listener.Close()

	m := metrics.NewWorkerMetrics("streams")
	streamRepo := repository.NewStreamRepository(store, cache, logger, m)

	worker := service.NewWorker(
		service.Config{
			Concurrency:     cfg.Concurrency,
			PollInterval:    cfg.PollInterval,
			RecoverInterval: cfg.RecoverInterval,
			StaleAfter:      cfg.StaleAfter,
			MaxAttempts:     cfg.MaxAttempts,
			RetryBackoff:    cfg.RetryBackoff,
		},
		queue.NewQueue(store),
		streamRepo,
		repository.NewBlockRepository(store),
		repository.NewDeliveryRepository(store),
		webhook.NewDispatcher(cfg.WebhookTimeout),
		listener,
		publisher,
		logger,
		m,
	)

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out, forcing exit")
	}
}
