package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secondlayer/streams/services/view-service/internal/config"
	"github.com/secondlayer/streams/services/view-service/internal/handler"
	"github.com/secondlayer/streams/services/view-service/internal/infrastructure/repository"
	"github.com/secondlayer/streams/services/view-service/internal/service"
	"github.com/secondlayer/streams/shared/contracts"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/monitoring"
	"github.com/secondlayer/streams/shared/postgres"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(logging.DefaultConfig("view-service"))

	if err := monitoring.InitSentry(&monitoring.SentryConfig{
		DSN:         cfg.Monitoring.SentryDSN,
		Environment: cfg.Environment,
		ServiceName: "view-service",
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

	listener, err := postgres.NewListener(cfg.Database.URL, contracts.ViewChangesChannel, contracts.ViewReorgChannel)
	if err != nil {
		logger.WithError(err).Fatal("failed to open notification listener")
	}
	defer listener.Close()

	processor := service.NewProcessor(
		service.Config{
			Concurrency:  cfg.Concurrency,
			PollInterval: cfg.PollInterval,
			Debounce:     cfg.Debounce,
			ErrorBackoff: cfg.ErrorBackoff,
		},
		repository.NewViewRepository(store),
		handler.NewRegistry(),
		listener,
		cfg.Network.Name,
		logger,
		metrics.NewViewMetrics("streams"),
	)

	done := make(chan struct{})
	go func() {
		processor.Run(ctx)
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
