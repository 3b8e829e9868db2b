package main

import (
	"context"
	"errors"
	"log"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secondlayer/streams/services/indexer-service/internal/config"
	indexerhttp "github.com/secondlayer/streams/services/indexer-service/internal/http"
	"github.com/secondlayer/streams/services/indexer-service/internal/infrastructure/node"
	"github.com/secondlayer/streams/services/indexer-service/internal/infrastructure/repository"
	"github.com/secondlayer/streams/services/indexer-service/internal/parser"
	"github.com/secondlayer/streams/services/indexer-service/internal/service"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/migration"
	"github.com/secondlayer/streams/shared/monitoring"
	"github.com/secondlayer/streams/shared/postgres"
	"github.com/secondlayer/streams/shared/queue"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(logging.DefaultConfig("indexer-service"))

	if err := monitoring.InitSentry(&monitoring.SentryConfig{
		DSN:         cfg.Monitoring.SentryDSN,
		Environment: cfg.Environment,
		ServiceName: "indexer-service",
	}); err != nil {
		logger.WithError(err).Warn("failed to initialize Sentry")
	}
	defer monitoring.Flush(2 * time.Second)
	defer monitoring.RecoverWithSentry()

	// The indexer owns the schema: migrate before anything connects.
	migrator, err := migration.NewMigrator(cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open migrator")
	}
	if err := migrator.Up(); err != nil {
		logger.WithError(err).Fatal("schema migration failed")
	}
	migrator.Close()

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

	m := metrics.NewIndexerMetrics("streams")
	nodeClient := node.NewClient(cfg.Network.NodeURL, cfg.NodeTimeout)
	chainRepo := repository.NewChainRepository(store)
	jobQueue := queue.NewQueue(store)
	blockParser := parser.NewParser(nodeClient, logger)

	ingestor := service.NewIngestor(chainRepo, jobQueue, store, blockParser, cfg.Network.Name, logger, m)
	integrity := service.NewIntegrityChecker(
		chainRepo, nodeClient, ingestor, cfg.Network.Name,
		cfg.IntegrityInterval, cfg.AutoBackfill, cfg.AutoBackfillRate,
		logger, m,
	)

	// REQUIRE_INTEGRITY aborts startup when the chain has holes.
	gaps, err := integrity.CheckOnce(ctx)
	if err != nil {
		logger.WithError(err).Fatal("startup integrity check failed")
	}
	if cfg.RequireIntegrity && len(gaps) > 0 {
		logger.WithField("gaps", len(gaps)).Fatal("refusing to start with chain gaps (REQUIRE_INTEGRITY)")
	}

	var follower *service.TipFollower
	if cfg.TipFollowerEnabled {
		follower = service.NewTipFollower(
			nodeClient, chainRepo, ingestor, cfg.Network.Name,
			cfg.TipFollowerTimeout, cfg.TipFollowerInterval,
			logger, m,
		)
		go follower.Run(ctx)
	}
	go integrity.Run(ctx)

	server := indexerhttp.NewServer(cfg.Port, ingestor, integrity, follower, logger)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			logger.WithError(err).Fatal("ingest server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("ingest server shutdown failed")
	}
	logger.Info("indexer stopped")
}
