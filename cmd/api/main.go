package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/V4T54L/leadflow/internal/adapter/api"
	"github.com/V4T54L/leadflow/internal/adapter/api/handler"
	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/V4T54L/leadflow/internal/adapter/pii"
	"github.com/V4T54L/leadflow/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/leadflow/internal/adapter/repository/redis"
	"github.com/V4T54L/leadflow/internal/adapter/repository/wal"
	"github.com/V4T54L/leadflow/internal/app"
	"github.com/V4T54L/leadflow/internal/pkg/config"
	"github.com/V4T54L/leadflow/internal/pkg/leadcsv"
	"github.com/V4T54L/leadflow/internal/pkg/logger"
	"github.com/V4T54L/leadflow/internal/usecase"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logger.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ingestMetrics := metrics.NewIngestMetrics(nil)
	pipelineMetrics := metrics.NewPipelineMetrics(nil)

	// --- Graceful Shutdown Context ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Database and Redis Connections ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisAddr)
	if err != nil {
		logger.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("could not connect to redis, will proceed in WAL-only mode", "error", err)
	}

	// --- Initialize Repositories ---
	walRepo, err := wal.NewWALRepository(cfg.WALPath, cfg.WALSegmentSize, cfg.WALMaxDiskSize, logger)
	if err != nil {
		logger.Error("failed to initialize WAL repository", "error", err)
		os.Exit(1)
	}
	defer walRepo.Close()

	apiKeyRepo := postgres.NewAPIKeyRepository(db, logger, cfg.APIKeyCacheTTL, ingestMetrics)
	batchQueue := redisrepo.NewBatchQueue(redisClient, logger, cfg.ConsumerGroup, cfg.DLQStream, walRepo, ingestMetrics)
	go batchQueue.StartHealthCheck(ctx, 5*time.Second)

	pipeline, err := app.NewPipeline(ctx, cfg, db, redisClient, pipelineMetrics, logger)
	if err != nil {
		logger.Error("failed to wire pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		logger.Error("failed to load plans", "error", err)
		os.Exit(1)
	}

	// --- Initialize Use Cases and Handlers ---
	redactor := pii.NewRedactor(cfg.PIIRedactionFields, leadcsv.RequiredColumns, logger)
	ingestUseCase := usecase.NewIngestBatchUseCase(batchQueue, redactor, leadcsv.RequiredColumns, logger)
	clientUseCase := usecase.NewClientUseCase(pipeline.Clients, pipeline.History, plans, pipeline.Config.QuotaPeriod, logger)
	progress := handler.NewProgressBroker(ctx, time.Second, logger)

	router := api.NewRouter(api.RouterDeps{
		Batches:     handler.NewBatchHandler(ingestUseCase, pipeline.Checkpoints, pipeline.Orchestrator, progress, ingestMetrics, logger, cfg.MaxUploadBytes),
		Clients:     handler.NewClientHandler(clientUseCase, logger),
		Progress:    progress,
		APIKeys:     apiKeyRepo,
		Metrics:     ingestMetrics,
		CORSOrigins: cfg.CORSOrigins,
	}, logger)

	adminUseCase := usecase.NewQueueAdminUseCase(redisrepo.NewAdminRepository(redisClient, cfg.DLQStream, logger))
	adminServer := &http.Server{
		Addr:    cfg.AdminServerAddr,
		Handler: api.NewAdminRouter(handler.NewAdminHandler(adminUseCase, logger), logger),
	}
	apiServer := &http.Server{
		Addr:        cfg.APIServerAddr,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting admin & metrics server", "addr", adminServer.Addr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin & metrics server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("starting api server", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server failed", "error", err)
			stop() // Trigger shutdown on server error
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down servers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown failed", "error", err)
	}
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}

	logger.Info("servers shut down gracefully")
}
