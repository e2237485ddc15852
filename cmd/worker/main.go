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

	"github.com/V4T54L/leadflow/internal/adapter/metrics"
	"github.com/V4T54L/leadflow/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/leadflow/internal/adapter/repository/redis"
	"github.com/V4T54L/leadflow/internal/app"
	"github.com/V4T54L/leadflow/internal/pkg/config"
	"github.com/V4T54L/leadflow/internal/pkg/logger"
	"github.com/V4T54L/leadflow/internal/usecase"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)
	log.Info("starting batch worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisAddr)
	if err != nil {
		log.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	log.Info("connected to redis")

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Error("failed to open postgres connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")

	// Each instance reads as its own consumer within the group.
	consumerName, err := os.Hostname()
	if err != nil {
		log.Warn("could not get hostname for consumer name, using default", "error", err)
		consumerName = "worker-default"
	}

	pipelineMetrics := metrics.NewPipelineMetrics(nil)
	pipeline, err := app.NewPipeline(ctx, cfg, db, redisClient, pipelineMetrics, log)
	if err != nil {
		log.Error("failed to wire pipeline", "error", err)
		os.Exit(1)
	}
	defer pipeline.Close()

	batchQueue := redisrepo.NewBatchQueue(redisClient, log, cfg.ConsumerGroup, cfg.DLQStream, nil, nil)
	processUseCase := usecase.NewProcessBatchesUseCase(batchQueue, pipeline.Orchestrator, pipeline.Leftovers, log, cfg.ConsumerGroup, consumerName)
	pruneUseCase := usecase.NewPruneHistoryUseCase(pipeline.History, pipeline.Config.Dedup, cfg.ExclusiveRetention, log)

	metricsServer := &http.Server{Addr: cfg.AdminServerAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info("starting metrics server", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "error", err)
		}
	}()

	processTicker := time.NewTicker(cfg.ProcessingInterval)
	defer processTicker.Stop()
	leftoverTicker := time.NewTicker(cfg.LeftoverInterval)
	defer leftoverTicker.Stop()
	pruneTicker := time.NewTicker(cfg.PruneInterval)
	defer pruneTicker.Stop()

	log.Info("batch worker started", "group", cfg.ConsumerGroup, "consumer", consumerName)

Loop:
	for {
		select {
		case <-processTicker.C:
			if _, err := processUseCase.ProcessBatches(ctx); err != nil && ctx.Err() == nil {
				log.Error("error processing batches", "error", err)
			}
		case <-leftoverTicker.C:
			res, err := processUseCase.DrainLeftovers(ctx)
			if err != nil {
				batchID := ""
				if res != nil {
					batchID = res.BatchID
				}
				log.Error("carry-over run failed", "batch_id", batchID, "error", err)
			} else if res != nil {
				log.Info("carry-over run finished", "batch_id", res.BatchID, "status", res.Status, "delivered", res.Summary.Delivered)
			}
		case <-pruneTicker.C:
			if _, err := pruneUseCase.Prune(ctx); err != nil {
				log.Error("history prune failed", "error", err)
			}
		case <-ctx.Done():
			log.Info("context cancelled, shutting down worker loop")
			break Loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown failed", "error", err)
	}
	log.Info("batch worker shut down gracefully")
}
