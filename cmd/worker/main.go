// Command worker consumes QC enrollment events and assembles review
// batches. It runs separately from the HTTP server so a burst of
// completions never stalls request handling.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/adapter/queue/redpanda"
	"github.com/fieldworks/surveyd/internal/adapter/repo/postgres"
	"github.com/fieldworks/surveyd/internal/app"
	"github.com/fieldworks/surveyd/internal/config"
	"github.com/fieldworks/surveyd/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Expose queue and batching metrics on a dedicated port so Prometheus
	// scrapes the worker independently of the HTTP server.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	batchRepo := postgres.NewBatchRepo(pool)
	responseRepo := postgres.NewResponseRepo(pool)
	surveyRepo := postgres.NewSurveyRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)

	batchSvc := usecase.NewBatchService(batchRepo, responseRepo, surveyRepo, cfg.QCDefaults())

	// Scheduled maintenance: duplicate detection over a sliding window and
	// abandonment of stale open sessions.
	detector := usecase.NewDuplicateDetector(responseRepo, usecase.DuplicateConfig{
		GPSTolerance:           cfg.DupGPSTolerance,
		TimeTolerance:          cfg.DupTimeTolerance,
		AudioDurationTolerance: cfg.DupAudioDurationTolerance,
		AudioBitrateTolerance:  cfg.DupAudioBitrateTolerance,
		AudioSizeTolerance:     cfg.DupAudioSizeTolerance,
		PageSize:               cfg.DupBatchSize,
		StatusBatch:            cfg.DupStatusUpdateBatch,
	})
	go app.NewDuplicateSweeper(detector, cfg.DupWindow, cfg.DupSweepInterval).Run(ctx)
	go app.NewStaleSessionSweeper(sessionRepo, cfg.SessionStaleAfter, cfg.SessionSweepInterval).Run(ctx)

	consumer, err := redpanda.NewConsumer(cfg.KafkaBrokers, "surveyd-batch-worker", batchSvc)
	if err != nil {
		slog.Error("redpanda consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := consumer.Close(); err != nil {
			slog.Error("failed to close consumer", slog.Any("error", err))
		}
	}()

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
