// Command server starts the survey response pipeline HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fieldworks/surveyd/internal/adapter/httpserver"
	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/adapter/queue/redpanda"
	"github.com/fieldworks/surveyd/internal/adapter/repo/postgres"
	miniostore "github.com/fieldworks/surveyd/internal/adapter/storage/minio"
	"github.com/fieldworks/surveyd/internal/adapter/telephony"
	"github.com/fieldworks/surveyd/internal/app"
	"github.com/fieldworks/surveyd/internal/config"
	"github.com/fieldworks/surveyd/internal/service/ratelimiter"
	"github.com/fieldworks/surveyd/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, QC, review, and telephony instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	surveyRepo := postgres.NewSurveyRepo(pool)
	sessionRepo := postgres.NewSessionRepo(pool)
	responseRepo := postgres.NewResponseRepo(pool)
	setRepo := postgres.NewSetDataRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	tenantRepo := postgres.NewTenantRepo(pool)
	callLogRepo := postgres.NewCallLogRepo(pool)

	// Redis backs the per-interviewer completion limiter.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()
	limiter := ratelimiter.NewRedisLuaLimiter(rdb,
		ratelimiter.NewBucketConfigFromPerMinute(cfg.CompleteRatePerMin))

	// Queue client (Redpanda producer); completions publish enroll events
	// here and the worker process consumes them.
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue client", slog.Any("error", err))
		}
	}()

	// Audio object store
	audioStore, err := miniostore.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
		cfg.MinioSecretKey, cfg.AudioBucket, cfg.MinioUseSSL)
	if err != nil {
		slog.Error("minio connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Telephony providers, resolved per tenant configuration.
	registry := telephony.NewRegistry(tenantRepo, func(name string) (telephony.Provider, error) {
		switch name {
		case "telecmi":
			return telephony.NewTeleCMI(cfg.TelecmiBaseURL, cfg.TelecmiAppID,
				cfg.TelecmiSecret, cfg.TelephonyTimeout), nil
		case "exotel":
			return telephony.NewExotel(cfg.ExotelBaseURL, cfg.ExotelSID,
				cfg.ExotelAPIKey, cfg.ExotelAPIToken, cfg.TelephonyTimeout), nil
		default:
			return nil, fmt.Errorf("unknown telephony provider %q", name)
		}
	})

	// Usecases
	sessionSvc := usecase.NewSessionService(sessionRepo, surveyRepo, responseRepo)
	completionSvc := usecase.NewCompletionService(sessionRepo, surveyRepo, responseRepo, setRepo, producer)
	reviewSvc := usecase.NewReviewService(responseRepo, surveyRepo, userRepo, audioStore,
		cfg.LeaseDuration(), cfg.SignedURLExpiry)
	rotation := usecase.NewSetRotation(surveyRepo, setRepo)

	// Readiness checks
	dbCheck, redisCheck, kafkaCheck, minioCheck := app.BuildReadinessChecks(pool, rdb, producer, audioStore)

	// HTTP server
	srv := &httpserver.Server{
		Cfg:         cfg,
		Sessions:    sessionSvc,
		Completions: completionSvc,
		Reviews:     reviewSvc,
		Rotation:    rotation,
		Surveys:     surveyRepo,
		Responses:   responseRepo,
		Users:       userRepo,
		CallLogs:    callLogRepo,
		Audio:       audioStore,
		Providers:   registry,
		Limiter:     limiter,
		DBCheck:     dbCheck,
		RedisCheck:  redisCheck,
		KafkaCheck:  kafkaCheck,
		MinioCheck:  minioCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
