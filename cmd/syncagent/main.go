// Command syncagent runs the offline sync engine on a field device. It
// watches a local spool of completed interviews and pushes them to the
// server whenever connectivity allows.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/fieldworks/surveyd/internal/syncclient"
)

type agentConfig struct {
	ServerURL        string        `env:"SYNC_SERVER_URL" envDefault:"http://localhost:8080"`
	UserID           string        `env:"SYNC_USER_ID,required"`
	SpoolDir         string        `env:"SYNC_SPOOL_DIR" envDefault:"./spool"`
	Interval         time.Duration `env:"SYNC_PERIODIC_INTERVAL" envDefault:"5m"`
	MinGap           time.Duration `env:"SYNC_MIN_GAP" envDefault:"30s"`
	MaxAudioAttempts int           `env:"SYNC_MAX_AUDIO_ATTEMPTS" envDefault:"3"`
	HTTPTimeout      time.Duration `env:"SYNC_HTTP_TIMEOUT" envDefault:"2m"`
	DupAfter500s     int           `env:"SYNC_DUP_AFTER_500S" envDefault:"2"`
}

func main() {
	var cfg agentConfig
	if err := env.Parse(&cfg); err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(
		slog.String("service", "surveyd-syncagent")))

	store, err := syncclient.NewFileStore(cfg.SpoolDir)
	if err != nil {
		slog.Error("spool open failed", slog.Any("error", err))
		os.Exit(1)
	}
	api := syncclient.NewClient(cfg.ServerURL, cfg.UserID, cfg.HTTPTimeout)
	engine := syncclient.NewEngine(store, api, cfg.DupAfter500s)
	if cfg.MinGap > 0 {
		engine.FocusMinGap = cfg.MinGap
	}
	if cfg.MaxAudioAttempts > 0 {
		engine.MaxAudio = cfg.MaxAudioAttempts
	}
	engine.OnProgress = func(p syncclient.Progress) {
		slog.Info("sync progress",
			slog.Int("current", p.CurrentInterview),
			slog.Int("total", p.TotalInterviews),
			slog.String("stage", string(p.Stage)),
			slog.Int("synced", p.SyncedCount),
			slog.Int("failed", p.FailedCount))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sync immediately on startup, then on the periodic schedule.
	engine.NotifyOnline(ctx)
	engine.RunPeriodic(ctx, cfg.Interval)
	slog.Info("sync agent stopped")
}
