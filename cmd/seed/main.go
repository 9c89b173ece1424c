// Command seed loads survey, user, and tenant fixtures from a YAML file
// into Postgres. It is meant for development and staging environments.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fieldworks/surveyd/internal/adapter/repo/postgres"
	"github.com/fieldworks/surveyd/internal/config"
	"github.com/fieldworks/surveyd/internal/domain"
)

type fixtures struct {
	Surveys []domain.Survey          `yaml:"surveys"`
	Users   []domain.User            `yaml:"users"`
	Tenants []domain.TenantTelephony `yaml:"tenants"`
}

func main() {
	path := flag.String("fixtures", "fixtures.yaml", "path to the YAML fixtures file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	raw, err := os.ReadFile(*path)
	if err != nil {
		slog.Error("fixtures file unreadable", slog.String("path", *path), slog.Any("error", err))
		os.Exit(1)
	}
	var fx fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		slog.Error("fixtures yaml parse failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	surveyRepo := postgres.NewSurveyRepo(pool)
	userRepo := postgres.NewUserRepo(pool)
	tenantRepo := postgres.NewTenantRepo(pool)

	// All repo writes are upserts, so re-running over the same fixtures is
	// idempotent.
	seeded := 0
	for _, u := range fx.Users {
		if err := userRepo.Create(ctx, u); err != nil {
			slog.Error("user seed failed", slog.String("id", u.ID), slog.Any("error", err))
			os.Exit(1)
		}
		seeded++
	}
	for _, s := range fx.Surveys {
		if err := surveyRepo.Create(ctx, s); err != nil {
			slog.Error("survey seed failed", slog.String("id", s.ID), slog.Any("error", err))
			os.Exit(1)
		}
		seeded++
	}
	for _, t := range fx.Tenants {
		if err := tenantRepo.PutTelephony(ctx, t); err != nil {
			slog.Error("tenant seed failed", slog.String("company_id", t.CompanyID), slog.Any("error", err))
			os.Exit(1)
		}
		seeded++
	}

	slog.Info("fixtures loaded",
		slog.String("path", *path),
		slog.Int("seeded", seeded))
}
