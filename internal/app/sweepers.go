package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fieldworks/surveyd/internal/domain"
	"github.com/fieldworks/surveyd/internal/usecase"
)

// DuplicateSweeper periodically runs the duplicate detector over a sliding
// window of recent responses.
type DuplicateSweeper struct {
	detector usecase.DuplicateDetector
	window   time.Duration
	interval time.Duration
}

// NewDuplicateSweeper constructs a DuplicateSweeper.
func NewDuplicateSweeper(detector usecase.DuplicateDetector, window, interval time.Duration) *DuplicateSweeper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &DuplicateSweeper{detector: detector, window: window, interval: interval}
}

// Run blocks until the context is cancelled, sweeping once immediately and
// then on every tick.
func (s *DuplicateSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("duplicate sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *DuplicateSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.dup_sweeper")
	ctx, span := tracer.Start(ctx, "DuplicateSweeper.sweepOnce")
	defer span.End()

	to := time.Now().UTC()
	from := to.Add(-s.window)
	report, err := s.detector.Run(ctx, from, to)
	if err != nil {
		// The detector isolates failures per mode, so the report still
		// covers whatever it managed to sweep.
		span.RecordError(err)
		slog.Error("duplicate sweep failed", slog.Any("error", err))
	}
	span.SetAttributes(
		attribute.Int("dup.scanned", report.Scanned),
		attribute.Int("dup.removed", report.Removed),
		attribute.Int("dup.update_failures", report.UpdateFailures),
	)
	if report.Removed > 0 || report.UpdateFailures > 0 {
		slog.Info("duplicate sweep done",
			slog.Int("scanned", report.Scanned),
			slog.Int("removed", report.Removed),
			slog.Int("update_failures", report.UpdateFailures))
	}
}

// StaleSessionSweeper abandons sessions idle beyond a cutoff, pages at a
// time, so crashed clients don't pin the one-open-session invariant forever.
type StaleSessionSweeper struct {
	sessions   domain.SessionRepository
	staleAfter time.Duration
	interval   time.Duration
}

// NewStaleSessionSweeper constructs a StaleSessionSweeper.
func NewStaleSessionSweeper(sessions domain.SessionRepository, staleAfter, interval time.Duration) *StaleSessionSweeper {
	if sessions == nil {
		return nil
	}
	if staleAfter <= 0 {
		staleAfter = 12 * time.Hour
	}
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &StaleSessionSweeper{sessions: sessions, staleAfter: staleAfter, interval: interval}
}

// Run blocks until the context is cancelled.
func (s *StaleSessionSweeper) Run(ctx context.Context) {
	if s == nil || s.sessions == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale session sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleSessionSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.session_sweeper")
	ctx, span := tracer.Start(ctx, "StaleSessionSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	total := 0
	for {
		stale, err := s.sessions.ListStale(ctx, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("stale session sweep failed to list", slog.Any("error", err))
			return
		}
		if len(stale) == 0 {
			break
		}
		for _, sess := range stale {
			if err := s.sessions.SetState(ctx, sess.ID, domain.SessionAbandoned); err != nil {
				slog.Error("stale session sweep failed to abandon",
					slog.String("session_id", sess.ID), slog.Any("error", err))
				continue
			}
			total++
		}
		if len(stale) < pageSize {
			break
		}
	}
	span.SetAttributes(attribute.Int("sessions.abandoned", total))
	if total > 0 {
		slog.Info("stale sessions abandoned", slog.Int("count", total))
	}
}
