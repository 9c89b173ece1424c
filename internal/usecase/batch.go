package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/oklog/ulid/v2"

	"github.com/fieldworks/surveyd/internal/adapter/observability"
	"github.com/fieldworks/surveyd/internal/domain"
)

const enrollAttempts = 3

// BatchService groups pending responses into per-(survey, interviewer)
// batches, draws the QC sample when a batch fills, and applies the
// remainder policy.
type BatchService struct {
	Batches   domain.BatchRepository
	Responses domain.ResponseRepository
	Surveys   domain.SurveyRepository
	Defaults  domain.QCConfig
}

// NewBatchService constructs a BatchService.
func NewBatchService(batches domain.BatchRepository, responses domain.ResponseRepository, surveys domain.SurveyRepository, defaults domain.QCConfig) BatchService {
	return BatchService{Batches: batches, Responses: responses, Surveys: surveys, Defaults: defaults}
}

// Enroll places a response into the collecting batch for its (survey,
// interviewer) pair, creating one if needed, and closes the batch once it
// reaches the configured size. Redeliveries are no-ops.
func (s BatchService) Enroll(ctx domain.Context, p domain.EnrollTaskPayload) error {
	resp, err := s.Responses.Get(ctx, p.ResponseID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Warn("enroll for unknown response", slog.String("response_id", p.ResponseID))
			return nil
		}
		return err
	}
	if resp.Status != domain.StatusPendingApproval {
		// Auto-rejected or already decided; nothing to batch.
		return nil
	}
	if resp.BatchID != "" {
		return nil
	}

	survey, err := s.Surveys.Get(ctx, resp.SurveyID)
	if err != nil {
		return err
	}
	cfg := s.effectiveConfig(survey)

	for attempt := 0; attempt < enrollAttempts; attempt++ {
		batch, err := s.Batches.FindCollecting(ctx, resp.SurveyID, resp.InterviewerID)
		if errors.Is(err, domain.ErrNotFound) {
			batch = domain.QCBatch{
				ID:            ulid.Make().String(),
				SurveyID:      resp.SurveyID,
				InterviewerID: resp.InterviewerID,
				Config:        cfg,
				State:         domain.BatchCollecting,
			}
			if _, err := s.Batches.Create(ctx, batch); err != nil && !errors.Is(err, domain.ErrConflict) {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		size, err := s.Batches.AppendResponse(ctx, batch.ID, resp.ID, cfg.BatchSize)
		if errors.Is(err, domain.ErrConflict) {
			// Batch filled or closed under us; find the next one.
			continue
		}
		if err != nil {
			return err
		}
		if err := s.Responses.SetBatch(ctx, resp.ID, batch.ID); err != nil {
			return err
		}
		observability.EnrollEventsTotal.WithLabelValues("batched").Inc()

		if size >= cfg.BatchSize {
			return s.closeBatch(ctx, batch.ID)
		}
		return nil
	}
	return fmt.Errorf("op=batch.enroll response_id=%s: batch contention: %w", p.ResponseID, domain.ErrConflict)
}

// closeBatch transitions a full batch out of collecting, draws the sample,
// and decides the remainder. The collecting->processing CAS guarantees a
// single closer.
func (s BatchService) closeBatch(ctx domain.Context, batchID string) error {
	ok, err := s.Batches.TransitionState(ctx, batchID, domain.BatchCollecting, domain.BatchProcessing)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	batch, err := s.Batches.Get(ctx, batchID)
	if err != nil {
		return err
	}
	cfg := batch.Config
	ids := batch.ResponseIDs

	sampleCount := int(math.Ceil(float64(len(ids)) * cfg.SampleFraction))
	if sampleCount > len(ids) {
		sampleCount = len(ids)
	}
	perm := rand.Perm(len(ids))
	samples := make([]string, 0, sampleCount)
	remainder := make([]string, 0, len(ids)-sampleCount)
	for i, j := range perm {
		if i < sampleCount {
			samples = append(samples, ids[j])
		} else {
			remainder = append(remainder, ids[j])
		}
	}

	if len(samples) > 0 {
		if err := s.Responses.MarkSamples(ctx, samples); err != nil {
			return err
		}
		observability.SamplesDrawnTotal.Add(float64(len(samples)))
	}

	decision := domain.RemainingQueuedForQC
	if len(remainder) > 0 {
		switch cfg.RemainderPolicy {
		case domain.RemainderAutoApprove:
			n, err := s.Responses.UpdateStatusBulk(ctx, remainder, domain.StatusApproved, "")
			if err != nil {
				return err
			}
			slog.Info("batch remainder auto-approved", slog.String("batch_id", batchID), slog.Int("updated", n))
			decision = domain.RemainingAutoApproved
		case domain.RemainderAutoReject:
			n, err := s.Responses.UpdateStatusBulk(ctx, remainder, domain.StatusRejected, "Not selected for quality review")
			if err != nil {
				return err
			}
			slog.Info("batch remainder auto-rejected", slog.String("batch_id", batchID), slog.Int("updated", n))
			decision = domain.RemainingAutoRejected
		default:
			decision = domain.RemainingQueuedForQC
		}
	}
	if err := s.Batches.SetRemainingDecision(ctx, batchID, decision); err != nil {
		return err
	}

	next := domain.BatchQCInProgress
	if len(samples) == 0 && decision != domain.RemainingQueuedForQC {
		next = domain.BatchClosed
	}
	if _, err := s.Batches.TransitionState(ctx, batchID, domain.BatchProcessing, next); err != nil {
		return err
	}
	observability.BatchesClosedTotal.Inc()
	return nil
}

// effectiveConfig overlays survey-level QC settings on the process
// defaults. Zero values fall back.
func (s BatchService) effectiveConfig(survey domain.Survey) domain.QCConfig {
	cfg := s.Defaults
	if survey.QC.BatchSize > 0 {
		cfg.BatchSize = survey.QC.BatchSize
	}
	if survey.QC.SampleFraction > 0 {
		cfg.SampleFraction = survey.QC.SampleFraction
	}
	if survey.QC.RemainderPolicy.Valid() {
		cfg.RemainderPolicy = survey.QC.RemainderPolicy
	}
	if survey.QC.MinDurationSeconds > 0 {
		cfg.MinDurationSeconds = survey.QC.MinDurationSeconds
	}
	if survey.QC.MaxSkipRate > 0 {
		cfg.MaxSkipRate = survey.QC.MaxSkipRate
	}
	return cfg
}
