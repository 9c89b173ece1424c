package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// BatchRepo persists QC batches. The collecting->processing transition is a
// compare-and-set; whichever worker wins it owns sampling for the batch.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.QCBatch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()
	q := `SELECT id, survey_id, interviewer_id, config, response_ids, state, remaining_decision, created_at, updated_at
	      FROM qc_batches WHERE id=$1`
	return scanBatch(r.Pool.QueryRow(ctx, q, id), "batch.get")
}

// FindCollecting returns the open batch for (survey, interviewer).
func (r *BatchRepo) FindCollecting(ctx domain.Context, surveyID, interviewerID string) (domain.QCBatch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.FindCollecting")
	defer span.End()
	q := `SELECT id, survey_id, interviewer_id, config, response_ids, state, remaining_decision, created_at, updated_at
	      FROM qc_batches
	      WHERE survey_id=$1 AND interviewer_id=$2 AND state='collecting'
	      ORDER BY created_at ASC LIMIT 1`
	return scanBatch(r.Pool.QueryRow(ctx, q, surveyID, interviewerID), "batch.find_collecting")
}

// Create inserts a new collecting batch.
func (r *BatchRepo) Create(ctx domain.Context, b domain.QCBatch) (domain.QCBatch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Create")
	defer span.End()
	cfg, err := json.Marshal(b.Config)
	if err != nil {
		return domain.QCBatch{}, fmt.Errorf("op=batch.create: %w", err)
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.ResponseIDs == nil {
		b.ResponseIDs = []string{}
	}
	q := `INSERT INTO qc_batches (id, survey_id, interviewer_id, config, response_ids, state, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = r.Pool.Exec(ctx, q, b.ID, b.SurveyID, b.InterviewerID, cfg, b.ResponseIDs, b.State, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return domain.QCBatch{}, fmt.Errorf("op=batch.create: %w", err)
	}
	return b, nil
}

// AppendResponse appends a response id iff the batch is still collecting and
// below maxSize, returning the new size. ErrConflict means the batch moved
// on (closed or full) and the caller should find or create another.
func (r *BatchRepo) AppendResponse(ctx domain.Context, batchID, responseID string, maxSize int) (int, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.AppendResponse")
	defer span.End()
	q := `UPDATE qc_batches
	      SET response_ids = array_append(response_ids, $2), updated_at = $3
	      WHERE id=$1 AND state='collecting'
	        AND cardinality(response_ids) < $4
	        AND NOT ($2 = ANY(response_ids))
	      RETURNING cardinality(response_ids)`
	var size int
	err := r.Pool.QueryRow(ctx, q, batchID, responseID, time.Now().UTC(), maxSize).Scan(&size)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, fmt.Errorf("op=batch.append: %w", domain.ErrConflict)
		}
		return 0, fmt.Errorf("op=batch.append: %w", err)
	}
	return size, nil
}

// TransitionState is a compare-and-set from->to.
func (r *BatchRepo) TransitionState(ctx domain.Context, batchID string, from, to domain.BatchState) (bool, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.TransitionState")
	defer span.End()
	q := `UPDATE qc_batches SET state=$3, updated_at=$4 WHERE id=$1 AND state=$2`
	tag, err := r.Pool.Exec(ctx, q, batchID, from, to, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=batch.transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetRemainingDecision records how the un-sampled remainder was resolved.
func (r *BatchRepo) SetRemainingDecision(ctx domain.Context, batchID string, d domain.RemainingDecision) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.SetRemainingDecision")
	defer span.End()
	q := `UPDATE qc_batches SET remaining_decision=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, batchID, d, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=batch.set_remaining_decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=batch.set_remaining_decision: %w", domain.ErrNotFound)
	}
	return nil
}

func scanBatch(row pgx.Row, op string) (domain.QCBatch, error) {
	var (
		b                 domain.QCBatch
		cfg               []byte
		remainingDecision *string
	)
	if err := row.Scan(&b.ID, &b.SurveyID, &b.InterviewerID, &cfg, &b.ResponseIDs, &b.State, &remainingDecision, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.QCBatch{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.QCBatch{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if err := json.Unmarshal(cfg, &b.Config); err != nil {
		return domain.QCBatch{}, fmt.Errorf("op=%s: %w", op, err)
	}
	if remainingDecision != nil {
		b.RemainingDecision = domain.RemainingDecision(*remainingDecision)
	}
	return b, nil
}
