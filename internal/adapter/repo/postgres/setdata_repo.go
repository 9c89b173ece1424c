package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// SetDataRepo records CATI rotation-set usage.
type SetDataRepo struct{ Pool PgxPool }

// NewSetDataRepo constructs a SetDataRepo with the given pool.
func NewSetDataRepo(p PgxPool) *SetDataRepo { return &SetDataRepo{Pool: p} }

// Last returns the most recent record for (survey, mode).
func (r *SetDataRepo) Last(ctx domain.Context, surveyID string, mode domain.SurveyMode) (domain.SetData, error) {
	tracer := otel.Tracer("repo.setdata")
	ctx, span := tracer.Start(ctx, "setdata.Last")
	defer span.End()
	q := `SELECT id, survey_id, mode, set_number, created_at FROM set_data
	      WHERE survey_id=$1 AND mode=$2 ORDER BY created_at DESC LIMIT 1`
	var sd domain.SetData
	err := r.Pool.QueryRow(ctx, q, surveyID, mode).Scan(&sd.ID, &sd.SurveyID, &sd.Mode, &sd.SetNumber, &sd.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.SetData{}, fmt.Errorf("op=setdata.last: %w", domain.ErrNotFound)
		}
		return domain.SetData{}, fmt.Errorf("op=setdata.last: %w", err)
	}
	return sd, nil
}

// Append records one completion's set usage.
func (r *SetDataRepo) Append(ctx domain.Context, sd domain.SetData) error {
	tracer := otel.Tracer("repo.setdata")
	ctx, span := tracer.Start(ctx, "setdata.Append")
	defer span.End()
	if sd.ID == "" {
		sd.ID = uuid.New().String()
	}
	if sd.CreatedAt.IsZero() {
		sd.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO set_data (id, survey_id, mode, set_number, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, sd.ID, sd.SurveyID, sd.Mode, sd.SetNumber, sd.CreatedAt); err != nil {
		return fmt.Errorf("op=setdata.append: %w", err)
	}
	return nil
}
