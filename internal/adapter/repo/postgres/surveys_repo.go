package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// SurveyRepo loads survey definitions. Definitions change rarely; the whole
// document is stored as JSONB next to the queryable columns.
type SurveyRepo struct{ Pool PgxPool }

// NewSurveyRepo constructs a SurveyRepo with the given pool.
func NewSurveyRepo(p PgxPool) *SurveyRepo { return &SurveyRepo{Pool: p} }

// Get loads a survey by id.
func (r *SurveyRepo) Get(ctx domain.Context, id string) (domain.Survey, error) {
	tracer := otel.Tracer("repo.surveys")
	ctx, span := tracer.Start(ctx, "surveys.Get")
	defer span.End()
	q := `SELECT doc FROM surveys WHERE id=$1`
	var doc []byte
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Survey{}, fmt.Errorf("op=survey.get: %w", domain.ErrNotFound)
		}
		return domain.Survey{}, fmt.Errorf("op=survey.get: %w", err)
	}
	var s domain.Survey
	if err := json.Unmarshal(doc, &s); err != nil {
		return domain.Survey{}, fmt.Errorf("op=survey.get: %w", err)
	}
	return s, nil
}

// Create upserts a survey definition.
func (r *SurveyRepo) Create(ctx domain.Context, s domain.Survey) error {
	tracer := otel.Tracer("repo.surveys")
	ctx, span := tracer.Start(ctx, "surveys.Create")
	defer span.End()
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=survey.create: %w", err)
	}
	q := `INSERT INTO surveys (id, company_id, name, mode, doc, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6)
	      ON CONFLICT (id) DO UPDATE SET company_id=$2, name=$3, mode=$4, doc=$5`
	if _, err := r.Pool.Exec(ctx, q, s.ID, s.CompanyID, s.Name, s.Mode, doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=survey.create: %w", err)
	}
	return nil
}

// ListByCompany returns the surveys of a company.
func (r *SurveyRepo) ListByCompany(ctx domain.Context, companyID string) ([]domain.Survey, error) {
	tracer := otel.Tracer("repo.surveys")
	ctx, span := tracer.Start(ctx, "surveys.ListByCompany")
	defer span.End()
	q := `SELECT doc FROM surveys WHERE company_id=$1 ORDER BY created_at ASC`
	return r.list(ctx, q, companyID)
}

// ListForReviewer returns surveys where the user appears as a reviewer.
func (r *SurveyRepo) ListForReviewer(ctx domain.Context, userID string) ([]domain.Survey, error) {
	tracer := otel.Tracer("repo.surveys")
	ctx, span := tracer.Start(ctx, "surveys.ListForReviewer")
	defer span.End()
	q := `SELECT doc FROM surveys
	      WHERE doc->'reviewers' @> jsonb_build_array(jsonb_build_object('userId', $1::text))
	      ORDER BY created_at ASC`
	return r.list(ctx, q, userID)
}

func (r *SurveyRepo) list(ctx domain.Context, q string, args ...any) ([]domain.Survey, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=survey.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Survey
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("op=survey.list: %w", err)
		}
		var s domain.Survey
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("op=survey.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
