package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// SessionRepo persists interview sessions. The full session document lives
// in a JSONB column; sessions are single-owner so whole-document updates
// cannot race.
type SessionRepo struct{ Pool PgxPool }

// NewSessionRepo constructs a SessionRepo with the given pool.
func NewSessionRepo(p PgxPool) *SessionRepo { return &SessionRepo{Pool: p} }

// Create inserts a new session.
func (r *SessionRepo) Create(ctx domain.Context, s domain.InterviewSession) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=session.create: %w", err)
	}
	q := `INSERT INTO interview_sessions (id, survey_id, interviewer_id, state, doc, started_at, last_activity)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err = r.Pool.Exec(ctx, q, s.ID, s.SurveyID, s.InterviewerID, s.State, doc, s.StartedAt, s.LastActivity)
	if err != nil {
		return fmt.Errorf("op=session.create: %w", err)
	}
	return nil
}

// Get loads a session by id.
func (r *SessionRepo) Get(ctx domain.Context, id string) (domain.InterviewSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Get")
	defer span.End()
	q := `SELECT doc FROM interview_sessions WHERE id=$1`
	return r.scanOne(r.Pool.QueryRow(ctx, q, id), "session.get")
}

// FindOpen returns the non-terminal session for (survey, interviewer).
func (r *SessionRepo) FindOpen(ctx domain.Context, surveyID, interviewerID string) (domain.InterviewSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.FindOpen")
	defer span.End()
	q := `SELECT doc FROM interview_sessions
	      WHERE survey_id=$1 AND interviewer_id=$2 AND state IN ('active','paused')
	      ORDER BY started_at DESC LIMIT 1`
	return r.scanOne(r.Pool.QueryRow(ctx, q, surveyID, interviewerID), "session.find_open")
}

// Update overwrites the session document and bumps last_activity.
func (r *SessionRepo) Update(ctx domain.Context, s domain.InterviewSession) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Update")
	defer span.End()
	s.LastActivity = time.Now().UTC()
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("op=session.update: %w", err)
	}
	q := `UPDATE interview_sessions SET state=$2, doc=$3, last_activity=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, s.ID, s.State, doc, s.LastActivity)
	if err != nil {
		return fmt.Errorf("op=session.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=session.update: %w", domain.ErrNotFound)
	}
	return nil
}

// SetState flips only the session state.
func (r *SessionRepo) SetState(ctx domain.Context, id string, state domain.SessionState) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.SetState")
	defer span.End()
	q := `UPDATE interview_sessions
	      SET state=$2, doc=jsonb_set(doc, '{state}', to_jsonb($2::text)), last_activity=$3
	      WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=session.set_state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=session.set_state: %w", domain.ErrNotFound)
	}
	return nil
}

// ListStale returns non-terminal sessions idle since before cutoff.
func (r *SessionRepo) ListStale(ctx domain.Context, cutoff time.Time, limit int) ([]domain.InterviewSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ListStale")
	defer span.End()
	q := `SELECT doc FROM interview_sessions
	      WHERE state IN ('active','paused') AND last_activity < $1
	      ORDER BY last_activity ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=session.list_stale: %w", err)
	}
	defer rows.Close()
	var out []domain.InterviewSession
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("op=session.list_stale: %w", err)
		}
		var s domain.InterviewSession
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, fmt.Errorf("op=session.list_stale: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SessionRepo) scanOne(row pgx.Row, op string) (domain.InterviewSession, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.InterviewSession{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.InterviewSession{}, fmt.Errorf("op=%s: %w", op, err)
	}
	var s domain.InterviewSession
	if err := json.Unmarshal(doc, &s); err != nil {
		return domain.InterviewSession{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return s, nil
}
