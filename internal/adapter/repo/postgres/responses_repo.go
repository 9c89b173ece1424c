package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// ResponseRepo persists responses. The immutable payload (answers, location,
// audio, quality) is written once into a JSONB doc; everything QC mutates
// afterwards (status, lease, batch membership, verification) lives in
// dedicated columns updated atomically.
type ResponseRepo struct{ Pool PgxPool }

// NewResponseRepo constructs a ResponseRepo with the given pool.
func NewResponseRepo(p PgxPool) *ResponseRepo { return &ResponseRepo{Pool: p} }

const responseCols = `doc, response_number, status, abandoned_reason, assigned_to, assigned_at, lease_expires_at, batch_id, is_sample, verification, created_at`

// Create inserts a new response and returns it with id, number, and
// created_at filled. A unique violation on session_id is translated into
// *domain.DuplicateSubmissionError carrying the existing response.
func (r *ResponseRepo) Create(ctx domain.Context, resp domain.Response) (domain.Response, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.Create")
	defer span.End()
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	resp.CreatedAt = time.Now().UTC()
	doc, err := json.Marshal(resp)
	if err != nil {
		return domain.Response{}, fmt.Errorf("op=response.create: %w", err)
	}
	q := `INSERT INTO responses
	        (id, session_id, survey_id, interviewer_id, mode, status, abandoned_reason,
	         ac, call_id, respondent_name, gender, age, doc, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	      RETURNING response_number`
	row := r.Pool.QueryRow(ctx, q,
		resp.ID, resp.SessionID, resp.SurveyID, resp.InterviewerID, resp.Mode,
		resp.Status, resp.AbandonedReason, resp.AC, resp.CallID,
		resp.RespondentName, resp.Gender, resp.Age, doc, resp.CreatedAt)
	if err := row.Scan(&resp.ResponseNumber); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if existing, ferr := r.FindBySession(ctx, resp.SessionID); ferr == nil {
				return domain.Response{}, fmt.Errorf("op=response.create: %w",
					&domain.DuplicateSubmissionError{ResponseID: existing.ID, ResponseNumber: existing.ResponseNumber})
			}
			return domain.Response{}, fmt.Errorf("op=response.create: %w", &domain.DuplicateSubmissionError{})
		}
		return domain.Response{}, fmt.Errorf("op=response.create: %w", err)
	}
	return resp, nil
}

// Get loads a response by id.
func (r *ResponseRepo) Get(ctx domain.Context, id string) (domain.Response, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.Get")
	defer span.End()
	q := `SELECT ` + responseCols + ` FROM responses WHERE id=$1`
	return scanResponse(r.Pool.QueryRow(ctx, q, id), "response.get")
}

// FindBySession loads the response created from a session, if any.
func (r *ResponseRepo) FindBySession(ctx domain.Context, sessionID string) (domain.Response, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.FindBySession")
	defer span.End()
	q := `SELECT ` + responseCols + ` FROM responses WHERE session_id=$1`
	return scanResponse(r.Pool.QueryRow(ctx, q, sessionID), "response.find_by_session")
}

// SetBatch records batch membership.
func (r *ResponseRepo) SetBatch(ctx domain.Context, id, batchID string) error {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.SetBatch")
	defer span.End()
	q := `UPDATE responses SET batch_id=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, batchID)
	if err != nil {
		return fmt.Errorf("op=response.set_batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=response.set_batch: %w", domain.ErrNotFound)
	}
	return nil
}

// MarkSamples flags the drawn sample of a closed batch.
func (r *ResponseRepo) MarkSamples(ctx domain.Context, ids []string) error {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.MarkSamples")
	defer span.End()
	q := `UPDATE responses SET is_sample=TRUE WHERE id = ANY($1)`
	if _, err := r.Pool.Exec(ctx, q, ids); err != nil {
		return fmt.Errorf("op=response.mark_samples: %w", err)
	}
	return nil
}

// UpdateStatusBulk transitions still-pending responses to status; reason, if
// non-empty, is stored as the abandoned reason.
func (r *ResponseRepo) UpdateStatusBulk(ctx domain.Context, ids []string, status domain.ResponseStatus, reason string) (int, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.UpdateStatusBulk")
	defer span.End()
	q := `UPDATE responses
	      SET status=$2, abandoned_reason=COALESCE(NULLIF($3,''), abandoned_reason)
	      WHERE id = ANY($1) AND status='Pending_Approval'`
	tag, err := r.Pool.Exec(ctx, q, ids, status, reason)
	if err != nil {
		return 0, fmt.Errorf("op=response.update_status_bulk: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SetStatus writes a status directly, without preconditions. Used only by the
// review service's reconciliation retry.
func (r *ResponseRepo) SetStatus(ctx domain.Context, id string, status domain.ResponseStatus) error {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.SetStatus")
	defer span.End()
	q := `UPDATE responses SET status=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("op=response.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=response.set_status: %w", domain.ErrNotFound)
	}
	return nil
}

// FindAssigned returns the response currently leased (non-expired) to the
// reviewer inside the given scope.
func (r *ResponseRepo) FindAssigned(ctx domain.Context, reviewerID string, now time.Time, q domain.ReviewQuery) (domain.Response, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.FindAssigned")
	defer span.End()
	args := []any{reviewerID, now}
	sql := `SELECT ` + prefixed("r", responseCols) + `
	        FROM responses r JOIN surveys s ON s.id = r.survey_id
	        WHERE r.assigned_to=$1 AND r.lease_expires_at > $2 AND r.status='Pending_Approval'`
	sql, args = appendScope(sql, args, q)
	sql += ` ORDER BY r.created_at ASC LIMIT 1`
	return scanResponse(r.Pool.QueryRow(ctx, sql, args...), "response.find_assigned")
}

// NextReviewable returns the oldest pending candidate in scope that is
// visible under the batch contract and claimable at `now`.
func (r *ResponseRepo) NextReviewable(ctx domain.Context, q domain.ReviewQuery, now time.Time) (domain.Response, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.NextReviewable")
	defer span.End()
	args := []any{now}
	// Visibility: legacy (no batch), batch still collecting, batch
	// processing/qc_in_progress with remainder not queued_for_qc, or sampled.
	sql := `SELECT ` + prefixed("r", responseCols) + `
	        FROM responses r
	        JOIN surveys s ON s.id = r.survey_id
	        LEFT JOIN qc_batches b ON b.id = r.batch_id
	        WHERE r.status='Pending_Approval'
	          AND (r.assigned_to IS NULL OR r.lease_expires_at <= $1)
	          AND (
	            r.batch_id IS NULL
	            OR b.state = 'collecting'
	            OR (b.state IN ('processing','qc_in_progress') AND b.remaining_decision IS DISTINCT FROM 'queued_for_qc')
	            OR r.is_sample
	          )`
	sql, args = appendScope(sql, args, q)
	sql += ` ORDER BY r.created_at ASC LIMIT 1`
	return scanResponse(r.Pool.QueryRow(ctx, sql, args...), "response.next_reviewable")
}

// Claim is the lease CAS: it succeeds only while the response is pending and
// unassigned or expired.
func (r *ResponseRepo) Claim(ctx domain.Context, id, reviewerID string, now, expiresAt time.Time) (bool, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.Claim")
	defer span.End()
	q := `UPDATE responses
	      SET assigned_to=$2, assigned_at=$3, lease_expires_at=$4
	      WHERE id=$1 AND status='Pending_Approval'
	        AND (assigned_to IS NULL OR lease_expires_at <= $3)`
	tag, err := r.Pool.Exec(ctx, q, id, reviewerID, now, expiresAt)
	if err != nil {
		return false, fmt.Errorf("op=response.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseAssignment clears the lease iff held by reviewerID.
func (r *ResponseRepo) ReleaseAssignment(ctx domain.Context, id, reviewerID string) (bool, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.ReleaseAssignment")
	defer span.End()
	q := `UPDATE responses
	      SET assigned_to=NULL, assigned_at=NULL, lease_expires_at=NULL
	      WHERE id=$1 AND assigned_to=$2`
	tag, err := r.Pool.Exec(ctx, q, id, reviewerID)
	if err != nil {
		return false, fmt.Errorf("op=response.release: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteVerification atomically finalizes a review verdict.
func (r *ResponseRepo) CompleteVerification(ctx domain.Context, id string, status domain.ResponseStatus, v domain.VerificationData, reviewerID string, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.CompleteVerification")
	defer span.End()
	vdoc, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("op=response.complete_verification: %w", err)
	}
	q := `UPDATE responses
	      SET status=$2, verification=$3, assigned_to=NULL, assigned_at=NULL, lease_expires_at=NULL
	      WHERE id=$1 AND status='Pending_Approval'
	        AND (assigned_to IS NULL OR (assigned_to=$4 AND lease_expires_at > $5))`
	tag, err := r.Pool.Exec(ctx, q, id, status, vdoc, reviewerID, now)
	if err != nil {
		return false, fmt.Errorf("op=response.complete_verification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListWindow pages responses of one mode created inside [from, to).
func (r *ResponseRepo) ListWindow(ctx domain.Context, mode domain.SurveyMode, from, to time.Time, offset, limit int) ([]domain.Response, error) {
	tracer := otel.Tracer("repo.responses")
	ctx, span := tracer.Start(ctx, "responses.ListWindow")
	defer span.End()
	q := `SELECT ` + responseCols + ` FROM responses
	      WHERE mode=$1 AND created_at >= $2 AND created_at < $3
	      ORDER BY created_at ASC OFFSET $4 LIMIT $5`
	rows, err := r.Pool.Query(ctx, q, mode, from, to, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=response.list_window: %w", err)
	}
	defer rows.Close()
	var out []domain.Response
	for rows.Next() {
		resp, err := scanResponseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("op=response.list_window: %w", err)
		}
		out = append(out, resp)
	}
	return out, rows.Err()
}

// appendScope adds the reviewer scope and optional filters to a query that
// already joins `surveys s` and aliases responses as `r`.
func appendScope(sql string, args []any, q domain.ReviewQuery) (string, []any) {
	if len(q.Scopes) > 0 {
		var parts []string
		for _, sc := range q.Scopes {
			args = append(args, sc.SurveyID)
			cond := fmt.Sprintf("r.survey_id=$%d", len(args))
			if len(sc.ACs) > 0 {
				args = append(args, sc.ACs)
				cond = fmt.Sprintf("(%s AND r.ac = ANY($%d))", cond, len(args))
			}
			parts = append(parts, cond)
		}
		sql += " AND (" + strings.Join(parts, " OR ") + ")"
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		n := len(args)
		sql += fmt.Sprintf(` AND (s.name ILIKE $%d OR r.id::text ILIKE $%d OR r.response_number::text ILIKE $%d OR r.session_id ILIKE $%d OR r.respondent_name ILIKE $%d)`, n, n, n, n, n)
	}
	if q.Gender != "" {
		args = append(args, q.Gender)
		sql += fmt.Sprintf(" AND LOWER(r.gender)=LOWER($%d)", len(args))
	}
	if q.AgeMin > 0 {
		args = append(args, q.AgeMin)
		sql += fmt.Sprintf(" AND r.age >= $%d", len(args))
	}
	if q.AgeMax > 0 {
		args = append(args, q.AgeMax)
		sql += fmt.Sprintf(" AND r.age <= $%d", len(args))
	}
	return sql, args
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface{ Scan(dest ...any) error }

func scanResponse(row pgx.Row, op string) (domain.Response, error) {
	resp, err := scanResponseRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Response{}, fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
		return domain.Response{}, fmt.Errorf("op=%s: %w", op, err)
	}
	return resp, nil
}

// scanResponseRow rebuilds a Response: the immutable doc first, then the
// mutable columns overlaid on top.
func scanResponseRow(row rowScanner) (domain.Response, error) {
	var (
		doc, vdoc       []byte
		resp            domain.Response
		number          int64
		status          string
		abandonedReason *string
		assignedTo      *string
		assignedAt      *time.Time
		expiresAt       *time.Time
		batchID         *string
		isSample        bool
		createdAt       time.Time
	)
	if err := row.Scan(&doc, &number, &status, &abandonedReason, &assignedTo, &assignedAt, &expiresAt, &batchID, &isSample, &vdoc, &createdAt); err != nil {
		return domain.Response{}, err
	}
	if err := json.Unmarshal(doc, &resp); err != nil {
		return domain.Response{}, err
	}
	resp.ResponseNumber = number
	resp.Status = domain.ResponseStatus(status)
	if abandonedReason != nil {
		resp.AbandonedReason = *abandonedReason
	}
	if assignedTo != nil && assignedAt != nil && expiresAt != nil {
		resp.Assignment = &domain.ReviewAssignment{AssignedTo: *assignedTo, AssignedAt: *assignedAt, ExpiresAt: *expiresAt}
	} else {
		resp.Assignment = nil
	}
	if batchID != nil {
		resp.BatchID = *batchID
	}
	resp.IsSample = isSample
	if len(vdoc) > 0 {
		var v domain.VerificationData
		if err := json.Unmarshal(vdoc, &v); err != nil {
			return domain.Response{}, err
		}
		resp.Verification = &v
	}
	resp.CreatedAt = createdAt
	return resp, nil
}
