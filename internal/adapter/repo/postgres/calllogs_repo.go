package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// CallLogRepo stores normalized telephony webhook records keyed by call id.
type CallLogRepo struct{ Pool PgxPool }

// NewCallLogRepo constructs a CallLogRepo with the given pool.
func NewCallLogRepo(p PgxPool) *CallLogRepo { return &CallLogRepo{Pool: p} }

// UpsertByCallID inserts or refreshes the log row for a call.
func (r *CallLogRepo) UpsertByCallID(ctx domain.Context, cl domain.CallLog) error {
	tracer := otel.Tracer("repo.calllogs")
	ctx, span := tracer.Start(ctx, "calllogs.Upsert")
	defer span.End()
	if cl.ID == "" {
		cl.ID = uuid.New().String()
	}
	cl.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(cl)
	if err != nil {
		return fmt.Errorf("op=calllog.upsert: %w", err)
	}
	q := `INSERT INTO call_logs (id, call_id, provider, status, doc, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6)
	      ON CONFLICT (call_id) DO UPDATE SET provider=$3, status=$4, doc=$5, updated_at=$6`
	if _, err := r.Pool.Exec(ctx, q, cl.ID, cl.CallID, cl.Provider, cl.Status, doc, cl.UpdatedAt); err != nil {
		return fmt.Errorf("op=calllog.upsert: %w", err)
	}
	return nil
}

// GetByCallID loads a call log.
func (r *CallLogRepo) GetByCallID(ctx domain.Context, callID string) (domain.CallLog, error) {
	tracer := otel.Tracer("repo.calllogs")
	ctx, span := tracer.Start(ctx, "calllogs.Get")
	defer span.End()
	q := `SELECT doc FROM call_logs WHERE call_id=$1`
	var doc []byte
	if err := r.Pool.QueryRow(ctx, q, callID).Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.CallLog{}, fmt.Errorf("op=calllog.get: %w", domain.ErrNotFound)
		}
		return domain.CallLog{}, fmt.Errorf("op=calllog.get: %w", err)
	}
	var cl domain.CallLog
	if err := json.Unmarshal(doc, &cl); err != nil {
		return domain.CallLog{}, fmt.Errorf("op=calllog.get: %w", err)
	}
	return cl, nil
}
