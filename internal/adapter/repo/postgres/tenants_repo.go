package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// TenantRepo stores per-company telephony configuration.
type TenantRepo struct{ Pool PgxPool }

// NewTenantRepo constructs a TenantRepo with the given pool.
func NewTenantRepo(p PgxPool) *TenantRepo { return &TenantRepo{Pool: p} }

// GetTelephony loads the telephony config for a company.
func (r *TenantRepo) GetTelephony(ctx domain.Context, companyID string) (domain.TenantTelephony, error) {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.GetTelephony")
	defer span.End()
	q := `SELECT doc FROM tenant_telephony WHERE company_id=$1`
	var doc []byte
	if err := r.Pool.QueryRow(ctx, q, companyID).Scan(&doc); err != nil {
		if err == pgx.ErrNoRows {
			return domain.TenantTelephony{}, fmt.Errorf("op=tenant.get_telephony: %w", domain.ErrNotFound)
		}
		return domain.TenantTelephony{}, fmt.Errorf("op=tenant.get_telephony: %w", err)
	}
	var t domain.TenantTelephony
	if err := json.Unmarshal(doc, &t); err != nil {
		return domain.TenantTelephony{}, fmt.Errorf("op=tenant.get_telephony: %w", err)
	}
	return t, nil
}

// PutTelephony upserts the telephony config for a company.
func (r *TenantRepo) PutTelephony(ctx domain.Context, t domain.TenantTelephony) error {
	tracer := otel.Tracer("repo.tenants")
	ctx, span := tracer.Start(ctx, "tenants.PutTelephony")
	defer span.End()
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("op=tenant.put_telephony: %w", err)
	}
	q := `INSERT INTO tenant_telephony (company_id, doc, updated_at) VALUES ($1,$2,$3)
	      ON CONFLICT (company_id) DO UPDATE SET doc=$2, updated_at=$3`
	if _, err := r.Pool.Exec(ctx, q, t.CompanyID, doc, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=tenant.put_telephony: %w", err)
	}
	return nil
}
