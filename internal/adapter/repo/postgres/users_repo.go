package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fieldworks/surveyd/internal/domain"
)

// UserRepo loads principals.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT id, name, role, company_id FROM users WHERE id=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Name, &u.Role, &u.CompanyID); err != nil {
		if err == pgx.ErrNoRows {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// Create upserts a user.
func (r *UserRepo) Create(ctx domain.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	q := `INSERT INTO users (id, name, role, company_id, created_at) VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (id) DO UPDATE SET name=$2, role=$3, company_id=$4`
	if _, err := r.Pool.Exec(ctx, q, u.ID, u.Name, u.Role, u.CompanyID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=user.create: %w", err)
	}
	return nil
}
