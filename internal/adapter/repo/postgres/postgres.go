// Package postgres implements the domain repositories on PostgreSQL via pgx.
//
// All mutations are single-statement atomic updates; lease claims and batch
// state changes are compare-and-set UPDATEs whose affected-row count decides
// the winner. Dynamic document shapes (answers, verification, quality,
// survey sections) live in JSONB columns.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the minimal pool surface the repositories need. *pgxpool.Pool
// satisfies it; tests may substitute a lighter implementation.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}
