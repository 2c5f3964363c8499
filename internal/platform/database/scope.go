package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier abstracts pgx query methods so callers can work with both
// pool connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// WithOrganizationScope acquires a dedicated connection from the pool, sets
// the Postgres session variables read by the RLS policies, then calls fn.
// With crossTenant set the policies admit every organization; otherwise only
// rows of organizationID are visible. Both settings are reset before the
// connection is released back to the pool.
func WithOrganizationScope(ctx context.Context, pool *pgxpool.Pool, organizationID string, crossTenant bool, fn func(ctx context.Context, q Querier) error) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() {
		// Use background context since the request context may be canceled.
		_, _ = conn.Exec(context.Background(),
			"SELECT set_config('app.current_org_id', '', false), set_config('app.cross_tenant', 'off', false)")
		conn.Release()
	}()

	cross := "off"
	if crossTenant {
		cross = "on"
	}
	_, err = conn.Exec(ctx,
		"SELECT set_config('app.current_org_id', $1, false), set_config('app.cross_tenant', $2, false)",
		organizationID, cross,
	)
	if err != nil {
		return fmt.Errorf("setting organization scope: %w", err)
	}

	return fn(ctx, conn)
}
