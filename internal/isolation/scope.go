package isolation

import (
	"context"
	"fmt"

	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/jackc/pgx/v5"
)

// Scope is the set of organizations a data access may touch: either one
// organization or, explicitly, all of them. The zero Scope matches nothing.
type Scope struct {
	organizationID string
	crossTenant    bool
}

// NewScope builds the scope for actor. Cross-tenant scopes require a
// platform operator role.
func NewScope(actor *rbac.Actor, crossTenant bool) (Scope, error) {
	if actor == nil || actor.OrganizationID == "" {
		return Scope{}, ErrOrganizationUnresolved
	}
	if crossTenant {
		if !actor.IsPlatformOperator() {
			return Scope{}, fmt.Errorf("%w: cross-tenant access requires a platform role", ErrAccessDenied)
		}
		return Scope{crossTenant: true}, nil
	}
	return Scope{organizationID: actor.OrganizationID}, nil
}

// OrganizationScope scopes access to a single organization.
func OrganizationScope(organizationID string) Scope {
	return Scope{organizationID: organizationID}
}

// SystemScope spans every organization. Reserved for actor resolution and
// background work that runs before or outside any actor.
func SystemScope() Scope {
	return Scope{crossTenant: true}
}

func (s Scope) OrganizationID() string { return s.organizationID }
func (s Scope) CrossTenant() bool      { return s.crossTenant }

// Allows reports whether a row of organizationID is inside the scope.
func (s Scope) Allows(organizationID string) bool {
	if s.crossTenant {
		return true
	}
	return s.organizationID != "" && s.organizationID == organizationID
}

// Predicate returns a SQL condition on column using placeholder $argN and
// the arguments it binds. Cross-tenant scopes bind nothing.
func (s Scope) Predicate(column string, argN int) (string, []any) {
	switch {
	case s.crossTenant:
		return "TRUE", nil
	case s.organizationID == "":
		return "FALSE", nil
	default:
		return fmt.Sprintf("%s = $%d", column, argN), []any{s.organizationID}
	}
}

// Run executes fn on a connection whose row level security settings match
// the scope.
func (s Scope) Run(ctx context.Context, pool *database.Pool, fn func(ctx context.Context, q database.Querier) error) error {
	return database.WithOrganizationScope(ctx, pool, s.organizationID, s.crossTenant, fn)
}

// Scoped is implemented by every entity that belongs to an organization.
// Filter, QueryRows and QueryRow only accept such types.
type Scoped interface {
	ScopeOrganizationID() string
}

// Filter returns the rows of in that fall inside s, preserving order.
func Filter[T Scoped](s Scope, in []T) []T {
	out := make([]T, 0, len(in))
	for _, row := range in {
		if s.Allows(row.ScopeOrganizationID()) {
			out = append(out, row)
		}
	}
	return out
}

// QueryRows runs sql under s, scans each result with scan and keeps only the
// rows inside s. Stores read scoped entities through it.
func QueryRows[T Scoped](ctx context.Context, pool *database.Pool, s Scope, scan func(pgx.Row) (*T, error), sql string, args ...any) ([]T, error) {
	var out []T
	err := s.Run(ctx, pool, func(ctx context.Context, q database.Querier) error {
		rows, err := q.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			v, err := scan(rows)
			if err != nil {
				return err
			}
			out = append(out, *v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return Filter(s, out), nil
}

// QueryRow is QueryRows for a single result. A row outside s reads as
// pgx.ErrNoRows.
func QueryRow[T Scoped](ctx context.Context, pool *database.Pool, s Scope, scan func(pgx.Row) (*T, error), sql string, args ...any) (*T, error) {
	var v *T
	err := s.Run(ctx, pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		v, scanErr = scan(q.QueryRow(ctx, sql, args...))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	if !s.Allows((*v).ScopeOrganizationID()) {
		return nil, pgx.ErrNoRows
	}
	return v, nil
}
