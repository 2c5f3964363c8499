package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// isUUID filters ids that could never match a uuid column so lookups report
// not-found instead of a cast error.
func isUUID(id string) bool {
	return uuid.Validate(id) == nil
}

// Store handles organization database operations.
type Store struct {
	pool *database.Pool
}

// NewStore creates a new organization store.
func NewStore(pool *database.Pool) *Store {
	return &Store{pool: pool}
}

const organizationColumns = `id::text, name, domain, admin_email, secret_prefix, agent_type_ids,
	allow_user_invitations, is_active, created_at, updated_at`

func scanOrganization(row pgx.Row) (*Organization, error) {
	var o Organization
	err := row.Scan(&o.ID, &o.Name, &o.Domain, &o.AdminEmail, &o.SecretPrefix, &o.AgentTypeIDs,
		&o.AllowUserInvitations, &o.IsActive, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.AgentTypeIDs == nil {
		o.AgentTypeIDs = []string{}
	}
	return &o, nil
}

// Create inserts a new organization. Provisioning spans organizations, so
// it always runs cross-tenant.
func (s *Store) Create(ctx context.Context, p CreateOrganizationParams) (*Organization, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	allow := true
	if p.AllowUserInvitations != nil {
		allow = *p.AllowUserInvitations
	}
	agentTypes := p.AgentTypeIDs
	if agentTypes == nil {
		agentTypes = []string{}
	}

	var org *Organization
	err := isolation.SystemScope().Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		org, scanErr = scanOrganization(q.QueryRow(ctx,
			`INSERT INTO organizations (name, domain, admin_email, secret_prefix, agent_type_ids, allow_user_invitations)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+organizationColumns,
			strings.TrimSpace(p.Name), p.Domain, NormalizeEmail(p.AdminEmail), p.SecretPrefix, agentTypes, allow,
		))
		return scanErr
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrSecretPrefixTaken, p.SecretPrefix)
		}
		return nil, fmt.Errorf("creating organization: %w", err)
	}
	return org, nil
}

// GetByID retrieves an organization visible in scope.
func (s *Store) GetByID(ctx context.Context, scope isolation.Scope, id string) (*Organization, error) {
	if !isUUID(id) {
		return nil, ErrOrganizationNotFound
	}
	pred, args := scope.Predicate("id", 2)
	org, err := isolation.QueryRow(ctx, s.pool, scope, scanOrganization,
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1 AND `+pred,
		append([]any{id}, args...)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("getting organization: %w", err)
	}
	return org, nil
}

// List returns the organizations visible in scope, oldest first.
func (s *Store) List(ctx context.Context, scope isolation.Scope) ([]Organization, error) {
	pred, args := scope.Predicate("id", 1)
	orgs, err := isolation.QueryRows(ctx, s.pool, scope, scanOrganization,
		`SELECT `+organizationColumns+` FROM organizations WHERE `+pred+` ORDER BY created_at, id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}
	if orgs == nil {
		orgs = []Organization{}
	}
	return orgs, nil
}

// Update applies the non-nil fields of p. The id is never written.
func (s *Store) Update(ctx context.Context, scope isolation.Scope, id string, p UpdateOrganizationParams) (*Organization, error) {
	if !isUUID(id) {
		return nil, ErrOrganizationNotFound
	}
	var sets []string
	args := []any{id}
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return nil, errors.New("name must not be empty")
		}
		set("name", strings.TrimSpace(*p.Name))
	}
	if p.AdminEmail != nil {
		if *p.AdminEmail != "" {
			if err := ValidateEmail(*p.AdminEmail); err != nil {
				return nil, err
			}
		}
		set("admin_email", NormalizeEmail(*p.AdminEmail))
	}
	if p.AgentTypeIDs != nil {
		ids := *p.AgentTypeIDs
		if ids == nil {
			ids = []string{}
		}
		set("agent_type_ids", ids)
	}
	if p.AllowUserInvitations != nil {
		set("allow_user_invitations", *p.AllowUserInvitations)
	}
	if p.IsActive != nil {
		set("is_active", *p.IsActive)
	}
	if len(sets) == 0 {
		return s.GetByID(ctx, scope, id)
	}

	pred, predArgs := scope.Predicate("id", len(args)+1)
	args = append(args, predArgs...)

	var org *Organization
	err := scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		org, scanErr = scanOrganization(q.QueryRow(ctx,
			`UPDATE organizations SET `+strings.Join(sets, ", ")+`, updated_at = now()
			 WHERE id = $1 AND `+pred+`
			 RETURNING `+organizationColumns,
			args...,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrganizationNotFound
		}
		return nil, fmt.Errorf("updating organization: %w", err)
	}
	return org, nil
}
