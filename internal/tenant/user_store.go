package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/jackc/pgx/v5"
)

// UserStore handles onboarded user database operations. Every method is
// bounded by the scope it is given, both in SQL and through row level
// security.
type UserStore struct {
	pool *database.Pool
}

// NewUserStore creates a new user store.
func NewUserStore(pool *database.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `id::text, COALESCE(organization_id::text, ''), email, display_name,
	COALESCE(object_id, ''), assigned_role, database_credential_ids::text[],
	is_active, is_deleted, last_invited_at, created_at, updated_at`

func scanUser(row pgx.Row) (*OnboardedUser, error) {
	var (
		u    OnboardedUser
		role string
	)
	err := row.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.DisplayName, &u.ObjectID, &role,
		&u.DatabaseCredentialIDs, &u.IsActive, &u.IsDeleted, &u.LastInvitedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	// An unreadable role stays RoleUnknown, which satisfies nothing.
	u.AssignedRole, _ = rbac.ParseRole(role)
	if u.DatabaseCredentialIDs == nil {
		u.DatabaseCredentialIDs = []string{}
	}
	return &u, nil
}

func (s *UserStore) queryUsers(ctx context.Context, scope isolation.Scope, sql string, args ...any) ([]OnboardedUser, error) {
	users, err := isolation.QueryRows(ctx, s.pool, scope, scanUser, sql, args...)
	if users == nil && err == nil {
		users = []OnboardedUser{}
	}
	return users, err
}

func (s *UserStore) queryUser(ctx context.Context, scope isolation.Scope, sql string, args ...any) (*OnboardedUser, error) {
	user, err := isolation.QueryRow(ctx, s.pool, scope, scanUser, sql, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// Create inserts a new onboarded user.
func (s *UserStore) Create(ctx context.Context, scope isolation.Scope, p CreateUserParams) (*OnboardedUser, error) {
	email := NormalizeEmail(p.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if p.OrganizationID != "" && !scope.Allows(p.OrganizationID) {
		return nil, isolation.ErrAccessDenied
	}
	role := p.Role
	if role == rbac.RoleUnknown {
		role = rbac.RoleUser
	}
	if !role.Valid() {
		return nil, rbac.ErrUnknownRole
	}

	user, err := s.queryUser(ctx, scope,
		`INSERT INTO onboarded_users (organization_id, email, display_name, object_id, assigned_role, last_invited_at)
		 VALUES (NULLIF($1, '')::uuid, $2, $3, NULLIF($4, ''), $5, $6)
		 RETURNING `+userColumns,
		p.OrganizationID, email, p.DisplayName, p.ObjectID, role.String(), p.InvitedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrEmailDuplicate, email)
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}
	return user, nil
}

// GetByID retrieves a user, deleted or not, visible in scope.
func (s *UserStore) GetByID(ctx context.Context, scope isolation.Scope, id string) (*OnboardedUser, error) {
	if !isUUID(id) {
		return nil, ErrUserNotFound
	}
	pred, args := scope.Predicate("organization_id", 2)
	user, err := s.queryUser(ctx, scope,
		`SELECT `+userColumns+` FROM onboarded_users WHERE id = $1 AND `+pred,
		append([]any{id}, args...)...)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("getting user: %w", err)
	}
	return user, err
}

// FindByEmail returns the user with email in organizationID.
func (s *UserStore) FindByEmail(ctx context.Context, scope isolation.Scope, organizationID, email string) (*OnboardedUser, error) {
	if !isUUID(organizationID) {
		return nil, ErrUserNotFound
	}
	pred, args := scope.Predicate("organization_id", 3)
	user, err := s.queryUser(ctx, scope,
		`SELECT `+userColumns+` FROM onboarded_users
		 WHERE organization_id = $1 AND lower(email) = $2 AND `+pred,
		append([]any{organizationID, NormalizeEmail(email)}, args...)...)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("finding user by email: %w", err)
	}
	return user, err
}

// ListByOrganization returns the non-deleted users of organizationID.
func (s *UserStore) ListByOrganization(ctx context.Context, scope isolation.Scope, organizationID string) ([]OnboardedUser, error) {
	if !isUUID(organizationID) {
		return []OnboardedUser{}, nil
	}
	pred, args := scope.Predicate("organization_id", 2)
	users, err := s.queryUsers(ctx, scope,
		`SELECT `+userColumns+` FROM onboarded_users
		 WHERE organization_id = $1 AND NOT is_deleted AND `+pred+`
		 ORDER BY lower(email)`,
		append([]any{organizationID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

// FindActiveByObjectID returns every non-deleted user carrying objectID
// across all organizations. Used for actor resolution only.
func (s *UserStore) FindActiveByObjectID(ctx context.Context, objectID string) ([]OnboardedUser, error) {
	users, err := s.queryUsers(ctx, isolation.SystemScope(),
		`SELECT `+userColumns+` FROM onboarded_users WHERE object_id = $1 AND NOT is_deleted`,
		objectID)
	if err != nil {
		return nil, fmt.Errorf("finding users by object id: %w", err)
	}
	return users, nil
}

// FindActiveByEmail returns every non-deleted user with email across all
// organizations. Used for actor resolution only.
func (s *UserStore) FindActiveByEmail(ctx context.Context, email string) ([]OnboardedUser, error) {
	users, err := s.queryUsers(ctx, isolation.SystemScope(),
		`SELECT `+userColumns+` FROM onboarded_users WHERE lower(email) = $1 AND NOT is_deleted`,
		NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("finding users by email: %w", err)
	}
	return users, nil
}

func (s *UserStore) update(ctx context.Context, scope isolation.Scope, id, set string, args ...any) (*OnboardedUser, error) {
	if !isUUID(id) {
		return nil, ErrUserNotFound
	}
	all := append([]any{id}, args...)
	pred, predArgs := scope.Predicate("organization_id", len(all)+1)
	all = append(all, predArgs...)

	user, err := s.queryUser(ctx, scope,
		`UPDATE onboarded_users SET `+set+`, updated_at = now()
		 WHERE id = $1 AND NOT is_deleted AND `+pred+`
		 RETURNING `+userColumns,
		all...)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("updating user: %w", err)
	}
	return user, err
}

// SetObjectID records the identity provider object id when the user has none
// yet. An object id, once set, is never replaced.
func (s *UserStore) SetObjectID(ctx context.Context, scope isolation.Scope, id, objectID string) (*OnboardedUser, error) {
	return s.update(ctx, scope, id, `object_id = COALESCE(object_id, NULLIF($2, ''))`, objectID)
}

// TouchInvited stamps the time of the latest invitation.
func (s *UserStore) TouchInvited(ctx context.Context, scope isolation.Scope, id string, at time.Time) (*OnboardedUser, error) {
	return s.update(ctx, scope, id, `last_invited_at = $2`, at)
}

// SetRole replaces the user's single assigned role.
func (s *UserStore) SetRole(ctx context.Context, scope isolation.Scope, id string, role rbac.Role) (*OnboardedUser, error) {
	if !role.Valid() {
		return nil, rbac.ErrUnknownRole
	}
	return s.update(ctx, scope, id, `assigned_role = $2`, role.String())
}

// SetActive toggles whether the user may sign in.
func (s *UserStore) SetActive(ctx context.Context, scope isolation.Scope, id string, active bool) (*OnboardedUser, error) {
	return s.update(ctx, scope, id, `is_active = $2`, active)
}

// SoftDelete marks the user deleted and inactive. The row is kept.
func (s *UserStore) SoftDelete(ctx context.Context, scope isolation.Scope, id string) (*OnboardedUser, error) {
	return s.update(ctx, scope, id, `is_deleted = true, is_active = false`)
}

// SetCredentialAssignments replaces the set of database credentials the user
// may use.
func (s *UserStore) SetCredentialAssignments(ctx context.Context, scope isolation.Scope, id string, credentialIDs []string) (*OnboardedUser, error) {
	ids := dedupe(credentialIDs)
	for _, c := range ids {
		if !isUUID(c) {
			return nil, ErrCredentialNotInOrg
		}
	}
	return s.update(ctx, scope, id, `database_credential_ids = $2::text[]::uuid[]`, ids)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
