package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store handles database credential persistence.
type Store struct {
	pool *database.Pool
}

func NewStore(pool *database.Pool) *Store {
	return &Store{pool: pool}
}

const credentialColumns = `id::text, organization_id::text, name, server_host, port, company_database,
	db_type, options, username_secret_ref, password_secret_ref, is_active, created_at, updated_at`

func scanCredential(row pgx.Row) (*DatabaseCredential, error) {
	var c DatabaseCredential
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.ServerHost, &c.Port, &c.CompanyDatabase,
		&c.DBType, &c.Options, &c.UsernameSecretRef, &c.PasswordSecretRef, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if c.Options == nil {
		c.Options = map[string]string{}
	}
	return &c, nil
}

func validID(id string) bool { return uuid.Validate(id) == nil }

// Create inserts a credential. Secret references are unique across all
// credentials, so a name whose secret names collide with an existing row
// fails with ErrNameTaken.
func (s *Store) Create(ctx context.Context, scope isolation.Scope, organizationID string, p CreateParams, usernameRef, passwordRef string) (*DatabaseCredential, error) {
	if !scope.Allows(organizationID) {
		return nil, isolation.ErrAccessDenied
	}
	var cred *DatabaseCredential
	err := scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		cred, scanErr = scanCredential(q.QueryRow(ctx,
			`INSERT INTO database_credentials
			   (organization_id, name, server_host, port, company_database, db_type, options,
			    username_secret_ref, password_secret_ref)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING `+credentialColumns,
			organizationID, p.Name, p.ServerHost, p.Port, p.CompanyDatabase, p.DBType, p.Options,
			usernameRef, passwordRef,
		))
		return scanErr
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrNameTaken, p.Name)
		}
		return nil, fmt.Errorf("creating credential: %w", err)
	}
	return cred, nil
}

// GetByID retrieves a credential visible in scope.
func (s *Store) GetByID(ctx context.Context, scope isolation.Scope, id string) (*DatabaseCredential, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	pred, args := scope.Predicate("organization_id", 2)
	cred, err := isolation.QueryRow(ctx, s.pool, scope, scanCredential,
		`SELECT `+credentialColumns+` FROM database_credentials WHERE id = $1 AND `+pred,
		append([]any{id}, args...)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting credential: %w", err)
	}
	return cred, nil
}

// List returns the credentials of an organization, oldest first.
func (s *Store) List(ctx context.Context, scope isolation.Scope, organizationID string) ([]DatabaseCredential, error) {
	out := []DatabaseCredential{}
	if !validID(organizationID) {
		return out, nil
	}
	pred, args := scope.Predicate("organization_id", 2)
	creds, err := isolation.QueryRows(ctx, s.pool, scope, scanCredential,
		`SELECT `+credentialColumns+` FROM database_credentials
		 WHERE organization_id = $1 AND `+pred+` ORDER BY created_at, id`,
		append([]any{organizationID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	return append(out, creds...), nil
}

// Deactivate marks a credential inactive.
func (s *Store) Deactivate(ctx context.Context, scope isolation.Scope, id string) (*DatabaseCredential, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	pred, args := scope.Predicate("organization_id", 2)
	var cred *DatabaseCredential
	err := scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		cred, scanErr = scanCredential(q.QueryRow(ctx,
			`UPDATE database_credentials SET is_active = false, updated_at = now()
			 WHERE id = $1 AND `+pred+` RETURNING `+credentialColumns,
			append([]any{id}, args...)...))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("deactivating credential: %w", err)
	}
	return cred, nil
}

// Delete removes a credential whose secrets were never stored.
func (s *Store) Delete(ctx context.Context, scope isolation.Scope, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	pred, args := scope.Predicate("organization_id", 2)
	var tag pgconn.CommandTag
	err := scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var execErr error
		tag, execErr = q.Exec(ctx,
			`DELETE FROM database_credentials WHERE id = $1 AND `+pred,
			append([]any{id}, args...)...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActive returns how many of ids are active credentials of the
// organization.
func (s *Store) CountActive(ctx context.Context, organizationID string, ids []string) (int, error) {
	if !validID(organizationID) {
		return 0, nil
	}
	for _, id := range ids {
		if !validID(id) {
			return 0, nil
		}
	}
	scope := isolation.OrganizationScope(organizationID)
	var n int
	err := scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		return q.QueryRow(ctx,
			`SELECT count(*) FROM database_credentials
			 WHERE organization_id = $1 AND is_active AND id::text = ANY($2)`,
			organizationID, ids,
		).Scan(&n)
	})
	if err != nil {
		return 0, fmt.Errorf("counting credentials: %w", err)
	}
	return n, nil
}
