package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store persists revocation records in user_revocations.
type Store struct {
	pool *database.Pool
}

func NewStore(pool *database.Pool) *Store {
	return &Store{pool: pool}
}

const recordColumns = `id::text, organization_id::text, user_id::text, user_email, user_display_name,
	user_object_id, status, revoked_by, revoked_on, COALESCE(restored_by, ''), restored_on,
	security_groups, m365_groups, app_roles, details, revocation_successful, revocation_error,
	restoration_successful, restoration_error, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		r                                 Record
		status                            string
		security, m365, appRoles, details []byte
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.UserID, &r.UserEmail, &r.UserDisplayName,
		&r.UserObjectID, &status, &r.RevokedBy, &r.RevokedOn, &r.RestoredBy, &r.RestoredOn,
		&security, &m365, &appRoles, &details, &r.RevocationSuccessful, &r.RevocationError,
		&r.RestorationSuccessful, &r.RestorationError, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	for _, col := range []struct {
		name string
		data []byte
		dst  *[]Artifact
	}{
		{"security_groups", security, &r.SecurityGroups},
		{"m365_groups", m365, &r.M365Groups},
		{"app_roles", appRoles, &r.AppRoles},
	} {
		if err := decodeJSON(col.data, col.dst); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", col.name, err)
		}
		if *col.dst == nil {
			*col.dst = []Artifact{}
		}
	}
	if err := decodeJSON(details, &r.Details); err != nil {
		return nil, fmt.Errorf("decoding details: %w", err)
	}
	if r.Details == nil {
		r.Details = map[string]json.RawMessage{}
	}
	return &r, nil
}

type encodedRecord struct {
	security, m365, appRoles, details []byte
}

func encodeRecord(r *Record) (encodedRecord, error) {
	var (
		e   encodedRecord
		err error
	)
	if e.security, err = json.Marshal(nonNil(r.SecurityGroups)); err != nil {
		return e, fmt.Errorf("encoding security_groups: %w", err)
	}
	if e.m365, err = json.Marshal(nonNil(r.M365Groups)); err != nil {
		return e, fmt.Errorf("encoding m365_groups: %w", err)
	}
	if e.appRoles, err = json.Marshal(nonNil(r.AppRoles)); err != nil {
		return e, fmt.Errorf("encoding app_roles: %w", err)
	}
	details := r.Details
	if details == nil {
		details = map[string]json.RawMessage{}
	}
	if e.details, err = json.Marshal(details); err != nil {
		return e, fmt.Errorf("encoding details: %w", err)
	}
	return e, nil
}

func nonNil(a []Artifact) []Artifact {
	if a == nil {
		return []Artifact{}
	}
	return a
}

// Create inserts r and fills its generated fields. A second open record for
// the same user fails with ErrConcurrentModification.
func (s *Store) Create(ctx context.Context, scope isolation.Scope, r *Record) error {
	if !scope.Allows(r.OrganizationID) {
		return isolation.ErrAccessDenied
	}
	enc, err := encodeRecord(r)
	if err != nil {
		return err
	}
	var created *Record
	err = scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		created, scanErr = scanRecord(q.QueryRow(ctx,
			`INSERT INTO user_revocations
			   (organization_id, user_id, user_email, user_display_name, user_object_id, status,
			    revoked_by, revoked_on, security_groups, m365_groups, app_roles, details,
			    revocation_successful, revocation_error)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 RETURNING `+recordColumns,
			r.OrganizationID, r.UserID, r.UserEmail, r.UserDisplayName, r.UserObjectID, string(r.Status),
			r.RevokedBy, r.RevokedOn, enc.security, enc.m365, enc.appRoles, enc.details,
			r.RevocationSuccessful, r.RevocationError,
		))
		return scanErr
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already has an open record", ErrConcurrentModification, r.UserID)
		}
		return fmt.Errorf("creating revocation record: %w", err)
	}
	*r = *created
	return nil
}

// Update writes r if its version still matches the stored one, then bumps
// the version.
func (s *Store) Update(ctx context.Context, scope isolation.Scope, r *Record) error {
	enc, err := encodeRecord(r)
	if err != nil {
		return err
	}
	pred, args := scope.Predicate("organization_id", 16)
	var updated *Record
	err = scope.Run(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		var scanErr error
		updated, scanErr = scanRecord(q.QueryRow(ctx,
			`UPDATE user_revocations SET
			   status = $3, restored_by = NULLIF($4, ''), restored_on = $5,
			   security_groups = $6, m365_groups = $7, app_roles = $8, details = $9,
			   revocation_successful = $10, revocation_error = $11,
			   restoration_successful = $12, restoration_error = $13,
			   revoked_by = $14, revoked_on = $15,
			   version = version + 1, updated_at = now()
			 WHERE id = $1 AND version = $2 AND `+pred+`
			 RETURNING `+recordColumns,
			append([]any{
				r.ID, r.Version, string(r.Status), r.RestoredBy, r.RestoredOn,
				enc.security, enc.m365, enc.appRoles, enc.details,
				r.RevocationSuccessful, r.RevocationError,
				r.RestorationSuccessful, r.RestorationError,
				r.RevokedBy, r.RevokedOn,
			}, args...)...,
		))
		return scanErr
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: record %s", ErrConcurrentModification, r.ID)
		}
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already has an open record", ErrConcurrentModification, r.UserID)
		}
		return fmt.Errorf("updating revocation record: %w", err)
	}
	*r = *updated
	return nil
}

func (s *Store) queryOne(ctx context.Context, scope isolation.Scope, where string, args ...any) (*Record, error) {
	pred, scopeArgs := scope.Predicate("organization_id", len(args)+1)
	rec, err := isolation.QueryRow(ctx, s.pool, scope, scanRecord,
		`SELECT `+recordColumns+` FROM user_revocations WHERE `+where+` AND `+pred+`
		 ORDER BY revoked_on DESC LIMIT 1`,
		append(args, scopeArgs...)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("getting revocation record: %w", err)
	}
	return rec, nil
}

// GetByID returns a record visible in scope.
func (s *Store) GetByID(ctx context.Context, scope isolation.Scope, id string) (*Record, error) {
	if uuid.Validate(id) != nil {
		return nil, ErrRecordNotFound
	}
	return s.queryOne(ctx, scope, `id = $1`, id)
}

// GetOpen returns the user's Active or PartiallyRevoked record.
func (s *Store) GetOpen(ctx context.Context, scope isolation.Scope, userID string) (*Record, error) {
	if uuid.Validate(userID) != nil {
		return nil, ErrRecordNotFound
	}
	return s.queryOne(ctx, scope, `user_id = $1 AND status IN ('Active', 'PartiallyRevoked')`, userID)
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	OrganizationID string
	UserID         string
	Status         Status
	Limit          int
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, scope isolation.Scope, f ListFilter) ([]Record, error) {
	out := []Record{}
	query := `SELECT ` + recordColumns + ` FROM user_revocations WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.OrganizationID != "" {
		if uuid.Validate(f.OrganizationID) != nil {
			return out, nil
		}
		add("organization_id = $%d", f.OrganizationID)
	}
	if f.UserID != "" {
		if uuid.Validate(f.UserID) != nil {
			return out, nil
		}
		add("user_id = $%d", f.UserID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	pred, scopeArgs := scope.Predicate("organization_id", len(args)+1)
	query += " AND " + pred
	args = append(args, scopeArgs...)

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY revoked_on DESC, id LIMIT $%d", len(args))

	recs, err := isolation.QueryRows(ctx, s.pool, scope, scanRecord, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing revocation records: %w", err)
	}
	return append(out, recs...), nil
}
