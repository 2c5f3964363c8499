package database_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}

func TestRunMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	connStr, cleanup := setupPostgres(t)
	defer cleanup()

	root := findProjectRoot(t)
	migrationsPath := "file://" + filepath.Join(root, "migrations")
	err := database.RunMigrations(connStr, migrationsPath)
	require.NoError(t, err)

	// Running again is a no-op.
	require.NoError(t, database.RunMigrations(connStr, migrationsPath))

	ctx := context.Background()
	pool, err := database.Connect(ctx, connStr, 5)
	require.NoError(t, err)
	defer pool.Close()

	for _, table := range []string{"organizations", "onboarded_users", "database_credentials", "secrets", "user_revocations", "audit_events"} {
		var tableName string
		err = pool.QueryRow(ctx,
			"SELECT table_name FROM information_schema.tables WHERE table_name = $1", table).
			Scan(&tableName)
		require.NoError(t, err, table)
	}

	var rlsEnabled bool
	err = pool.QueryRow(ctx,
		"SELECT relrowsecurity FROM pg_class WHERE relname = 'onboarded_users'").
		Scan(&rlsEnabled)
	require.NoError(t, err)
	assert.True(t, rlsEnabled)

	// The legacy agent type column is gone after the backfill.
	var legacyColumns int
	err = pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM information_schema.columns WHERE table_name = 'onboarded_users' AND column_name = 'agent_type'").
		Scan(&legacyColumns)
	require.NoError(t, err)
	assert.Equal(t, 0, legacyColumns)
}

func TestMigrations_Constraints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	connStr, cleanup := setupPostgres(t)
	defer cleanup()

	require.NoError(t, database.RunMigrations(connStr, "file://../../../migrations"))

	ctx := context.Background()
	pool, err := database.Connect(ctx, connStr, 2)
	require.NoError(t, err)
	defer pool.Close()

	var orgID string
	err = pool.QueryRow(ctx,
		"INSERT INTO organizations (name, secret_prefix) VALUES ('Acme', 'acme') RETURNING id").Scan(&orgID)
	require.NoError(t, err)

	t.Run("organization id is immutable", func(t *testing.T) {
		_, err := pool.Exec(ctx, "UPDATE organizations SET id = gen_random_uuid() WHERE id = $1", orgID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "immutable")
	})

	t.Run("email unique per organization ignoring case", func(t *testing.T) {
		_, err := pool.Exec(ctx,
			"INSERT INTO onboarded_users (organization_id, email) VALUES ($1, 'dup@acme.com')", orgID)
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			"INSERT INTO onboarded_users (organization_id, email) VALUES ($1, 'DUP@acme.com')", orgID)
		require.Error(t, err)
		assert.True(t, database.IsUniqueViolation(err))
	})

	t.Run("object id is write once", func(t *testing.T) {
		var userID string
		err := pool.QueryRow(ctx,
			"INSERT INTO onboarded_users (organization_id, email, object_id) VALUES ($1, 'oid@acme.com', 'oid-1') RETURNING id",
			orgID).Scan(&userID)
		require.NoError(t, err)

		_, err = pool.Exec(ctx, "UPDATE onboarded_users SET object_id = 'oid-2' WHERE id = $1", userID)
		require.Error(t, err)
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		_, err := pool.Exec(ctx,
			"INSERT INTO onboarded_users (organization_id, email, assigned_role) VALUES ($1, 'x@acme.com', 'Root')", orgID)
		require.Error(t, err)
	})

	t.Run("one open revocation per user", func(t *testing.T) {
		var userID string
		err := pool.QueryRow(ctx,
			"INSERT INTO onboarded_users (organization_id, email, object_id) VALUES ($1, 'rev@acme.com', 'oid-rev') RETURNING id",
			orgID).Scan(&userID)
		require.NoError(t, err)

		insert := `INSERT INTO user_revocations
			(organization_id, user_id, user_email, user_object_id, status, revoked_by, revoked_on)
			VALUES ($1, $2, 'rev@acme.com', 'oid-rev', $3, 'admin', now())`
		_, err = pool.Exec(ctx, insert, orgID, userID, "Active")
		require.NoError(t, err)
		_, err = pool.Exec(ctx, insert, orgID, userID, "PartiallyRevoked")
		require.Error(t, err)
		assert.True(t, database.IsUniqueViolation(err))

		// Closed records do not count.
		_, err = pool.Exec(ctx, insert, orgID, userID, "Failed")
		require.NoError(t, err)
	})
}
