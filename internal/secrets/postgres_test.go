package secrets_test

import (
	"context"
	"testing"

	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/b1gate/b1gate/internal/secrets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDB(t *testing.T) *database.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("b1gate_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(connStr, "file://../../migrations"))

	pool, err := database.Connect(ctx, connStr, 2)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresStore_SetGetOverwrite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	pool := setupTestDB(t)
	c, err := secrets.NewCipher("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	require.NoError(t, err)
	store := secrets.NewPostgresStore(pool, c)
	ctx := context.Background()

	require.NoError(t, store.SetSecret(ctx, "contoso-prod-password", "first", "", nil))
	require.NoError(t, store.SetSecret(ctx, "contoso-prod-password", "second", "", map[string]string{"kind": "password"}))

	got, err := store.GetSecret(ctx, "contoso-prod-password")
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	var stored string
	require.NoError(t, pool.QueryRow(ctx, `SELECT ciphertext FROM secrets WHERE name = $1`, "contoso-prod-password").Scan(&stored))
	assert.NotContains(t, stored, "second")

	_, err = store.GetSecret(ctx, "missing")
	assert.ErrorIs(t, err, secrets.ErrSecretNotFound)
}
