package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/b1gate/b1gate/internal/platform/database"
	"github.com/jackc/pgx/v5"
)

// PostgresStore keeps encrypted secrets in the secrets table.
type PostgresStore struct {
	pool   *database.Pool
	cipher *Cipher
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *database.Pool, c *Cipher) *PostgresStore {
	return &PostgresStore{pool: pool, cipher: c}
}

// SetSecret creates or replaces a secret.
func (s *PostgresStore) SetSecret(ctx context.Context, name, value, organizationID string, tags map[string]string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	sealed, err := s.cipher.Seal(name, value)
	if err != nil {
		return err
	}
	tagJSON, err := json.Marshal(mergeTags(tags, organizationID))
	if err != nil {
		return fmt.Errorf("encoding secret tags: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO secrets (name, organization_id, ciphertext, tags)
		 VALUES ($1, NULLIF($2, '')::uuid, $3, $4)
		 ON CONFLICT (name) DO UPDATE
		 SET organization_id = EXCLUDED.organization_id, ciphertext = EXCLUDED.ciphertext,
		     tags = EXCLUDED.tags, updated_at = now()`,
		name, organizationID, sealed, tagJSON,
	)
	if err != nil {
		return fmt.Errorf("%w: storing %s: %v", ErrBackend, name, err)
	}
	return nil
}

// GetSecret returns the decrypted value.
func (s *PostgresStore) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	var sealed string
	err := s.pool.QueryRow(ctx, `SELECT ciphertext FROM secrets WHERE name = $1`, name).Scan(&sealed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
		}
		return "", fmt.Errorf("%w: reading %s: %v", ErrBackend, name, err)
	}
	return s.cipher.Open(name, sealed)
}
