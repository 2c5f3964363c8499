// Package secrets stores database credential values outside the relational
// records that reference them.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrBackend        = errors.New("secret store failure")
	ErrSecretNotFound = errors.New("secret not found")
	ErrInvalidName    = errors.New("invalid secret name")
)

// TagOrganizationID is the tag carrying the owning organization.
const TagOrganizationID = "organization_id"

// Store is the secret store collaborator. Values are never logged.
type Store interface {
	SetSecret(ctx context.Context, name, value, organizationID string, tags map[string]string) error
	GetSecret(ctx context.Context, name string) (string, error)
}

var namePattern = regexp.MustCompile(`^[0-9A-Za-z-]{1,127}$`)

// ValidateName enforces the Key Vault secret name alphabet for every driver
// so secrets can move between backends.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-127 alphanumeric characters or hyphens", ErrInvalidName, name)
	}
	return nil
}

func mergeTags(tags map[string]string, organizationID string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	if organizationID != "" {
		out[TagOrganizationID] = organizationID
	}
	return out
}
