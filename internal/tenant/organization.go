package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrOrganizationInactive = errors.New("organization is inactive")
	ErrSecretPrefixTaken    = errors.New("secret prefix already in use")
	ErrInvalidSecretPrefix  = errors.New("invalid secret prefix")
	ErrInvitationsDisabled  = errors.New("user invitations are disabled for this organization")
)

// Organization is an isolated customer account. Its ID never changes after
// creation.
type Organization struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Domain               string    `json:"domain"`
	AdminEmail           string    `json:"admin_email"`
	SecretPrefix         string    `json:"secret_prefix"`
	AgentTypeIDs         []string  `json:"agent_type_ids"`
	AllowUserInvitations bool      `json:"allow_user_invitations"`
	IsActive             bool      `json:"is_active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (o Organization) ScopeOrganizationID() string { return o.ID }

// CreateOrganizationParams holds the fields accepted when provisioning an
// organization.
type CreateOrganizationParams struct {
	Name                 string   `json:"name"`
	Domain               string   `json:"domain"`
	AdminEmail           string   `json:"admin_email"`
	SecretPrefix         string   `json:"secret_prefix"`
	AgentTypeIDs         []string `json:"agent_type_ids"`
	AllowUserInvitations *bool    `json:"allow_user_invitations"`
}

// UpdateOrganizationParams lists the mutable organization fields. Nil means
// unchanged.
type UpdateOrganizationParams struct {
	Name                 *string   `json:"name"`
	AdminEmail           *string   `json:"admin_email"`
	AgentTypeIDs         *[]string `json:"agent_type_ids"`
	AllowUserInvitations *bool     `json:"allow_user_invitations"`
	IsActive             *bool     `json:"is_active"`
}

// secretPrefixPattern keeps generated secret names inside the secret store's
// alphanumeric-and-dash alphabet with room for a suffix.
var secretPrefixPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,38}[a-z0-9]$`)

// ValidateSecretPrefix checks the per-organization secret name prefix.
func ValidateSecretPrefix(prefix string) error {
	if !secretPrefixPattern.MatchString(prefix) {
		return fmt.Errorf("%w: must be 3-40 lowercase alphanumeric characters or hyphens, cannot start/end with hyphen", ErrInvalidSecretPrefix)
	}
	if strings.Contains(prefix, "--") {
		return fmt.Errorf("%w: must not contain consecutive hyphens", ErrInvalidSecretPrefix)
	}
	return nil
}

// Validate checks the create parameters.
func (p CreateOrganizationParams) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if p.AdminEmail != "" {
		if err := ValidateEmail(p.AdminEmail); err != nil {
			return err
		}
	}
	return ValidateSecretPrefix(p.SecretPrefix)
}
