package tenant

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/rbac"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailInvalid       = errors.New("invalid email address")
	ErrEmailDuplicate     = errors.New("email already exists in organization")
	ErrSelfModification   = errors.New("users cannot deactivate or delete themselves")
	ErrCredentialNotInOrg = errors.New("credential does not belong to the user's organization")
	ErrUserDeleted        = errors.New("user has been deleted")
)

// OnboardedUser is a portal user. A user belongs to at most one
// organization and holds exactly one role.
type OnboardedUser struct {
	ID                    string     `json:"id"`
	OrganizationID        string     `json:"organization_id,omitempty"`
	Email                 string     `json:"email"`
	DisplayName           string     `json:"display_name,omitempty"`
	ObjectID              string     `json:"object_id,omitempty"`
	AssignedRole          rbac.Role  `json:"assigned_role"`
	DatabaseCredentialIDs []string   `json:"database_credential_ids"`
	IsActive              bool       `json:"is_active"`
	IsDeleted             bool       `json:"is_deleted"`
	LastInvitedAt         *time.Time `json:"last_invited_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

func (u OnboardedUser) ScopeOrganizationID() string { return u.OrganizationID }

// Member converts the user into the resolver's view of it.
func (u OnboardedUser) Member() isolation.Member {
	return isolation.Member{
		UserID:         u.ID,
		OrganizationID: u.OrganizationID,
		ObjectID:       u.ObjectID,
		Email:          u.Email,
		DisplayName:    u.DisplayName,
		Role:           u.AssignedRole,
		Active:         u.IsActive,
		Deleted:        u.IsDeleted,
	}
}

// CreateUserParams holds the fields for a new onboarded user.
type CreateUserParams struct {
	OrganizationID string
	Email          string
	DisplayName    string
	ObjectID       string
	Role           rbac.Role
	InvitedAt      *time.Time
}

// ValidateEmail checks that an email address is syntactically valid.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrEmailInvalid)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrEmailInvalid, err)
	}
	if addr.Address != email {
		return fmt.Errorf("%w: display names are not accepted", ErrEmailInvalid)
	}
	return nil
}

// NormalizeEmail lowercases and trims an address for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
