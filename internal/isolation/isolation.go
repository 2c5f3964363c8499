// Package isolation resolves the organization an actor belongs to, decides
// whether the actor may operate on a target organization and scopes data
// access to the organizations the actor is allowed to see.
package isolation

import (
	"context"
	"errors"

	"github.com/b1gate/b1gate/internal/rbac"
)

var (
	ErrOrganizationUnresolved = errors.New("no organization context")
	ErrAccessDenied           = errors.New("access denied")
)

// Member is an onboarded user as seen by the resolver.
type Member struct {
	UserID         string
	OrganizationID string
	ObjectID       string
	Email          string
	DisplayName    string
	Role           rbac.Role
	Active         bool
	Deleted        bool
}

// MemberLookup finds onboarded users by identity provider attributes. It
// must search across all organizations.
type MemberLookup interface {
	MembersByObjectID(ctx context.Context, objectID string) ([]Member, error)
	MembersByEmail(ctx context.Context, email string) ([]Member, error)
}

// Decision reasons.
const (
	ReasonSameOrganization     = "same_organization"
	ReasonCrossTenantOverride  = "cross_tenant_override"
	ReasonOrganizationMismatch = "organization_mismatch"
	ReasonNoActorOrganization  = "no_actor_organization"
	ReasonNoTargetOrganization = "no_target_organization"
	ReasonUnresolved           = "unresolved"
)

// Decision is the outcome of ValidateAccess.
type Decision struct {
	Allowed  bool
	Override bool
	Reason   string
}

// Err maps a denial to ErrAccessDenied.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrAccessDenied
}
