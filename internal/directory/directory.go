// Package directory talks to the external identity provider: B2B invitations,
// group memberships and application role assignments.
package directory

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// ErrExternalService wraps every identity provider failure that is not an
// idempotent no-op.
var ErrExternalService = errors.New("external service failure")

// GroupKind separates security groups from Microsoft 365 groups.
type GroupKind string

const (
	GroupKindSecurity GroupKind = "security"
	GroupKindM365     GroupKind = "m365"
)

// Invitation is the result of a B2B invitation.
type Invitation struct {
	ObjectID  string `json:"object_id"`
	Email     string `json:"email"`
	RedeemURL string `json:"redeem_url,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Group is a group the user is a direct member of.
type Group struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Kind        GroupKind `json:"kind"`
}

// AppRoleAssignment grants a user an application role on a resource.
type AppRoleAssignment struct {
	ID                  string `json:"id,omitempty"`
	ResourceID          string `json:"resource_id"`
	AppRoleID           string `json:"app_role_id"`
	ResourceDisplayName string `json:"resource_display_name,omitempty"`
}

// SameGrant reports whether a and b grant the same role on the same resource,
// ignoring the assignment id.
func (a AppRoleAssignment) SameGrant(b AppRoleAssignment) bool {
	return a.ResourceID == b.ResourceID && a.AppRoleID == b.AppRoleID
}

// Directory is the identity provider collaborator. Removing something that is
// already absent and adding something that is already present both succeed.
type Directory interface {
	InviteUser(ctx context.Context, email, displayName string) (Invitation, error)
	ListGroupMemberships(ctx context.Context, objectID string) ([]Group, error)
	AddToGroup(ctx context.Context, objectID, groupID string) error
	RemoveFromGroup(ctx context.Context, objectID, groupID string) error
	ListAppRoleAssignments(ctx context.Context, objectID string) ([]AppRoleAssignment, error)
	GrantAppRole(ctx context.Context, objectID string, a AppRoleAssignment) (AppRoleAssignment, error)
	RevokeAppRole(ctx context.Context, objectID, assignmentID string) error
}

// Access is everything a user currently holds in the directory.
type Access struct {
	SecurityGroups []Group
	M365Groups     []Group
	AppRoles       []AppRoleAssignment
}

// Snapshot reads group memberships and app role assignments in parallel.
// Either read failing fails the snapshot.
func Snapshot(ctx context.Context, d Directory, objectID string) (Access, error) {
	var (
		groups []Group
		roles  []AppRoleAssignment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		groups, err = d.ListGroupMemberships(gctx, objectID)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = d.ListAppRoleAssignments(gctx, objectID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Access{}, err
	}

	access := Access{
		SecurityGroups: []Group{},
		M365Groups:     []Group{},
		AppRoles:       roles,
	}
	if access.AppRoles == nil {
		access.AppRoles = []AppRoleAssignment{}
	}
	for _, grp := range groups {
		if grp.Kind == GroupKindM365 {
			access.M365Groups = append(access.M365Groups, grp)
		} else {
			access.SecurityGroups = append(access.SecurityGroups, grp)
		}
	}
	return access, nil
}
