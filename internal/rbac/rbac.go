package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownRole             = errors.New("unknown role")
	ErrSelfRoleChangeForbidden = errors.New("users cannot change their own role")
	ErrRoleGrantNotPermitted   = errors.New("role cannot be granted by caller")
	ErrInsufficientRole        = errors.New("insufficient role")
)

// Role is a single scalar role assigned to an onboarded user. The declaration
// order is SuperAdmin, OrgAdmin, User, Developer; the zero value is an unknown
// role that satisfies no requirement.
type Role int

const (
	RoleUnknown Role = iota
	RoleSuperAdmin
	RoleOrgAdmin
	RoleUser
	RoleDeveloper
)

var roleNames = map[Role]string{
	RoleSuperAdmin: "SuperAdmin",
	RoleOrgAdmin:   "OrgAdmin",
	RoleUser:       "User",
	RoleDeveloper:  "Developer",
}

// AllRoles lists the assignable roles in declaration order.
func AllRoles() []Role {
	return []Role{RoleSuperAdmin, RoleOrgAdmin, RoleUser, RoleDeveloper}
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return "Unknown"
}

// Valid reports whether r is one of the four assignable roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ParseRole converts a stored or requested role name to a Role. The empty
// string maps to RoleUser, the default for newly onboarded users.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RoleUser, nil
	}
	for _, role := range AllRoles() {
		if strings.EqualFold(roleNames[role], s) {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownRole, int(r))
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Decision represents the result of an authorization check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Actor is the resolved, request-scoped identity of the caller.
type Actor struct {
	UserID         string `json:"user_id"`
	ObjectID       string `json:"object_id,omitempty"`
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	OrganizationID string `json:"organization_id"`
	Role           Role   `json:"role"`
}

// IsPlatformOperator reports whether the actor holds a role that may act
// across organizations.
func (a *Actor) IsPlatformOperator() bool {
	return a != nil && (a.Role == RoleSuperAdmin || a.Role == RoleDeveloper)
}

type actorContextKey struct{}

// WithActor returns a context carrying the resolved actor.
func WithActor(ctx context.Context, actor *Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// GetActor retrieves the resolved actor from the context.
func GetActor(ctx context.Context) *Actor {
	actor, _ := ctx.Value(actorContextKey{}).(*Actor)
	return actor
}
