package rbac

import "fmt"

// rank places roles on the hierarchy used by Decide. SuperAdmin and Developer
// share a rank so each satisfies requirements for the other.
func rank(r Role) int {
	switch r {
	case RoleUser:
		return 1
	case RoleOrgAdmin:
		return 2
	case RoleSuperAdmin, RoleDeveloper:
		return 3
	default:
		return 0
	}
}

// Decide reports whether actorRole satisfies requiredRole. With
// allowHigherRoles false only an exact match is accepted.
func Decide(actorRole, requiredRole Role, allowHigherRoles bool) Decision {
	if !actorRole.Valid() || !requiredRole.Valid() {
		return Decision{Allowed: false, Reason: "unknown role"}
	}
	if actorRole == requiredRole {
		return Decision{Allowed: true}
	}
	if !allowHigherRoles {
		return Decision{Allowed: false, Reason: fmt.Sprintf("role %s required", requiredRole)}
	}
	if rank(actorRole) >= rank(requiredRole) {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, Reason: fmt.Sprintf("role %s or higher required", requiredRole)}
}

// Satisfies is shorthand for Decide with higher roles allowed.
func Satisfies(actorRole, requiredRole Role) bool {
	return Decide(actorRole, requiredRole, true).Allowed
}

// grantable is the server-side allow-list of roles each caller role may hand
// out through invitation or promotion. SuperAdmin and Developer are never
// grantable through these flows.
var grantable = map[Role][]Role{
	RoleSuperAdmin: {RoleUser, RoleOrgAdmin},
	RoleDeveloper:  {RoleUser, RoleOrgAdmin},
	RoleOrgAdmin:   {RoleUser},
}

// GrantableRoles returns the roles actorRole may grant.
func GrantableRoles(actorRole Role) []Role {
	roles := grantable[actorRole]
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// CheckGrant returns ErrRoleGrantNotPermitted unless actorRole may grant role.
func CheckGrant(actorRole, role Role) error {
	for _, r := range grantable[actorRole] {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("%w: %s cannot grant %s", ErrRoleGrantNotPermitted, actorRole, role)
}

// CheckSelfRoleChange rejects any role change an actor attempts on their own
// record, regardless of the actor's role.
func CheckSelfRoleChange(actorUserID, targetUserID string) error {
	if actorUserID != "" && actorUserID == targetUserID {
		return ErrSelfRoleChangeForbidden
	}
	return nil
}
