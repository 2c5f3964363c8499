package audit

import (
	"context"

	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/google/uuid"
)

// Event represents a single auditable action in the system.
type Event struct {
	OrganizationID       *uuid.UUID // actor's organization; nil when unresolved or for system events
	ActorID              string     // onboarded user id, or the token subject when unresolved
	Action               string     // e.g. "access.denied", "user.role_changed"
	ResourceType         string     // e.g. "organization", "user", "revocation"
	ResourceID           string
	TargetOrganizationID *uuid.UUID
	Outcome              string
	Metadata             map[string]any
	Source               string // "api", "system"
}

const (
	ActionAccessDenied           = "access.denied"
	ActionAccessOverride         = "access.cross_tenant_override"
	ActionOperatorAccess         = "access.operator_allowed"
	ActionOrganizationUnresolved = "access.organization_unresolved"

	ActionOrganizationCreated = "organization.created"
	ActionOrganizationUpdated = "organization.updated"

	ActionUserInvited             = "user.invited"
	ActionUserRoleChanged         = "user.role_changed"
	ActionUserDeactivated         = "user.deactivated"
	ActionUserDeleted             = "user.deleted"
	ActionUserCredentialsAssigned = "user.credentials_assigned"

	ActionCredentialCreated     = "credential.created"
	ActionCredentialDeactivated = "credential.deactivated"

	ActionUserRevoked  = "revocation.revoked"
	ActionUserRestored = "revocation.restored"
)

const (
	OutcomeAllow   = "allow"
	OutcomeDeny    = "deny"
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

const (
	SourceAPI    = "api"
	SourceSystem = "system"
)

const (
	MetadataOperation = "operation"
	MetadataReason    = "reason"
	MetadataRole      = "role"
	MetadataRequestID = "request_id"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// ActorFromContext fills the actor fields of an event from the resolved
// actor in ctx. Events without a resolved actor are returned unchanged.
func ActorFromContext(ctx context.Context, event Event) Event {
	actor := rbac.GetActor(ctx)
	if actor == nil {
		return event
	}
	if event.ActorID == "" {
		event.ActorID = actor.UserID
	}
	if event.OrganizationID == nil {
		event.OrganizationID = ParseOrganizationID(actor.OrganizationID)
	}
	return event
}

// ParseOrganizationID returns nil for empty or malformed ids.
func ParseOrganizationID(id string) *uuid.UUID {
	if id == "" {
		return nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil
	}
	return &parsed
}

// IsSecurityAction reports whether action records a tenant access decision.
func IsSecurityAction(action string) bool {
	switch action {
	case ActionAccessDenied, ActionAccessOverride, ActionOperatorAccess, ActionOrganizationUnresolved:
		return true
	}
	return false
}
