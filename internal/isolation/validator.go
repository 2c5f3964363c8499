package isolation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/auth"
	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"github.com/b1gate/b1gate/internal/rbac"
)

// Validator resolves actors and makes tenant isolation decisions. Every
// denial and every cross-tenant override produces exactly one audit event.
type Validator struct {
	lookup  MemberLookup
	audit   audit.Logger
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithAuditLogger sets the audit sink for security decisions.
func WithAuditLogger(l audit.Logger) Option {
	return func(v *Validator) { v.audit = l }
}

// WithMetrics counts decisions.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Validator) { v.metrics = m }
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a Validator backed by lookup.
func NewValidator(lookup MemberLookup, opts ...Option) *Validator {
	v := &Validator{
		lookup: lookup,
		audit:  audit.NopLogger{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ResolveCurrentOrganization returns the organization id of the onboarded
// user identified by claims.
func (v *Validator) ResolveCurrentOrganization(ctx context.Context, claims *auth.Claims) (string, error) {
	actor, err := v.ResolveActor(ctx, claims)
	if err != nil {
		return "", err
	}
	return actor.OrganizationID, nil
}

// ResolveActor maps token claims onto exactly one active onboarded user.
// The object id is authoritative; email is consulted only when the token
// carries no object id. Missing, inactive, unassigned or ambiguous matches
// and lookup failures all yield ErrOrganizationUnresolved.
func (v *Validator) ResolveActor(ctx context.Context, claims *auth.Claims) (*rbac.Actor, error) {
	member, reason, err := v.resolve(ctx, claims)
	if err != nil {
		v.logger.Error("actor resolution failed", "error", err, "reason", reason)
	}
	if member == nil {
		v.metrics.RecordAccess(audit.OutcomeDeny, ReasonUnresolved)
		subject := ""
		if claims != nil {
			subject = firstNonEmpty(claims.ObjectID, claims.Email, claims.Subject)
		}
		v.logger.Warn("organization unresolved", "subject", subject, "reason", reason)
		v.audit.Log(ctx, audit.Event{
			ActorID:      subject,
			Action:       audit.ActionOrganizationUnresolved,
			ResourceType: "organization",
			Outcome:      audit.OutcomeDeny,
			Metadata:     map[string]any{audit.MetadataReason: reason},
			Source:       audit.SourceAPI,
		})
		return nil, fmt.Errorf("%w: %s", ErrOrganizationUnresolved, reason)
	}

	return &rbac.Actor{
		UserID:         member.UserID,
		ObjectID:       member.ObjectID,
		Email:          member.Email,
		DisplayName:    member.DisplayName,
		OrganizationID: member.OrganizationID,
		Role:           member.Role,
	}, nil
}

func (v *Validator) resolve(ctx context.Context, claims *auth.Claims) (*Member, string, error) {
	if claims == nil {
		return nil, "no claims", nil
	}

	var (
		members []Member
		err     error
	)
	switch {
	case claims.ObjectID != "":
		members, err = v.lookup.MembersByObjectID(ctx, claims.ObjectID)
	case claims.Email != "":
		members, err = v.lookup.MembersByEmail(ctx, strings.ToLower(claims.Email))
	default:
		return nil, "no identity claims", nil
	}
	if err != nil {
		return nil, "lookup failed", err
	}

	var active []Member
	for _, m := range members {
		if m.Active && !m.Deleted {
			active = append(active, m)
		}
	}

	switch {
	case len(active) == 0:
		return nil, "no active user record", nil
	case len(active) > 1:
		return nil, "ambiguous user records", nil
	}

	m := active[0]
	if m.OrganizationID == "" {
		return nil, "user not assigned to an organization", nil
	}
	if !m.Role.Valid() {
		return nil, "user has no valid role", nil
	}
	return &m, "", nil
}

// ValidateAccess decides whether actor may perform operation on targetOrgID.
func (v *Validator) ValidateAccess(ctx context.Context, actor *rbac.Actor, targetOrgID, operation string) Decision {
	var d Decision
	switch {
	case actor == nil || actor.OrganizationID == "":
		d = Decision{Reason: ReasonNoActorOrganization}
	case targetOrgID == "":
		d = Decision{Reason: ReasonNoTargetOrganization}
	case actor.OrganizationID == targetOrgID:
		d = Decision{Allowed: true, Reason: ReasonSameOrganization}
	case actor.IsPlatformOperator():
		d = Decision{Allowed: true, Override: true, Reason: ReasonCrossTenantOverride}
	default:
		d = Decision{Reason: ReasonOrganizationMismatch}
	}

	outcome := audit.OutcomeDeny
	if d.Allowed {
		outcome = audit.OutcomeAllow
	}
	v.metrics.RecordAccess(outcome, d.Reason)

	// Operators are audited on every call, including their own organization.
	if d.Allowed && !d.Override && !actor.IsPlatformOperator() {
		return d
	}
	v.record(ctx, actor, targetOrgID, operation, d)
	return d
}

// Authorize is ValidateAccess returning ErrAccessDenied on denial.
func (v *Validator) Authorize(ctx context.Context, actor *rbac.Actor, targetOrgID, operation string) error {
	return v.ValidateAccess(ctx, actor, targetOrgID, operation).Err()
}

func (v *Validator) record(ctx context.Context, actor *rbac.Actor, targetOrgID, operation string, d Decision) {
	event := audit.Event{
		Action:               audit.ActionAccessDenied,
		ResourceType:         "organization",
		ResourceID:           targetOrgID,
		TargetOrganizationID: audit.ParseOrganizationID(targetOrgID),
		Outcome:              audit.OutcomeDeny,
		Metadata: map[string]any{
			audit.MetadataOperation: operation,
			audit.MetadataReason:    d.Reason,
		},
		Source: audit.SourceAPI,
	}
	attrs := []any{"operation", operation, "target_org_id", targetOrgID, "reason", d.Reason}
	if actor != nil {
		event.ActorID = actor.UserID
		event.OrganizationID = audit.ParseOrganizationID(actor.OrganizationID)
		event.Metadata[audit.MetadataRole] = actor.Role.String()
		attrs = append(attrs, "actor_id", actor.UserID, "actor_org_id", actor.OrganizationID, "role", actor.Role.String())
	}

	switch {
	case d.Override:
		event.Action = audit.ActionAccessOverride
		event.Outcome = audit.OutcomeAllow
		v.logger.Info("cross-tenant access override", attrs...)
	case d.Allowed:
		event.Action = audit.ActionOperatorAccess
		event.Outcome = audit.OutcomeAllow
		v.logger.Info("operator access", attrs...)
	default:
		v.logger.Warn("tenant access denied", attrs...)
	}
	v.audit.Log(ctx, event)
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}
