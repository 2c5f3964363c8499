package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/directory"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/rbac"
)

// Authorizer decides tenant access. Implemented by *isolation.Validator.
type Authorizer interface {
	ValidateAccess(ctx context.Context, actor *rbac.Actor, targetOrgID, operation string) isolation.Decision
}

// Inviter issues B2B invitations.
type Inviter interface {
	InviteUser(ctx context.Context, email, displayName string) (directory.Invitation, error)
}

// CredentialVerifier confirms that every credential id belongs to the
// organization.
type CredentialVerifier interface {
	VerifyOwnership(ctx context.Context, organizationID string, credentialIDs []string) error
}

// Invalidator drops cached lookups for a user after a write.
type Invalidator interface {
	Invalidate(user *OnboardedUser)
}

type organizationRepository interface {
	Create(ctx context.Context, p CreateOrganizationParams) (*Organization, error)
	GetByID(ctx context.Context, scope isolation.Scope, id string) (*Organization, error)
	List(ctx context.Context, scope isolation.Scope) ([]Organization, error)
	Update(ctx context.Context, scope isolation.Scope, id string, p UpdateOrganizationParams) (*Organization, error)
}

type userRepository interface {
	Create(ctx context.Context, scope isolation.Scope, p CreateUserParams) (*OnboardedUser, error)
	GetByID(ctx context.Context, scope isolation.Scope, id string) (*OnboardedUser, error)
	FindByEmail(ctx context.Context, scope isolation.Scope, organizationID, email string) (*OnboardedUser, error)
	ListByOrganization(ctx context.Context, scope isolation.Scope, organizationID string) ([]OnboardedUser, error)
	SetObjectID(ctx context.Context, scope isolation.Scope, id, objectID string) (*OnboardedUser, error)
	TouchInvited(ctx context.Context, scope isolation.Scope, id string, at time.Time) (*OnboardedUser, error)
	SetRole(ctx context.Context, scope isolation.Scope, id string, role rbac.Role) (*OnboardedUser, error)
	SetActive(ctx context.Context, scope isolation.Scope, id string, active bool) (*OnboardedUser, error)
	SoftDelete(ctx context.Context, scope isolation.Scope, id string) (*OnboardedUser, error)
	SetCredentialAssignments(ctx context.Context, scope isolation.Scope, id string, credentialIDs []string) (*OnboardedUser, error)
}

// ScopeFor returns the data scope for actor acting on organizationID. Call
// only after access to organizationID has been validated.
func ScopeFor(actor *rbac.Actor, organizationID string) (isolation.Scope, error) {
	if actor != nil && actor.OrganizationID != "" && actor.OrganizationID == organizationID {
		return isolation.OrganizationScope(organizationID), nil
	}
	return isolation.NewScope(actor, true)
}

// RequireManager checks that actor may administer a user holding
// targetRole: at least OrgAdmin and at least the target's role.
func RequireManager(actor *rbac.Actor, targetRole rbac.Role) error {
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	if !rbac.Satisfies(actor.Role, targetRole) {
		return fmt.Errorf("%w: cannot manage a %s", rbac.ErrInsufficientRole, targetRole)
	}
	return nil
}

func recordSuccess(ctx context.Context, l audit.Logger, actor *rbac.Actor, action, resourceType, resourceID, targetOrgID string, meta map[string]any) {
	l.Log(ctx, audit.Event{
		OrganizationID:       audit.ParseOrganizationID(actor.OrganizationID),
		ActorID:              actor.UserID,
		Action:               action,
		ResourceType:         resourceType,
		ResourceID:           resourceID,
		TargetOrganizationID: audit.ParseOrganizationID(targetOrgID),
		Outcome:              audit.OutcomeSuccess,
		Metadata:             meta,
		Source:               audit.SourceAPI,
	})
}

// OrganizationService applies isolation and role rules to organization
// management.
type OrganizationService struct {
	orgs  organizationRepository
	authz Authorizer
	audit audit.Logger
}

func NewOrganizationService(orgs organizationRepository, authz Authorizer, auditLogger audit.Logger) *OrganizationService {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &OrganizationService{orgs: orgs, authz: authz, audit: auditLogger}
}

// Create provisions an organization. Platform operators only.
func (s *OrganizationService) Create(ctx context.Context, actor *rbac.Actor, p CreateOrganizationParams) (*Organization, error) {
	if actor == nil {
		return nil, isolation.ErrOrganizationUnresolved
	}
	if !actor.IsPlatformOperator() {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleSuperAdmin)
	}
	org, err := s.orgs.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	recordSuccess(ctx, s.audit, actor, audit.ActionOrganizationCreated, "organization", org.ID, org.ID, nil)
	return org, nil
}

// List returns every organization to platform operators and the actor's
// own organization to everyone else.
func (s *OrganizationService) List(ctx context.Context, actor *rbac.Actor) ([]Organization, error) {
	scope, err := isolation.NewScope(actor, actor.IsPlatformOperator())
	if err != nil {
		return nil, err
	}
	return s.orgs.List(ctx, scope)
}

func (s *OrganizationService) authorize(ctx context.Context, actor *rbac.Actor, id, operation string) (isolation.Scope, error) {
	if actor == nil {
		return isolation.Scope{}, isolation.ErrOrganizationUnresolved
	}
	if err := s.authz.ValidateAccess(ctx, actor, id, operation).Err(); err != nil {
		return isolation.Scope{}, err
	}
	return ScopeFor(actor, id)
}

// Get returns an organization the actor may access.
func (s *OrganizationService) Get(ctx context.Context, actor *rbac.Actor, id string) (*Organization, error) {
	scope, err := s.authorize(ctx, actor, id, "organization.get")
	if err != nil {
		return nil, err
	}
	return s.orgs.GetByID(ctx, scope, id)
}

// Update changes organization settings. OrgAdmins may rename their own
// organization and change its admin contact; invitation policy, agent types
// and activation are reserved to platform operators.
func (s *OrganizationService) Update(ctx context.Context, actor *rbac.Actor, id string, p UpdateOrganizationParams) (*Organization, error) {
	scope, err := s.authorize(ctx, actor, id, "organization.update")
	if err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	if !actor.IsPlatformOperator() && (p.AllowUserInvitations != nil || p.IsActive != nil || p.AgentTypeIDs != nil) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleSuperAdmin)
	}
	org, err := s.orgs.Update(ctx, scope, id, p)
	if err != nil {
		return nil, err
	}
	recordSuccess(ctx, s.audit, actor, audit.ActionOrganizationUpdated, "organization", org.ID, org.ID, nil)
	return org, nil
}

// UserServiceOption configures a UserService.
type UserServiceOption func(*UserService)

func WithCredentialVerifier(v CredentialVerifier) UserServiceOption {
	return func(s *UserService) { s.credentials = v }
}

func WithInvalidator(i Invalidator) UserServiceOption {
	return func(s *UserService) { s.cache = i }
}

func WithAuditLogger(l audit.Logger) UserServiceOption {
	return func(s *UserService) { s.audit = l }
}

func WithClock(now func() time.Time) UserServiceOption {
	return func(s *UserService) { s.now = now }
}

// UserService applies isolation, role and grant rules to onboarded user
// management.
type UserService struct {
	orgs        organizationRepository
	users       userRepository
	authz       Authorizer
	inviter     Inviter
	credentials CredentialVerifier
	cache       Invalidator
	audit       audit.Logger
	now         func() time.Time
}

func NewUserService(orgs organizationRepository, users userRepository, authz Authorizer, inviter Inviter, opts ...UserServiceOption) *UserService {
	s := &UserService{
		orgs:    orgs,
		users:   users,
		authz:   authz,
		inviter: inviter,
		audit:   audit.NopLogger{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *UserService) invalidate(u *OnboardedUser) {
	if s.cache != nil {
		s.cache.Invalidate(u)
	}
}

// loadUser reads the target user and validates the actor's access to its
// organization. Non-operators get ErrAccessDenied for users they cannot
// see, whether or not the user exists.
func (s *UserService) loadUser(ctx context.Context, actor *rbac.Actor, userID, operation string) (*OnboardedUser, isolation.Scope, error) {
	if actor == nil || actor.OrganizationID == "" {
		return nil, isolation.Scope{}, isolation.ErrOrganizationUnresolved
	}
	u, err := s.users.GetByID(ctx, isolation.SystemScope(), userID)
	switch {
	case errors.Is(err, ErrUserNotFound):
		if actor.IsPlatformOperator() {
			return nil, isolation.Scope{}, ErrUserNotFound
		}
		s.authz.ValidateAccess(ctx, actor, "", operation)
		return nil, isolation.Scope{}, isolation.ErrAccessDenied
	case err != nil:
		return nil, isolation.Scope{}, err
	}

	if u.OrganizationID == "" && actor.IsPlatformOperator() {
		return u, isolation.SystemScope(), nil
	}
	if err := s.authz.ValidateAccess(ctx, actor, u.OrganizationID, operation).Err(); err != nil {
		return nil, isolation.Scope{}, err
	}
	scope, err := ScopeFor(actor, u.OrganizationID)
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	return u, scope, nil
}

// GetUser returns a user the actor may access.
func (s *UserService) GetUser(ctx context.Context, actor *rbac.Actor, userID string) (*OnboardedUser, error) {
	u, _, err := s.loadUser(ctx, actor, userID, "user.get")
	return u, err
}

// GetUserRole returns the user's single assigned role.
func (s *UserService) GetUserRole(ctx context.Context, actor *rbac.Actor, userID string) (rbac.Role, error) {
	u, _, err := s.loadUser(ctx, actor, userID, "user.get_role")
	if err != nil {
		return rbac.RoleUnknown, err
	}
	return u.AssignedRole, nil
}

// ListUsers returns the non-deleted users of an organization.
func (s *UserService) ListUsers(ctx context.Context, actor *rbac.Actor, organizationID string) ([]OnboardedUser, error) {
	if actor == nil {
		return nil, isolation.ErrOrganizationUnresolved
	}
	if err := s.authz.ValidateAccess(ctx, actor, organizationID, "user.list").Err(); err != nil {
		return nil, err
	}
	scope, err := ScopeFor(actor, organizationID)
	if err != nil {
		return nil, err
	}
	return s.users.ListByOrganization(ctx, scope, organizationID)
}

// ChangeRole promotes or demotes a user. Actors can never change their own
// role, and may only grant roles on their allow-list.
func (s *UserService) ChangeRole(ctx context.Context, actor *rbac.Actor, userID string, role rbac.Role) (*OnboardedUser, error) {
	if actor == nil {
		return nil, isolation.ErrOrganizationUnresolved
	}
	if err := rbac.CheckSelfRoleChange(actor.UserID, userID); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, rbac.ErrUnknownRole
	}
	target, scope, err := s.loadUser(ctx, actor, userID, "user.change_role")
	if err != nil {
		return nil, err
	}
	if err := RequireManager(actor, target.AssignedRole); err != nil {
		return nil, err
	}
	if err := rbac.CheckGrant(actor.Role, role); err != nil {
		return nil, err
	}

	updated, err := s.users.SetRole(ctx, scope, userID, role)
	if err != nil {
		return nil, err
	}
	s.invalidate(updated)
	recordSuccess(ctx, s.audit, actor, audit.ActionUserRoleChanged, "user", updated.ID, updated.OrganizationID,
		map[string]any{"from": target.AssignedRole.String(), "to": role.String()})
	return updated, nil
}

// InviteParams describes an invitation into an organization.
type InviteParams struct {
	OrganizationID string    `json:"-"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"display_name"`
	Role           rbac.Role `json:"role"`
}

// Invite sends a B2B invitation and upserts the onboarded user. Inviting an
// existing user re-sends the invitation and keeps the user's role.
func (s *UserService) Invite(ctx context.Context, actor *rbac.Actor, p InviteParams) (*OnboardedUser, error) {
	if actor == nil {
		return nil, isolation.ErrOrganizationUnresolved
	}
	email := NormalizeEmail(p.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := s.authz.ValidateAccess(ctx, actor, p.OrganizationID, "user.invite").Err(); err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	scope, err := ScopeFor(actor, p.OrganizationID)
	if err != nil {
		return nil, err
	}

	org, err := s.orgs.GetByID(ctx, scope, p.OrganizationID)
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, ErrOrganizationInactive
	}
	if !org.AllowUserInvitations && !actor.IsPlatformOperator() {
		return nil, ErrInvitationsDisabled
	}

	role := p.Role
	if role == rbac.RoleUnknown {
		role = rbac.RoleUser
	}
	if err := rbac.CheckGrant(actor.Role, role); err != nil {
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, scope, p.OrganizationID, email)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if existing != nil && existing.IsDeleted {
		return nil, ErrUserDeleted
	}

	inv, err := s.inviter.InviteUser(ctx, email, p.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("inviting %s: %w", email, err)
	}

	now := s.now().UTC()
	var user *OnboardedUser
	if existing != nil {
		if existing.ObjectID == "" && inv.ObjectID != "" {
			if _, err := s.users.SetObjectID(ctx, scope, existing.ID, inv.ObjectID); err != nil {
				return nil, err
			}
		}
		user, err = s.users.TouchInvited(ctx, scope, existing.ID, now)
	} else {
		user, err = s.users.Create(ctx, scope, CreateUserParams{
			OrganizationID: p.OrganizationID,
			Email:          email,
			DisplayName:    p.DisplayName,
			ObjectID:       inv.ObjectID,
			Role:           role,
			InvitedAt:      &now,
		})
	}
	if err != nil {
		return nil, err
	}

	s.invalidate(user)
	recordSuccess(ctx, s.audit, actor, audit.ActionUserInvited, "user", user.ID, user.OrganizationID,
		map[string]any{audit.MetadataRole: user.AssignedRole.String(), "reinvite": existing != nil})
	return user, nil
}

func (s *UserService) manage(ctx context.Context, actor *rbac.Actor, userID, operation string) (*OnboardedUser, isolation.Scope, error) {
	if actor == nil {
		return nil, isolation.Scope{}, isolation.ErrOrganizationUnresolved
	}
	if actor.UserID != "" && actor.UserID == userID {
		return nil, isolation.Scope{}, ErrSelfModification
	}
	target, scope, err := s.loadUser(ctx, actor, userID, operation)
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	if err := RequireManager(actor, target.AssignedRole); err != nil {
		return nil, isolation.Scope{}, err
	}
	return target, scope, nil
}

// Deactivate blocks the user from signing in without deleting the record.
func (s *UserService) Deactivate(ctx context.Context, actor *rbac.Actor, userID string) (*OnboardedUser, error) {
	_, scope, err := s.manage(ctx, actor, userID, "user.deactivate")
	if err != nil {
		return nil, err
	}
	updated, err := s.users.SetActive(ctx, scope, userID, false)
	if err != nil {
		return nil, err
	}
	s.invalidate(updated)
	recordSuccess(ctx, s.audit, actor, audit.ActionUserDeactivated, "user", updated.ID, updated.OrganizationID, nil)
	return updated, nil
}

// Delete soft-deletes the user.
func (s *UserService) Delete(ctx context.Context, actor *rbac.Actor, userID string) error {
	_, scope, err := s.manage(ctx, actor, userID, "user.delete")
	if err != nil {
		return err
	}
	deleted, err := s.users.SoftDelete(ctx, scope, userID)
	if err != nil {
		return err
	}
	s.invalidate(deleted)
	recordSuccess(ctx, s.audit, actor, audit.ActionUserDeleted, "user", deleted.ID, deleted.OrganizationID, nil)
	return nil
}

// AssignCredentials replaces the user's database credential assignments.
// Every credential must belong to the user's organization.
func (s *UserService) AssignCredentials(ctx context.Context, actor *rbac.Actor, userID string, credentialIDs []string) (*OnboardedUser, error) {
	target, scope, err := s.loadUser(ctx, actor, userID, "user.assign_credentials")
	if err != nil {
		return nil, err
	}
	if err := RequireManager(actor, target.AssignedRole); err != nil {
		return nil, err
	}
	if target.OrganizationID == "" {
		return nil, ErrCredentialNotInOrg
	}
	if s.credentials == nil {
		return nil, errors.New("credential verification is not configured")
	}
	if err := s.credentials.VerifyOwnership(ctx, target.OrganizationID, credentialIDs); err != nil {
		return nil, err
	}

	updated, err := s.users.SetCredentialAssignments(ctx, scope, userID, credentialIDs)
	if err != nil {
		return nil, err
	}
	s.invalidate(updated)
	recordSuccess(ctx, s.audit, actor, audit.ActionUserCredentialsAssigned, "user", updated.ID, updated.OrganizationID,
		map[string]any{"credential_count": len(updated.DatabaseCredentialIDs)})
	return updated, nil
}
