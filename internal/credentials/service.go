package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/secrets"
	"github.com/b1gate/b1gate/internal/tenant"
)

type credentialRepository interface {
	Create(ctx context.Context, scope isolation.Scope, organizationID string, p CreateParams, usernameRef, passwordRef string) (*DatabaseCredential, error)
	GetByID(ctx context.Context, scope isolation.Scope, id string) (*DatabaseCredential, error)
	List(ctx context.Context, scope isolation.Scope, organizationID string) ([]DatabaseCredential, error)
	Deactivate(ctx context.Context, scope isolation.Scope, id string) (*DatabaseCredential, error)
	CountActive(ctx context.Context, organizationID string, ids []string) (int, error)
	Delete(ctx context.Context, scope isolation.Scope, id string) error
}

type organizationGetter interface {
	GetByID(ctx context.Context, scope isolation.Scope, id string) (*tenant.Organization, error)
}

// Service applies isolation and role rules to credential management.
type Service struct {
	store   credentialRepository
	orgs    organizationGetter
	secrets secrets.Store
	authz   tenant.Authorizer
	audit   audit.Logger
}

func NewService(store credentialRepository, orgs organizationGetter, secretStore secrets.Store, authz tenant.Authorizer, auditLogger audit.Logger) *Service {
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}
	return &Service{store: store, orgs: orgs, secrets: secretStore, authz: authz, audit: auditLogger}
}

func (s *Service) authorize(ctx context.Context, actor *rbac.Actor, organizationID, operation string) (isolation.Scope, error) {
	if actor == nil {
		return isolation.Scope{}, isolation.ErrOrganizationUnresolved
	}
	if err := s.authz.ValidateAccess(ctx, actor, organizationID, operation).Err(); err != nil {
		return isolation.Scope{}, err
	}
	return tenant.ScopeFor(actor, organizationID)
}

// load reads a credential and validates access to its organization. A
// missing credential looks the same as a foreign one to non-operators.
func (s *Service) load(ctx context.Context, actor *rbac.Actor, id, operation string) (*DatabaseCredential, isolation.Scope, error) {
	if actor == nil || actor.OrganizationID == "" {
		return nil, isolation.Scope{}, isolation.ErrOrganizationUnresolved
	}
	cred, err := s.store.GetByID(ctx, isolation.SystemScope(), id)
	if errors.Is(err, ErrNotFound) && !actor.IsPlatformOperator() {
		s.authz.ValidateAccess(ctx, actor, "", operation)
		return nil, isolation.Scope{}, isolation.ErrAccessDenied
	}
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	scope, err := s.authorize(ctx, actor, cred.OrganizationID, operation)
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	return cred, scope, nil
}

// Create persists the credential, which claims its secret names, then
// stores the username and password under the organization's prefix. A
// name whose secret names are already claimed fails with ErrNameTaken
// before any secret is written.
func (s *Service) Create(ctx context.Context, actor *rbac.Actor, organizationID string, p CreateParams) (*DatabaseCredential, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	scope, err := s.authorize(ctx, actor, organizationID, "credential.create")
	if err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	org, err := s.orgs.GetByID(ctx, scope, organizationID)
	if err != nil {
		return nil, err
	}

	userRef, passRef := SecretNames(org.SecretPrefix, p.Name)
	cred, err := s.store.Create(ctx, scope, organizationID, p, userRef, passRef)
	if err != nil {
		return nil, err
	}
	if err := s.storeSecrets(ctx, cred, p); err != nil {
		if delErr := s.store.Delete(ctx, scope, cred.ID); delErr != nil {
			slog.Error("removing credential after secret store failure",
				"credential_id", cred.ID, "organization_id", organizationID, "error", delErr)
		}
		return nil, err
	}
	s.record(ctx, actor, audit.ActionCredentialCreated, cred)
	return cred, nil
}

func (s *Service) storeSecrets(ctx context.Context, cred *DatabaseCredential, p CreateParams) error {
	tags := map[string]string{"credential": cred.Name, "credential_id": cred.ID}
	if err := s.secrets.SetSecret(ctx, cred.UsernameSecretRef, p.Username, cred.OrganizationID, tags); err != nil {
		return fmt.Errorf("storing username secret: %w", err)
	}
	if err := s.secrets.SetSecret(ctx, cred.PasswordSecretRef, p.Password, cred.OrganizationID, tags); err != nil {
		return fmt.Errorf("storing password secret: %w", err)
	}
	return nil
}

// List returns an organization's credentials.
func (s *Service) List(ctx context.Context, actor *rbac.Actor, organizationID string) ([]DatabaseCredential, error) {
	scope, err := s.authorize(ctx, actor, organizationID, "credential.list")
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, scope, organizationID)
}

// Get returns one credential.
func (s *Service) Get(ctx context.Context, actor *rbac.Actor, id string) (*DatabaseCredential, error) {
	cred, _, err := s.load(ctx, actor, id, "credential.get")
	return cred, err
}

// Deactivate disables a credential. Secrets are kept for audit.
func (s *Service) Deactivate(ctx context.Context, actor *rbac.Actor, id string) (*DatabaseCredential, error) {
	_, scope, err := s.load(ctx, actor, id, "credential.deactivate")
	if err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	cred, err := s.store.Deactivate(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, audit.ActionCredentialDeactivated, cred)
	return cred, nil
}

// Resolve fetches the credential's secrets for a downstream connection.
func (s *Service) Resolve(ctx context.Context, actor *rbac.Actor, id string) (*Resolved, error) {
	cred, _, err := s.load(ctx, actor, id, "credential.resolve")
	if err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	if !cred.IsActive {
		return nil, ErrNotFound
	}
	username, err := s.secrets.GetSecret(ctx, cred.UsernameSecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolving username: %w", err)
	}
	password, err := s.secrets.GetSecret(ctx, cred.PasswordSecretRef)
	if err != nil {
		return nil, fmt.Errorf("resolving password: %w", err)
	}
	return &Resolved{Credential: *cred, Username: username, Password: password}, nil
}

// VerifyOwnership implements tenant.CredentialVerifier.
func (s *Service) VerifyOwnership(ctx context.Context, organizationID string, credentialIDs []string) error {
	unique := make(map[string]struct{}, len(credentialIDs))
	ids := make([]string, 0, len(credentialIDs))
	for _, id := range credentialIDs {
		if _, dup := unique[id]; !dup {
			unique[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	n, err := s.store.CountActive(ctx, organizationID, ids)
	if err != nil {
		return err
	}
	if n != len(ids) {
		return tenant.ErrCredentialNotInOrg
	}
	return nil
}

func (s *Service) record(ctx context.Context, actor *rbac.Actor, action string, cred *DatabaseCredential) {
	s.audit.Log(ctx, audit.Event{
		OrganizationID:       audit.ParseOrganizationID(actor.OrganizationID),
		ActorID:              actor.UserID,
		Action:               action,
		ResourceType:         "database_credential",
		ResourceID:           cred.ID,
		TargetOrganizationID: audit.ParseOrganizationID(cred.OrganizationID),
		Outcome:              audit.OutcomeSuccess,
		Metadata:             map[string]any{"name": cred.Name},
		Source:               audit.SourceAPI,
	})
}
