package revocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/directory"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/platform/telemetry"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/tenant"
)

type recordRepository interface {
	Create(ctx context.Context, scope isolation.Scope, r *Record) error
	Update(ctx context.Context, scope isolation.Scope, r *Record) error
	GetByID(ctx context.Context, scope isolation.Scope, id string) (*Record, error)
	GetOpen(ctx context.Context, scope isolation.Scope, userID string) (*Record, error)
	List(ctx context.Context, scope isolation.Scope, f ListFilter) ([]Record, error)
}

type userRepository interface {
	GetByID(ctx context.Context, scope isolation.Scope, id string) (*tenant.OnboardedUser, error)
	SetActive(ctx context.Context, scope isolation.Scope, id string, active bool) (*tenant.OnboardedUser, error)
}

const (
	detailReason           = "reason"
	detailRevokeAttempts   = "revoke_attempts"
	detailLastRemovals     = "last_attempt_removals"
	detailRestoreAttempts  = "restore_attempts"
	detailLastRestorations = "last_attempt_restorations"
)

// Option configures a Recorder.
type Option func(*Recorder)

func WithInvalidator(i tenant.Invalidator) Option {
	return func(r *Recorder) { r.invalidator = i }
}

func WithAuditLogger(l audit.Logger) Option {
	return func(r *Recorder) { r.audit = l }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder revokes and restores a user's directory access and keeps the
// audit trail of what it changed.
type Recorder struct {
	records     recordRepository
	users       userRepository
	dir         directory.Directory
	authz       tenant.Authorizer
	invalidator tenant.Invalidator
	audit       audit.Logger
	metrics     *telemetry.Metrics
	logger      *slog.Logger
	now         func() time.Time
	locks       *userLocks
}

func NewRecorder(records recordRepository, users userRepository, dir directory.Directory, authz tenant.Authorizer, opts ...Option) *Recorder {
	r := &Recorder{
		records: records,
		users:   users,
		dir:     dir,
		authz:   authz,
		audit:   audit.NopLogger{},
		logger:  slog.Default(),
		now:     time.Now,
		locks:   newUserLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RevokeParams carries optional context for a revocation.
type RevokeParams struct {
	Reason string `json:"reason"`
}

// Revoke removes every group membership and app role the user holds and
// deactivates their portal account. When the user already has an open
// record, only artifacts still present are retried and the results merge
// into that record.
func (r *Recorder) Revoke(ctx context.Context, actor *rbac.Actor, userID string, p RevokeParams) (Outcome, error) {
	if actor == nil || actor.OrganizationID == "" {
		return Outcome{}, isolation.ErrOrganizationUnresolved
	}
	if actor.UserID != "" && actor.UserID == userID {
		return Outcome{}, tenant.ErrSelfModification
	}

	unlock := r.locks.lock(userID)
	defer unlock()

	user, scope, err := r.loadUser(ctx, actor, userID, "revocation.revoke")
	if err != nil {
		return Outcome{}, err
	}
	if err := tenant.RequireManager(actor, user.AssignedRole); err != nil {
		return Outcome{}, err
	}
	if user.OrganizationID == "" {
		return Outcome{}, fmt.Errorf("%w: user is not assigned to an organization", isolation.ErrOrganizationUnresolved)
	}
	if user.ObjectID == "" {
		return Outcome{}, ErrNoDirectoryIdentity
	}

	rec, err := r.records.GetOpen(ctx, scope, userID)
	isNew := errors.Is(err, ErrRecordNotFound)
	if err != nil && !isNew {
		return Outcome{}, err
	}
	now := r.now().UTC()
	if isNew {
		rec = &Record{
			OrganizationID:  user.OrganizationID,
			UserID:          user.ID,
			UserEmail:       user.Email,
			UserDisplayName: user.DisplayName,
			UserObjectID:    user.ObjectID,
			RevokedBy:       actor.UserID,
			RevokedOn:       now,
			SecurityGroups:  []Artifact{},
			M365Groups:      []Artifact{},
			AppRoles:        []Artifact{},
			Details:         map[string]json.RawMessage{},
		}
	}

	attempts := detailInt(rec, detailRevokeAttempts) + 1
	details := map[string]any{detailRevokeAttempts: attempts}
	if p.Reason != "" {
		details[detailReason] = p.Reason
	}

	var opErr error
	access, err := directory.Snapshot(ctx, r.dir, user.ObjectID)
	if err != nil {
		r.logger.Error("reading directory access failed",
			"user_id", user.ID, "org_id", user.OrganizationID, "error", err)
		opErr = fmt.Errorf("reading directory access: %w", err)
		if isNew {
			rec.Status = StatusFailed
			rec.RevocationSuccessful = false
		}
		rec.RevocationError = opErr.Error()
		details[detailLastRemovals] = 0
	} else {
		removed := r.removeGroups(ctx, user.ObjectID, &rec.SecurityGroups, access.SecurityGroups, now)
		removed += r.removeGroups(ctx, user.ObjectID, &rec.M365Groups, access.M365Groups, now)
		removed += r.removeAppRoles(ctx, user.ObjectID, &rec.AppRoles, access.AppRoles, now)
		rec.settleRevocation()
		details[detailLastRemovals] = removed
		if rec.Status == StatusFailed {
			opErr = fmt.Errorf("%w: %s", directory.ErrExternalService, rec.RevocationError)
		}
	}
	if err := setDetails(rec, details); err != nil {
		return Outcome{}, err
	}

	if isNew {
		err = r.records.Create(ctx, scope, rec)
	} else {
		err = r.records.Update(ctx, scope, rec)
	}
	if err != nil {
		return Outcome{}, err
	}

	if updated, err := r.users.SetActive(ctx, scope, user.ID, false); err != nil {
		return Outcome{Record: rec}, fmt.Errorf("deactivating user: %w", err)
	} else if r.invalidator != nil {
		r.invalidator.Invalidate(updated)
	}

	r.metrics.RecordRevocation("revoke", string(rec.Status))
	r.record(ctx, actor, audit.ActionUserRevoked, rec)
	if rec.Status != StatusActive {
		r.logger.Warn("revocation incomplete",
			"record_id", rec.ID, "user_id", rec.UserID, "status", rec.Status, "error", rec.RevocationError)
	}

	return Outcome{Record: rec, Partial: rec.Status == StatusPartiallyRevoked}, opErr
}

// removeGroups removes the user from every present group and merges the
// results into list. Entries that failed earlier and are no longer present
// need no further removal.
func (r *Recorder) removeGroups(ctx context.Context, objectID string, list *[]Artifact, present []directory.Group, now time.Time) int {
	index := make(map[string]int, len(*list))
	for i, a := range *list {
		index[a.ID] = i
	}
	seen := make(map[string]bool, len(present))
	removed := 0
	for _, g := range present {
		seen[g.ID] = true
		i, ok := index[g.ID]
		if !ok {
			*list = append(*list, Artifact{ID: g.ID, DisplayName: g.DisplayName})
			i = len(*list) - 1
			index[g.ID] = i
		}
		if applyRemoval(&(*list)[i], r.dir.RemoveFromGroup(ctx, objectID, g.ID), now) {
			removed++
		}
	}
	clearVanished(*list, seen)
	return removed
}

func grantKey(resourceID, appRoleID string) string { return resourceID + "/" + appRoleID }

// removeAppRoles is removeGroups for app role assignments, matched by
// resource and role since assignment ids change on every grant.
func (r *Recorder) removeAppRoles(ctx context.Context, objectID string, list *[]Artifact, present []directory.AppRoleAssignment, now time.Time) int {
	index := make(map[string]int, len(*list))
	for i, a := range *list {
		index[grantKey(a.ResourceID, a.AppRoleID)] = i
	}
	seen := make(map[string]bool, len(present))
	removed := 0
	for _, ar := range present {
		key := grantKey(ar.ResourceID, ar.AppRoleID)
		i, ok := index[key]
		if !ok {
			*list = append(*list, Artifact{
				DisplayName: ar.ResourceDisplayName,
				ResourceID:  ar.ResourceID,
				AppRoleID:   ar.AppRoleID,
			})
			i = len(*list) - 1
			index[key] = i
		}
		a := &(*list)[i]
		a.ID = ar.ID
		seen[a.ID] = true
		if applyRemoval(a, r.dir.RevokeAppRole(ctx, objectID, ar.ID), now) {
			removed++
		}
	}
	clearVanished(*list, seen)
	return removed
}

func applyRemoval(a *Artifact, err error, now time.Time) bool {
	if err != nil {
		a.Removed = false
		a.RemovedAt = nil
		a.RemovalError = err.Error()
		return false
	}
	a.Removed = true
	a.RemovedAt = &now
	a.RemovalError = ""
	return true
}

func clearVanished(list []Artifact, seen map[string]bool) {
	for i := range list {
		if list[i].Failed() && !seen[list[i].ID] {
			list[i].RemovalError = ""
		}
	}
}

// Restore re-adds every artifact the record removed that has not been
// restored yet. Artifacts that were never removed are left alone.
func (r *Recorder) Restore(ctx context.Context, actor *rbac.Actor, recordID string) (Outcome, error) {
	rec, scope, err := r.loadRecord(ctx, actor, recordID, "revocation.restore")
	if err != nil {
		return Outcome{}, err
	}
	if actor.UserID != "" && actor.UserID == rec.UserID {
		return Outcome{}, tenant.ErrSelfModification
	}

	unlock := r.locks.lock(rec.UserID)
	defer unlock()

	// Re-read under the lock; a concurrent restore may have finished.
	rec, err = r.records.GetByID(ctx, scope, recordID)
	if err != nil {
		return Outcome{}, err
	}
	user, err := r.users.GetByID(ctx, isolation.SystemScope(), rec.UserID)
	if err != nil {
		return Outcome{}, err
	}
	if err := tenant.RequireManager(actor, user.AssignedRole); err != nil {
		return Outcome{}, err
	}
	switch {
	case rec.Status == StatusRestored:
		return Outcome{}, ErrAlreadyRestored
	case !rec.Status.Restorable():
		return Outcome{}, fmt.Errorf("%w: status %s", ErrRecordNotRestorable, rec.Status)
	}

	now := r.now().UTC()
	restored := 0
	for _, list := range [][]Artifact{rec.SecurityGroups, rec.M365Groups} {
		for i := range list {
			a := &list[i]
			if !a.Removed || a.Restored {
				continue
			}
			if applyRestore(a, r.dir.AddToGroup(ctx, rec.UserObjectID, a.ID), now) {
				restored++
			}
		}
	}
	for i := range rec.AppRoles {
		a := &rec.AppRoles[i]
		if !a.Removed || a.Restored {
			continue
		}
		granted, err := r.dir.GrantAppRole(ctx, rec.UserObjectID, directory.AppRoleAssignment{
			ResourceID: a.ResourceID,
			AppRoleID:  a.AppRoleID,
		})
		if applyRestore(a, err, now) {
			// Re-granting issues a new assignment id.
			if granted.ID != "" {
				a.ID = granted.ID
			}
			restored++
		}
	}

	rec.settleRestoration()
	rec.RestoredBy = actor.UserID
	rec.RestoredOn = &now
	if err := setDetails(rec, map[string]any{
		detailRestoreAttempts:  detailInt(rec, detailRestoreAttempts) + 1,
		detailLastRestorations: restored,
	}); err != nil {
		return Outcome{}, err
	}
	if err := r.records.Update(ctx, scope, rec); err != nil {
		return Outcome{}, err
	}

	if rec.Status == StatusRestored && !user.IsDeleted {
		updated, err := r.users.SetActive(ctx, scope, rec.UserID, true)
		if err != nil {
			return Outcome{Record: rec}, fmt.Errorf("reactivating user: %w", err)
		}
		if r.invalidator != nil {
			r.invalidator.Invalidate(updated)
		}
	}

	r.metrics.RecordRevocation("restore", string(rec.Status))
	r.record(ctx, actor, audit.ActionUserRestored, rec)

	var opErr error
	if rec.Status == StatusRestorationFailed {
		r.logger.Warn("restoration failed",
			"record_id", rec.ID, "user_id", rec.UserID, "error", rec.RestorationError)
		opErr = fmt.Errorf("%w: %s", directory.ErrExternalService, rec.RestorationError)
	}
	return Outcome{Record: rec, Partial: rec.Status == StatusPartiallyRestored}, opErr
}

func applyRestore(a *Artifact, err error, now time.Time) bool {
	if err != nil {
		a.RestoreError = err.Error()
		return false
	}
	a.Restored = true
	a.RestoredAt = &now
	a.RestoreError = ""
	return true
}

// Get returns one record.
func (r *Recorder) Get(ctx context.Context, actor *rbac.Actor, recordID string) (*Record, error) {
	rec, _, err := r.loadRecord(ctx, actor, recordID, "revocation.get")
	if err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	return rec, nil
}

// List returns an organization's records, newest first, optionally
// narrowed by status and user.
func (r *Recorder) List(ctx context.Context, actor *rbac.Actor, organizationID string, f ListFilter) ([]Record, error) {
	if actor == nil {
		return nil, isolation.ErrOrganizationUnresolved
	}
	if err := r.authz.ValidateAccess(ctx, actor, organizationID, "revocation.list").Err(); err != nil {
		return nil, err
	}
	if !rbac.Satisfies(actor.Role, rbac.RoleOrgAdmin) {
		return nil, fmt.Errorf("%w: %s required", rbac.ErrInsufficientRole, rbac.RoleOrgAdmin)
	}
	if f.Status != "" {
		if _, err := ParseStatus(string(f.Status)); err != nil {
			return nil, err
		}
	}
	scope, err := tenant.ScopeFor(actor, organizationID)
	if err != nil {
		return nil, err
	}
	f.OrganizationID = organizationID
	return r.records.List(ctx, scope, f)
}

// loadUser mirrors the user service: a missing user and a user of another
// organization look the same to non-operators.
func (r *Recorder) loadUser(ctx context.Context, actor *rbac.Actor, userID, operation string) (*tenant.OnboardedUser, isolation.Scope, error) {
	u, err := r.users.GetByID(ctx, isolation.SystemScope(), userID)
	switch {
	case errors.Is(err, tenant.ErrUserNotFound):
		if actor.IsPlatformOperator() {
			return nil, isolation.Scope{}, tenant.ErrUserNotFound
		}
		r.authz.ValidateAccess(ctx, actor, "", operation)
		return nil, isolation.Scope{}, isolation.ErrAccessDenied
	case err != nil:
		return nil, isolation.Scope{}, err
	}
	if u.OrganizationID == "" && actor.IsPlatformOperator() {
		return u, isolation.SystemScope(), nil
	}
	if err := r.authz.ValidateAccess(ctx, actor, u.OrganizationID, operation).Err(); err != nil {
		return nil, isolation.Scope{}, err
	}
	scope, err := tenant.ScopeFor(actor, u.OrganizationID)
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	return u, scope, nil
}

// loadRecord reports records of other organizations as not found, after
// the denial is audited.
func (r *Recorder) loadRecord(ctx context.Context, actor *rbac.Actor, recordID, operation string) (*Record, isolation.Scope, error) {
	if actor == nil || actor.OrganizationID == "" {
		return nil, isolation.Scope{}, isolation.ErrOrganizationUnresolved
	}
	rec, err := r.records.GetByID(ctx, isolation.SystemScope(), recordID)
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	if r.authz.ValidateAccess(ctx, actor, rec.OrganizationID, operation).Err() != nil {
		return nil, isolation.Scope{}, ErrRecordNotFound
	}
	scope, err := tenant.ScopeFor(actor, rec.OrganizationID)
	if err != nil {
		return nil, isolation.Scope{}, err
	}
	return rec, scope, nil
}

func (r *Recorder) record(ctx context.Context, actor *rbac.Actor, action string, rec *Record) {
	outcome := audit.OutcomeSuccess
	switch rec.Status {
	case StatusPartiallyRevoked, StatusPartiallyRestored:
		outcome = audit.OutcomePartial
	case StatusFailed, StatusRestorationFailed:
		outcome = audit.OutcomeFailure
	}
	r.audit.Log(ctx, audit.Event{
		OrganizationID:       audit.ParseOrganizationID(actor.OrganizationID),
		ActorID:              actor.UserID,
		Action:               action,
		ResourceType:         "user",
		ResourceID:           rec.UserID,
		TargetOrganizationID: audit.ParseOrganizationID(rec.OrganizationID),
		Outcome:              outcome,
		Metadata: map[string]any{
			"record_id":               rec.ID,
			"status":                  string(rec.Status),
			"security_groups_removed": rec.SecurityGroupsRemoved(),
		},
		Source: audit.SourceAPI,
	})
}

func setDetails(rec *Record, values map[string]any) error {
	for k, v := range values {
		if err := rec.SetDetail(k, v); err != nil {
			return err
		}
	}
	return nil
}

func detailInt(rec *Record, key string) int {
	var n json.Number
	if ok, err := rec.Detail(key, &n); !ok || err != nil {
		return 0
	}
	v, err := n.Int64()
	if err != nil {
		return 0
	}
	return int(v)
}
