package revocation_test

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/b1gate/b1gate/internal/audit"
	"github.com/b1gate/b1gate/internal/directory"
	"github.com/b1gate/b1gate/internal/isolation"
	"github.com/b1gate/b1gate/internal/rbac"
	"github.com/b1gate/b1gate/internal/revocation"
	"github.com/b1gate/b1gate/internal/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	orgA = "7f1e2d3c-4b5a-4968-8776-a5b4c3d2e101"
	orgB = "7f1e2d3c-4b5a-4968-8776-a5b4c3d2e102"
	oidU = "oid-user-u"
)

var errGraphDown = errors.New("graph unavailable")

type memRecords struct {
	mu      sync.Mutex
	records map[string]*revocation.Record
}

func newMemRecords() *memRecords {
	return &memRecords{records: make(map[string]*revocation.Record)}
}

func cloneRecord(r *revocation.Record) *revocation.Record {
	cp := *r
	cp.SecurityGroups = slices.Clone(r.SecurityGroups)
	cp.M365Groups = slices.Clone(r.M365Groups)
	cp.AppRoles = slices.Clone(r.AppRoles)
	cp.Details = maps.Clone(r.Details)
	return &cp
}

func (m *memRecords) Create(_ context.Context, scope isolation.Scope, r *revocation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !scope.Allows(r.OrganizationID) {
		return isolation.ErrAccessDenied
	}
	if r.Status.Open() {
		for _, existing := range m.records {
			if existing.UserID == r.UserID && existing.Status.Open() {
				return revocation.ErrConcurrentModification
			}
		}
	}
	r.ID = uuid.NewString()
	r.Version = 1
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *memRecords) Update(_ context.Context, scope isolation.Scope, r *revocation.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[r.ID]
	if !ok || !scope.Allows(existing.OrganizationID) || existing.Version != r.Version {
		return revocation.ErrConcurrentModification
	}
	r.Version++
	r.UpdatedAt = time.Now()
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *memRecords) GetByID(_ context.Context, scope isolation.Scope, id string) (*revocation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || !scope.Allows(r.OrganizationID) {
		return nil, revocation.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *memRecords) GetOpen(_ context.Context, scope isolation.Scope, userID string) (*revocation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.UserID == userID && r.Status.Open() && scope.Allows(r.OrganizationID) {
			return cloneRecord(r), nil
		}
	}
	return nil, revocation.ErrRecordNotFound
}

func (m *memRecords) List(_ context.Context, scope isolation.Scope, f revocation.ListFilter) ([]revocation.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []revocation.Record{}
	for _, r := range m.records {
		if f.OrganizationID != "" && r.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		out = append(out, *cloneRecord(r))
	}
	return isolation.Filter(scope, out), nil
}

func (m *memRecords) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]*tenant.OnboardedUser
}

func (f *fakeUsers) GetByID(_ context.Context, scope isolation.Scope, id string) (*tenant.OnboardedUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok || !scope.Allows(u.OrganizationID) {
		return nil, tenant.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) SetActive(ctx context.Context, scope isolation.Scope, id string, active bool) (*tenant.OnboardedUser, error) {
	f.mu.Lock()
	u, ok := f.users[id]
	if ok && scope.Allows(u.OrganizationID) {
		u.IsActive = active
	}
	f.mu.Unlock()
	return f.GetByID(ctx, scope, id)
}

func (f *fakeUsers) active(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].IsActive
}

type invalidations struct {
	mu  sync.Mutex
	ids []string
}

func (i *invalidations) Invalidate(u *tenant.OnboardedUser) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.ids = append(i.ids, u.ID)
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(_ context.Context, e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) byAction(action string) []audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Event
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	recorder *revocation.Recorder
	records  *memRecords
	users    *fakeUsers
	dir      *directory.MemoryDirectory
	audit    *recordingAudit
	inval    *invalidations
	admin    *rbac.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		records: newMemRecords(),
		users: &fakeUsers{users: map[string]*tenant.OnboardedUser{
			"u-1":     {ID: "u-1", OrganizationID: orgA, Email: "u@contoso.com", DisplayName: "U", ObjectID: oidU, AssignedRole: rbac.RoleUser, IsActive: true},
			"u-noid":  {ID: "u-noid", OrganizationID: orgA, Email: "pending@contoso.com", AssignedRole: rbac.RoleUser, IsActive: true},
			"u-super": {ID: "u-super", OrganizationID: orgA, Email: "root@contoso.com", ObjectID: "oid-super", AssignedRole: rbac.RoleSuperAdmin, IsActive: true},
			"admin-a": {ID: "admin-a", OrganizationID: orgA, Email: "admin@contoso.com", ObjectID: "oid-admin", AssignedRole: rbac.RoleOrgAdmin, IsActive: true},
		}},
		dir:   directory.NewMemoryDirectory(),
		audit: &recordingAudit{},
		inval: &invalidations{},
		admin: &rbac.Actor{UserID: "admin-a", OrganizationID: orgA, Role: rbac.RoleOrgAdmin},
	}
	authz := isolation.NewValidator(nil, isolation.WithAuditLogger(f.audit))
	f.recorder = revocation.NewRecorder(f.records, f.users, f.dir, authz,
		revocation.WithAuditLogger(f.audit),
		revocation.WithInvalidator(f.inval),
	)
	return f
}

// grant gives the user security groups, M365 groups and app roles.
func (f *fixture) grant(t *testing.T, security, m365 []string, roles []directory.AppRoleAssignment) {
	t.Helper()
	ctx := context.Background()
	for _, id := range security {
		f.dir.AddGroup(directory.Group{ID: id, DisplayName: id, Kind: directory.GroupKindSecurity})
		require.NoError(t, f.dir.AddToGroup(ctx, oidU, id))
	}
	for _, id := range m365 {
		f.dir.AddGroup(directory.Group{ID: id, DisplayName: id, Kind: directory.GroupKindM365})
		require.NoError(t, f.dir.AddToGroup(ctx, oidU, id))
	}
	for _, r := range roles {
		_, err := f.dir.GrantAppRole(ctx, oidU, r)
		require.NoError(t, err)
	}
}

type accessView struct {
	groups []string
	roles  []string
}

func (f *fixture) access(t *testing.T) accessView {
	t.Helper()
	a, err := directory.Snapshot(context.Background(), f.dir, oidU)
	require.NoError(t, err)
	var v accessView
	for _, g := range append(a.SecurityGroups, a.M365Groups...) {
		v.groups = append(v.groups, g.ID)
	}
	for _, r := range a.AppRoles {
		v.roles = append(v.roles, r.ResourceID+"/"+r.AppRoleID)
	}
	sort.Strings(v.groups)
	sort.Strings(v.roles)
	return v
}

func callsSince(f *fixture, n int) []string {
	return f.dir.Calls()[n:]
}

var ar1 = directory.AppRoleAssignment{ResourceID: "res-1", AppRoleID: "role-1", ResourceDisplayName: "B1 Agent"}

func findArtifact(list []revocation.Artifact, id string) *revocation.Artifact {
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

func TestRecorder_RevokeRemovesEverything(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1"}, []string{"M1"}, []directory.AppRoleAssignment{ar1})

	out, err := f.recorder.Revoke(context.Background(), f.admin, "u-1", revocation.RevokeParams{Reason: "left company"})
	require.NoError(t, err)
	require.NoError(t, out.Err())

	rec := out.Record
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, revocation.StatusActive, rec.Status)
	assert.True(t, rec.RevocationSuccessful)
	assert.Equal(t, "admin-a", rec.RevokedBy)
	assert.Equal(t, oidU, rec.UserObjectID)
	assert.Equal(t, []string{"G1"}, rec.SecurityGroupsRemoved())
	require.Len(t, rec.M365Groups, 1)
	assert.True(t, rec.M365Groups[0].Removed)
	require.Len(t, rec.AppRoles, 1)
	assert.True(t, rec.AppRoles[0].Removed)
	assert.Equal(t, "res-1", rec.AppRoles[0].ResourceID)

	var reason string
	ok, err := rec.Detail("reason", &reason)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "left company", reason)

	assert.Equal(t, accessView{}, f.access(t))
	assert.False(t, f.users.active("u-1"))
	assert.Equal(t, []string{"u-1"}, f.inval.ids)

	events := f.audit.byAction(audit.ActionUserRevoked)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, []string{"G1"}, events[0].Metadata["security_groups_removed"])
}

func TestRecorder_RevokeTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1", "G2"}, nil, []directory.AppRoleAssignment{ar1})
	ctx := context.Background()

	first, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	n := len(f.dir.Calls())

	second, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	require.NoError(t, second.Err())

	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, revocation.StatusActive, second.Record.Status)
	assert.Empty(t, callsSince(f, n))
	assert.Equal(t, 1, f.records.count())

	var removals, attempts int
	_, err = second.Record.Detail("last_attempt_removals", &removals)
	require.NoError(t, err)
	_, err = second.Record.Detail("revoke_attempts", &attempts)
	require.NoError(t, err)
	assert.Equal(t, 0, removals)
	assert.Equal(t, 2, attempts)
}

func TestRecorder_PartialRevokeThenRestore(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1", "G2"}, nil, []directory.AppRoleAssignment{ar1})
	f.dir.FailOn(directory.OpRemoveFromGroup, "G2", errGraphDown)
	ctx := context.Background()

	out, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.ErrorIs(t, out.Err(), revocation.ErrPartialOperationFailure)

	rec := out.Record
	assert.Equal(t, revocation.StatusPartiallyRevoked, rec.Status)
	assert.False(t, rec.RevocationSuccessful)
	assert.Equal(t, []string{"G1"}, rec.SecurityGroupsRemoved())
	g2 := findArtifact(rec.SecurityGroups, "G2")
	require.NotNil(t, g2)
	assert.True(t, g2.Failed())
	assert.Contains(t, g2.RemovalError, "graph unavailable")
	assert.True(t, rec.AppRoles[0].Removed)

	f.dir.ClearFailures()
	n := len(f.dir.Calls())
	restored, err := f.recorder.Restore(ctx, f.admin, rec.ID)
	require.NoError(t, err)
	require.NoError(t, restored.Err())

	assert.Equal(t, revocation.StatusRestored, restored.Record.Status)
	assert.True(t, restored.Record.RestorationSuccessful)
	assert.Equal(t, "admin-a", restored.Record.RestoredBy)
	require.NotNil(t, restored.Record.RestoredOn)
	assert.ElementsMatch(t, []string{"add_to_group:G1", "grant_app_role:res-1/role-1"}, callsSince(f, n))
	assert.False(t, findArtifact(restored.Record.SecurityGroups, "G2").Restored)
	assert.Equal(t, accessView{groups: []string{"G1", "G2"}, roles: []string{"res-1/role-1"}}, f.access(t))
	assert.True(t, f.users.active("u-1"))
}

func TestRecorder_RetryRemovesOnlyWhatRemains(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1", "G2"}, nil, nil)
	f.dir.FailOn(directory.OpRemoveFromGroup, "G2", errGraphDown)
	ctx := context.Background()

	first, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	require.True(t, first.Partial)

	f.dir.ClearFailures()
	n := len(f.dir.Calls())
	second, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)

	assert.Equal(t, first.Record.ID, second.Record.ID)
	assert.Equal(t, []string{"remove_from_group:G2"}, callsSince(f, n))
	assert.Equal(t, revocation.StatusActive, second.Record.Status)
	assert.True(t, second.Record.RevocationSuccessful)
	assert.Equal(t, []string{"G1", "G2"}, second.Record.SecurityGroupsRemoved())
}

func TestRecorder_RestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"S1", "S2"}, []string{"M1"}, []directory.AppRoleAssignment{
		ar1,
		{ResourceID: "res-2", AppRoleID: "role-9"},
	})
	before := f.access(t)
	ctx := context.Background()

	out, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	assert.Equal(t, accessView{}, f.access(t))

	revokedIDs := map[string]string{}
	for _, a := range out.Record.AppRoles {
		revokedIDs[a.ResourceID] = a.ID
	}

	restored, err := f.recorder.Restore(ctx, f.admin, out.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, before, f.access(t))

	live, err := f.dir.ListAppRoleAssignments(ctx, oidU)
	require.NoError(t, err)
	liveIDs := map[string]string{}
	for _, a := range live {
		liveIDs[a.ResourceID] = a.ID
	}
	require.Len(t, restored.Record.AppRoles, 2)
	for _, a := range restored.Record.AppRoles {
		assert.Equal(t, liveIDs[a.ResourceID], a.ID, "record tracks the live assignment")
		assert.NotEqual(t, revokedIDs[a.ResourceID], a.ID)
	}

	stored, err := f.recorder.Get(ctx, f.admin, out.Record.ID)
	require.NoError(t, err)
	for i, a := range stored.AppRoles {
		assert.Equal(t, restored.Record.AppRoles[i].ID, a.ID)
	}
}

func TestRecorder_PartialRestoreRetriesOnlyFailures(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1", "G2"}, nil, nil)
	ctx := context.Background()

	out, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)

	f.dir.FailOn(directory.OpAddToGroup, "G1", errGraphDown)
	partial, err := f.recorder.Restore(ctx, f.admin, out.Record.ID)
	require.NoError(t, err)
	assert.True(t, partial.Partial)
	assert.Equal(t, revocation.StatusPartiallyRestored, partial.Record.Status)
	assert.False(t, f.users.active("u-1"))

	f.dir.ClearFailures()
	n := len(f.dir.Calls())
	done, err := f.recorder.Restore(ctx, f.admin, out.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, revocation.StatusRestored, done.Record.Status)
	assert.Equal(t, []string{"add_to_group:G1"}, callsSince(f, n))
	assert.True(t, f.users.active("u-1"))
}

func TestRecorder_RestoreStates(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1"}, nil, nil)
	ctx := context.Background()
	operator := &rbac.Actor{UserID: "op", OrganizationID: orgB, Role: rbac.RoleSuperAdmin}

	_, err := f.recorder.Restore(ctx, operator, uuid.NewString())
	assert.ErrorIs(t, err, revocation.ErrRecordNotFound)

	out, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	_, err = f.recorder.Restore(ctx, f.admin, out.Record.ID)
	require.NoError(t, err)

	_, err = f.recorder.Restore(ctx, f.admin, out.Record.ID)
	assert.ErrorIs(t, err, revocation.ErrAlreadyRestored)

	// A fresh revoke after a completed cycle opens a new record.
	again, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)
	assert.NotEqual(t, out.Record.ID, again.Record.ID)
}

func TestRecorder_TotalFailure(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1"}, nil, nil)
	f.dir.FailOn(directory.OpRemoveFromGroup, "", errGraphDown)
	ctx := context.Background()

	out, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.ErrorIs(t, err, directory.ErrExternalService)
	require.NotNil(t, out.Record)
	assert.Equal(t, revocation.StatusFailed, out.Record.Status)
	assert.NotEmpty(t, out.Record.RevocationError)
	assert.Equal(t, 1, f.records.count())

	_, err = f.recorder.Restore(ctx, f.admin, out.Record.ID)
	assert.ErrorIs(t, err, revocation.ErrRecordNotRestorable)

	events := f.audit.byAction(audit.ActionUserRevoked)
	require.Len(t, events, 1)
	assert.Equal(t, audit.OutcomeFailure, events[0].Outcome)
}

func TestRecorder_SnapshotFailure(t *testing.T) {
	f := newFixture(t)
	f.dir.FailOn(directory.OpListGroups, oidU, errGraphDown)

	out, err := f.recorder.Revoke(context.Background(), f.admin, "u-1", revocation.RevokeParams{})
	require.ErrorIs(t, err, directory.ErrExternalService)
	require.NotNil(t, out.Record)
	assert.Equal(t, revocation.StatusFailed, out.Record.Status)
	assert.Contains(t, out.Record.RevocationError, "reading directory access")
	assert.False(t, f.users.active("u-1"))
}

func TestRecorder_Authorization(t *testing.T) {
	foreignAdmin := &rbac.Actor{UserID: "admin-b", OrganizationID: orgB, Role: rbac.RoleOrgAdmin}
	plainUser := &rbac.Actor{UserID: "user-a", OrganizationID: orgA, Role: rbac.RoleUser}

	tests := []struct {
		name    string
		actor   *rbac.Actor
		userID  string
		wantErr error
	}{
		{"other organization", foreignAdmin, "u-1", isolation.ErrAccessDenied},
		{"missing user looks foreign", foreignAdmin, "u-404", isolation.ErrAccessDenied},
		{"plain user", plainUser, "u-1", rbac.ErrInsufficientRole},
		{"self", &rbac.Actor{UserID: "admin-a", OrganizationID: orgA, Role: rbac.RoleOrgAdmin}, "admin-a", tenant.ErrSelfModification},
		{"higher role target", &rbac.Actor{UserID: "admin-a", OrganizationID: orgA, Role: rbac.RoleOrgAdmin}, "u-super", rbac.ErrInsufficientRole},
		{"no directory identity", &rbac.Actor{UserID: "admin-a", OrganizationID: orgA, Role: rbac.RoleOrgAdmin}, "u-noid", revocation.ErrNoDirectoryIdentity},
		{"no actor", nil, "u-1", isolation.ErrOrganizationUnresolved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.recorder.Revoke(context.Background(), tt.actor, tt.userID, revocation.RevokeParams{})
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, f.records.count())
		})
	}

	t.Run("operator crosses organizations", func(t *testing.T) {
		f := newFixture(t)
		operator := &rbac.Actor{UserID: "dev", OrganizationID: orgB, Role: rbac.RoleDeveloper}
		out, err := f.recorder.Revoke(context.Background(), operator, "u-1", revocation.RevokeParams{})
		require.NoError(t, err)
		assert.Equal(t, orgA, out.Record.OrganizationID)
		assert.Len(t, f.audit.byAction(audit.ActionAccessOverride), 1)
	})

	t.Run("foreign record looks missing", func(t *testing.T) {
		f := newFixture(t)
		out, err := f.recorder.Revoke(context.Background(), f.admin, "u-1", revocation.RevokeParams{})
		require.NoError(t, err)

		_, err = f.recorder.Restore(context.Background(), foreignAdmin, out.Record.ID)
		assert.ErrorIs(t, err, revocation.ErrRecordNotFound)
		_, err = f.recorder.Get(context.Background(), foreignAdmin, out.Record.ID)
		assert.ErrorIs(t, err, revocation.ErrRecordNotFound)
		assert.NotEmpty(t, f.audit.byAction(audit.ActionAccessDenied))
	})
}

func TestRecorder_ConcurrentRevokesShareOneRecord(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1", "G2"}, []string{"M1"}, []directory.AppRoleAssignment{ar1})

	var wg sync.WaitGroup
	errs := make([]error, 8)
	ids := make([]string, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := f.recorder.Revoke(context.Background(), f.admin, "u-1", revocation.RevokeParams{})
			errs[i] = err
			if out.Record != nil {
				ids[i] = out.Record.ID
			}
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, f.records.count())
}

func TestRecorder_List(t *testing.T) {
	f := newFixture(t)
	f.grant(t, []string{"G1"}, nil, nil)
	ctx := context.Background()

	out, err := f.recorder.Revoke(ctx, f.admin, "u-1", revocation.RevokeParams{})
	require.NoError(t, err)

	active, err := f.recorder.List(ctx, f.admin, orgA, revocation.ListFilter{Status: revocation.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, out.Record.ID, active[0].ID)

	restored, err := f.recorder.List(ctx, f.admin, orgA, revocation.ListFilter{Status: revocation.StatusRestored})
	require.NoError(t, err)
	assert.Empty(t, restored)

	_, err = f.recorder.List(ctx, f.admin, orgA, revocation.ListFilter{Status: "Bogus"})
	assert.ErrorIs(t, err, revocation.ErrUnknownStatus)

	_, err = f.recorder.List(ctx, &rbac.Actor{UserID: "x", OrganizationID: orgB, Role: rbac.RoleOrgAdmin}, orgA, revocation.ListFilter{})
	assert.ErrorIs(t, err, isolation.ErrAccessDenied)

	_, err = f.recorder.List(ctx, &rbac.Actor{UserID: "x", OrganizationID: orgA, Role: rbac.RoleUser}, orgA, revocation.ListFilter{})
	assert.ErrorIs(t, err, rbac.ErrInsufficientRole)
}
