package directory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Operation names accepted by MemoryDirectory.FailOn.
const (
	OpInviteUser      = "invite_user"
	OpListGroups      = "list_groups"
	OpAddToGroup      = "add_to_group"
	OpRemoveFromGroup = "remove_from_group"
	OpListAppRoles    = "list_app_roles"
	OpGrantAppRole    = "grant_app_role"
	OpRevokeAppRole   = "revoke_app_role"
)

// MemoryDirectory is an in-process Directory for development mode and tests.
// Failures can be injected per operation and target.
type MemoryDirectory struct {
	mu       sync.Mutex
	groups   map[string]Group
	members  map[string][]string
	roles    map[string][]AppRoleAssignment
	invited  map[string]string
	failures map[string]error
	calls    []string
}

var _ Directory = (*MemoryDirectory)(nil)

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		groups:   make(map[string]Group),
		members:  make(map[string][]string),
		roles:    make(map[string][]AppRoleAssignment),
		invited:  make(map[string]string),
		failures: make(map[string]error),
	}
}

func failureKey(op, target string) string { return op + ":" + target }

// FailOn makes op fail with an ErrExternalService wrapping cause whenever it
// targets target (a group id, assignment id, resource id, object id or email).
// An empty target matches every call of op.
func (m *MemoryDirectory) FailOn(op, target string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[failureKey(op, target)] = cause
}

// ClearFailures removes every injected failure.
func (m *MemoryDirectory) ClearFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.failures)
}

// Calls returns the mutating calls made so far as "op:target" strings.
func (m *MemoryDirectory) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func (m *MemoryDirectory) fail(op, target string) error {
	for _, key := range []string{failureKey(op, target), failureKey(op, "")} {
		if cause, ok := m.failures[key]; ok {
			return fmt.Errorf("%w: %s %s: %v", ErrExternalService, op, target, cause)
		}
	}
	return nil
}

// AddGroup registers a group so memberships can refer to it.
func (m *MemoryDirectory) AddGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
}

// InviteUser returns the existing object id for an email already invited.
func (m *MemoryDirectory) InviteUser(_ context.Context, email, _ string) (Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(email)
	if err := m.fail(OpInviteUser, key); err != nil {
		return Invitation{}, err
	}
	m.calls = append(m.calls, failureKey(OpInviteUser, key))
	oid, ok := m.invited[key]
	if !ok {
		oid = uuid.NewString()
		m.invited[key] = oid
	}
	return Invitation{ObjectID: oid, Email: email, Status: "PendingAcceptance"}, nil
}

func (m *MemoryDirectory) ListGroupMemberships(_ context.Context, objectID string) ([]Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpListGroups, objectID); err != nil {
		return nil, err
	}
	out := []Group{}
	for _, id := range m.members[objectID] {
		g, ok := m.groups[id]
		if !ok {
			g = Group{ID: id, Kind: GroupKindSecurity}
		}
		out = append(out, g)
	}
	return out, nil
}

func (m *MemoryDirectory) AddToGroup(_ context.Context, objectID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpAddToGroup, groupID); err != nil {
		return err
	}
	m.calls = append(m.calls, failureKey(OpAddToGroup, groupID))
	if !slices.Contains(m.members[objectID], groupID) {
		m.members[objectID] = append(m.members[objectID], groupID)
	}
	return nil
}

func (m *MemoryDirectory) RemoveFromGroup(_ context.Context, objectID, groupID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpRemoveFromGroup, groupID); err != nil {
		return err
	}
	m.calls = append(m.calls, failureKey(OpRemoveFromGroup, groupID))
	m.members[objectID] = slices.DeleteFunc(m.members[objectID], func(id string) bool { return id == groupID })
	return nil
}

func (m *MemoryDirectory) ListAppRoleAssignments(_ context.Context, objectID string) ([]AppRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpListAppRoles, objectID); err != nil {
		return nil, err
	}
	out := slices.Clone(m.roles[objectID])
	if out == nil {
		out = []AppRoleAssignment{}
	}
	return out, nil
}

func (m *MemoryDirectory) GrantAppRole(_ context.Context, objectID string, a AppRoleAssignment) (AppRoleAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpGrantAppRole, a.ResourceID); err != nil {
		return AppRoleAssignment{}, err
	}
	m.calls = append(m.calls, failureKey(OpGrantAppRole, a.ResourceID+"/"+a.AppRoleID))
	for _, existing := range m.roles[objectID] {
		if existing.SameGrant(a) {
			return existing, nil
		}
	}
	a.ID = uuid.NewString()
	m.roles[objectID] = append(m.roles[objectID], a)
	return a, nil
}

func (m *MemoryDirectory) RevokeAppRole(_ context.Context, objectID, assignmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(OpRevokeAppRole, assignmentID); err != nil {
		return err
	}
	m.calls = append(m.calls, failureKey(OpRevokeAppRole, assignmentID))
	m.roles[objectID] = slices.DeleteFunc(m.roles[objectID], func(a AppRoleAssignment) bool {
		return a.ID == assignmentID
	})
	return nil
}
