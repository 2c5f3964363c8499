package directory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/b1gate/b1gate/internal/directory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory_InviteIsStablePerEmail(t *testing.T) {
	d := directory.NewMemoryDirectory()
	ctx := context.Background()

	first, err := d.InviteUser(ctx, "Guest@Example.com", "Guest")
	require.NoError(t, err)
	second, err := d.InviteUser(ctx, "guest@example.com", "Guest")
	require.NoError(t, err)
	assert.Equal(t, first.ObjectID, second.ObjectID)
}

func TestMemoryDirectory_MembershipIdempotence(t *testing.T) {
	d := directory.NewMemoryDirectory()
	ctx := context.Background()

	require.NoError(t, d.AddToGroup(ctx, "u", "g1"))
	require.NoError(t, d.AddToGroup(ctx, "u", "g1"))
	groups, err := d.ListGroupMemberships(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	require.NoError(t, d.RemoveFromGroup(ctx, "u", "g1"))
	require.NoError(t, d.RemoveFromGroup(ctx, "u", "g1"))
	groups, err = d.ListGroupMemberships(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestMemoryDirectory_GrantAppRoleReturnsExisting(t *testing.T) {
	d := directory.NewMemoryDirectory()
	ctx := context.Background()
	a := directory.AppRoleAssignment{ResourceID: "r", AppRoleID: "x"}

	first, err := d.GrantAppRole(ctx, "u", a)
	require.NoError(t, err)
	second, err := d.GrantAppRole(ctx, "u", a)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestMemoryDirectory_FailOn(t *testing.T) {
	d := directory.NewMemoryDirectory()
	ctx := context.Background()
	d.FailOn(directory.OpRemoveFromGroup, "g2", errors.New("boom"))

	assert.NoError(t, d.RemoveFromGroup(ctx, "u", "g1"))
	err := d.RemoveFromGroup(ctx, "u", "g2")
	assert.ErrorIs(t, err, directory.ErrExternalService)

	d.ClearFailures()
	assert.NoError(t, d.RemoveFromGroup(ctx, "u", "g2"))
}

func TestSnapshot_SplitsGroupKinds(t *testing.T) {
	d := directory.NewMemoryDirectory()
	ctx := context.Background()
	d.AddGroup(directory.Group{ID: "sg", Kind: directory.GroupKindSecurity})
	d.AddGroup(directory.Group{ID: "m365", Kind: directory.GroupKindM365})
	require.NoError(t, d.AddToGroup(ctx, "u", "sg"))
	require.NoError(t, d.AddToGroup(ctx, "u", "m365"))
	_, err := d.GrantAppRole(ctx, "u", directory.AppRoleAssignment{ResourceID: "r", AppRoleID: "x"})
	require.NoError(t, err)

	access, err := directory.Snapshot(ctx, d, "u")
	require.NoError(t, err)
	require.Len(t, access.SecurityGroups, 1)
	require.Len(t, access.M365Groups, 1)
	require.Len(t, access.AppRoles, 1)
	assert.Equal(t, "sg", access.SecurityGroups[0].ID)
	assert.Equal(t, "m365", access.M365Groups[0].ID)
}

func TestSnapshot_FailsWhenEitherReadFails(t *testing.T) {
	d := directory.NewMemoryDirectory()
	d.FailOn(directory.OpListAppRoles, "", errors.New("down"))

	_, err := directory.Snapshot(context.Background(), d, "u")
	assert.ErrorIs(t, err, directory.ErrExternalService)
}
