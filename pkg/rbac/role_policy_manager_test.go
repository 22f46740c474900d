package rbac

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rolePolicyFixture struct {
	roles    *RoleManager
	policies *PolicyManager
	rolePols *RolePolicyManager
}

func newRolePolicyFixture(t *testing.T) (*rolePolicyFixture, *Store) {
	t.Helper()
	store := newBareStore(t)
	roles := NewRoleManager(store, SystemClock, NoopCacheInvalidator{})
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})
	f := &rolePolicyFixture{
		roles:    roles,
		policies: policies,
		rolePols: NewRolePolicyManager(store, roles, policies, SystemClock, NoopCacheInvalidator{}),
	}

	ctx := newCtx()
	_, err := roles.Add(ctx, "parent", AddOptions{ID: 100, CheckDefault: false, ResourceType: ResourceUser})
	require.NoError(t, err)
	return f, store
}

func (f *rolePolicyFixture) addPolicy(t *testing.T, id int64) {
	t.Helper()
	body := fmt.Sprintf(`{"actions":["security:read"],"resources":["agent:id:%d"],"effect":"allow"}`, id)
	opts := AddOptions{ID: id, CheckDefault: false, ResourceType: ResourceUser}
	_, err := f.policies.Add(newCtx(), fmt.Sprintf("policy-%d", id), body, opts)
	require.NoError(t, err)
}

func policyLevelsOf(t *testing.T, store *Store, roleID int64) map[int64]int {
	t.Helper()
	rows, err := store.db.Query("SELECT policy_id, level FROM role_policies WHERE role_id = ?", roleID)
	require.NoError(t, err)
	defer rows.Close()

	out := map[int64]int{}
	for rows.Next() {
		var policyID int64
		var level int
		require.NoError(t, rows.Scan(&policyID, &level))
		out[policyID] = level
	}
	require.NoError(t, rows.Err())
	return out
}

func TestRolePolicyManager_InsertAtPositionAndList(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	for _, id := range []int64{200, 201, 202} {
		f.addPolicy(t, id)
	}

	_, err := f.rolePols.AddPolicyToRole(ctx, 100, 200, DefaultRelOptions())
	require.NoError(t, err)
	_, err = f.rolePols.AddPolicyToRole(ctx, 100, 201, DefaultRelOptions())
	require.NoError(t, err)

	position := 1
	opts := DefaultRelOptions()
	opts.Position = &position
	_, err = f.rolePols.AddPolicyToRole(ctx, 100, 202, opts)
	require.NoError(t, err)

	assert.Equal(t, map[int64]int{200: 0, 202: 1, 201: 2}, policyLevelsOf(t, store, 100))

	listed, err := f.rolePols.ListPoliciesOfRole(ctx, 100)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, int64(200), listed[0].ID)
	assert.Equal(t, int64(202), listed[1].ID)
	assert.Equal(t, int64(201), listed[2].ID)
}

func TestRolePolicyManager_AddDuplicateWithPositionRepositions(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	for _, id := range []int64{200, 201, 202} {
		f.addPolicy(t, id)
		_, err := f.rolePols.AddPolicyToRole(ctx, 100, id, DefaultRelOptions())
		require.NoError(t, err)
	}

	position := 2
	opts := DefaultRelOptions()
	opts.Position = &position
	_, err := f.rolePols.AddPolicyToRole(ctx, 100, 200, opts)
	require.NoError(t, err)

	assert.Equal(t, map[int64]int{201: 0, 202: 1, 200: 2}, policyLevelsOf(t, store, 100))

	_, err = f.rolePols.AddPolicyToRole(ctx, 100, 200, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrAlreadyExist, "duplicate without position still rejected")
}

func TestRolePolicyManager_AddMissingEndpoints(t *testing.T) {
	ctx := newCtx()
	f, _ := newRolePolicyFixture(t)
	f.addPolicy(t, 200)

	_, err := f.rolePols.AddPolicyToRole(ctx, 7777, 200, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrRoleNotExist)

	_, err = f.rolePols.AddPolicyToRole(ctx, 100, 7777, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrPolicyNotExist)
}

func TestRolePolicyManager_ReservedRoleNeedsForceAdmin(t *testing.T) {
	ctx := newCtx()
	f, _ := newRolePolicyFixture(t)
	f.addPolicy(t, 200)
	_, err := f.roles.Add(ctx, "built-in", AddOptions{ID: 1, CheckDefault: false, ResourceType: ResourceDefault})
	require.NoError(t, err)

	_, err = f.rolePols.AddPolicyToRole(ctx, 1, 200, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrAdminResources)

	opts := DefaultRelOptions()
	opts.ForceAdmin = true
	_, err = f.rolePols.AddPolicyToRole(ctx, 1, 200, opts)
	require.NoError(t, err)

	// Removal is gated the same way, and force_admin opens it the same way.
	_, err = f.rolePols.Remove(ctx, 1, 200, RelOptions{Atomic: true})
	assert.ErrorIs(t, err, ErrAdminResources)

	ok, err := f.rolePols.Remove(ctx, 1, 200, RelOptions{ForceAdmin: true, Atomic: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRolePolicyManager_RemoveClosesLevelGap(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	for _, id := range []int64{200, 201, 202} {
		f.addPolicy(t, id)
		_, err := f.rolePols.AddPolicyToRole(ctx, 100, id, DefaultRelOptions())
		require.NoError(t, err)
	}

	_, err := f.rolePols.Remove(ctx, 100, 200, RelOptions{Atomic: true})
	require.NoError(t, err)

	assert.Equal(t, map[int64]int{201: 0, 202: 1}, policyLevelsOf(t, store, 100))
}

func TestRolePolicyManager_ReplacePreservesPosition(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	for _, id := range []int64{200, 201, 202, 203} {
		f.addPolicy(t, id)
	}
	for _, id := range []int64{200, 201, 202} {
		_, err := f.rolePols.AddPolicyToRole(ctx, 100, id, DefaultRelOptions())
		require.NoError(t, err)
	}

	ok, err := f.rolePols.Replace(ctx, 100, 201, 203, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, map[int64]int{200: 0, 203: 1, 202: 2}, policyLevelsOf(t, store, 100))
}

func TestRolePolicyManager_RemoveAllPoliciesOfRole(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	for _, id := range []int64{200, 201} {
		f.addPolicy(t, id)
		_, err := f.rolePols.AddPolicyToRole(ctx, 100, id, DefaultRelOptions())
		require.NoError(t, err)
	}

	ok, err := f.rolePols.RemoveAllPoliciesOfRole(ctx, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, policyLevelsOf(t, store, 100))
}

func TestRolePolicyManager_RemoveAllRolesOfPolicyKeepsOtherRolesContiguous(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	_, err := f.roles.Add(ctx, "second", AddOptions{ID: 101, CheckDefault: false, ResourceType: ResourceUser})
	require.NoError(t, err)
	for _, id := range []int64{200, 201, 202} {
		f.addPolicy(t, id)
	}
	for _, id := range []int64{200, 201, 202} {
		_, err := f.rolePols.AddPolicyToRole(ctx, 100, id, DefaultRelOptions())
		require.NoError(t, err)
	}
	_, err = f.rolePols.AddPolicyToRole(ctx, 101, 201, DefaultRelOptions())
	require.NoError(t, err)

	ok, err := f.rolePols.RemoveAllRolesOfPolicy(ctx, 201)
	require.NoError(t, err)
	assert.True(t, ok)

	// Policy 201's links are gone everywhere, and role 100's survivors
	// closed the gap its removal left at level 1.
	assert.Equal(t, map[int64]int{200: 0, 202: 1}, policyLevelsOf(t, store, 100))
	assert.Empty(t, policyLevelsOf(t, store, 101))
}

func TestRolePolicyManager_ParentDeletionCascades(t *testing.T) {
	ctx := newCtx()
	f, store := newRolePolicyFixture(t)
	f.addPolicy(t, 200)
	_, err := f.rolePols.AddPolicyToRole(ctx, 100, 200, DefaultRelOptions())
	require.NoError(t, err)

	deleted, err := f.roles.DeleteByID(ctx, 100)
	require.NoError(t, err)
	assert.True(t, deleted)

	var n int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM role_policies").Scan(&n))
	assert.Zero(t, n, "role deletion must cascade to its relationship rows")
}
