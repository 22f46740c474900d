package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roleRuleFixture struct {
	roles     *RoleManager
	rules     *RuleManager
	roleRules *RoleRuleManager
}

func newRoleRuleFixture(t *testing.T) *roleRuleFixture {
	t.Helper()
	store := newBareStore(t)
	roles := NewRoleManager(store, SystemClock, NoopCacheInvalidator{})
	rules := NewRuleManager(store, SystemClock, NoopCacheInvalidator{})
	f := &roleRuleFixture{
		roles:     roles,
		rules:     rules,
		roleRules: NewRoleRuleManager(store, roles, rules, SystemClock, NoopCacheInvalidator{}),
	}

	ctx := newCtx()
	_, err := roles.Add(ctx, "parent", AddOptions{ID: 100, CheckDefault: false, ResourceType: ResourceUser})
	require.NoError(t, err)
	_, err = rules.Add(ctx, "rule-a", `{"k":"a"}`, AddOptions{ID: 200, CheckDefault: false, ResourceType: ResourceUser})
	require.NoError(t, err)
	_, err = rules.Add(ctx, "rule-b", `{"k":"b"}`, AddOptions{ID: 201, CheckDefault: false, ResourceType: ResourceUser})
	require.NoError(t, err)
	return f
}

func TestRoleRuleManager_AddListRemove(t *testing.T) {
	ctx := newCtx()
	f := newRoleRuleFixture(t)

	_, err := f.roleRules.AddRuleToRole(ctx, 100, 201, DefaultRelOptions())
	require.NoError(t, err)
	_, err = f.roleRules.AddRuleToRole(ctx, 100, 200, DefaultRelOptions())
	require.NoError(t, err)

	// Unordered relationship: listed by rule id, not insertion order.
	listed, err := f.roleRules.ListRulesOfRole(ctx, 100)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, int64(200), listed[0].ID)
	assert.Equal(t, int64(201), listed[1].ID)

	ok, err := f.roleRules.Remove(ctx, 100, 200, RelOptions{Atomic: true})
	require.NoError(t, err)
	assert.True(t, ok)

	linked, err := f.roleRules.Exists(ctx, 100, 200)
	require.NoError(t, err)
	assert.False(t, linked)
}

func TestRoleRuleManager_AddDuplicate(t *testing.T) {
	ctx := newCtx()
	f := newRoleRuleFixture(t)

	_, err := f.roleRules.AddRuleToRole(ctx, 100, 200, DefaultRelOptions())
	require.NoError(t, err)
	_, err = f.roleRules.AddRuleToRole(ctx, 100, 200, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrAlreadyExist)
}

func TestRoleRuleManager_MissingEndpoints(t *testing.T) {
	ctx := newCtx()
	f := newRoleRuleFixture(t)

	_, err := f.roleRules.AddRuleToRole(ctx, 7777, 200, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrRoleNotExist)

	_, err = f.roleRules.AddRuleToRole(ctx, 100, 7777, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrRuleNotExist)

	_, err = f.roleRules.Remove(ctx, 100, 201, RelOptions{Atomic: true})
	assert.ErrorIs(t, err, ErrInvalid, "absent relationship")
}

func TestRoleRuleManager_ReservedRoleGate(t *testing.T) {
	ctx := newCtx()
	f := newRoleRuleFixture(t)
	_, err := f.roles.Add(ctx, "built-in", AddOptions{ID: 5, CheckDefault: false, ResourceType: ResourceDefault})
	require.NoError(t, err)

	_, err = f.roleRules.AddRuleToRole(ctx, 5, 200, DefaultRelOptions())
	assert.ErrorIs(t, err, ErrAdminResources)

	opts := DefaultRelOptions()
	opts.ForceAdmin = true
	_, err = f.roleRules.AddRuleToRole(ctx, 5, 200, opts)
	require.NoError(t, err)

	_, err = f.roleRules.Remove(ctx, 5, 200, RelOptions{Atomic: true})
	assert.ErrorIs(t, err, ErrAdminResources)

	ok, err := f.roleRules.Remove(ctx, 5, 200, RelOptions{ForceAdmin: true, Atomic: true})
	require.NoError(t, err)
	assert.True(t, ok)
}

// The seeded database links role 1 to rules 1 and 2 via the default
// bundles; every removal path must refuse to sever those links.
func TestRoleRuleManager_Role1RequiredRulesCannotBeRemoved(t *testing.T) {
	ctx := newCtx()
	core := newOpenDatabase(t)

	for _, ruleID := range []int64{1, 2} {
		linked, err := core.RoleRules.Exists(ctx, 1, ruleID)
		require.NoError(t, err)
		require.True(t, linked, "seeded role 1 must link rule %d", ruleID)

		_, err = core.RoleRules.Remove(ctx, 1, ruleID, RelOptions{Atomic: true})
		assert.ErrorIs(t, err, ErrConstraintError)

		// force_admin does not override the invariant.
		_, err = core.RoleRules.Remove(ctx, 1, ruleID, RelOptions{ForceAdmin: true, Atomic: true})
		assert.ErrorIs(t, err, ErrConstraintError)

		_, err = core.RoleRules.RemoveAllRolesOfRule(ctx, ruleID)
		assert.ErrorIs(t, err, ErrConstraintError)
	}

	_, err := core.RoleRules.RemoveAllRulesOfRole(ctx, 1)
	assert.ErrorIs(t, err, ErrConstraintError)

	_, err = core.RoleRules.Replace(ctx, 1, 1, 2)
	assert.ErrorIs(t, err, ErrConstraintError)

	for _, ruleID := range []int64{1, 2} {
		linked, err := core.RoleRules.Exists(ctx, 1, ruleID)
		require.NoError(t, err)
		assert.True(t, linked, "role 1 must still link rule %d after refused removals", ruleID)
	}
}

func TestRoleRuleManager_ReplaceSwapsLink(t *testing.T) {
	ctx := newCtx()
	f := newRoleRuleFixture(t)

	_, err := f.roleRules.AddRuleToRole(ctx, 100, 200, DefaultRelOptions())
	require.NoError(t, err)

	ok, err := f.roleRules.Replace(ctx, 100, 200, 201)
	require.NoError(t, err)
	assert.True(t, ok)

	linked, err := f.roleRules.Exists(ctx, 100, 200)
	require.NoError(t, err)
	assert.False(t, linked)
	linked, err = f.roleRules.Exists(ctx, 100, 201)
	require.NoError(t, err)
	assert.True(t, linked)
}

func TestRoleRuleManager_RemoveAllRulesOfRole(t *testing.T) {
	ctx := newCtx()
	f := newRoleRuleFixture(t)

	for _, id := range []int64{200, 201} {
		_, err := f.roleRules.AddRuleToRole(ctx, 100, id, DefaultRelOptions())
		require.NoError(t, err)
	}

	ok, err := f.roleRules.RemoveAllRulesOfRole(ctx, 100)
	require.NoError(t, err)
	assert.True(t, ok)

	listed, err := f.roleRules.ListRulesOfRole(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, listed)
}
