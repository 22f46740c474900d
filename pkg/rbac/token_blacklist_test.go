package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock is a Clock whose reported instant tests advance explicitly.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func (c *stepClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTokenFixture(t *testing.T, clock Clock, cache CacheInvalidator) *TokenBlacklistManager {
	t.Helper()
	store := newBareStore(t)
	return NewTokenBlacklistManager(store, clock, cache, time.Hour)
}

func TestTokenBlacklist_InvalidatesTokensIssuedBeforeRule(t *testing.T) {
	ctx := newCtx()
	at := time.Unix(1000, 0).UTC()
	tokens := newTokenFixture(t, fixedClock{now: at}, NoopCacheInvalidator{})

	require.NoError(t, tokens.AddRules(ctx, []int64{100}, nil, false))

	// Token issued before the rule: invalid for user 100.
	valid, err := tokens.IsTokenValid(ctx, time.Unix(999, 0).UTC(), 100, 0, false)
	require.NoError(t, err)
	assert.False(t, valid)

	// Token issued exactly at the rule's instant is still invalid (nbf
	// must strictly postdate nbf_invalid_until).
	valid, err = tokens.IsTokenValid(ctx, at, 100, 0, false)
	require.NoError(t, err)
	assert.False(t, valid)

	// Token issued after the rule: valid again.
	valid, err = tokens.IsTokenValid(ctx, time.Unix(1001, 0).UTC(), 100, 0, false)
	require.NoError(t, err)
	assert.True(t, valid)

	// Unrelated subject: unaffected.
	valid, err = tokens.IsTokenValid(ctx, time.Unix(999, 0).UTC(), 200, 0, false)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestTokenBlacklist_RoleAndRunAsLedgers(t *testing.T) {
	ctx := newCtx()
	at := time.Unix(1000, 0).UTC()
	tokens := newTokenFixture(t, fixedClock{now: at}, NoopCacheInvalidator{})

	require.NoError(t, tokens.AddRules(ctx, nil, []int64{7}, true))

	before := time.Unix(999, 0).UTC()
	after := time.Unix(1001, 0).UTC()

	valid, err := tokens.IsTokenValid(ctx, before, 0, 7, false)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = tokens.IsTokenValid(ctx, after, 0, 7, false)
	require.NoError(t, err)
	assert.True(t, valid)

	// The run-as ledger applies only when the token was granted run-as.
	valid, err = tokens.IsTokenValid(ctx, before, 0, 0, true)
	require.NoError(t, err)
	assert.False(t, valid)

	valid, err = tokens.IsTokenValid(ctx, before, 0, 0, false)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestTokenBlacklist_AnyFailingLedgerRejects(t *testing.T) {
	ctx := newCtx()
	at := time.Unix(1000, 0).UTC()
	tokens := newTokenFixture(t, fixedClock{now: at}, NoopCacheInvalidator{})

	require.NoError(t, tokens.AddRules(ctx, nil, []int64{7}, false))

	// User 100 has no rule, but the token's role does: invalid.
	valid, err := tokens.IsTokenValid(ctx, time.Unix(999, 0).UTC(), 100, 7, false)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTokenBlacklist_ReAddReplacesExistingRule(t *testing.T) {
	ctx := newCtx()
	clock := &stepClock{now: time.Unix(1000, 0).UTC()}
	tokens := newTokenFixture(t, clock, NoopCacheInvalidator{})

	require.NoError(t, tokens.AddRules(ctx, []int64{100}, nil, false))

	clock.Advance(10 * time.Second)
	require.NoError(t, tokens.AddRules(ctx, []int64{100}, nil, false))

	// The replacement moved the cutoff forward: a token valid against the
	// first rule is invalid against the second.
	valid, err := tokens.IsTokenValid(ctx, time.Unix(1005, 0).UTC(), 100, 0, false)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTokenBlacklist_DeleteExpired(t *testing.T) {
	ctx := newCtx()
	clock := &stepClock{now: time.Unix(1000, 0).UTC()}
	tokens := newTokenFixture(t, clock, NoopCacheInvalidator{})

	require.NoError(t, tokens.AddRules(ctx, []int64{100}, []int64{7}, true))

	// Before expiry the rules still apply.
	require.NoError(t, tokens.DeleteExpired(ctx))
	valid, err := tokens.IsTokenValid(ctx, time.Unix(999, 0).UTC(), 100, 7, true)
	require.NoError(t, err)
	assert.False(t, valid)

	// Past is_valid_until the reap removes them and old tokens pass again.
	clock.Advance(time.Hour + time.Second)
	require.NoError(t, tokens.DeleteExpired(ctx))
	require.NoError(t, tokens.DeleteExpired(ctx), "reap must be idempotent")

	valid, err = tokens.IsTokenValid(ctx, time.Unix(999, 0).UTC(), 100, 7, true)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestTokenBlacklist_DeleteAllReturnsPerLedgerCounts(t *testing.T) {
	ctx := newCtx()
	tokens := newTokenFixture(t, fixedClock{now: time.Unix(1000, 0).UTC()}, NoopCacheInvalidator{})

	require.NoError(t, tokens.AddRules(ctx, []int64{100, 101, 102}, []int64{7}, true))

	usersDeleted, rolesDeleted, err := tokens.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usersDeleted)
	assert.Equal(t, int64(1), rolesDeleted)

	usersDeleted, rolesDeleted, err = tokens.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, usersDeleted)
	assert.Zero(t, rolesDeleted)
}

func TestTokenBlacklist_GetRules(t *testing.T) {
	ctx := newCtx()
	at := time.Unix(1000, 0).UTC()
	tokens := newTokenFixture(t, fixedClock{now: at}, NoopCacheInvalidator{})

	_, err := tokens.GetUserRule(ctx, 100)
	assert.ErrorIs(t, err, ErrTokenRuleNotExist)
	_, err = tokens.GetRoleRule(ctx, 7)
	assert.ErrorIs(t, err, ErrTokenRuleNotExist)
	_, err = tokens.GetRunAsRule(ctx)
	assert.ErrorIs(t, err, ErrTokenRuleNotExist)

	require.NoError(t, tokens.AddRules(ctx, []int64{100}, []int64{7}, true))

	userRule, err := tokens.GetUserRule(ctx, 100)
	require.NoError(t, err)
	assert.True(t, userRule.NbfInvalidUntil.Equal(at))
	assert.True(t, userRule.IsValidUntil.Equal(at.Add(time.Hour)))

	roleRule, err := tokens.GetRoleRule(ctx, 7)
	require.NoError(t, err)
	assert.True(t, roleRule.NbfInvalidUntil.Equal(at))

	runAsRule, err := tokens.GetRunAsRule(ctx)
	require.NoError(t, err)
	assert.True(t, runAsRule.NbfInvalidUntil.Equal(at))
}

func TestTokenBlacklist_AddRulesInvalidatesCacheOnce(t *testing.T) {
	ctx := newCtx()
	spy := &spyCacheInvalidator{}
	tokens := newTokenFixture(t, fixedClock{now: time.Unix(1000, 0).UTC()}, spy)

	require.NoError(t, tokens.AddRules(ctx, []int64{100}, []int64{7}, true))
	assert.Equal(t, 1, spy.total())
}
