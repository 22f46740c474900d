package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{"actions":["security:read"],"resources":["agent:id:001"],"effect":"allow"}`

// canonicalValidBody is validBody as stored: canonical JSON, keys sorted.
const canonicalValidBody = `{"actions":["security:read"],"effect":"allow","resources":["agent:id:001"]}`

func TestPolicyManager_AddValidBody(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	p, err := policies.Add(ctx, "p1", validBody, DefaultAddOptions())
	require.NoError(t, err)
	assert.Greater(t, p.ID, int64(MaxReserved))
	assert.Equal(t, canonicalValidBody, p.Body)
}

func TestPolicyManager_AddRejectsBadActionFormat(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	body := `{"actions":["abc"],"resources":["x:y:z"],"effect":"allow"}`
	_, err := policies.Add(ctx, "p2", body, DefaultAddOptions())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestPolicyManager_AddValidation(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	cases := []struct {
		name string
		body string
	}{
		{"not an object", `["actions"]`},
		{"missing effect", `{"actions":["a:b"],"resources":["x:y:z"]}`},
		{"extra key", `{"actions":["a:b"],"resources":["x:y:z"],"effect":"allow","extra":1}`},
		{"empty actions", `{"actions":[],"resources":["x:y:z"],"effect":"allow"}`},
		{"empty resources", `{"actions":["a:b"],"resources":[],"effect":"allow"}`},
		{"non-string action", `{"actions":[1],"resources":["x:y:z"],"effect":"allow"}`},
		{"non-string effect", `{"actions":["a:b"],"resources":["x:y:z"],"effect":2}`},
		{"bad resource component", `{"actions":["a:b"],"resources":["only-two:parts"],"effect":"allow"}`},
		{"bad compound component", `{"actions":["a:b"],"resources":["x:y:z&broken"],"effect":"allow"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := policies.Add(ctx, "p-"+tc.name, tc.body, DefaultAddOptions())
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestPolicyManager_AddAcceptsCompoundResource(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	body := `{"actions":["agent:read"],"resources":["agent:id:001&agent:group:web/default"],"effect":"deny"}`
	_, err := policies.Add(ctx, "compound", body, DefaultAddOptions())
	require.NoError(t, err)
}

func TestPolicyManager_BodyUniqueness(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	_, err := policies.Add(ctx, "original", validBody, DefaultAddOptions())
	require.NoError(t, err)

	// Same body under a different name, differing only in key order and
	// whitespace: canonicalization must still detect the collision.
	reordered := `{ "effect": "allow", "resources": ["agent:id:001"], "actions": ["security:read"] }`
	_, err = policies.Add(ctx, "copycat", reordered, DefaultAddOptions())
	assert.ErrorIs(t, err, ErrAlreadyExist)
}

func TestPolicyManager_BodyRoundTripsCanonically(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	messy := `{ "resources" : ["agent:id:001"],
		"effect": "allow",
		"actions": ["security:read"] }`
	p, err := policies.Add(ctx, "messy", messy, DefaultAddOptions())
	require.NoError(t, err)

	got, err := policies.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, canonicalValidBody, got.Body)

	byBody, err := policies.GetByBody(ctx, messy)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byBody.ID)
}

func TestPolicyManager_UpdateAndDeleteRejectReservedID(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	opts := AddOptions{ID: 1, CheckDefault: false, ResourceType: ResourceDefault}
	_, err := policies.Add(ctx, "built-in", validBody, opts)
	require.NoError(t, err)

	newName := "renamed"
	_, err = policies.Update(ctx, 1, PolicyUpdate{Name: &newName}, true)
	assert.ErrorIs(t, err, ErrAdminResources)

	_, err = policies.DeleteByID(ctx, 1)
	assert.ErrorIs(t, err, ErrAdminResources)

	got, err := policies.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "built-in", got.Name)
}

func TestPolicyManager_UpdateNoFieldsIsNoop(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	p, err := policies.Add(ctx, "p1", validBody, DefaultAddOptions())
	require.NoError(t, err)

	changed, err := policies.Update(ctx, p.ID, PolicyUpdate{}, true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPolicyManager_UpdateRejectsInvalidBody(t *testing.T) {
	ctx := newCtx()
	store := newBareStore(t)
	policies := NewPolicyManager(store, SystemClock, NoopCacheInvalidator{})

	p, err := policies.Add(ctx, "p1", validBody, DefaultAddOptions())
	require.NoError(t, err)

	bad := `{"actions":["nope"],"resources":["x:y:z"],"effect":"allow"}`
	_, err = policies.Update(ctx, p.ID, PolicyUpdate{Body: &bad}, true)
	assert.ErrorIs(t, err, ErrInvalid)
}
