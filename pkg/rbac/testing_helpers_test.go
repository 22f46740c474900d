package rbac

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fixedClock is a Clock that always reports the same instant, letting
// token-expiry and created_at assertions be deterministic.
type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

// newCtx returns a background context, named for brevity at every call
// site across this package's tests.
func newCtx() context.Context { return context.Background() }

// newOpenDatabase opens a fresh, seeded RBAC core against a throwaway
// temp-dir database file, cleaned up automatically at test end.
func newOpenDatabase(t *testing.T) *RBAC {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(filepath.Join(dir, "rbac.db"), 1)

	core, err := Open(context.Background(), cfg, NewArgon2Hasher(), NoopOwnershipFixer{}, OSSafeMover{}, NoopCacheInvalidator{})
	if err != nil {
		t.Fatalf("open fresh rbac database: %v", err)
	}
	t.Cleanup(func() { core.Close() })
	return core
}

// spyCacheInvalidator counts every invalidation call, so a test can
// assert a mutating manager call invalidates the cache exactly once.
type spyCacheInvalidator struct {
	users int
	roles int
	all   int
}

func (s *spyCacheInvalidator) InvalidateUser(int64) { s.users++ }
func (s *spyCacheInvalidator) InvalidateRole(int64) { s.roles++ }
func (s *spyCacheInvalidator) InvalidateAll()       { s.all++ }

func (s *spyCacheInvalidator) total() int {
	return s.users + s.roles + s.all
}

// newBareStore opens a schema-applied but unseeded Store: the building
// block for tests that want to drive individual managers directly
// (e.g. with a spyCacheInvalidator) rather than through the full
// Migration Coordinator.
func newBareStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := openStore(filepath.Join(dir, "rbac.db"), 5*time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("open bare store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.ApplySchema(context.Background()); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return store
}
