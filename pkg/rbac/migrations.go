package rbac

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MigrationCoordinator is the Migration/Integrity Coordinator. It is the
// only piece of this core that ever creates or replaces the database
// file wholesale: a fresh install gets the schema and default resources
// directly; an existing database behind the build's expected version is
// migrated into a freshly seeded temp database, preserving every
// non-reserved entity and relationship, then atomically swapped over
// the original.
type MigrationCoordinator struct {
	hasher PasswordHasher
	clock  Clock
	fixer  OwnershipFixer
	mover  SafeMover
	cache  CacheInvalidator
	logger zerolog.Logger
}

// NewMigrationCoordinator constructs a MigrationCoordinator. hasher is
// only consulted for entities this coordinator creates directly (it
// never re-hashes a migrated user's password — see AddPrehashed).
func NewMigrationCoordinator(hasher PasswordHasher, clock Clock, fixer OwnershipFixer, mover SafeMover, cache CacheInvalidator, logger zerolog.Logger) *MigrationCoordinator {
	return &MigrationCoordinator{hasher: hasher, clock: clock, fixer: fixer, mover: mover, cache: cache, logger: logger}
}

// EnsureDatabase opens cfg.DBPath, creating and seeding it if absent, or
// migrating it in place if its stored user_version is behind
// cfg.ExpectedVersion. It returns a fully wired RBAC facade either way.
func (c *MigrationCoordinator) EnsureDatabase(ctx context.Context, cfg *Config) (*RBAC, error) {
	_, statErr := os.Stat(cfg.DBPath)
	if statErr != nil {
		if !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("stat database file: %w", statErr)
		}
		return c.createFresh(ctx, cfg)
	}
	return c.openOrUpgrade(ctx, cfg)
}

func (c *MigrationCoordinator) createFresh(ctx context.Context, cfg *Config) (*RBAC, error) {
	c.logger.Info().Str("path", cfg.DBPath).Int("version", cfg.ExpectedVersion).Msg("creating fresh rbac database")

	store, err := openStore(cfg.DBPath, cfg.BusyTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplySchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := store.SetUserVersion(ctx, cfg.ExpectedVersion); err != nil {
		store.Close()
		return nil, err
	}

	sm := newStoreManagers(store, c.hasher, c.clock, c.cache, cfg.AuthTokenExpiryTimeout)
	if err := sm.seedDefaultsFromConfig(ctx, cfg); err != nil {
		store.Close()
		return nil, fmt.Errorf("seed fresh database: %w", err)
	}
	if err := os.Chmod(cfg.DBPath, os.FileMode(cfg.FileMode)); err != nil {
		store.Close()
		return nil, fmt.Errorf("set mode of fresh database: %w", err)
	}
	if err := c.fixer.FixOwnership(cfg.DBPath); err != nil {
		store.Close()
		return nil, fmt.Errorf("fix ownership of fresh database: %w", err)
	}
	return sm.rbac(), nil
}

func (c *MigrationCoordinator) openOrUpgrade(ctx context.Context, cfg *Config) (*RBAC, error) {
	if err := os.Chmod(cfg.DBPath, os.FileMode(cfg.FileMode)); err != nil {
		return nil, fmt.Errorf("set mode of existing database: %w", err)
	}
	if err := c.fixer.FixOwnership(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("fix ownership of existing database: %w", err)
	}

	store, err := openStore(cfg.DBPath, cfg.BusyTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplySchema(ctx); err != nil {
		store.Close()
		return nil, err
	}

	current, err := store.UserVersion(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	if current >= cfg.ExpectedVersion {
		// Already current (or ahead, after a rollback of the binary):
		// nothing to do, the data on disk wins.
		return newStoreManagers(store, c.hasher, c.clock, c.cache, cfg.AuthTokenExpiryTimeout).rbac(), nil
	}

	c.logger.Info().Int("from", current).Int("to", cfg.ExpectedVersion).Msg("rbac database behind expected version, migrating")
	core, err := c.upgrade(ctx, cfg, store)
	if err != nil {
		c.logger.Error().Err(err).Msg("migration failed, original database file left intact")
		return nil, err
	}
	return core, nil
}

// upgrade builds a fresh, seeded temp database, copies every entity and
// relationship from source into it, and atomically swaps it over
// cfg.DBPath via the SafeMover collaborator.
func (c *MigrationCoordinator) upgrade(ctx context.Context, cfg *Config, source *Store) (*RBAC, error) {
	// Temp files left behind by earlier, interrupted runs are removed first.
	if leftovers, globErr := filepath.Glob(cfg.DBPath + ".tmp-*"); globErr == nil {
		for _, leftover := range leftovers {
			os.Remove(leftover)
		}
	}

	// The random suffix keeps a crashed earlier attempt's leftover file
	// from ever colliding with this run's; whatever happens, this run's
	// temp file is removed on exit (a no-op after a successful swap).
	tmpPath := fmt.Sprintf("%s.tmp-%s", cfg.DBPath, uuid.NewString())
	defer os.Remove(tmpPath)

	target, err := openStore(tmpPath, cfg.BusyTimeout, c.logger)
	if err != nil {
		source.Close()
		return nil, err
	}
	if err := target.ApplySchema(ctx); err != nil {
		source.Close()
		target.Close()
		return nil, err
	}

	targetManagers := newStoreManagers(target, c.hasher, c.clock, c.cache, cfg.AuthTokenExpiryTimeout)
	if err := targetManagers.seedDefaultsFromConfig(ctx, cfg); err != nil {
		source.Close()
		target.Close()
		return nil, fmt.Errorf("seed migration target: %w", err)
	}

	sourceManagers := newStoreManagers(source, c.hasher, c.clock, c.cache, cfg.AuthTokenExpiryTimeout)
	state := &migrationState{source: sourceManagers, target: targetManagers, policyRemap: map[int64]int64{}}

	if err := state.migrateRange(ctx, CloudReservedRange, MaxReserved, false, ResourceProtected); err != nil {
		source.Close()
		target.Close()
		return nil, fmt.Errorf("migrate protected range: %w", err)
	}
	if err := state.migrateRange(ctx, MaxReserved+1, 0, true, ResourceUser); err != nil {
		source.Close()
		target.Close()
		return nil, fmt.Errorf("migrate user range: %w", err)
	}
	if err := state.migrateRelationships(ctx); err != nil {
		source.Close()
		target.Close()
		return nil, fmt.Errorf("migrate relationships: %w", err)
	}

	if err := target.SetUserVersion(ctx, cfg.ExpectedVersion); err != nil {
		source.Close()
		target.Close()
		return nil, err
	}

	if err := source.Close(); err != nil {
		target.Close()
		return nil, fmt.Errorf("close source database after migration: %w", err)
	}
	if err := target.Close(); err != nil {
		return nil, fmt.Errorf("close migration target: %w", err)
	}

	if err := os.Chmod(tmpPath, os.FileMode(cfg.FileMode)); err != nil {
		return nil, fmt.Errorf("set mode of migration target: %w", err)
	}
	if err := c.fixer.FixOwnership(tmpPath); err != nil {
		return nil, fmt.Errorf("fix ownership of migration target: %w", err)
	}
	if err := c.mover.Move(tmpPath, cfg.DBPath); err != nil {
		return nil, fmt.Errorf("swap migrated database into place: %w", err)
	}

	final, err := openStore(cfg.DBPath, cfg.BusyTimeout, c.logger)
	if err != nil {
		return nil, err
	}
	return newStoreManagers(final, c.hasher, c.clock, c.cache, cfg.AuthTokenExpiryTimeout).rbac(), nil
}

// migrationState holds the per-run bookkeeping a migration pass needs:
// the two manager bundles and the map redirecting a migrated policy id
// to the id of an existing target policy sharing its body (see
// migratePolicy).
type migrationState struct {
	source      *storeManagers
	target      *storeManagers
	policyRemap map[int64]int64
}

// migrateRange copies every user, role, rule, and policy whose id falls
// in [minID, maxID] (or [minID, +inf) when unbounded) from source to
// target, preserving id, name, and created_at, and tagging the copy
// with resourceType.
func (s *migrationState) migrateRange(ctx context.Context, minID, maxID int64, unbounded bool, resourceType ResourceType) error {
	users, err := listUsersInRange(ctx, s.source.store, minID, maxID, unbounded)
	if err != nil {
		return err
	}
	for _, u := range users {
		opts := AddOptions{ID: u.ID, CheckDefault: false, ResourceType: resourceType, CreatedAt: u.CreatedAt}
		if _, err := s.target.users.AddPrehashed(ctx, u.Username, u.PasswordHash, u.AllowRunAs, opts); err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("migrate user %s: %w", u.Username, err)
		}
	}

	roles, err := listRolesInRange(ctx, s.source.store, minID, maxID, unbounded)
	if err != nil {
		return err
	}
	for _, r := range roles {
		opts := AddOptions{ID: r.ID, CheckDefault: false, ResourceType: resourceType, CreatedAt: r.CreatedAt}
		if _, err := s.target.roles.Add(ctx, r.Name, opts); err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("migrate role %s: %w", r.Name, err)
		}
	}

	rules, err := listRulesInRange(ctx, s.source.store, minID, maxID, unbounded)
	if err != nil {
		return err
	}
	for _, r := range rules {
		opts := AddOptions{ID: r.ID, CheckDefault: false, ResourceType: resourceType, CreatedAt: r.CreatedAt}
		if _, err := s.target.rules.Add(ctx, r.Name, r.RuleBody, opts); err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("migrate rule %s: %w", r.Name, err)
		}
	}

	policies, err := listPoliciesInRange(ctx, s.source.store, minID, maxID, unbounded)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := s.migratePolicy(ctx, p, resourceType); err != nil {
			return fmt.Errorf("migrate policy %s: %w", p.Name, err)
		}
	}

	return nil
}

// migratePolicy copies one policy, redirecting to an existing target
// policy when p's body collides with one already present (typically a
// default seeded under a different id by the target's own
// Default-Resources Loader run). The collision is recorded in
// policyRemap so migrateRelationships retargets any role_policies row
// that pointed at p.ID, preserving its level — the same retargeting
// approach loader.go uses for the loader's own body collisions.
func (s *migrationState) migratePolicy(ctx context.Context, p Policy, resourceType ResourceType) error {
	opts := AddOptions{ID: p.ID, CheckDefault: false, ResourceType: resourceType, CreatedAt: p.CreatedAt}
	_, err := s.target.policies.Add(ctx, p.Name, p.Body, opts)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrAlreadyExist) {
		return err
	}

	existing, getErr := s.target.policies.GetByBody(ctx, p.Body)
	if getErr != nil {
		// Collided on name or id instead of body: nothing safe to
		// reconcile automatically, surface the original error.
		return err
	}
	if existing.ID != p.ID {
		s.policyRemap[p.ID] = existing.ID
	}
	return nil
}

// migrateRelationships copies every user_roles, role_policies, and
// role_rules row from source to target, preserving level. An endpoint
// id <= MaxReserved may not mean the same entity across schema
// versions (built-in ids can shift as the default bundles change), so
// those endpoints are rematched by name; endpoints above MaxReserved
// were just copied verbatim in migrateRange and so carry over as-is.
func (s *migrationState) migrateRelationships(ctx context.Context) error {
	userRoles, err := listUserRoles(ctx, s.source.store)
	if err != nil {
		return err
	}
	for _, ur := range userRoles {
		userID, ok, err := s.resolveUserID(ctx, ur.UserID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		roleID, ok, err := s.resolveRoleID(ctx, ur.RoleID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		level := ur.Level
		opts := RelOptions{Position: &level, ForceAdmin: true, Atomic: true, CreatedAt: ur.CreatedAt}
		if _, err := s.target.userRoles.AddRoleToUser(ctx, userID, roleID, opts); err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("migrate user_role: %w", err)
		}
	}

	rolePolicies, err := listRolePolicies(ctx, s.source.store)
	if err != nil {
		return err
	}
	for _, rp := range rolePolicies {
		roleID, ok, err := s.resolveRoleID(ctx, rp.RoleID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		policyID, ok, err := s.resolvePolicyID(ctx, rp.PolicyID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		level := rp.Level
		opts := RelOptions{Position: &level, ForceAdmin: true, Atomic: true, CreatedAt: rp.CreatedAt}
		if _, err := s.target.rolePolicies.AddPolicyToRole(ctx, roleID, policyID, opts); err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("migrate role_policy: %w", err)
		}
	}

	roleRules, err := listRoleRules(ctx, s.source.store)
	if err != nil {
		return err
	}
	for _, rr := range roleRules {
		roleID, ok, err := s.resolveRoleID(ctx, rr.RoleID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ruleID, ok, err := s.resolveRuleID(ctx, rr.RuleID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		opts := RelOptions{ForceAdmin: true, Atomic: true, CreatedAt: rr.CreatedAt}
		if _, err := s.target.roleRules.AddRuleToRole(ctx, roleID, ruleID, opts); err != nil && !errors.Is(err, ErrAlreadyExist) {
			return fmt.Errorf("migrate role_rule: %w", err)
		}
	}

	return nil
}

func (s *migrationState) resolveUserID(ctx context.Context, sourceID int64) (int64, bool, error) {
	if sourceID > MaxReserved {
		return sourceID, true, nil
	}
	u, err := s.source.users.GetByID(ctx, sourceID)
	if err != nil {
		return 0, false, nil
	}
	tu, err := s.target.users.GetByName(ctx, u.Username)
	if err != nil {
		return 0, false, nil
	}
	return tu.ID, true, nil
}

func (s *migrationState) resolveRoleID(ctx context.Context, sourceID int64) (int64, bool, error) {
	if sourceID > MaxReserved {
		return sourceID, true, nil
	}
	r, err := s.source.roles.GetByID(ctx, sourceID)
	if err != nil {
		return 0, false, nil
	}
	tr, err := s.target.roles.GetByName(ctx, r.Name)
	if err != nil {
		return 0, false, nil
	}
	return tr.ID, true, nil
}

func (s *migrationState) resolveRuleID(ctx context.Context, sourceID int64) (int64, bool, error) {
	if sourceID > MaxReserved {
		return sourceID, true, nil
	}
	r, err := s.source.rules.GetByID(ctx, sourceID)
	if err != nil {
		return 0, false, nil
	}
	tr, err := s.target.rules.GetByName(ctx, r.Name)
	if err != nil {
		return 0, false, nil
	}
	return tr.ID, true, nil
}

func (s *migrationState) resolvePolicyID(ctx context.Context, sourceID int64) (int64, bool, error) {
	if remapped, found := s.policyRemap[sourceID]; found {
		return remapped, true, nil
	}
	if sourceID > MaxReserved {
		return sourceID, true, nil
	}
	p, err := s.source.policies.GetByID(ctx, sourceID)
	if err != nil {
		return 0, false, nil
	}
	tp, err := s.target.policies.GetByName(ctx, p.Name)
	if err != nil {
		return 0, false, nil
	}
	return tp.ID, true, nil
}

// rangeClause builds "col >= ?" or "col BETWEEN ? AND ?" and the
// matching bind arguments for the id-range scans below.
func rangeClause(col string, minID, maxID int64, unbounded bool) (string, []any) {
	if unbounded {
		return col + " >= ?", []any{minID}
	}
	return col + " BETWEEN ? AND ?", []any{minID, maxID}
}

func listUsersInRange(ctx context.Context, store *Store, minID, maxID int64, unbounded bool) ([]User, error) {
	clause, args := rangeClause("id", minID, maxID, unbounded)
	query := "SELECT id, username, password_hash, allow_run_as, resource_type, created_at FROM users WHERE " + clause + " ORDER BY id"
	rows, err := store.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan users in range: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AllowRunAs, &u.ResourceType, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func listRolesInRange(ctx context.Context, store *Store, minID, maxID int64, unbounded bool) ([]Role, error) {
	clause, args := rangeClause("id", minID, maxID, unbounded)
	query := "SELECT id, name, resource_type, created_at FROM roles WHERE " + clause + " ORDER BY id"
	rows, err := store.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan roles in range: %w", err)
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r.ID, &r.Name, &r.ResourceType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func listRulesInRange(ctx context.Context, store *Store, minID, maxID int64, unbounded bool) ([]Rule, error) {
	clause, args := rangeClause("id", minID, maxID, unbounded)
	query := "SELECT id, name, rule_body, resource_type, created_at FROM rules WHERE " + clause + " ORDER BY id"
	rows, err := store.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan rules in range: %w", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.RuleBody, &r.ResourceType, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func listPoliciesInRange(ctx context.Context, store *Store, minID, maxID int64, unbounded bool) ([]Policy, error) {
	clause, args := rangeClause("id", minID, maxID, unbounded)
	query := "SELECT id, name, body, resource_type, created_at FROM policies WHERE " + clause + " ORDER BY id"
	rows, err := store.exec(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan policies in range: %w", err)
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.Name, &p.Body, &p.ResourceType, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func listUserRoles(ctx context.Context, store *Store) ([]UserRole, error) {
	rows, err := store.exec(ctx).QueryContext(ctx, "SELECT id, user_id, role_id, level, created_at FROM user_roles ORDER BY user_id, level")
	if err != nil {
		return nil, fmt.Errorf("scan user_roles: %w", err)
	}
	defer rows.Close()

	var out []UserRole
	for rows.Next() {
		var ur UserRole
		if err := rows.Scan(&ur.ID, &ur.UserID, &ur.RoleID, &ur.Level, &ur.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user_role: %w", err)
		}
		out = append(out, ur)
	}
	return out, rows.Err()
}

func listRolePolicies(ctx context.Context, store *Store) ([]RolePolicy, error) {
	rows, err := store.exec(ctx).QueryContext(ctx, "SELECT id, role_id, policy_id, level, created_at FROM role_policies ORDER BY role_id, level")
	if err != nil {
		return nil, fmt.Errorf("scan role_policies: %w", err)
	}
	defer rows.Close()

	var out []RolePolicy
	for rows.Next() {
		var rp RolePolicy
		if err := rows.Scan(&rp.ID, &rp.RoleID, &rp.PolicyID, &rp.Level, &rp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role_policy: %w", err)
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

func listRoleRules(ctx context.Context, store *Store) ([]RoleRule, error) {
	rows, err := store.exec(ctx).QueryContext(ctx, "SELECT id, role_id, rule_id, created_at FROM role_rules ORDER BY role_id, rule_id")
	if err != nil {
		return nil, fmt.Errorf("scan role_rules: %w", err)
	}
	defer rows.Close()

	var out []RoleRule
	for rows.Next() {
		var rr RoleRule
		if err := rows.Scan(&rr.ID, &rr.RoleID, &rr.RuleID, &rr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan role_rule: %w", err)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
