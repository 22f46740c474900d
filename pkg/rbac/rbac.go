// Package rbac is the RBAC persistence core of the security-management
// API: it owns the durable authorization model (users, roles, rules,
// policies, their ordered and unordered many-to-many relationships) and
// a short-lived token-invalidation ledger, on top of a single embedded
// SQLite database file.
//
// The package is organized around an explicit, dependency-injected
// store handle rather than a process-wide singleton database manager:
//
//   - Store (store.go, schema.go) is the Storage Engine Adapter: it
//     opens the database file, applies DDL, and exposes the
//     user_version pragma used for schema/data versioning.
//   - UserManager, RoleManager, RuleManager, PolicyManager are the
//     Entity Managers: validated CRUD honoring the reserved-id policy
//     (reserved.go).
//   - UserRoleManager, RolePolicyManager, RoleRuleManager are the
//     Relationship Managers: ordered (User<->Role, Role<->Policy) or
//     unordered (Role<->Rule) many-to-many associations with position
//     maintenance and atomic compound operations
//     (ordered_relationship.go).
//   - TokenBlacklistManager (token_blacklist.go) issues invalidation
//     rules and answers is-token-valid queries.
//   - DefaultsLoader (loader.go) seeds built-in resources from embedded
//     YAML bundles.
//   - MigrationCoordinator (migrations.go) performs the create-or-
//     migrate-and-swap sequence described on Open.
//
// Basic usage:
//
//	cfg := rbac.DefaultConfig("rbac.db", 4180)
//	core, err := rbac.Open(context.Background(), cfg, rbac.NewArgon2Hasher(),
//		rbac.NoopOwnershipFixer{}, rbac.OSSafeMover{}, rbac.NoopCacheInvalidator{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer core.Close()
//
//	role, err := core.Roles.Add(ctx, "auditor", rbac.DefaultAddOptions())
package rbac

import (
	"context"
	"time"
)

// RBAC is the facade wiring every manager to a single Store. Callers
// hold one RBAC per process (or per test); it is safe for concurrent
// use by multiple in-flight requests, each of which should carry its
// own context without holding it across request boundaries (see
// Store.WithTransaction).
type RBAC struct {
	store *Store

	Users        *UserManager
	Roles        *RoleManager
	Rules        *RuleManager
	Policies     *PolicyManager
	UserRoles    *UserRoleManager
	RolePolicies *RolePolicyManager
	RoleRules    *RoleRuleManager
	Tokens       *TokenBlacklistManager
}

// Close releases the underlying database connection.
func (r *RBAC) Close() error {
	return r.store.Close()
}

// Store exposes the underlying Storage Engine Adapter, e.g. for a
// caller that wants direct access to UserVersion or ApplySchema outside
// the managers above.
func (r *RBAC) Store() *Store { return r.store }

// storeManagers bundles every manager bound to one Store. Both the
// runtime RBAC facade and the Migration Coordinator's temp-database
// construction need this exact wiring, so it is built in one place.
type storeManagers struct {
	store        *Store
	users        *UserManager
	roles        *RoleManager
	rules        *RuleManager
	policies     *PolicyManager
	userRoles    *UserRoleManager
	rolePolicies *RolePolicyManager
	roleRules    *RoleRuleManager
	tokens       *TokenBlacklistManager
}

func newStoreManagers(store *Store, hasher PasswordHasher, clock Clock, cache CacheInvalidator, authTokenExpiry time.Duration) *storeManagers {
	users := NewUserManager(store, hasher, clock, cache)
	roles := NewRoleManager(store, clock, cache)
	rules := NewRuleManager(store, clock, cache)
	policies := NewPolicyManager(store, clock, cache)
	return &storeManagers{
		store:        store,
		users:        users,
		roles:        roles,
		rules:        rules,
		policies:     policies,
		userRoles:    NewUserRoleManager(store, users, roles, clock, cache),
		rolePolicies: NewRolePolicyManager(store, roles, policies, clock, cache),
		roleRules:    NewRoleRuleManager(store, roles, rules, clock, cache),
		tokens:       NewTokenBlacklistManager(store, clock, cache, authTokenExpiry),
	}
}

func (m *storeManagers) rbac() *RBAC {
	return &RBAC{
		store:        m.store,
		Users:        m.users,
		Roles:        m.roles,
		Rules:        m.rules,
		Policies:     m.policies,
		UserRoles:    m.userRoles,
		RolePolicies: m.rolePolicies,
		RoleRules:    m.roleRules,
		Tokens:       m.tokens,
	}
}

func (m *storeManagers) defaultsLoader(defaultsDir string) *DefaultsLoader {
	return NewDefaultsLoader(m.users, m.roles, m.rules, m.policies, m.userRoles, m.rolePolicies, m.roleRules, defaultsDir)
}

// seedDefaultsFromConfig seeds using cfg.DefaultsDir when set, matching
// the embedded bundles otherwise.
func (m *storeManagers) seedDefaultsFromConfig(ctx context.Context, cfg *Config) error {
	return NewDefaultsLoader(m.users, m.roles, m.rules, m.policies, m.userRoles, m.rolePolicies, m.roleRules, cfg.DefaultsDir).Load(ctx)
}
