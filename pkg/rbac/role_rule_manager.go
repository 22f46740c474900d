package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RoleRuleManager manages the unordered Role<->Rule relationship. Unlike
// UserRoleManager and RolePolicyManager, membership here carries no
// level/position — a role's rules are an unordered set.
type RoleRuleManager struct {
	store *Store
	roles *RoleManager
	rules *RuleManager
	clock Clock
	cache CacheInvalidator
}

// NewRoleRuleManager constructs a RoleRuleManager backed by store.
func NewRoleRuleManager(store *Store, roles *RoleManager, rules *RuleManager, clock Clock, cache CacheInvalidator) *RoleRuleManager {
	return &RoleRuleManager{store: store, roles: roles, rules: rules, clock: clock, cache: cache}
}

// AddRuleToRole links ruleID to roleID. AddRoleToRule is its alias.
func (m *RoleRuleManager) AddRuleToRole(ctx context.Context, roleID, ruleID int64, opts RelOptions) (bool, error) {
	if !opts.ForceAdmin && isReserved(roleID) {
		return false, ErrAdminResources
	}

	run := func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		if _, err := m.rules.GetByID(ctx, ruleID); err != nil {
			return err
		}

		createdAt := opts.CreatedAt
		if createdAt.IsZero() {
			createdAt = m.clock.Now()
		}

		_, err := m.store.exec(ctx).ExecContext(ctx,
			"INSERT INTO role_rules (role_id, rule_id, created_at) VALUES (?, ?, ?)",
			roleID, ruleID, createdAt)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert role_rule: %w", err)
		}
		return nil
	}

	var err error
	if opts.Atomic {
		err = m.store.WithTransaction(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return false, err
	}

	// Non-atomic calls are inner steps of a compound operation, which
	// invalidates once itself at its own boundary.
	if opts.Atomic {
		m.cache.InvalidateRole(roleID)
	}
	return true, nil
}

// AddRoleToRule is an alias for AddRuleToRole.
func (m *RoleRuleManager) AddRoleToRule(ctx context.Context, ruleID, roleID int64, opts RelOptions) (bool, error) {
	return m.AddRuleToRole(ctx, roleID, ruleID, opts)
}

// Exists reports whether roleID and ruleID are linked.
func (m *RoleRuleManager) Exists(ctx context.Context, roleID, ruleID int64) (bool, error) {
	if _, err := m.roles.GetByID(ctx, roleID); err != nil {
		return false, err
	}
	if _, err := m.rules.GetByID(ctx, ruleID); err != nil {
		return false, err
	}
	var exists bool
	row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT 1 FROM role_rules WHERE role_id = ? AND rule_id = ?", roleID, ruleID)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check role_rule: %w", err)
	}
	return true, nil
}

// ListRulesOfRole returns every rule linked to roleID, ordered by id.
func (m *RoleRuleManager) ListRulesOfRole(ctx context.Context, roleID int64) ([]Rule, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, `
		SELECT ru.id, ru.name, ru.rule_body, ru.resource_type, ru.created_at
		FROM role_rules rr JOIN rules ru ON ru.id = rr.rule_id
		WHERE rr.role_id = ? ORDER BY ru.id ASC`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list rules of role: %w", err)
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

// ListRolesOfRule returns every role linked to ruleID, ordered by id.
func (m *RoleRuleManager) ListRolesOfRule(ctx context.Context, ruleID int64) ([]Role, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, `
		SELECT r.id, r.name, r.resource_type, r.created_at
		FROM role_rules rr JOIN roles r ON r.id = rr.role_id
		WHERE rr.rule_id = ? ORDER BY r.id ASC`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("list roles of rule: %w", err)
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

// requiredRuleGuard returns ErrConstraintError if removing ruleID from
// roleID would strip role 1 of one of its required rules.
func requiredRuleGuard(roleID, ruleID int64) error {
	if roleID != requiredRoleID {
		return nil
	}
	if _, required := requiredRuleIDs()[ruleID]; required {
		return ErrConstraintError
	}
	return nil
}

// Remove unlinks ruleID from roleID. Returns ErrConstraintError if this
// would strip a required rule from role 1 — that refusal holds even for
// opts.ForceAdmin callers, since role 1's rule set is a domain
// invariant, not an admin convenience. Otherwise requires roleID >
// MaxReserved unless opts.ForceAdmin is set.
func (m *RoleRuleManager) Remove(ctx context.Context, roleID, ruleID int64, opts RelOptions) (bool, error) {
	if err := requiredRuleGuard(roleID, ruleID); err != nil {
		return false, err
	}
	if !opts.ForceAdmin && isReserved(roleID) {
		return false, ErrAdminResources
	}

	run := func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		if _, err := m.rules.GetByID(ctx, ruleID); err != nil {
			return err
		}

		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM role_rules WHERE role_id = ? AND rule_id = ?", roleID, ruleID)
		if err != nil {
			return fmt.Errorf("delete role_rule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInvalid
		}
		return nil
	}

	var err error
	if opts.Atomic {
		err = m.store.WithTransaction(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return false, err
	}

	if opts.Atomic {
		m.cache.InvalidateRole(roleID)
	}
	return true, nil
}

// RemoveAllRulesOfRole unlinks every rule from roleID. For role 1 the
// call is refused outright with ErrConstraintError, since it would strip
// the required rules ({1, 2}).
func (m *RoleRuleManager) RemoveAllRulesOfRole(ctx context.Context, roleID int64) (bool, error) {
	if roleID == requiredRoleID {
		return false, ErrConstraintError
	}

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		if _, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM role_rules WHERE role_id = ?", roleID); err != nil {
			return fmt.Errorf("remove all rules of role: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateRole(roleID)
	return true, nil
}

// RemoveAllRolesOfRule unlinks every role from ruleID. Refused with
// ErrConstraintError when ruleID is one of role 1's required rules,
// since the sweep would sever that link along with the rest.
func (m *RoleRuleManager) RemoveAllRolesOfRule(ctx context.Context, ruleID int64) (bool, error) {
	if _, required := requiredRuleIDs()[ruleID]; required {
		return false, ErrConstraintError
	}

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.rules.GetByID(ctx, ruleID); err != nil {
			return err
		}
		if _, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM role_rules WHERE rule_id = ?", ruleID); err != nil {
			return fmt.Errorf("remove all roles of rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateAll()
	return true, nil
}

// Replace atomically removes oldRuleID and adds newRuleID to roleID.
// Refuses (ErrConstraintError) if oldRuleID is required by role 1.
func (m *RoleRuleManager) Replace(ctx context.Context, roleID, oldRuleID, newRuleID int64) (bool, error) {
	if err := requiredRuleGuard(roleID, oldRuleID); err != nil {
		return false, err
	}

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if ok, err := m.Remove(ctx, roleID, oldRuleID, RelOptions{}); err != nil || !ok {
			return ErrRelationshipError
		}
		opts := RelOptions{ForceAdmin: true}
		if ok, err := m.AddRuleToRole(ctx, roleID, newRuleID, opts); err != nil || !ok {
			return ErrRelationshipError
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateRole(roleID)
	return true, nil
}
