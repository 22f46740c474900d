package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RolePolicyManager manages the ordered Role<->Policy relationship: each
// role's policies occupy contiguous zero-based levels.
type RolePolicyManager struct {
	store    *Store
	roles    *RoleManager
	policies *PolicyManager
	clock    Clock
	cache    CacheInvalidator
}

// NewRolePolicyManager constructs a RolePolicyManager backed by store.
func NewRolePolicyManager(store *Store, roles *RoleManager, policies *PolicyManager, clock Clock, cache CacheInvalidator) *RolePolicyManager {
	return &RolePolicyManager{store: store, roles: roles, policies: policies, clock: clock, cache: cache}
}

// AddPolicyToRole links policyID to roleID at opts.Position (or
// appends). If the pair is already linked, a call without a position
// returns ErrAlreadyExist; a call with one repositions the existing
// link to it instead, keeping the surrounding levels contiguous.
// AddRoleToPolicy is its alias.
func (m *RolePolicyManager) AddPolicyToRole(ctx context.Context, roleID, policyID int64, opts RelOptions) (bool, error) {
	if !opts.ForceAdmin && isReserved(roleID) {
		return false, ErrAdminResources
	}

	run := func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		if _, err := m.policies.GetByID(ctx, policyID); err != nil {
			return err
		}

		q := m.store.exec(ctx)

		existing := false
		var existingLevel int
		var existingCreatedAt time.Time
		row := q.QueryRowContext(ctx, "SELECT level, created_at FROM role_policies WHERE role_id = ? AND policy_id = ?", roleID, policyID)
		if err := row.Scan(&existingLevel, &existingCreatedAt); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check existing role_policy: %w", err)
			}
		} else {
			if opts.Position == nil {
				return ErrAlreadyExist
			}
			// Reposition: take the existing link out, close its gap, and
			// fall through to the positioned re-insert below.
			existing = true
			if _, err := q.ExecContext(ctx, "DELETE FROM role_policies WHERE role_id = ? AND policy_id = ?", roleID, policyID); err != nil {
				return fmt.Errorf("unlink role_policy for reposition: %w", err)
			}
			if err := shiftLevelsDown(ctx, q, "role_policies", "role_id", roleID, existingLevel); err != nil {
				return err
			}
		}

		level, err := resolveInsertLevel(ctx, q, "role_policies", "role_id", roleID, opts.Position)
		if err != nil {
			return err
		}
		if opts.Position != nil {
			if err := shiftLevelsUp(ctx, q, "role_policies", "role_id", roleID, level); err != nil {
				return err
			}
		}

		createdAt := opts.CreatedAt
		if createdAt.IsZero() {
			if existing {
				createdAt = existingCreatedAt
			} else {
				createdAt = m.clock.Now()
			}
		}

		if _, err := q.ExecContext(ctx,
			"INSERT INTO role_policies (role_id, policy_id, level, created_at) VALUES (?, ?, ?, ?)",
			roleID, policyID, level, createdAt); err != nil {
			if isUniqueConstraintErr(err) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert role_policy: %w", err)
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

// AddRoleToPolicy is an alias for AddPolicyToRole.
func (m *RolePolicyManager) AddRoleToPolicy(ctx context.Context, policyID, roleID int64, opts RelOptions) (bool, error) {
	return m.AddPolicyToRole(ctx, roleID, policyID, opts)
}

// Exists reports whether roleID and policyID are linked.
func (m *RolePolicyManager) Exists(ctx context.Context, roleID, policyID int64) (bool, error) {
	if _, err := m.roles.GetByID(ctx, roleID); err != nil {
		return false, err
	}
	if _, err := m.policies.GetByID(ctx, policyID); err != nil {
		return false, err
	}
	var exists bool
	row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT 1 FROM role_policies WHERE role_id = ? AND policy_id = ?", roleID, policyID)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check role_policy: %w", err)
	}
	return true, nil
}

// ListPoliciesOfRole returns roleID's policies ordered by level ascending.
func (m *RolePolicyManager) ListPoliciesOfRole(ctx context.Context, roleID int64) ([]Policy, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, `
		SELECT p.id, p.name, p.body, p.resource_type, p.created_at
		FROM role_policies rp JOIN policies p ON p.id = rp.policy_id
		WHERE rp.role_id = ? ORDER BY rp.level ASC`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list policies of role: %w", err)
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

// ListRolesOfPolicy returns every role linked to policyID, ordered by id.
func (m *RolePolicyManager) ListRolesOfPolicy(ctx context.Context, policyID int64) ([]Role, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, `
		SELECT r.id, r.name, r.resource_type, r.created_at
		FROM role_policies rp JOIN roles r ON r.id = rp.role_id
		WHERE rp.policy_id = ? ORDER BY r.id ASC`, policyID)
	if err != nil {
		return nil, fmt.Errorf("list roles of policy: %w", err)
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

// Remove unlinks policyID from roleID, closing the level gap it leaves
// behind. Requires roleID > MaxReserved unless opts.ForceAdmin is set
// (seed and migration paths only). opts.Position is ignored.
func (m *RolePolicyManager) Remove(ctx context.Context, roleID, policyID int64, opts RelOptions) (bool, error) {
	if !opts.ForceAdmin && isReserved(roleID) {
		return false, ErrAdminResources
	}

	run := func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		if _, err := m.policies.GetByID(ctx, policyID); err != nil {
			return err
		}

		q := m.store.exec(ctx)
		var level int
		row := q.QueryRowContext(ctx, "SELECT level FROM role_policies WHERE role_id = ? AND policy_id = ?", roleID, policyID)
		if err := row.Scan(&level); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalid
			}
			return fmt.Errorf("find role_policy: %w", err)
		}

		if _, err := q.ExecContext(ctx, "DELETE FROM role_policies WHERE role_id = ? AND policy_id = ?", roleID, policyID); err != nil {
			return fmt.Errorf("delete role_policy: %w", err)
		}
		return shiftLevelsDown(ctx, q, "role_policies", "role_id", roleID, level)
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

// RemoveAllPoliciesOfRole unlinks every policy from roleID.
func (m *RolePolicyManager) RemoveAllPoliciesOfRole(ctx context.Context, roleID int64) (bool, error) {
	if isReserved(roleID) {
		return false, ErrAdminResources
	}

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		_, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM role_policies WHERE role_id = ?", roleID)
		if err != nil {
			return fmt.Errorf("remove all policies of role: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateRole(roleID)
	return true, nil
}

// RemoveAllRolesOfPolicy unlinks every role from policyID, preserving
// each affected role's level contiguity.
func (m *RolePolicyManager) RemoveAllRolesOfPolicy(ctx context.Context, policyID int64) (bool, error) {
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.policies.GetByID(ctx, policyID); err != nil {
			return err
		}
		for {
			var roleID int64
			row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT role_id FROM role_policies WHERE policy_id = ? LIMIT 1", policyID)
			if err := row.Scan(&roleID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					break
				}
				return fmt.Errorf("scan role for policy removal: %w", err)
			}
			if isReserved(roleID) {
				return ErrAdminResources
			}
			if _, err := m.Remove(ctx, roleID, policyID, RelOptions{}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateAll()
	return true, nil
}

// Replace atomically removes oldPolicyID and adds newPolicyID to
// roleID, preserving the old level unless position overrides it. On any
// sub-failure the transaction rolls back and ErrRelationshipError is
// returned.
func (m *RolePolicyManager) Replace(ctx context.Context, roleID, oldPolicyID, newPolicyID int64, position *int) (bool, error) {
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if position == nil {
			var oldLevel int
			row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT level FROM role_policies WHERE role_id = ? AND policy_id = ?", roleID, oldPolicyID)
			if err := row.Scan(&oldLevel); err == nil {
				position = &oldLevel
			}
		}

		if ok, err := m.Remove(ctx, roleID, oldPolicyID, RelOptions{}); err != nil || !ok {
			return ErrRelationshipError
		}
		opts := RelOptions{Position: position, ForceAdmin: true}
		if ok, err := m.AddPolicyToRole(ctx, roleID, newPolicyID, opts); err != nil || !ok {
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
