package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UserRoleManager manages the ordered User<->Role relationship: each
// user's roles occupy contiguous zero-based levels.
type UserRoleManager struct {
	store *Store
	users *UserManager
	roles *RoleManager
	clock Clock
	cache CacheInvalidator
}

// NewUserRoleManager constructs a UserRoleManager backed by store.
func NewUserRoleManager(store *Store, users *UserManager, roles *RoleManager, clock Clock, cache CacheInvalidator) *UserRoleManager {
	return &UserRoleManager{store: store, users: users, roles: roles, clock: clock, cache: cache}
}

// AddRoleToUser links roleID to userID at opts.Position (or appends).
// If the pair is already linked, a call without a position returns
// ErrAlreadyExist; a call with one repositions the existing link to it
// instead, keeping the surrounding levels contiguous. AddUserToRole is
// its alias — both endpoints name the same operation.
func (m *UserRoleManager) AddRoleToUser(ctx context.Context, userID, roleID int64, opts RelOptions) (bool, error) {
	if !opts.ForceAdmin && isReserved(userID) {
		return false, ErrAdminResources
	}

	run := func(ctx context.Context) error {
		if _, err := m.users.GetByID(ctx, userID); err != nil {
			return err
		}
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}

		q := m.store.exec(ctx)

		existing := false
		var existingLevel int
		var existingCreatedAt time.Time
		row := q.QueryRowContext(ctx, "SELECT level, created_at FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID)
		if err := row.Scan(&existingLevel, &existingCreatedAt); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("check existing user_role: %w", err)
			}
		} else {
			if opts.Position == nil {
				return ErrAlreadyExist
			}
			// Reposition: take the existing link out, close its gap, and
			// fall through to the positioned re-insert below.
			existing = true
			if _, err := q.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID); err != nil {
				return fmt.Errorf("unlink user_role for reposition: %w", err)
			}
			if err := shiftLevelsDown(ctx, q, "user_roles", "user_id", userID, existingLevel); err != nil {
				return err
			}
		}

		level, err := resolveInsertLevel(ctx, q, "user_roles", "user_id", userID, opts.Position)
		if err != nil {
			return err
		}
		if opts.Position != nil {
			if err := shiftLevelsUp(ctx, q, "user_roles", "user_id", userID, level); err != nil {
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
			"INSERT INTO user_roles (user_id, role_id, level, created_at) VALUES (?, ?, ?, ?)",
			userID, roleID, level, createdAt); err != nil {
			if isUniqueConstraintErr(err) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert user_role: %w", err)
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
		m.cache.InvalidateUser(userID)
	}
	return true, nil
}

// AddUserToRole is an alias for AddRoleToUser.
func (m *UserRoleManager) AddUserToRole(ctx context.Context, roleID, userID int64, opts RelOptions) (bool, error) {
	return m.AddRoleToUser(ctx, userID, roleID, opts)
}

// Exists reports whether userID and roleID are linked.
func (m *UserRoleManager) Exists(ctx context.Context, userID, roleID int64) (bool, error) {
	if _, err := m.users.GetByID(ctx, userID); err != nil {
		return false, err
	}
	if _, err := m.roles.GetByID(ctx, roleID); err != nil {
		return false, err
	}
	var exists bool
	row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT 1 FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID)
	if err := row.Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check user_role: %w", err)
	}
	return true, nil
}

// ListRolesOfUser returns userID's roles ordered by level ascending.
func (m *UserRoleManager) ListRolesOfUser(ctx context.Context, userID int64) ([]Role, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, `
		SELECT r.id, r.name, r.resource_type, r.created_at
		FROM user_roles ur JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = ? ORDER BY ur.level ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list roles of user: %w", err)
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

// ListUsersOfRole returns every user linked to roleID, ordered by id.
func (m *UserRoleManager) ListUsersOfRole(ctx context.Context, roleID int64) ([]User, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, `
		SELECT u.id, u.username, u.password_hash, u.allow_run_as, u.resource_type, u.created_at
		FROM user_roles ur JOIN users u ON u.id = ur.user_id
		WHERE ur.role_id = ? ORDER BY u.id ASC`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list users of role: %w", err)
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

// Remove unlinks roleID from userID, closing the level gap it leaves
// behind. Requires userID > MaxReserved unless opts.ForceAdmin is set
// (seed and migration paths only). opts.Position is ignored.
func (m *UserRoleManager) Remove(ctx context.Context, userID, roleID int64, opts RelOptions) (bool, error) {
	if !opts.ForceAdmin && isReserved(userID) {
		return false, ErrAdminResources
	}

	run := func(ctx context.Context) error {
		if _, err := m.users.GetByID(ctx, userID); err != nil {
			return err
		}
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}

		q := m.store.exec(ctx)
		var level int
		row := q.QueryRowContext(ctx, "SELECT level FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID)
		if err := row.Scan(&level); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalid
			}
			return fmt.Errorf("find user_role: %w", err)
		}

		if _, err := q.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ? AND role_id = ?", userID, roleID); err != nil {
			return fmt.Errorf("delete user_role: %w", err)
		}
		return shiftLevelsDown(ctx, q, "user_roles", "user_id", userID, level)
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
		m.cache.InvalidateUser(userID)
	}
	return true, nil
}

// RemoveAllRolesOfUser unlinks every role from userID.
func (m *UserRoleManager) RemoveAllRolesOfUser(ctx context.Context, userID int64) (bool, error) {
	if isReserved(userID) {
		return false, ErrAdminResources
	}

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.users.GetByID(ctx, userID); err != nil {
			return err
		}
		_, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", userID)
		if err != nil {
			return fmt.Errorf("remove all roles of user: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateUser(userID)
	return true, nil
}

// RemoveAllUsersOfRole unlinks every user from roleID.
func (m *UserRoleManager) RemoveAllUsersOfRole(ctx context.Context, roleID int64) (bool, error) {
	if isReserved(roleID) {
		return false, ErrAdminResources
	}

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.roles.GetByID(ctx, roleID); err != nil {
			return err
		}
		// Each affected user's level sequence must stay contiguous, so
		// rows are removed one at a time rather than in bulk.
		for {
			var userID int64
			row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT user_id FROM user_roles WHERE role_id = ? LIMIT 1", roleID)
			if err := row.Scan(&userID); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					break
				}
				return fmt.Errorf("scan user for role removal: %w", err)
			}
			if _, err := m.Remove(ctx, userID, roleID, RelOptions{}); err != nil {
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

// Replace atomically removes oldRoleID and adds newRoleID to userID,
// preserving oldRoleID's level unless position overrides it. On any
// sub-failure the transaction rolls back and ErrRelationshipError is
// returned.
func (m *UserRoleManager) Replace(ctx context.Context, userID, oldRoleID, newRoleID int64, position *int) (bool, error) {
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if position == nil {
			var oldLevel int
			row := m.store.exec(ctx).QueryRowContext(ctx, "SELECT level FROM user_roles WHERE user_id = ? AND role_id = ?", userID, oldRoleID)
			if err := row.Scan(&oldLevel); err == nil {
				position = &oldLevel
			}
		}

		if ok, err := m.Remove(ctx, userID, oldRoleID, RelOptions{}); err != nil || !ok {
			return ErrRelationshipError
		}
		opts := RelOptions{Position: position, ForceAdmin: true}
		if ok, err := m.AddRoleToUser(ctx, userID, newRoleID, opts); err != nil || !ok {
			return ErrRelationshipError
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	m.cache.InvalidateUser(userID)
	return true, nil
}
