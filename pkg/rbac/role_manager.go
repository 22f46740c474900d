package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// maxRoleNameLength enforces the 64-character cap on role names.
const maxRoleNameLength = 64

// RoleManager provides validated CRUD for Role.
type RoleManager struct {
	store *Store
	clock Clock
	cache CacheInvalidator
}

// NewRoleManager constructs a RoleManager backed by store.
func NewRoleManager(store *Store, clock Clock, cache CacheInvalidator) *RoleManager {
	return &RoleManager{store: store, clock: clock, cache: cache}
}

// GetByID retrieves a role by id, or ErrRoleNotExist.
func (m *RoleManager) GetByID(ctx context.Context, id int64) (*Role, error) {
	return m.scanOne(ctx, "SELECT id, name, resource_type, created_at FROM roles WHERE id = ?", id)
}

// GetByName retrieves a role by name, or ErrRoleNotExist.
func (m *RoleManager) GetByName(ctx context.Context, name string) (*Role, error) {
	return m.scanOne(ctx, "SELECT id, name, resource_type, created_at FROM roles WHERE name = ?", name)
}

func (m *RoleManager) scanOne(ctx context.Context, query string, arg any) (*Role, error) {
	row := m.store.exec(ctx).QueryRowContext(ctx, query, arg)
	r := &Role{}
	if err := row.Scan(&r.ID, &r.Name, &r.ResourceType, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotExist
		}
		return nil, fmt.Errorf("get role: %w", err)
	}
	return r, nil
}

// ListAll returns every role ordered by id.
func (m *RoleManager) ListAll(ctx context.Context) ([]Role, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, "SELECT id, name, resource_type, created_at FROM roles ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
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

// Add creates a new role. Returns ErrInvalid if name exceeds
// maxRoleNameLength, ErrAlreadyExist if the name is taken.
func (m *RoleManager) Add(ctx context.Context, name string, opts AddOptions) (*Role, error) {
	if len(name) == 0 || len(name) > maxRoleNameLength {
		return nil, ErrInvalid
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.clock.Now()
	}
	resourceType := opts.ResourceType
	if resourceType == "" {
		resourceType = ResourceUser
	}

	var created *Role
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)

		id, explicit, err := resolveInsertID(ctx, q, "roles", opts)
		if err != nil {
			return err
		}

		var execErr error
		if explicit {
			_, execErr = q.ExecContext(ctx, "INSERT INTO roles (id, name, resource_type, created_at) VALUES (?, ?, ?, ?)", id, name, resourceType, createdAt)
		} else {
			_, execErr = q.ExecContext(ctx, "INSERT INTO roles (name, resource_type, created_at) VALUES (?, ?, ?)", name, resourceType, createdAt)
		}
		if execErr != nil {
			if isUniqueConstraintErr(execErr) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert role: %w", execErr)
		}

		created, err = m.GetByName(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.cache.InvalidateRole(created.ID)
	return created, nil
}

// Update renames a role. Requires id > MaxReserved unless checkDefault
// is false. Returns (false, nil) if newName is nil.
func (m *RoleManager) Update(ctx context.Context, id int64, newName *string, checkDefault bool) (bool, error) {
	if checkDefault && isReserved(id) {
		return false, ErrAdminResources
	}
	if newName == nil {
		return false, nil
	}
	if len(*newName) == 0 || len(*newName) > maxRoleNameLength {
		return false, ErrInvalid
	}

	changed := false
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.GetByID(ctx, id); err != nil {
			return err
		}
		res, err := m.store.exec(ctx).ExecContext(ctx, "UPDATE roles SET name = ? WHERE id = ?", *newName, id)
		if err != nil {
			if isUniqueConstraintErr(err) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("update role: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.cache.InvalidateRole(id)
	}
	return changed, nil
}

// DeleteByID removes a role and cascades to its relationship rows.
// Requires id > MaxReserved.
func (m *RoleManager) DeleteByID(ctx context.Context, id int64) (bool, error) {
	if isReserved(id) {
		return false, ErrAdminResources
	}

	var deleted bool
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM roles WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete role: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		m.cache.InvalidateRole(id)
	}
	return deleted, nil
}

// DeleteByName removes a role by name. See DeleteByID.
func (m *RoleManager) DeleteByName(ctx context.Context, name string) (bool, error) {
	r, err := m.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrRoleNotExist) {
			return false, nil
		}
		return false, err
	}
	return m.DeleteByID(ctx, r.ID)
}

// DeleteAll removes every non-reserved role.
func (m *RoleManager) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM roles WHERE id > ?", MaxReserved)
		if err != nil {
			return fmt.Errorf("delete all roles: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.cache.InvalidateAll()
	}
	return n, nil
}
