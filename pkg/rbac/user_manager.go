package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UserManager provides validated CRUD for User, honoring the reserved-id
// policy: ids <= MaxReserved cannot be updated or deleted through this
// manager. Only Update can bypass this, when called with
// checkDefault=false; deleting a reserved user is always refused.
type UserManager struct {
	store  *Store
	hasher PasswordHasher
	clock  Clock
	cache  CacheInvalidator
}

// NewUserManager constructs a UserManager backed by store.
func NewUserManager(store *Store, hasher PasswordHasher, clock Clock, cache CacheInvalidator) *UserManager {
	return &UserManager{store: store, hasher: hasher, clock: clock, cache: cache}
}

// GetByID retrieves a user by id, or ErrUserNotExist.
func (m *UserManager) GetByID(ctx context.Context, id int64) (*User, error) {
	return m.scanOne(ctx, "SELECT id, username, password_hash, allow_run_as, resource_type, created_at FROM users WHERE id = ?", id)
}

// GetByName retrieves a user by username, or ErrUserNotExist.
func (m *UserManager) GetByName(ctx context.Context, username string) (*User, error) {
	return m.scanOne(ctx, "SELECT id, username, password_hash, allow_run_as, resource_type, created_at FROM users WHERE username = ?", username)
}

func (m *UserManager) scanOne(ctx context.Context, query string, arg any) (*User, error) {
	row := m.store.exec(ctx).QueryRowContext(ctx, query, arg)
	u := &User{}
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.AllowRunAs, &u.ResourceType, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// ListAll returns every user ordered by id.
func (m *UserManager) ListAll(ctx context.Context) ([]User, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, "SELECT id, username, password_hash, allow_run_as, resource_type, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
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

// Add creates a new user. password is hashed via the configured
// PasswordHasher before storage; the core never stores or compares
// plaintext. Returns ErrAlreadyExist if username is already taken.
func (m *UserManager) Add(ctx context.Context, username, password string, allowRunAs bool, opts AddOptions) (*User, error) {
	hash, err := m.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	return m.addWithHash(ctx, username, hash, allowRunAs, opts)
}

// AddPrehashed creates a user from an already-computed password hash
// rather than plaintext, so the Migration Coordinator can copy a user
// row across databases without rehashing (and thereby invalidating) its
// existing credential.
func (m *UserManager) AddPrehashed(ctx context.Context, username, passwordHash string, allowRunAs bool, opts AddOptions) (*User, error) {
	return m.addWithHash(ctx, username, passwordHash, allowRunAs, opts)
}

func (m *UserManager) addWithHash(ctx context.Context, username, hash string, allowRunAs bool, opts AddOptions) (*User, error) {
	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.clock.Now()
	}
	resourceType := opts.ResourceType
	if resourceType == "" {
		resourceType = ResourceUser
	}

	var created *User
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)

		id, explicit, err := resolveInsertID(ctx, q, "users", opts)
		if err != nil {
			return err
		}

		var execErr error
		if explicit {
			_, execErr = q.ExecContext(ctx,
				"INSERT INTO users (id, username, password_hash, allow_run_as, resource_type, created_at) VALUES (?, ?, ?, ?, ?, ?)",
				id, username, hash, allowRunAs, resourceType, createdAt)
		} else {
			_, execErr = q.ExecContext(ctx,
				"INSERT INTO users (username, password_hash, allow_run_as, resource_type, created_at) VALUES (?, ?, ?, ?, ?)",
				username, hash, allowRunAs, resourceType, createdAt)
		}
		if execErr != nil {
			if isUniqueConstraintErr(execErr) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert user: %w", execErr)
		}

		created, err = m.GetByName(ctx, username)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.cache.InvalidateUser(created.ID)
	return created, nil
}

// UserUpdate carries the fields an Update call may change; nil fields
// are left untouched. Update is a no-op (returns false, nil) if every
// field is nil.
type UserUpdate struct {
	Password   *string
	AllowRunAs *bool
}

// Update modifies an existing user. Requires id > MaxReserved unless
// checkDefault is false (loader/migration path). Returns (false, nil)
// if nothing changed, ErrAdminResources for a reserved id, or
// ErrUserNotExist if the id is unknown.
func (m *UserManager) Update(ctx context.Context, id int64, upd UserUpdate, checkDefault bool) (bool, error) {
	if checkDefault && isReserved(id) {
		return false, ErrAdminResources
	}
	if upd.Password == nil && upd.AllowRunAs == nil {
		return false, nil
	}

	changed := false
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.GetByID(ctx, id); err != nil {
			return err
		}

		q := m.store.exec(ctx)
		if upd.Password != nil {
			hash, err := m.hasher.Hash(*upd.Password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			if _, err := q.ExecContext(ctx, "UPDATE users SET password_hash = ? WHERE id = ?", hash, id); err != nil {
				return fmt.Errorf("update password: %w", err)
			}
			changed = true
		}
		if upd.AllowRunAs != nil {
			if _, err := q.ExecContext(ctx, "UPDATE users SET allow_run_as = ? WHERE id = ?", *upd.AllowRunAs, id); err != nil {
				return fmt.Errorf("update allow_run_as: %w", err)
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if changed {
		m.cache.InvalidateUser(id)
	}
	return changed, nil
}

// DeleteByID removes a user and cascades to its relationship rows.
// Requires id > MaxReserved. Returns (false, nil) if the user does not
// exist.
func (m *UserManager) DeleteByID(ctx context.Context, id int64) (bool, error) {
	if isReserved(id) {
		return false, ErrAdminResources
	}

	var deleted bool
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		deleted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}

	if deleted {
		m.cache.InvalidateUser(id)
	}
	return deleted, nil
}

// DeleteByName removes a user by username. See DeleteByID.
func (m *UserManager) DeleteByName(ctx context.Context, username string) (bool, error) {
	u, err := m.GetByName(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotExist) {
			return false, nil
		}
		return false, err
	}
	return m.DeleteByID(ctx, u.ID)
}

// DeleteAll removes every non-reserved user. Reserved users are left
// untouched, matching the reserved-id policy for bulk operations.
func (m *UserManager) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM users WHERE id > ?", MaxReserved)
		if err != nil {
			return fmt.Errorf("delete all users: %w", err)
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
