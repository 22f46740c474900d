package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RuleManager provides validated CRUD for Rule. rule_body is validated
// only for shape (must parse as a JSON object) — its contents are
// opaque to this core, consumed by the authorization evaluation engine.
type RuleManager struct {
	store *Store
	clock Clock
	cache CacheInvalidator
}

// NewRuleManager constructs a RuleManager backed by store.
func NewRuleManager(store *Store, clock Clock, cache CacheInvalidator) *RuleManager {
	return &RuleManager{store: store, clock: clock, cache: cache}
}

// GetByID retrieves a rule by id, or ErrRuleNotExist.
func (m *RuleManager) GetByID(ctx context.Context, id int64) (*Rule, error) {
	return m.scanOne(ctx, "SELECT id, name, rule_body, resource_type, created_at FROM rules WHERE id = ?", id)
}

// GetByName retrieves a rule by name, or ErrRuleNotExist.
func (m *RuleManager) GetByName(ctx context.Context, name string) (*Rule, error) {
	return m.scanOne(ctx, "SELECT id, name, rule_body, resource_type, created_at FROM rules WHERE name = ?", name)
}

func (m *RuleManager) scanOne(ctx context.Context, query string, arg any) (*Rule, error) {
	row := m.store.exec(ctx).QueryRowContext(ctx, query, arg)
	r := &Rule{}
	if err := row.Scan(&r.ID, &r.Name, &r.RuleBody, &r.ResourceType, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotExist
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

// ListAll returns every rule ordered by id.
func (m *RuleManager) ListAll(ctx context.Context) ([]Rule, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, "SELECT id, name, rule_body, resource_type, created_at FROM rules ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
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

// Add creates a new rule. ruleBody must parse as a JSON object; failure
// returns ErrInvalid without touching the database.
func (m *RuleManager) Add(ctx context.Context, name, ruleBody string, opts AddOptions) (*Rule, error) {
	canonical, _, err := canonicalJSONObject(ruleBody)
	if err != nil {
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

	var created *Rule
	err = m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)

		id, explicit, err := resolveInsertID(ctx, q, "rules", opts)
		if err != nil {
			return err
		}

		var execErr error
		if explicit {
			_, execErr = q.ExecContext(ctx, "INSERT INTO rules (id, name, rule_body, resource_type, created_at) VALUES (?, ?, ?, ?, ?)", id, name, canonical, resourceType, createdAt)
		} else {
			_, execErr = q.ExecContext(ctx, "INSERT INTO rules (name, rule_body, resource_type, created_at) VALUES (?, ?, ?, ?)", name, canonical, resourceType, createdAt)
		}
		if execErr != nil {
			if isUniqueConstraintErr(execErr) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert rule: %w", execErr)
		}

		created, err = m.GetByName(ctx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.cache.InvalidateAll()
	return created, nil
}

// RuleUpdate carries the fields an Update call may change.
type RuleUpdate struct {
	Name     *string
	RuleBody *string
}

// Update modifies an existing rule. Requires id > MaxReserved unless
// checkDefault is false. Returns (false, nil) if nothing changed.
func (m *RuleManager) Update(ctx context.Context, id int64, upd RuleUpdate, checkDefault bool) (bool, error) {
	if checkDefault && isReserved(id) {
		return false, ErrAdminResources
	}
	if upd.Name == nil && upd.RuleBody == nil {
		return false, nil
	}

	var canonicalBody string
	if upd.RuleBody != nil {
		canon, _, err := canonicalJSONObject(*upd.RuleBody)
		if err != nil {
			return false, ErrInvalid
		}
		canonicalBody = canon
	}

	changed := false
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := m.GetByID(ctx, id); err != nil {
			return err
		}
		q := m.store.exec(ctx)

		if upd.Name != nil {
			if _, err := q.ExecContext(ctx, "UPDATE rules SET name = ? WHERE id = ?", *upd.Name, id); err != nil {
				if isUniqueConstraintErr(err) {
					return ErrAlreadyExist
				}
				return fmt.Errorf("update rule name: %w", err)
			}
			changed = true
		}
		if upd.RuleBody != nil {
			if _, err := q.ExecContext(ctx, "UPDATE rules SET rule_body = ? WHERE id = ?", canonicalBody, id); err != nil {
				return fmt.Errorf("update rule body: %w", err)
			}
			changed = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.cache.InvalidateAll()
	}
	return changed, nil
}

// DeleteByID removes a rule and cascades to its relationship rows.
// Requires id > MaxReserved.
func (m *RuleManager) DeleteByID(ctx context.Context, id int64) (bool, error) {
	if isReserved(id) {
		return false, ErrAdminResources
	}

	var deleted bool
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM rules WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete rule: %w", err)
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
		m.cache.InvalidateAll()
	}
	return deleted, nil
}

// DeleteByName removes a rule by name. See DeleteByID.
func (m *RuleManager) DeleteByName(ctx context.Context, name string) (bool, error) {
	r, err := m.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrRuleNotExist) {
			return false, nil
		}
		return false, err
	}
	return m.DeleteByID(ctx, r.ID)
}

// DeleteAll removes every non-reserved rule.
func (m *RuleManager) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM rules WHERE id > ?", MaxReserved)
		if err != nil {
			return fmt.Errorf("delete all rules: %w", err)
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
