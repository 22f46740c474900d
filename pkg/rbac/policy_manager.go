package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var (
	actionPattern            = regexp.MustCompile(`^[A-Za-z_\-]+:[A-Za-z_\-]+$`)
	resourceComponentPattern = regexp.MustCompile(`^[A-Za-z_\-*]+:[\w_\-*]+:[\w_\-/.*]+$`)
)

// PolicyManager provides validated CRUD for Policy. A policy body is a
// JSON object with exactly the keys actions, resources, and effect; see
// validatePolicyBody for the exact grammar.
type PolicyManager struct {
	store *Store
	clock Clock
	cache CacheInvalidator
}

// NewPolicyManager constructs a PolicyManager backed by store.
func NewPolicyManager(store *Store, clock Clock, cache CacheInvalidator) *PolicyManager {
	return &PolicyManager{store: store, clock: clock, cache: cache}
}

// validatePolicyBody enforces the policy body grammar and returns its
// canonical JSON serialization. Validation failures always return
// ErrInvalid — this core never conflates a malformed body with a
// uniqueness collision, even if the malformed text happens to already
// exist verbatim in the policies table.
func validatePolicyBody(raw string) (string, error) {
	canonical, obj, err := canonicalJSONObject(raw)
	if err != nil {
		return "", ErrInvalid
	}
	if len(obj) != 3 {
		return "", ErrInvalid
	}

	actionsRaw, ok := obj["actions"]
	if !ok {
		return "", ErrInvalid
	}
	resourcesRaw, ok := obj["resources"]
	if !ok {
		return "", ErrInvalid
	}
	effectRaw, ok := obj["effect"]
	if !ok {
		return "", ErrInvalid
	}

	if _, ok := effectRaw.(string); !ok {
		return "", ErrInvalid
	}

	actions, ok := asStringSlice(actionsRaw)
	if !ok || len(actions) == 0 {
		return "", ErrInvalid
	}
	for _, a := range actions {
		if !actionPattern.MatchString(a) {
			return "", ErrInvalid
		}
	}

	resources, ok := asStringSlice(resourcesRaw)
	if !ok || len(resources) == 0 {
		return "", ErrInvalid
	}
	for _, r := range resources {
		for _, component := range splitAmpersand(r) {
			if !resourceComponentPattern.MatchString(component) {
				return "", ErrInvalid
			}
		}
	}

	return canonical, nil
}

func asStringSlice(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func splitAmpersand(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '&' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// GetByID retrieves a policy by id, or ErrPolicyNotExist.
func (m *PolicyManager) GetByID(ctx context.Context, id int64) (*Policy, error) {
	return m.scanOne(ctx, "SELECT id, name, body, resource_type, created_at FROM policies WHERE id = ?", id)
}

// GetByName retrieves a policy by name, or ErrPolicyNotExist.
func (m *PolicyManager) GetByName(ctx context.Context, name string) (*Policy, error) {
	return m.scanOne(ctx, "SELECT id, name, body, resource_type, created_at FROM policies WHERE name = ?", name)
}

// GetByBody finds a policy whose canonical body matches raw exactly, or
// ErrPolicyNotExist. Used by the Default-Resources Loader's body-collision
// handling (see loader.go).
func (m *PolicyManager) GetByBody(ctx context.Context, raw string) (*Policy, error) {
	canonical, _, err := canonicalJSONObject(raw)
	if err != nil {
		return nil, ErrInvalid
	}
	return m.scanOne(ctx, "SELECT id, name, body, resource_type, created_at FROM policies WHERE body = ?", canonical)
}

func (m *PolicyManager) scanOne(ctx context.Context, query string, arg any) (*Policy, error) {
	row := m.store.exec(ctx).QueryRowContext(ctx, query, arg)
	p := &Policy{}
	if err := row.Scan(&p.ID, &p.Name, &p.Body, &p.ResourceType, &p.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPolicyNotExist
		}
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// ListAll returns every policy ordered by id.
func (m *PolicyManager) ListAll(ctx context.Context) ([]Policy, error) {
	rows, err := m.store.exec(ctx).QueryContext(ctx, "SELECT id, name, body, resource_type, created_at FROM policies ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
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

// Add creates a new policy. body must validate per validatePolicyBody;
// failure returns ErrInvalid. Returns ErrAlreadyExist if name or the
// canonical body is already in use.
func (m *PolicyManager) Add(ctx context.Context, name, body string, opts AddOptions) (*Policy, error) {
	canonical, err := validatePolicyBody(body)
	if err != nil {
		return nil, err
	}

	createdAt := opts.CreatedAt
	if createdAt.IsZero() {
		createdAt = m.clock.Now()
	}
	resourceType := opts.ResourceType
	if resourceType == "" {
		resourceType = ResourceUser
	}

	var created *Policy
	err = m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)

		id, explicit, err := resolveInsertID(ctx, q, "policies", opts)
		if err != nil {
			return err
		}

		var execErr error
		if explicit {
			_, execErr = q.ExecContext(ctx, "INSERT INTO policies (id, name, body, resource_type, created_at) VALUES (?, ?, ?, ?, ?)", id, name, canonical, resourceType, createdAt)
		} else {
			_, execErr = q.ExecContext(ctx, "INSERT INTO policies (name, body, resource_type, created_at) VALUES (?, ?, ?, ?)", name, canonical, resourceType, createdAt)
		}
		if execErr != nil {
			if isUniqueConstraintErr(execErr) {
				return ErrAlreadyExist
			}
			return fmt.Errorf("insert policy: %w", execErr)
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

// PolicyUpdate carries the fields an Update call may change.
type PolicyUpdate struct {
	Name *string
	Body *string
}

// Update modifies an existing policy. Requires id > MaxReserved unless
// checkDefault is false. Returns (false, nil) if nothing changed.
func (m *PolicyManager) Update(ctx context.Context, id int64, upd PolicyUpdate, checkDefault bool) (bool, error) {
	if checkDefault && isReserved(id) {
		return false, ErrAdminResources
	}
	if upd.Name == nil && upd.Body == nil {
		return false, nil
	}

	var canonicalBody string
	if upd.Body != nil {
		canon, err := validatePolicyBody(*upd.Body)
		if err != nil {
			return false, err
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
			if _, err := q.ExecContext(ctx, "UPDATE policies SET name = ? WHERE id = ?", *upd.Name, id); err != nil {
				if isUniqueConstraintErr(err) {
					return ErrAlreadyExist
				}
				return fmt.Errorf("update policy name: %w", err)
			}
			changed = true
		}
		if upd.Body != nil {
			if _, err := q.ExecContext(ctx, "UPDATE policies SET body = ? WHERE id = ?", canonicalBody, id); err != nil {
				if isUniqueConstraintErr(err) {
					return ErrAlreadyExist
				}
				return fmt.Errorf("update policy body: %w", err)
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

// DeleteByID removes a policy and cascades to its relationship rows.
// Requires id > MaxReserved.
func (m *PolicyManager) DeleteByID(ctx context.Context, id int64) (bool, error) {
	if isReserved(id) {
		return false, ErrAdminResources
	}

	var deleted bool
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM policies WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete policy: %w", err)
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

// DeleteByName removes a policy by name. See DeleteByID.
func (m *PolicyManager) DeleteByName(ctx context.Context, name string) (bool, error) {
	p, err := m.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, ErrPolicyNotExist) {
			return false, nil
		}
		return false, err
	}
	return m.DeleteByID(ctx, p.ID)
}

// DeleteAll removes every non-reserved policy.
func (m *PolicyManager) DeleteAll(ctx context.Context) (int64, error) {
	var n int64
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		res, err := m.store.exec(ctx).ExecContext(ctx, "DELETE FROM policies WHERE id > ?", MaxReserved)
		if err != nil {
			return fmt.Errorf("delete all policies: %w", err)
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
