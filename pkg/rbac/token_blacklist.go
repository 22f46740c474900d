package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TokenBlacklistManager is the Token Blacklist Manager: it issues
// invalidation rules and answers whether a bearer token, identified only
// by its nbf ("not-before") timestamp and the subject(s) it was issued
// for, is still valid. Once a rule is recorded for a subject, every
// token whose nbf does not postdate the rule is rejected until the
// rule's own IsValidUntil passes — see AddRules.
type TokenBlacklistManager struct {
	store *Store
	clock Clock
	cache CacheInvalidator
	// authTokenExpiry bounds how long a freshly recorded rule must
	// outlive the tokens it invalidates: IsValidUntil = now +
	// authTokenExpiry, which must be >= the lifetime of any token this
	// service issues or the rule could expire while invalidated tokens
	// are still technically unexpired.
	authTokenExpiry time.Duration
}

// NewTokenBlacklistManager constructs a TokenBlacklistManager backed by
// store. authTokenExpiry should match the issuing service's token
// lifetime.
func NewTokenBlacklistManager(store *Store, clock Clock, cache CacheInvalidator, authTokenExpiry time.Duration) *TokenBlacklistManager {
	return &TokenBlacklistManager{store: store, clock: clock, cache: cache, authTokenExpiry: authTokenExpiry}
}

// IsTokenValid reports whether a token issued at tokenNbf is still
// valid for the given subjects. userID and roleID are optional (zero
// means "not applicable"); runAs restricts the run-as ledger check to
// tokens actually granted through the run-as endpoint. Per-subject, the
// token is valid iff no ledger row exists for it, or tokenNbf postdates
// the row's NbfInvalidUntil. All three checks must pass.
func (m *TokenBlacklistManager) IsTokenValid(ctx context.Context, tokenNbf time.Time, userID, roleID int64, runAs bool) (bool, error) {
	q := m.store.exec(ctx)

	if userID != 0 {
		var nbfInvalidUntil time.Time
		row := q.QueryRowContext(ctx, "SELECT nbf_invalid_until FROM user_token_rules WHERE user_id = ?", userID)
		if err := row.Scan(&nbfInvalidUntil); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return false, fmt.Errorf("query user token rule: %w", err)
			}
		} else if !tokenNbf.After(nbfInvalidUntil) {
			return false, nil
		}
	}

	if roleID != 0 {
		var nbfInvalidUntil time.Time
		row := q.QueryRowContext(ctx, "SELECT nbf_invalid_until FROM role_token_rules WHERE role_id = ?", roleID)
		if err := row.Scan(&nbfInvalidUntil); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return false, fmt.Errorf("query role token rule: %w", err)
			}
		} else if !tokenNbf.After(nbfInvalidUntil) {
			return false, nil
		}
	}

	if runAs {
		var nbfInvalidUntil time.Time
		row := q.QueryRowContext(ctx, "SELECT nbf_invalid_until FROM run_as_token_rules WHERE singleton = 0")
		if err := row.Scan(&nbfInvalidUntil); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return false, fmt.Errorf("query run-as token rule: %w", err)
			}
		} else if !tokenNbf.After(nbfInvalidUntil) {
			return false, nil
		}
	}

	return true, nil
}

// GetUserRule returns the blacklist rule recorded for userID, or
// ErrTokenRuleNotExist when the ledger has no row for it.
func (m *TokenBlacklistManager) GetUserRule(ctx context.Context, userID int64) (*UserTokenRule, error) {
	r := &UserTokenRule{UserID: userID}
	row := m.store.exec(ctx).QueryRowContext(ctx,
		"SELECT nbf_invalid_until, is_valid_until FROM user_token_rules WHERE user_id = ?", userID)
	if err := row.Scan(&r.NbfInvalidUntil, &r.IsValidUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenRuleNotExist
		}
		return nil, fmt.Errorf("get user token rule: %w", err)
	}
	return r, nil
}

// GetRoleRule returns the blacklist rule recorded for roleID, or
// ErrTokenRuleNotExist.
func (m *TokenBlacklistManager) GetRoleRule(ctx context.Context, roleID int64) (*RoleTokenRule, error) {
	r := &RoleTokenRule{RoleID: roleID}
	row := m.store.exec(ctx).QueryRowContext(ctx,
		"SELECT nbf_invalid_until, is_valid_until FROM role_token_rules WHERE role_id = ?", roleID)
	if err := row.Scan(&r.NbfInvalidUntil, &r.IsValidUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenRuleNotExist
		}
		return nil, fmt.Errorf("get role token rule: %w", err)
	}
	return r, nil
}

// GetRunAsRule returns the singleton run-as blacklist rule, or
// ErrTokenRuleNotExist when none has been recorded.
func (m *TokenBlacklistManager) GetRunAsRule(ctx context.Context) (*RunAsTokenRule, error) {
	r := &RunAsTokenRule{}
	row := m.store.exec(ctx).QueryRowContext(ctx,
		"SELECT nbf_invalid_until, is_valid_until FROM run_as_token_rules WHERE singleton = 0")
	if err := row.Scan(&r.NbfInvalidUntil, &r.IsValidUntil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTokenRuleNotExist
		}
		return nil, fmt.Errorf("get run-as token rule: %w", err)
	}
	return r, nil
}

// AddRules invalidates every token issued at or before now for each user in
// users and each role in roles, and, if runAs is true, every run-as
// token. For each subject any existing rule is replaced rather than
// stacked — the ledger holds at most one row per subject. On success
// the external decision cache is invalidated exactly once.
func (m *TokenBlacklistManager) AddRules(ctx context.Context, users, roles []int64, runAs bool) error {
	now := m.clock.Now()
	validUntil := now.Add(m.authTokenExpiry)

	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)

		for _, userID := range users {
			if _, err := q.ExecContext(ctx, "DELETE FROM user_token_rules WHERE user_id = ?", userID); err != nil {
				return fmt.Errorf("clear user token rule: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				"INSERT INTO user_token_rules (user_id, nbf_invalid_until, is_valid_until) VALUES (?, ?, ?)",
				userID, now, validUntil); err != nil {
				return fmt.Errorf("insert user token rule: %w", err)
			}
		}

		for _, roleID := range roles {
			if _, err := q.ExecContext(ctx, "DELETE FROM role_token_rules WHERE role_id = ?", roleID); err != nil {
				return fmt.Errorf("clear role token rule: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				"INSERT INTO role_token_rules (role_id, nbf_invalid_until, is_valid_until) VALUES (?, ?, ?)",
				roleID, now, validUntil); err != nil {
				return fmt.Errorf("insert role token rule: %w", err)
			}
		}

		if runAs {
			if _, err := q.ExecContext(ctx, "DELETE FROM run_as_token_rules WHERE singleton = 0"); err != nil {
				return fmt.Errorf("clear run-as token rule: %w", err)
			}
			if _, err := q.ExecContext(ctx,
				"INSERT INTO run_as_token_rules (singleton, nbf_invalid_until, is_valid_until) VALUES (0, ?, ?)",
				now, validUntil); err != nil {
				return fmt.Errorf("insert run-as token rule: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.cache.InvalidateAll()
	return nil
}

// DeleteExpired removes every ledger row whose IsValidUntil has already
// passed. Safe to call repeatedly. On success the external decision
// cache is invalidated exactly once.
func (m *TokenBlacklistManager) DeleteExpired(ctx context.Context) error {
	now := m.clock.Now()
	err := m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)
		if _, err := q.ExecContext(ctx, "DELETE FROM user_token_rules WHERE ? > is_valid_until", now); err != nil {
			return fmt.Errorf("delete expired user token rules: %w", err)
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM role_token_rules WHERE ? > is_valid_until", now); err != nil {
			return fmt.Errorf("delete expired role token rules: %w", err)
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM run_as_token_rules WHERE ? > is_valid_until", now); err != nil {
			return fmt.Errorf("delete expired run-as token rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.cache.InvalidateAll()
	return nil
}

// DeleteAll truncates all three ledgers and returns the number of user
// rules and role rules removed, each counted from its own ledger's
// RowsAffected so the two are never conflated. The external decision
// cache is invalidated once when any row, run-as included, was removed.
func (m *TokenBlacklistManager) DeleteAll(ctx context.Context) (usersDeleted, rolesDeleted int64, err error) {
	var runAsDeleted int64
	err = m.store.WithTransaction(ctx, func(ctx context.Context) error {
		q := m.store.exec(ctx)

		res, execErr := q.ExecContext(ctx, "DELETE FROM user_token_rules")
		if execErr != nil {
			return fmt.Errorf("delete all user token rules: %w", execErr)
		}
		if usersDeleted, execErr = res.RowsAffected(); execErr != nil {
			return execErr
		}

		res, execErr = q.ExecContext(ctx, "DELETE FROM role_token_rules")
		if execErr != nil {
			return fmt.Errorf("delete all role token rules: %w", execErr)
		}
		if rolesDeleted, execErr = res.RowsAffected(); execErr != nil {
			return execErr
		}

		res, execErr = q.ExecContext(ctx, "DELETE FROM run_as_token_rules")
		if execErr != nil {
			return fmt.Errorf("delete all run-as token rules: %w", execErr)
		}
		runAsDeleted, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return 0, 0, err
	}

	if usersDeleted > 0 || rolesDeleted > 0 || runAsDeleted > 0 {
		m.cache.InvalidateAll()
	}
	return usersDeleted, rolesDeleted, nil
}
