package rbac

import (
	"context"
	"fmt"
	"time"
)

// RelOptions parameterizes a relationship manager's Add/Remove calls.
// Position is only meaningful for ordered relationships (User<->Role,
// Role<->Policy); Role<->Rule ignores it.
type RelOptions struct {
	Position   *int
	CreatedAt  time.Time
	ForceAdmin bool
	Atomic     bool
}

// DefaultRelOptions returns the options a normal runtime relationship
// call uses: append (no explicit position), atomic, non-admin.
func DefaultRelOptions() RelOptions {
	return RelOptions{Atomic: true}
}

// countChildren returns how many rows in table reference parentID via
// parentCol — equivalently, one past the highest existing level, since
// levels are maintained contiguously.
func countChildren(ctx context.Context, q queryer, table, parentCol string, parentID int64) (int, error) {
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, parentCol)
	if err := q.QueryRowContext(ctx, query, parentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count children of %s: %w", table, err)
	}
	return n, nil
}

// shiftLevelsUp moves every row at level >= fromLevel up by one,
// opening a gap for an insertion at fromLevel. This is a single
// set-based UPDATE; per-row ordering does not matter because level is
// not part of any unique constraint.
func shiftLevelsUp(ctx context.Context, q queryer, table, parentCol string, parentID int64, fromLevel int) error {
	query := fmt.Sprintf("UPDATE %s SET level = level + 1 WHERE %s = ? AND level >= ?", table, parentCol)
	if _, err := q.ExecContext(ctx, query, parentID, fromLevel); err != nil {
		return fmt.Errorf("shift levels up in %s: %w", table, err)
	}
	return nil
}

// shiftLevelsDown moves every row at level > removedLevel down by one,
// closing the gap left by a removal.
func shiftLevelsDown(ctx context.Context, q queryer, table, parentCol string, parentID int64, removedLevel int) error {
	query := fmt.Sprintf("UPDATE %s SET level = level - 1 WHERE %s = ? AND level > ?", table, parentCol)
	if _, err := q.ExecContext(ctx, query, parentID, removedLevel); err != nil {
		return fmt.Errorf("shift levels down in %s: %w", table, err)
	}
	return nil
}

// resolveInsertLevel computes the level a newly inserted child should
// take: position capped at the current child count if given, or the
// count itself (append) if not.
func resolveInsertLevel(ctx context.Context, q queryer, table, parentCol string, parentID int64, position *int) (int, error) {
	count, err := countChildren(ctx, q, table, parentCol, parentID)
	if err != nil {
		return 0, err
	}
	if position == nil {
		return count, nil
	}
	if *position < 0 {
		return 0, nil
	}
	if *position > count {
		return count, nil
	}
	return *position, nil
}
