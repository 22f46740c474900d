package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// AddOptions parameterizes every entity manager's Add call. When
// CheckDefault is true (the normal API path) a caller-supplied id is
// ignored and the reserved-id forcing policy applies; when false (the
// Default-Resources Loader and Migration Coordinator's own path) ID is
// honored verbatim.
type AddOptions struct {
	ID           int64
	CheckDefault bool
	ResourceType ResourceType
	CreatedAt    time.Time
}

// DefaultAddOptions returns the options a normal runtime Add call uses:
// forced id policy, USER resource type, current time.
func DefaultAddOptions() AddOptions {
	return AddOptions{CheckDefault: true, ResourceType: ResourceUser}
}

// resolveInsertID decides the id a new row in table should receive.
// explicit reports whether id must be bound in the INSERT statement;
// when false the row's rowid is left to SQLite, which assigns
// max(rowid)+1 — always correct once the existing max is already beyond
// MaxReserved, which resolveInsertID itself guarantees for the
// CheckDefault path.
func resolveInsertID(ctx context.Context, q queryer, table string, opts AddOptions) (id int64, explicit bool, err error) {
	if !opts.CheckDefault {
		// The Default-Resources Loader adds built-ins without an
		// explicit id, relying on sequential auto-assignment in bundle
		// order; the Migration Coordinator always supplies one to
		// preserve the source database's ids verbatim.
		if opts.ID == 0 {
			return 0, false, nil
		}
		return opts.ID, true, nil
	}

	var maxID int64
	row := q.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(id), 0) FROM %s", table))
	if err := row.Scan(&maxID); err != nil {
		return 0, false, fmt.Errorf("query max id of %s: %w", table, err)
	}

	if forced, force := nextIDPolicy(maxID, true); force {
		return forced, true, nil
	}
	return 0, false, nil
}

// isUniqueConstraintErr reports whether err is a SQLite UNIQUE
// constraint violation, the signal the entity managers map to
// ErrAlreadyExist.
func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// canonicalJSONObject validates that raw parses as a JSON object and
// returns its canonical serialization — encoding/json marshals
// map[string]any keys in sorted order, so two inputs differing only in
// key order or insignificant whitespace normalize to the same string,
// which is what the Policy/Rule body-uniqueness constraint relies on.
func canonicalJSONObject(raw string) (string, map[string]any, error) {
	var obj map[string]any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return "", nil, fmt.Errorf("not a JSON object: %w", err)
	}
	if obj == nil {
		return "", nil, fmt.Errorf("not a JSON object")
	}

	canon, err := json.Marshal(obj)
	if err != nil {
		return "", nil, fmt.Errorf("marshal canonical form: %w", err)
	}
	return string(canon), obj, nil
}
