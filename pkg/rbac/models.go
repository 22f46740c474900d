package rbac

import "time"

// User is a principal that can be granted roles. Uniqueness is enforced
// on Username; PasswordHash is opaque to the core (see PasswordHasher).
//
// Fields:
//   - ID: caller-supplied or auto-assigned per the reserved-id policy
//   - Username: unique, the identity used for lookups and default bundles
//   - PasswordHash: opaque string produced by an external PasswordHasher
//   - AllowRunAs: whether this user may assume another identity
//   - ResourceType: USER, PROTECTED, or DEFAULT
//   - CreatedAt: creation timestamp (UTC)
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	AllowRunAs   bool
	ResourceType ResourceType
	CreatedAt    time.Time
}

// Role is a named collection of policies and rules that can be linked to
// users. Role 1 is a built-in that must always retain rules {1, 2}.
type Role struct {
	ID           int64
	Name         string
	ResourceType ResourceType
	CreatedAt    time.Time
}

// Rule is a named JSON document (rule_body) consumed by the authorization
// evaluation engine; this core validates only that it parses as a JSON
// object, not its internal shape.
type Rule struct {
	ID           int64
	Name         string
	RuleBody     string // canonical JSON object text
	ResourceType ResourceType
	CreatedAt    time.Time
}

// Policy is a named JSON document with exactly the keys actions,
// resources, and effect. Body is stored as canonical JSON text so
// byte-equivalent bodies are recognized as duplicates regardless of key
// order or whitespace in the caller's input.
type Policy struct {
	ID           int64
	Name         string
	Body         string // canonical JSON object text, keys sorted: {"actions":...,"effect":...,"resources":...}
	ResourceType ResourceType
	CreatedAt    time.Time
}

// UserRole links a user to a role at a zero-based position (Level) among
// that user's other role links. Levels within a user are contiguous.
type UserRole struct {
	ID        int64
	UserID    int64
	RoleID    int64
	Level     int
	CreatedAt time.Time
}

// RolePolicy links a role to a policy at a zero-based position (Level)
// among that role's other policy links. Levels within a role are
// contiguous.
type RolePolicy struct {
	ID        int64
	RoleID    int64
	PolicyID  int64
	Level     int
	CreatedAt time.Time
}

// RoleRule links a role to a rule. Unlike UserRole/RolePolicy this
// relationship is unordered — there is no Level column.
type RoleRule struct {
	ID        int64
	RoleID    int64
	RuleID    int64
	CreatedAt time.Time
}

// UserTokenRule is a blacklist ledger row: tokens issued to UserID with
// nbf <= NbfInvalidUntil are rejected until IsValidUntil passes.
type UserTokenRule struct {
	UserID         int64
	NbfInvalidUntil time.Time
	IsValidUntil    time.Time
}

// RoleTokenRule is the role-scoped equivalent of UserTokenRule.
type RoleTokenRule struct {
	RoleID          int64
	NbfInvalidUntil time.Time
	IsValidUntil    time.Time
}

// RunAsTokenRule is a singleton ledger row invalidating all "run as"
// tokens issued before NbfInvalidUntil. There is at most one row.
type RunAsTokenRule struct {
	NbfInvalidUntil time.Time
	IsValidUntil    time.Time
}
