package rbac

// schemaDDL creates every table this core owns. The whole schema is
// versioned with a single SQLite PRAGMA user_version (see store.go):
// an embedded single-file database has one current schema, not a chain
// of incremental migrations to replay.
const schemaDDL = `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL DEFAULT '',
    allow_run_as INTEGER NOT NULL DEFAULT 0,
    resource_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS roles (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    resource_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rules (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    rule_body TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS policies (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    body TEXT NOT NULL UNIQUE,
    resource_type TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_roles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
    level INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, role_id)
);

CREATE TABLE IF NOT EXISTS role_policies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
    policy_id INTEGER NOT NULL REFERENCES policies(id) ON DELETE CASCADE,
    level INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(role_id, policy_id)
);

CREATE TABLE IF NOT EXISTS role_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
    rule_id INTEGER NOT NULL REFERENCES rules(id) ON DELETE CASCADE,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(role_id, rule_id)
);

CREATE TABLE IF NOT EXISTS user_token_rules (
    user_id INTEGER PRIMARY KEY,
    nbf_invalid_until TIMESTAMP NOT NULL,
    is_valid_until TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS role_token_rules (
    role_id INTEGER PRIMARY KEY,
    nbf_invalid_until TIMESTAMP NOT NULL,
    is_valid_until TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS run_as_token_rules (
    singleton INTEGER PRIMARY KEY CHECK (singleton = 0),
    nbf_invalid_until TIMESTAMP NOT NULL,
    is_valid_until TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_user_roles_user ON user_roles(user_id, level);
CREATE INDEX IF NOT EXISTS idx_role_policies_role ON role_policies(role_id, level);
CREATE INDEX IF NOT EXISTS idx_role_rules_role ON role_rules(role_id);
`
