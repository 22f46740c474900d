package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store is the Storage Engine Adapter: it owns the single embedded
// database file, applies DDL, and exposes PRAGMA user_version as the
// schema/data version used by the Migration/Integrity Coordinator. All
// Entity and Relationship Managers hold a *Store and never open their
// own connection.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// openStore opens (creating if absent) the SQLite database at path and
// configures it for single-writer embedded use: WAL journaling, foreign
// keys enabled (the orphan sweeper is expressed as ON DELETE CASCADE —
// see schema.go), and a busy timeout so concurrent callers block briefly
// instead of failing immediately on SQLITE_BUSY. Callers outside the
// Migration Coordinator go through the package-level Open facade
// (setup.go) instead.
func openStore(path string, busyTimeout time.Duration, logger zerolog.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single embedded writer, per the concurrency model

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	return &Store{db: db, path: path, logger: logger}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path this Store was opened with.
func (s *Store) Path() string { return s.path }

// ApplySchema creates every table this core owns if they are not already
// present. Safe to call on every startup.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UserVersion reads the schema/data version from PRAGMA user_version.
func (s *Store) UserVersion(ctx context.Context) (int, error) {
	var version int
	row := s.db.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion writes PRAGMA user_version. SQLite does not support bind
// parameters inside a PRAGMA statement, so the integer is formatted
// directly; version is always an internally computed int, never raw user
// input, so this is not an injection risk.
func (s *Store) SetUserVersion(ctx context.Context, version int) error {
	stmt := fmt.Sprintf("PRAGMA user_version = %d", version)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx, letting manager code
// issue statements without caring whether it is inside a caller-managed
// transaction or operating directly against the pool.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKeyType struct{}

var txKey = txKeyType{}

// contextWithTx attaches tx to ctx so nested manager calls reuse it
// instead of opening a second transaction.
func contextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

func txFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// exec returns the queryer this call should use: the transaction already
// open on ctx, or the Store's pool directly.
func (s *Store) exec(ctx context.Context) queryer {
	if tx, ok := txFromContext(ctx); ok {
		return tx
	}
	return s.db
}

// WithTransaction begins a transaction, runs fn with a context carrying
// it, and commits on success or rolls back on error. Relationship
// Managers use this to implement atomic=true at the outermost call and
// compound operations (replace, remove_all_*) use it once at their own
// boundary, with atomic=false inner calls reusing the same ctx.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFromContext(ctx); ok {
		// Already inside a transaction (nested compound call): SQLite
		// has no real nested transactions, so just run fn against the
		// existing one rather than attempting to begin a second.
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(contextWithTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error().Err(rbErr).Msg("rollback failed after operation error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
