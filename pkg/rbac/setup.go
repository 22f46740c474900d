package rbac

import (
	"context"

	"github.com/rs/zerolog"
)

// Open is the one-call entrypoint: it runs the Migration/Integrity
// Coordinator against cfg.DBPath (creating and seeding a fresh database,
// or migrating an out-of-date one into place) and returns a fully wired
// RBAC facade. The returned RBAC owns the database connection; callers
// must call Close when done.
//
// hasher, fixer, mover, and cache are the collaborators every manager
// and the coordinator itself depend on (see collaborators.go).
// NewArgon2Hasher, NoopOwnershipFixer, OSSafeMover, and
// NoopCacheInvalidator are reasonable defaults for a single-node
// deployment with no external decision cache.
func Open(ctx context.Context, cfg *Config, hasher PasswordHasher, fixer OwnershipFixer, mover SafeMover, cache CacheInvalidator) (*RBAC, error) {
	return OpenWithLogger(ctx, cfg, hasher, fixer, mover, cache, zerolog.Nop())
}

// OpenWithLogger is Open with an explicit logger for the Storage Engine
// Adapter and Migration Coordinator, instead of a no-op logger.
func OpenWithLogger(ctx context.Context, cfg *Config, hasher PasswordHasher, fixer OwnershipFixer, mover SafeMover, cache CacheInvalidator, logger zerolog.Logger) (*RBAC, error) {
	coordinator := NewMigrationCoordinator(hasher, SystemClock, fixer, mover, cache, logger)
	return coordinator.EnsureDatabase(ctx, cfg)
}
