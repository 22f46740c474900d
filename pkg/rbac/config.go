package rbac

import "time"

// Config configures the Storage Engine Adapter and Migration/Integrity
// Coordinator.
type Config struct {
	// DBPath is the path to the embedded database file (conventionally
	// "rbac.db"). The temp file used during migration is derived from
	// it with a random suffix.
	DBPath string
	// ExpectedVersion is the schema/data version this build expects,
	// stored in and compared against PRAGMA user_version.
	ExpectedVersion int
	// DefaultsDir, if set, overrides the embedded default-resource
	// bundles with YAML files read from disk. Nil/empty uses the
	// bundles compiled into the binary.
	DefaultsDir string
	// BusyTimeout bounds how long a write waits on SQLite's lock before
	// failing, propagated via the DSN's _busy_timeout parameter.
	BusyTimeout time.Duration
	// AuthTokenExpiryTimeout is added to "now" to compute a freshly
	// inserted blacklist rule's IsValidUntil.
	AuthTokenExpiryTimeout time.Duration
	// FileMode is the permission bits applied to the database file.
	FileMode uint32
}

// DefaultConfig returns sensible defaults for a single-node deployment.
func DefaultConfig(dbPath string, expectedVersion int) *Config {
	return &Config{
		DBPath:                 dbPath,
		ExpectedVersion:        expectedVersion,
		BusyTimeout:            5 * time.Second,
		AuthTokenExpiryTimeout: 1 * time.Hour,
		FileMode:               0o640,
	}
}
