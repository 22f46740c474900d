package rbac

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// Clock supplies the current instant. Production code uses systemClock;
// tests inject a fixed or steppable clock to make token-expiry behavior
// deterministic.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock is the default Clock, backed by the wall clock in UTC.
var SystemClock Clock = systemClock{}

// OwnershipFixer applies the service account's uid/gid to a file path.
// The core never shells out or touches os/user itself; it only calls
// this collaborator after creating or replacing the database file.
type OwnershipFixer interface {
	FixOwnership(path string) error
}

// NoopOwnershipFixer leaves file ownership untouched. Suitable for tests
// and single-user deployments where the process already owns its files.
type NoopOwnershipFixer struct{}

func (NoopOwnershipFixer) FixOwnership(string) error { return nil }

// SafeMover atomically replaces dst with src, used by the Migration
// Coordinator to swap the upgraded temp database over the live one.
type SafeMover interface {
	Move(src, dst string) error
}

// OSSafeMover implements SafeMover with os.Rename, which is atomic on a
// single POSIX filesystem — the expected deployment target for an
// embedded single-file database. The rename preserves whatever mode the
// Migration Coordinator set on src beforehand.
type OSSafeMover struct{}

func (OSSafeMover) Move(src, dst string) error {
	return os.Rename(src, dst)
}

// PasswordHasher verifies and generates password hashes. The core treats
// the resulting string as opaque — it is stored and compared but never
// parsed — so any implementation satisfying this interface may be
// substituted without touching entity or manager code.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) (bool, error)
}

// argon2Params mirrors the parameter set used elsewhere in this codebase's
// lineage for interactive login hashing: moderate memory cost, low
// parallelism, suitable for a single embedded service process.
type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	saltLength  uint32
	keyLength   uint32
}

var defaultArgon2Params = argon2Params{
	memory:      64 * 1024,
	iterations:  3,
	parallelism: 2,
	saltLength:  16,
	keyLength:   32,
}

// Argon2Hasher is the default PasswordHasher, using Argon2id. It encodes
// salt and hash into a single opaque string ("<b64 salt>$<b64 hash>") so
// Verify needs no side-channel storage.
type Argon2Hasher struct {
	params argon2Params
}

// NewArgon2Hasher constructs the default PasswordHasher.
func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{params: defaultArgon2Params}
}

func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.params.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.params.iterations,
		h.params.memory, h.params.parallelism, h.params.keyLength)

	b64Salt := base64.RawStdEncoding.EncodeToString(salt)
	b64Key := base64.RawStdEncoding.EncodeToString(key)

	return b64Salt + "$" + b64Key, nil
}

func (h *Argon2Hasher) Verify(password, hash string) (bool, error) {
	parts := strings.SplitN(hash, "$", 2)
	if len(parts) != 2 {
		return false, fmt.Errorf("malformed password hash")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false, fmt.Errorf("decode salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("decode hash: %w", err)
	}

	actual := argon2.IDKey([]byte(password), salt, h.params.iterations,
		h.params.memory, h.params.parallelism, uint32(len(expected)))

	return subtle.ConstantTimeCompare(actual, expected) == 1, nil
}

// CacheInvalidator is notified after every mutating call that succeeds,
// so an external decision cache (request-time policy evaluation, out of
// scope for this core) can drop stale entries. The core never evaluates
// policies itself; it only calls this hook.
type CacheInvalidator interface {
	InvalidateUser(userID int64)
	InvalidateRole(roleID int64)
	InvalidateAll()
}

// NoopCacheInvalidator discards invalidation notifications. Used when no
// external decision cache is wired in (e.g. standalone tests).
type NoopCacheInvalidator struct{}

func (NoopCacheInvalidator) InvalidateUser(int64) {}
func (NoopCacheInvalidator) InvalidateRole(int64) {}
func (NoopCacheInvalidator) InvalidateAll()       {}
