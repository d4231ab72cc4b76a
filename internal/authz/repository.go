package authz

import (
	"context"
	"time"
)

// Reader is the read side of the ACL store, shared by the evaluator and the
// read-through cache loader.
type Reader interface {
	// AcesForKey returns every non-empty grant on the object.
	AcesForKey(ctx context.Context, key AclKey) ([]Ace, error)
	// ObjectType returns the registered type for the key. The boolean is
	// false when no type record exists; callers default to ObjectUnknown.
	ObjectType(ctx context.Context, key AclKey) (SecurableObjectType, bool, error)
}

// AuthorizedKeysQuery drives the index scan behind authorized-object
// listings.
type AuthorizedKeysQuery struct {
	Principals  []Principal
	ObjectTypes []SecurableObjectType
	Permissions PermissionSet
	// Superset matches aces covering Permissions; otherwise the stored set
	// must equal Permissions exactly.
	Superset bool
	// Exclude drops a reserved system key from the listing when set.
	Exclude AclKey
	// AsOf filters out grants expired at this instant.
	AsOf time.Time
}

// Repository is the relational system-of-record for acls. Per-key mutations
// are atomic server-side statements; guarded mutations run through WithTx so
// the owner count and the write share one transaction and one set of row
// locks.
type Repository interface {
	Reader

	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	// MergeAce union-merges permissions into the (key, principal) ace,
	// creating it when absent. Single-statement upsert: concurrent adders
	// never lose a permission. The ace keeps the later of its stored and
	// the incoming expiration; SetPermission is the way to shorten one.
	MergeAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error

	// KeysForPrincipal lists every key on which the principal holds any
	// grant.
	KeysForPrincipal(ctx context.Context, principal Principal) ([]AclKey, error)

	// AuthorizedKeys scans the index for keys matching the query.
	AuthorizedKeys(ctx context.Context, q AuthorizedKeysQuery) ([]AclKey, error)

	// PrincipalsWithExactPermissions returns principals whose stored set
	// equals perms, unexpired as of now.
	PrincipalsWithExactPermissions(ctx context.Context, key AclKey, perms PermissionSet, now time.Time) ([]Principal, error)

	// OwnersForKeys aggregates exact-{OWNER} principals per key.
	OwnersForKeys(ctx context.Context, keys []AclKey) (map[AclKeyIndex][]Principal, error)

	// DeleteExpired removes aces expired as of the given instant, returning
	// the affected keys so their cache entries can be dropped.
	DeleteExpired(ctx context.Context, asOf time.Time, limit int) ([]AclKey, error)
}

// TxRepository is the slice of the store available inside a transaction.
type TxRepository interface {
	// RegisterObject writes the object-type record, first-writer-wins.
	RegisterObject(ctx context.Context, key AclKey, objectType SecurableObjectType) error

	// LockKey takes FOR UPDATE locks on every permissions row of the key,
	// serializing guarded mutations against concurrent owner removal.
	LockKey(ctx context.Context, key AclKey) error

	// CountSafeOwners counts USER-type aces on the key granting exactly
	// {OWNER} whose principal is not in losing.
	CountSafeOwners(ctx context.Context, key AclKey, losing []Principal) (int, error)

	MergeAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error

	// DiffAce subtracts permissions from the ace; a row whose set becomes
	// empty is deleted.
	DiffAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet) error

	// ReplaceAce overwrites the ace's permission set entirely.
	ReplaceAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error

	// DeleteObject removes the object-type record and every ace on the key.
	DeleteObject(ctx context.Context, key AclKey) error

	// DeletePrincipalAces removes every ace held by the principal and
	// returns the keys that referenced it.
	DeletePrincipalAces(ctx context.Context, principal Principal) ([]AclKey, error)
}

// PrincipalDirectory resolves whether a principal currently exists. Grants
// and set/add mutations consult it before touching the store.
type PrincipalDirectory interface {
	Exists(ctx context.Context, p Principal) (bool, error)
}

// RefreshEnqueuer schedules a best-effort asynchronous cache refresh for a
// key after a mutation. Implementations must be idempotent and retryable.
type RefreshEnqueuer interface {
	EnqueueAclRefresh(ctx context.Context, index AclKeyIndex) error
}
