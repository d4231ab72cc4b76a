package authz

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-research/meridian-authz/internal/audit"
)

type memoryAclRepo struct {
	mu      sync.Mutex
	aces    map[AclKeyIndex]map[Principal]Ace
	objects map[AclKeyIndex]SecurableObjectType
}

type memoryAclTx struct {
	repo *memoryAclRepo
}

func newMemoryAclRepo() *memoryAclRepo {
	return &memoryAclRepo{
		aces:    make(map[AclKeyIndex]map[Principal]Ace),
		objects: make(map[AclKeyIndex]SecurableObjectType),
	}
}

func (r *memoryAclRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryAclTx{repo: r})
}

func (r *memoryAclRepo) AcesForKey(ctx context.Context, key AclKey) ([]Ace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Ace
	for _, ace := range r.aces[key.Index()] {
		out = append(out, ace)
	}
	return out, nil
}

func (r *memoryAclRepo) ObjectType(ctx context.Context, key AclKey) (SecurableObjectType, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.objects[key.Index()]
	return t, ok, nil
}

func (r *memoryAclRepo) MergeAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return (&memoryAclTx{repo: r}).mergeLocked(key, principal, perms, expiration)
}

func (r *memoryAclRepo) KeysForPrincipal(ctx context.Context, principal Principal) ([]AclKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AclKey
	for index, byPrincipal := range r.aces {
		if _, ok := byPrincipal[principal]; ok {
			key, err := ParseAclKeyIndex(index)
			if err != nil {
				return nil, err
			}
			out = append(out, key)
		}
	}
	return out, nil
}

func (r *memoryAclRepo) AuthorizedKeys(ctx context.Context, q AuthorizedKeysQuery) ([]AclKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	principals := make(map[Principal]struct{}, len(q.Principals))
	for _, p := range q.Principals {
		principals[p] = struct{}{}
	}
	types := make(map[SecurableObjectType]struct{}, len(q.ObjectTypes))
	for _, t := range q.ObjectTypes {
		types[t] = struct{}{}
	}
	var out []AclKey
	for index, byPrincipal := range r.aces {
		if len(q.Exclude) > 0 && index == q.Exclude.Index() {
			continue
		}
		if len(types) > 0 {
			if _, ok := types[r.objects[index]]; !ok {
				continue
			}
		}
		for principal, ace := range byPrincipal {
			if _, ok := principals[principal]; !ok {
				continue
			}
			if ace.Expired(q.AsOf) {
				continue
			}
			matched := ace.Permissions == q.Permissions
			if q.Superset {
				matched = ace.Permissions.ContainsAll(q.Permissions)
			}
			if matched {
				key, err := ParseAclKeyIndex(index)
				if err != nil {
					return nil, err
				}
				out = append(out, key)
				break
			}
		}
	}
	return out, nil
}

func (r *memoryAclRepo) PrincipalsWithExactPermissions(ctx context.Context, key AclKey, perms PermissionSet, now time.Time) ([]Principal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Principal
	for principal, ace := range r.aces[key.Index()] {
		if ace.Permissions == perms && !ace.Expired(now) {
			out = append(out, principal)
		}
	}
	return SortPrincipals(out), nil
}

func (r *memoryAclRepo) OwnersForKeys(ctx context.Context, keys []AclKey) (map[AclKeyIndex][]Principal, error) {
	owner := NewPermissionSet(PermissionOwner)
	out := make(map[AclKeyIndex][]Principal, len(keys))
	for _, key := range keys {
		principals, err := r.PrincipalsWithExactPermissions(ctx, key, owner, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		out[key.Index()] = principals
	}
	return out, nil
}

func (r *memoryAclRepo) DeleteExpired(ctx context.Context, asOf time.Time, limit int) ([]AclKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AclKey
	for index, byPrincipal := range r.aces {
		touched := false
		for principal, ace := range byPrincipal {
			if ace.Expired(asOf) {
				delete(byPrincipal, principal)
				touched = true
			}
		}
		if touched {
			key, err := ParseAclKeyIndex(index)
			if err != nil {
				return nil, err
			}
			out = append(out, key)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (tx *memoryAclTx) RegisterObject(ctx context.Context, key AclKey, objectType SecurableObjectType) error {
	if _, ok := tx.repo.objects[key.Index()]; !ok {
		tx.repo.objects[key.Index()] = objectType
	}
	return nil
}

func (tx *memoryAclTx) LockKey(ctx context.Context, key AclKey) error { return nil }

func (tx *memoryAclTx) CountSafeOwners(ctx context.Context, key AclKey, losing []Principal) (int, error) {
	losingSet := make(map[Principal]struct{}, len(losing))
	for _, p := range losing {
		losingSet[p] = struct{}{}
	}
	owner := NewPermissionSet(PermissionOwner)
	count := 0
	now := time.Now().UTC()
	for principal, ace := range tx.repo.aces[key.Index()] {
		if principal.Type != PrincipalUser || ace.Permissions != owner || ace.Expired(now) {
			continue
		}
		if _, doomed := losingSet[principal]; doomed {
			continue
		}
		count++
	}
	return count, nil
}

func (tx *memoryAclTx) mergeLocked(key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	byPrincipal, ok := tx.repo.aces[key.Index()]
	if !ok {
		byPrincipal = make(map[Principal]Ace)
		tx.repo.aces[key.Index()] = byPrincipal
	}
	existing, ok := byPrincipal[principal]
	if !ok {
		byPrincipal[principal] = Ace{Principal: principal, Permissions: perms, ExpirationDate: expiration}
		return nil
	}
	existing.Permissions = existing.Permissions.Union(perms)
	if expiration.After(existing.ExpirationDate) {
		existing.ExpirationDate = expiration
	}
	byPrincipal[principal] = existing
	return nil
}

func (tx *memoryAclTx) MergeAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	return tx.mergeLocked(key, principal, perms, expiration)
}

func (tx *memoryAclTx) DiffAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet) error {
	byPrincipal := tx.repo.aces[key.Index()]
	existing, ok := byPrincipal[principal]
	if !ok {
		return nil
	}
	existing.Permissions = existing.Permissions.Difference(perms)
	if existing.Permissions.IsEmpty() {
		delete(byPrincipal, principal)
		return nil
	}
	byPrincipal[principal] = existing
	return nil
}

func (tx *memoryAclTx) ReplaceAce(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) error {
	byPrincipal, ok := tx.repo.aces[key.Index()]
	if !ok {
		byPrincipal = make(map[Principal]Ace)
		tx.repo.aces[key.Index()] = byPrincipal
	}
	byPrincipal[principal] = Ace{Principal: principal, Permissions: perms, ExpirationDate: expiration}
	return nil
}

func (tx *memoryAclTx) DeleteObject(ctx context.Context, key AclKey) error {
	delete(tx.repo.aces, key.Index())
	delete(tx.repo.objects, key.Index())
	return nil
}

func (tx *memoryAclTx) DeletePrincipalAces(ctx context.Context, principal Principal) ([]AclKey, error) {
	var out []AclKey
	for index, byPrincipal := range tx.repo.aces {
		if _, ok := byPrincipal[principal]; !ok {
			continue
		}
		delete(byPrincipal, principal)
		key, err := ParseAclKeyIndex(index)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

type stubDirectory struct {
	known map[Principal]bool
}

func (d stubDirectory) Exists(ctx context.Context, p Principal) (bool, error) {
	return d.known[p], nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureRecorder) Record(ctx context.Context, event audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureRecorder) types() []audit.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audit.EventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func testKey(t *testing.T) AclKey {
	t.Helper()
	return NewAclKey(uuid.New(), uuid.New())
}

func newTestService(t *testing.T, repo *memoryAclRepo, known ...Principal) (*Service, *captureRecorder) {
	t.Helper()
	dir := stubDirectory{known: make(map[Principal]bool)}
	for _, p := range known {
		dir.known[p] = true
	}
	recorder := &captureRecorder{}
	svc := NewService(ServiceParams{
		Repo:      repo,
		Directory: dir,
		Cache:     NewAclCache(nil, repo, 0, nil),
		Audit:     recorder,
	})
	return svc, recorder
}

func TestAddPermissionMergesAndIsIdempotent(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionRead)))
	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionWrite)))
	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionRead)))

	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, NewPermissionSet(PermissionRead, PermissionWrite), aces[0].Permissions)
}

func TestMergeKeepsLaterExpiration(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	owner := Principal{Type: PrincipalUser, ID: "owner"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)
	seedAce(t, repo, key, owner, NewPermissionSet(PermissionOwner), NoExpiration)
	finite := time.Date(2026, time.June, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, svc.AddPermissionWithExpiration(context.Background(), key, alice, NewPermissionSet(PermissionRead), finite))
	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionWrite)))

	// The defaulted add widens lifetime alongside the permission union.
	require.Equal(t, NoExpiration, aceFor(t, repo, key, alice).ExpirationDate)

	// A later merge carrying an earlier expiration never shortens the ace;
	// the surviving expiration is order-independent.
	require.NoError(t, svc.AddPermissionWithExpiration(context.Background(), key, alice, NewPermissionSet(PermissionRead), finite))
	require.Equal(t, NoExpiration, aceFor(t, repo, key, alice).ExpirationDate)

	// Shortening goes through replacement.
	require.NoError(t, svc.SetPermission(context.Background(), key, alice, NewPermissionSet(PermissionRead), finite))
	require.Equal(t, finite, aceFor(t, repo, key, alice).ExpirationDate)
}

func aceFor(t *testing.T, repo *memoryAclRepo, key AclKey, principal Principal) Ace {
	t.Helper()
	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	for _, ace := range aces {
		if ace.Principal == principal {
			return ace
		}
	}
	t.Fatalf("no ace for %s", principal)
	return Ace{}
}

func TestAddPermissionUnknownPrincipal(t *testing.T) {
	repo := newMemoryAclRepo()
	svc, _ := newTestService(t, repo)
	key := testKey(t)
	ghost := Principal{Type: PrincipalUser, ID: "ghost"}

	err := svc.AddPermission(context.Background(), key, ghost, NewPermissionSet(PermissionRead))
	require.ErrorIs(t, err, ErrUnknownPrincipal)

	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Empty(t, aces)
}

func TestRemovePermissionIsInverseOfAdd(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionRead, PermissionWrite)))
	require.NoError(t, svc.RemovePermission(context.Background(), key, alice, NewPermissionSet(PermissionWrite)))

	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, NewPermissionSet(PermissionRead), aces[0].Permissions)

	// Removing the rest deletes the ace entirely.
	require.NoError(t, svc.RemovePermission(context.Background(), key, alice, NewPermissionSet(PermissionRead)))
	aces, err = repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Empty(t, aces)
}

func TestRemoveLastOwnerRejected(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner)))

	err := svc.RemovePermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner))
	require.ErrorIs(t, err, ErrOwnershipViolation)

	// The grant survives untouched.
	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, NewPermissionSet(PermissionOwner), aces[0].Permissions)
}

func TestRemoveOwnerAllowedWhenAnotherRemains(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	bob := Principal{Type: PrincipalUser, ID: "bob"}
	svc, _ := newTestService(t, repo, alice, bob)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner)))
	require.NoError(t, svc.AddPermission(context.Background(), key, bob, NewPermissionSet(PermissionOwner)))

	require.NoError(t, svc.RemovePermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner)))

	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, bob, aces[0].Principal)
}

func TestOwnerGuardIgnoresBroaderGrants(t *testing.T) {
	// A creator holding the full set does not count as a safe owner: only
	// exact {OWNER} grants do. Removing the sole exact owner must fail even
	// though the creator still holds OWNER within its full set.
	repo := newMemoryAclRepo()
	creator := Principal{Type: PrincipalUser, ID: "creator"}
	owner := Principal{Type: PrincipalUser, ID: "owner"}
	svc, _ := newTestService(t, repo, creator, owner)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, creator, FullPermissionSet))
	require.NoError(t, svc.AddPermission(context.Background(), key, owner, NewPermissionSet(PermissionOwner)))

	err := svc.RemovePermission(context.Background(), key, owner, NewPermissionSet(PermissionOwner))
	require.ErrorIs(t, err, ErrOwnershipViolation)

	var ownershipErr *OwnershipError
	require.ErrorAs(t, err, &ownershipErr)
	require.Equal(t, key.Index(), ownershipErr.Key.Index())
}

func TestSetPermissionGuardsOwnerDowngrade(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner)))

	// Replacing the sole owner's set with one lacking OWNER trips the guard.
	err := svc.SetPermission(context.Background(), key, alice, NewPermissionSet(PermissionRead), NoExpiration)
	require.ErrorIs(t, err, ErrOwnershipViolation)

	// A replacement that keeps OWNER passes.
	require.NoError(t, svc.SetPermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner), NoExpiration))
}

func TestSetPermissionsBulkGuardsOwnerDowngrade(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), key, alice, NewPermissionSet(PermissionOwner)))

	err := svc.SetPermissions(context.Background(), []Acl{{
		Key: key,
		Aces: []Ace{{
			Principal:      alice,
			Permissions:    NewPermissionSet(PermissionRead, PermissionWrite),
			ExpirationDate: NoExpiration,
		}},
	}})
	require.ErrorIs(t, err, ErrOwnershipViolation)
}

func TestGrantRegistersObjectType(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, recorder := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.Grant(context.Background(), key, alice, FullPermissionSet, ObjectStudy, NoExpiration))

	objectType, err := svc.ObjectType(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, ObjectStudy, objectType)
	require.Contains(t, recorder.types(), audit.ObjectRegistered)
}

func TestObjectTypeDefaultsToUnknown(t *testing.T) {
	repo := newMemoryAclRepo()
	svc, _ := newTestService(t, repo)

	objectType, err := svc.ObjectType(context.Background(), testKey(t))
	require.NoError(t, err)
	require.Equal(t, ObjectUnknown, objectType)
}

func TestGrantObjectTypeIsFirstWriterWins(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.Grant(context.Background(), key, alice, FullPermissionSet, ObjectStudy, NoExpiration))
	require.NoError(t, svc.Grant(context.Background(), key, alice, FullPermissionSet, ObjectDataset, NoExpiration))

	objectType, err := svc.ObjectType(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, ObjectStudy, objectType)
}

func TestDeletePermissionsCascades(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	require.NoError(t, svc.Grant(context.Background(), key, alice, FullPermissionSet, ObjectStudy, NoExpiration))
	require.NoError(t, svc.DeletePermissions(context.Background(), key))

	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Empty(t, aces)

	objectType, err := svc.ObjectType(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, ObjectUnknown, objectType)
}

func TestDeleteAllPrincipalPermissionsRemovesEveryAce(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	bob := Principal{Type: PrincipalUser, ID: "bob"}
	svc, _ := newTestService(t, repo, alice, bob)
	keyA := testKey(t)
	keyB := testKey(t)

	require.NoError(t, svc.AddPermission(context.Background(), keyA, alice, NewPermissionSet(PermissionRead)))
	require.NoError(t, svc.AddPermission(context.Background(), keyB, alice, NewPermissionSet(PermissionWrite)))
	require.NoError(t, svc.AddPermission(context.Background(), keyA, bob, NewPermissionSet(PermissionRead)))

	require.NoError(t, svc.DeleteAllPrincipalPermissions(context.Background(), alice))

	keys, err := repo.KeysForPrincipal(context.Background(), alice)
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = repo.KeysForPrincipal(context.Background(), bob)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestPurgeExpiredDropsLapsedAces(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, svc.AddPermissionWithExpiration(context.Background(), key, alice, NewPermissionSet(PermissionRead), past))

	removed, err := svc.PurgeExpired(context.Background(), time.Now().UTC(), 100)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Empty(t, aces)
}

func TestAddPermissionsBatchChecksEveryPrincipal(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	svc, _ := newTestService(t, repo, alice)
	key := testKey(t)
	ghost := Principal{Type: PrincipalRole, ID: "ghost"}

	err := svc.AddPermissionsBatch(context.Background(), []Acl{{
		Key: key,
		Aces: []Ace{
			{Principal: alice, Permissions: NewPermissionSet(PermissionRead), ExpirationDate: NoExpiration},
			{Principal: ghost, Permissions: NewPermissionSet(PermissionRead), ExpirationDate: NoExpiration},
		},
	}})
	require.ErrorIs(t, err, ErrUnknownPrincipal)

	// All-or-nothing: the known principal was not written either.
	aces, err := repo.AcesForKey(context.Background(), key)
	require.NoError(t, err)
	require.Empty(t, aces)
}
