package authz

import (
	"context"
	"time"

	"github.com/meridian-research/meridian-authz/internal/observability"
)

// Evaluator answers authorization questions against the acl store. It is
// stateless: the caller supplies the fully expanded principal set (the user
// plus every transitively held role and organization). Effective permission
// on a key is the least-restrictive union across that set; denial requires
// absence across every member. Expired aces are excluded from every read
// path.
type Evaluator struct {
	cache   *AclCache
	repo    Repository
	metrics *observability.Metrics
	now     func() time.Time
}

// NewEvaluator constructs an evaluator reading through the given cache.
func NewEvaluator(cache *AclCache, repo Repository, metrics *observability.Metrics) *Evaluator {
	return &Evaluator{cache: cache, repo: repo, metrics: metrics, now: func() time.Time { return time.Now().UTC() }}
}

// heldPermissions folds the unexpired grants of the principal set on one
// key into a single set.
func heldPermissions(aces []Ace, principals map[Principal]struct{}, now time.Time) PermissionSet {
	var held PermissionSet
	for _, ace := range aces {
		if ace.Expired(now) {
			continue
		}
		if _, ok := principals[ace.Principal]; ok {
			held = held.Union(ace.Permissions)
		}
	}
	return held
}

func principalSet(principals []Principal) map[Principal]struct{} {
	set := make(map[Principal]struct{}, len(principals))
	for _, p := range principals {
		set[p] = struct{}{}
	}
	return set
}

// Authorize evaluates every requested (key, permission) pair against the
// principal set. Every requested key and permission appears in the result,
// preinitialized to false, so ungranted pairs are reported rather than
// omitted.
func (e *Evaluator) Authorize(ctx context.Context, requests map[AclKeyIndex]PermissionSet, principals []Principal) (map[AclKeyIndex]map[Permission]bool, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveEvaluation(time.Since(start)) }()

	results := make(map[AclKeyIndex]map[Permission]bool, len(requests))
	keys := make([]AclKey, 0, len(requests))
	for index, requested := range requests {
		entry := make(map[Permission]bool)
		for _, p := range requested.Slice() {
			entry[p] = false
		}
		results[index] = entry
		key, err := ParseAclKeyIndex(index)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	acesByKey, err := e.cache.AcesForKeys(ctx, keys)
	if err != nil {
		return nil, err
	}
	set := principalSet(principals)
	now := e.now()
	for index, requested := range requests {
		held := heldPermissions(acesByKey[index], set, now)
		for _, p := range requested.Slice() {
			if held.Contains(p) {
				results[index][p] = true
			}
		}
	}
	return results, nil
}

// CheckAll reports whether the union of the principal set's grants on the
// key covers every required permission. Denial is a normal false, never an
// error.
func (e *Evaluator) CheckAll(ctx context.Context, key AclKey, principals []Principal, required PermissionSet) (bool, error) {
	aces, err := e.cache.Aces(ctx, key)
	if err != nil {
		return false, err
	}
	held := heldPermissions(aces, principalSet(principals), e.now())
	granted := held.ContainsAll(required)
	e.metrics.ObserveDecision(granted)
	return granted, nil
}

// AccessChecksForPrincipals evaluates a batch of checks. Checks targeting
// the same key are coalesced (requested sets unioned) before evaluation,
// then re-expanded to one Authorization per input check.
func (e *Evaluator) AccessChecksForPrincipals(ctx context.Context, checks []AccessCheck, principals []Principal) ([]Authorization, error) {
	start := time.Now()
	defer func() { e.metrics.ObserveEvaluation(time.Since(start)) }()

	coalesced := make(map[AclKeyIndex]PermissionSet, len(checks))
	keyByIndex := make(map[AclKeyIndex]AclKey, len(checks))
	for _, check := range checks {
		index := check.Key.Index()
		coalesced[index] = coalesced[index].Union(check.Permissions)
		keyByIndex[index] = check.Key
	}
	keys := make([]AclKey, 0, len(keyByIndex))
	for _, key := range keyByIndex {
		keys = append(keys, key)
	}
	acesByKey, err := e.cache.AcesForKeys(ctx, keys)
	if err != nil {
		return nil, err
	}

	set := principalSet(principals)
	now := e.now()
	held := make(map[AclKeyIndex]PermissionSet, len(keys))
	for index := range coalesced {
		held[index] = heldPermissions(acesByKey[index], set, now)
	}

	results := make([]Authorization, len(checks))
	for i, check := range checks {
		granted := held[check.Key.Index()].ContainsAll(check.Permissions)
		e.metrics.ObserveDecision(granted)
		results[i] = Authorization{Key: check.Key, Requested: check.Permissions, Granted: granted}
	}
	return results, nil
}

// KeySetPermissions reports the permissions held on every key of a group.
type KeySetPermissions struct {
	Keys        []AclKey      `json:"acl_keys"`
	Permissions PermissionSet `json:"permissions"`
}

// IntersectionOverKeySets computes, per key group, the permissions held on
// every key of that group: union across principals within each key,
// intersection across the keys. Used when an operation needs simultaneous
// access to several objects.
func (e *Evaluator) IntersectionOverKeySets(ctx context.Context, keySets [][]AclKey, principals []Principal) ([]KeySetPermissions, error) {
	var all []AclKey
	seen := make(map[AclKeyIndex]struct{})
	for _, group := range keySets {
		for _, key := range group {
			if _, ok := seen[key.Index()]; ok {
				continue
			}
			seen[key.Index()] = struct{}{}
			all = append(all, key)
		}
	}
	acesByKey, err := e.cache.AcesForKeys(ctx, all)
	if err != nil {
		return nil, err
	}

	set := principalSet(principals)
	now := e.now()
	results := make([]KeySetPermissions, len(keySets))
	for i, group := range keySets {
		common := FullPermissionSet
		if len(group) == 0 {
			common = 0
		}
		for _, key := range group {
			common = common.Intersection(heldPermissions(acesByKey[key.Index()], set, now))
		}
		results[i] = KeySetPermissions{Keys: group, Permissions: common}
	}
	return results, nil
}

// ListAuthorizedObjectsOfType returns keys of the given type where some ace
// of the principal set holds exactly the given permission set.
func (e *Evaluator) ListAuthorizedObjectsOfType(ctx context.Context, principals []Principal, objectType SecurableObjectType, exact PermissionSet) ([]AclKey, error) {
	return e.repo.AuthorizedKeys(ctx, AuthorizedKeysQuery{
		Principals:  principals,
		ObjectTypes: []SecurableObjectType{objectType},
		Permissions: exact,
		AsOf:        e.now(),
	})
}

// ListAuthorizedObjectsOfTypes is the multi-type, covering-match variant:
// an ace qualifies when its set is a superset of perms.
func (e *Evaluator) ListAuthorizedObjectsOfTypes(ctx context.Context, principals []Principal, objectTypes []SecurableObjectType, perms PermissionSet) ([]AclKey, error) {
	return e.repo.AuthorizedKeys(ctx, AuthorizedKeysQuery{
		Principals:  principals,
		ObjectTypes: objectTypes,
		Permissions: perms,
		Superset:    true,
		AsOf:        e.now(),
	})
}

// ListAuthorizedObjectsOfTypeExcluding filters a reserved system key out of
// the listing.
func (e *Evaluator) ListAuthorizedObjectsOfTypeExcluding(ctx context.Context, principals []Principal, objectType SecurableObjectType, perms PermissionSet, excluded AclKey) ([]AclKey, error) {
	return e.repo.AuthorizedKeys(ctx, AuthorizedKeysQuery{
		Principals:  principals,
		ObjectTypes: []SecurableObjectType{objectType},
		Permissions: perms,
		Superset:    true,
		Exclude:     excluded,
		AsOf:        e.now(),
	})
}

// GetAllPermissions projects the full acl of one object. Empty and expired
// aces are dropped.
func (e *Evaluator) GetAllPermissions(ctx context.Context, key AclKey) (Acl, error) {
	aces, err := e.cache.Aces(ctx, key)
	if err != nil {
		return Acl{}, err
	}
	now := e.now()
	live := make([]Ace, 0, len(aces))
	for _, ace := range aces {
		if ace.Permissions.IsEmpty() || ace.Expired(now) {
			continue
		}
		live = append(live, ace)
	}
	return Acl{Key: key, Aces: live}, nil
}

// GetAllPermissionsMany projects the acls of several objects.
func (e *Evaluator) GetAllPermissionsMany(ctx context.Context, keys []AclKey) ([]Acl, error) {
	acls := make([]Acl, 0, len(keys))
	for _, key := range keys {
		acl, err := e.GetAllPermissions(ctx, key)
		if err != nil {
			return nil, err
		}
		acls = append(acls, acl)
	}
	return acls, nil
}

// GetAuthorizedPrincipals returns the principals whose stored set equals
// the requested set on the key.
func (e *Evaluator) GetAuthorizedPrincipals(ctx context.Context, key AclKey, perms PermissionSet) ([]Principal, error) {
	return e.repo.PrincipalsWithExactPermissions(ctx, key, perms, e.now())
}

// GetOwners aggregates, per key, the principals granted exactly {OWNER}.
func (e *Evaluator) GetOwners(ctx context.Context, keys ...AclKey) (map[AclKeyIndex][]Principal, error) {
	return e.repo.OwnersForKeys(ctx, keys)
}
