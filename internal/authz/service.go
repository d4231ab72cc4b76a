package authz

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meridian-research/meridian-authz/internal/audit"
	"github.com/meridian-research/meridian-authz/internal/observability"
)

// mutationFanOut bounds concurrent per-key mutations in bulk calls. Each
// per-key mutation is independently atomic; cancellation between keys leaves
// the store valid.
const mutationFanOut = 8

// ServiceParams groups dependencies for the acl mutation service.
type ServiceParams struct {
	Repo      Repository
	Directory PrincipalDirectory
	Cache     *AclCache
	Audit     audit.Recorder
	Refresh   RefreshEnqueuer
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Service owns every mutation of the acl store: grants, merges, removals,
// replacements and cascading deletes. All mutations are atomic per
// (key, principal); bulk variants fan out per-key operations without
// cross-key atomicity. Principal existence is verified before any write.
type Service struct {
	repo      Repository
	directory PrincipalDirectory
	cache     *AclCache
	audit     audit.Recorder
	refresh   RefreshEnqueuer
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewService constructs the mutation service.
func NewService(params ServiceParams) *Service {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder audit.Recorder = params.Audit
	if recorder == nil {
		recorder = audit.NullRecorder{}
	}
	return &Service{
		repo:      params.Repo,
		directory: params.Directory,
		cache:     params.Cache,
		audit:     recorder,
		refresh:   params.Refresh,
		metrics:   params.Metrics,
		logger:    logger,
	}
}

// ensurePrincipals verifies every named principal against the directory.
// One unresolved principal fails the whole mutation, bulk included.
func (s *Service) ensurePrincipals(ctx context.Context, principals ...Principal) error {
	for _, p := range principals {
		ok, err := s.directory.Exists(ctx, p)
		if err != nil {
			return fmt.Errorf("authz: resolve principal %s: %w", p, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPrincipal, p)
		}
	}
	return nil
}

// Grant registers the securable object (first-writer-wins on the type
// record) and merges the initial grant, in one transaction. The cache entry
// for the key is refreshed synchronously so the creator can authorize
// against the object immediately.
func (s *Service) Grant(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, objectType SecurableObjectType, expiration time.Time) (err error) {
	defer func() { s.metrics.ObserveMutation("grant", err) }()
	if err = key.Validate(); err != nil {
		return err
	}
	if err = s.ensurePrincipals(ctx, principal); err != nil {
		return err
	}
	if objectType == "" {
		objectType = ObjectUnknown
		s.logger.Warn("authz: granting against key with no object type",
			slog.String("acl_key", string(key.Index())))
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.RegisterObject(ctx, key, objectType); err != nil {
			return err
		}
		return tx.MergeAce(ctx, key, principal, perms, expiration)
	})
	if err != nil {
		return err
	}
	// Read-your-writes for the creator: the cache must reflect the grant
	// before this call returns.
	if err = s.cache.Refresh(ctx, key); err != nil {
		return err
	}
	s.record(ctx, audit.ObjectRegistered, []AclKey{key}, principal.String(), map[string]any{
		"object_type": string(objectType),
		"permissions": perms.Strings(),
	})
	return nil
}

// AddPermission union-merges permissions into one ace with no expiration.
func (s *Service) AddPermission(ctx context.Context, key AclKey, principal Principal, perms PermissionSet) error {
	return s.AddPermissionWithExpiration(ctx, key, principal, perms, NoExpiration)
}

// AddPermissionWithExpiration union-merges permissions into one ace.
func (s *Service) AddPermissionWithExpiration(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) (err error) {
	defer func() { s.metrics.ObserveMutation("add", err) }()
	if err = key.Validate(); err != nil {
		return err
	}
	if err = s.ensurePrincipals(ctx, principal); err != nil {
		return err
	}
	if err = s.repo.MergeAce(ctx, key, principal, perms, expiration); err != nil {
		return err
	}
	s.afterMutation(ctx, key)
	s.record(ctx, audit.PermissionsAdded, []AclKey{key}, principal.String(), map[string]any{
		"permissions": perms.Strings(),
	})
	return nil
}

// AddPermissions union-merges the same grant into many keys. Atomic per
// key, not across keys; cancellable between keys.
func (s *Service) AddPermissions(ctx context.Context, keys []AclKey, principal Principal, perms PermissionSet) (err error) {
	defer func() { s.metrics.ObserveMutation("add_bulk", err) }()
	if err = s.ensurePrincipals(ctx, principal); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mutationFanOut)
	for _, key := range keys {
		g.Go(func() error {
			if err := key.Validate(); err != nil {
				return err
			}
			return s.repo.MergeAce(gctx, key, principal, perms, NoExpiration)
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	for _, key := range keys {
		s.afterMutation(ctx, key)
	}
	s.record(ctx, audit.PermissionsAdded, keys, principal.String(), map[string]any{
		"permissions": perms.Strings(),
	})
	return nil
}

// AddPermissionsBatch merges a batch of full acls: every ace of every acl
// is one per-key atomic merge. The principal check covers the entire batch
// before any write.
func (s *Service) AddPermissionsBatch(ctx context.Context, acls []Acl) (err error) {
	defer func() { s.metrics.ObserveMutation("add_batch", err) }()
	if err = s.ensureAclPrincipals(ctx, acls); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mutationFanOut)
	for _, acl := range acls {
		g.Go(func() error {
			if err := acl.Key.Validate(); err != nil {
				return err
			}
			for _, ace := range acl.Aces {
				if err := s.repo.MergeAce(gctx, acl.Key, ace.Principal, ace.Permissions, ace.ExpirationDate); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	keys := aclKeys(acls)
	for _, key := range keys {
		s.afterMutation(ctx, key)
	}
	s.record(ctx, audit.PermissionsAdded, keys, "", map[string]any{"batch": len(acls)})
	return nil
}

// RemovePermission subtracts permissions from one ace. When OWNER is among
// the removed permissions the owner-safety guard runs first, inside the
// same transaction and against locked rows.
func (s *Service) RemovePermission(ctx context.Context, key AclKey, principal Principal, perms PermissionSet) (err error) {
	defer func() { s.metrics.ObserveMutation("remove", err) }()
	if err = key.Validate(); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if perms.Contains(PermissionOwner) {
			if err := ensureRetainsOwner(ctx, tx, []AclKey{key}, []Principal{principal}); err != nil {
				return err
			}
		}
		return tx.DiffAce(ctx, key, principal, perms)
	})
	if err != nil {
		return err
	}
	s.afterMutation(ctx, key)
	s.record(ctx, audit.PermissionsRemoved, []AclKey{key}, principal.String(), map[string]any{
		"permissions": perms.Strings(),
	})
	return nil
}

// RemovePermissions applies set-difference removals for a batch of acls,
// one guarded transaction per key.
func (s *Service) RemovePermissions(ctx context.Context, acls []Acl) (err error) {
	defer func() { s.metrics.ObserveMutation("remove_bulk", err) }()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mutationFanOut)
	for _, acl := range acls {
		g.Go(func() error {
			if err := acl.Key.Validate(); err != nil {
				return err
			}
			return s.repo.WithTx(gctx, func(ctx context.Context, tx TxRepository) error {
				losing := principalsLosingOwner(acl)
				if len(losing) > 0 {
					if err := ensureRetainsOwner(ctx, tx, []AclKey{acl.Key}, losing); err != nil {
						return err
					}
				}
				for _, ace := range acl.Aces {
					if err := tx.DiffAce(ctx, acl.Key, ace.Principal, ace.Permissions); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	keys := aclKeys(acls)
	for _, key := range keys {
		s.afterMutation(ctx, key)
	}
	s.record(ctx, audit.PermissionsRemoved, keys, "", map[string]any{"batch": len(acls)})
	return nil
}

// SetPermission replaces one ace's permission set entirely. The guard runs
// first unless the replacement itself keeps OWNER.
func (s *Service) SetPermission(ctx context.Context, key AclKey, principal Principal, perms PermissionSet, expiration time.Time) (err error) {
	defer func() { s.metrics.ObserveMutation("set", err) }()
	if err = key.Validate(); err != nil {
		return err
	}
	if err = s.ensurePrincipals(ctx, principal); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if !perms.Contains(PermissionOwner) {
			if err := ensureRetainsOwner(ctx, tx, []AclKey{key}, []Principal{principal}); err != nil {
				return err
			}
		}
		return tx.ReplaceAce(ctx, key, principal, perms, expiration)
	})
	if err != nil {
		return err
	}
	s.afterMutation(ctx, key)
	s.record(ctx, audit.PermissionsReplaced, []AclKey{key}, principal.String(), map[string]any{
		"permissions": perms.Strings(),
	})
	return nil
}

// SetPermissions replaces a batch of acls, one guarded transaction per key.
func (s *Service) SetPermissions(ctx context.Context, acls []Acl) (err error) {
	defer func() { s.metrics.ObserveMutation("set_bulk", err) }()
	if err = s.ensureAclPrincipals(ctx, acls); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(mutationFanOut)
	for _, acl := range acls {
		g.Go(func() error {
			if err := acl.Key.Validate(); err != nil {
				return err
			}
			return s.repo.WithTx(gctx, func(ctx context.Context, tx TxRepository) error {
				losing := principalsReplacedWithoutOwner(acl)
				if len(losing) > 0 {
					if err := ensureRetainsOwner(ctx, tx, []AclKey{acl.Key}, losing); err != nil {
						return err
					}
				}
				for _, ace := range acl.Aces {
					if err := tx.ReplaceAce(ctx, acl.Key, ace.Principal, ace.Permissions, ace.ExpirationDate); err != nil {
						return err
					}
				}
				return nil
			})
		})
	}
	if err = g.Wait(); err != nil {
		return err
	}
	keys := aclKeys(acls)
	for _, key := range keys {
		s.afterMutation(ctx, key)
	}
	s.record(ctx, audit.PermissionsReplaced, keys, "", map[string]any{"batch": len(acls)})
	return nil
}

// DeletePermissions removes the object-type record and every ace on the
// key, then synchronously drops the cache entry.
func (s *Service) DeletePermissions(ctx context.Context, key AclKey) (err error) {
	defer func() { s.metrics.ObserveMutation("delete_object", err) }()
	if err = key.Validate(); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.DeleteObject(ctx, key)
	})
	if err != nil {
		return err
	}
	if err = s.cache.Invalidate(ctx, key); err != nil {
		return err
	}
	s.record(ctx, audit.ObjectDeleted, []AclKey{key}, "", nil)
	return nil
}

// DeletePrincipalPermissions removes every ace held by the principal.
// Cache entries for the affected keys are refreshed asynchronously.
func (s *Service) DeletePrincipalPermissions(ctx context.Context, principal Principal) (err error) {
	defer func() { s.metrics.ObserveMutation("delete_principal", err) }()
	keys, err := s.deletePrincipalAces(ctx, principal)
	if err != nil {
		return err
	}
	for _, key := range keys {
		s.afterMutation(ctx, key)
	}
	s.record(ctx, audit.PrincipalPurged, keys, principal.String(), nil)
	return nil
}

// DeleteAllPrincipalPermissions removes every ace held by the principal
// and synchronously invalidates the cache entries for the affected keys:
// no caller can observe a stale positive for the deleted principal.
func (s *Service) DeleteAllPrincipalPermissions(ctx context.Context, principal Principal) (err error) {
	defer func() { s.metrics.ObserveMutation("delete_principal_all", err) }()
	keys, err := s.deletePrincipalAces(ctx, principal)
	if err != nil {
		return err
	}
	if err = s.cache.Invalidate(ctx, keys...); err != nil {
		return err
	}
	s.record(ctx, audit.PrincipalPurged, keys, principal.String(), map[string]any{"synchronous": true})
	return nil
}

func (s *Service) deletePrincipalAces(ctx context.Context, principal Principal) ([]AclKey, error) {
	var keys []AclKey
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		deleted, err := tx.DeletePrincipalAces(ctx, principal)
		if err != nil {
			return err
		}
		keys = deleted
		return nil
	})
	return keys, err
}

// PurgeExpired deletes aces whose expiration has lapsed and drops their
// cache entries. Invoked by the background sweeper.
func (s *Service) PurgeExpired(ctx context.Context, asOf time.Time, limit int) (int, error) {
	keys, err := s.repo.DeleteExpired(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		return len(keys), err
	}
	s.record(ctx, audit.ExpiredSwept, keys, "", map[string]any{"as_of": asOf})
	return len(keys), nil
}

// RefreshAcl repopulates the cache entry for one key. Idempotent.
func (s *Service) RefreshAcl(ctx context.Context, key AclKey) error {
	return s.cache.Refresh(ctx, key)
}

// ObjectType resolves the registered type of a key, defaulting to Unknown
// with a warning. The default is metadata only; evaluation is unaffected.
func (s *Service) ObjectType(ctx context.Context, key AclKey) (SecurableObjectType, error) {
	objectType, ok, err := s.repo.ObjectType(ctx, key)
	if err != nil {
		return ObjectUnknown, err
	}
	if !ok {
		s.logger.Warn("authz: no object type registered, defaulting to Unknown",
			slog.String("acl_key", string(key.Index())))
		return ObjectUnknown, nil
	}
	return objectType, nil
}

// afterMutation schedules the best-effort cache refresh for a mutated key.
// The entry is also invalidated inline so the next read misses instead of
// serving the pre-mutation projection.
func (s *Service) afterMutation(ctx context.Context, key AclKey) {
	if err := s.cache.Invalidate(ctx, key); err != nil {
		s.logger.Warn("authz: cache invalidate failed",
			slog.String("acl_key", string(key.Index())), slog.Any("error", err))
	}
	if s.refresh == nil {
		return
	}
	if err := s.refresh.EnqueueAclRefresh(ctx, key.Index()); err != nil {
		s.logger.Warn("authz: enqueue refresh failed",
			slog.String("acl_key", string(key.Index())), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, eventType audit.EventType, keys []AclKey, principal string, detail map[string]any) {
	if len(keys) == 0 {
		return
	}
	event := audit.Event{
		Type:      eventType,
		AclKeys:   IndexesOf(keys),
		Principal: principal,
		Detail:    detail,
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("authz: audit record failed",
			slog.String("event", string(eventType)), slog.Any("error", err))
	}
}

func (s *Service) ensureAclPrincipals(ctx context.Context, acls []Acl) error {
	seen := make(map[Principal]struct{})
	for _, acl := range acls {
		for _, ace := range acl.Aces {
			if _, ok := seen[ace.Principal]; ok {
				continue
			}
			seen[ace.Principal] = struct{}{}
			if err := s.ensurePrincipals(ctx, ace.Principal); err != nil {
				return err
			}
		}
	}
	return nil
}

// principalsLosingOwner lists the principals whose removal sets include
// OWNER.
func principalsLosingOwner(acl Acl) []Principal {
	var losing []Principal
	for _, ace := range acl.Aces {
		if ace.Permissions.Contains(PermissionOwner) {
			losing = append(losing, ace.Principal)
		}
	}
	return losing
}

// principalsReplacedWithoutOwner lists the principals whose replacement
// sets drop OWNER. A replacement keeping OWNER can never violate the
// invariant.
func principalsReplacedWithoutOwner(acl Acl) []Principal {
	var losing []Principal
	for _, ace := range acl.Aces {
		if !ace.Permissions.Contains(PermissionOwner) {
			losing = append(losing, ace.Principal)
		}
	}
	return losing
}

func aclKeys(acls []Acl) []AclKey {
	keys := make([]AclKey, 0, len(acls))
	seen := make(map[AclKeyIndex]struct{}, len(acls))
	for _, acl := range acls {
		if _, ok := seen[acl.Key.Index()]; ok {
			continue
		}
		seen[acl.Key.Index()] = struct{}{}
		keys = append(keys, acl.Key)
	}
	return keys
}
