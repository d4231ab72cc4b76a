package authzhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridian-research/meridian-authz/internal/authz"
)

// fakeRepo is an in-memory authz.Repository sufficient for handler tests.
type fakeRepo struct {
	aces    map[authz.AclKeyIndex]map[authz.Principal]authz.Ace
	objects map[authz.AclKeyIndex]authz.SecurableObjectType
}

type fakeTx struct{ repo *fakeRepo }

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		aces:    make(map[authz.AclKeyIndex]map[authz.Principal]authz.Ace),
		objects: make(map[authz.AclKeyIndex]authz.SecurableObjectType),
	}
}

func (r *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, authz.TxRepository) error) error {
	return fn(ctx, &fakeTx{repo: r})
}

func (r *fakeRepo) AcesForKey(ctx context.Context, key authz.AclKey) ([]authz.Ace, error) {
	var out []authz.Ace
	for _, ace := range r.aces[key.Index()] {
		out = append(out, ace)
	}
	return out, nil
}

func (r *fakeRepo) ObjectType(ctx context.Context, key authz.AclKey) (authz.SecurableObjectType, bool, error) {
	t, ok := r.objects[key.Index()]
	return t, ok, nil
}

func (r *fakeRepo) MergeAce(ctx context.Context, key authz.AclKey, principal authz.Principal, perms authz.PermissionSet, expiration time.Time) error {
	return (&fakeTx{repo: r}).MergeAce(ctx, key, principal, perms, expiration)
}

func (r *fakeRepo) KeysForPrincipal(ctx context.Context, principal authz.Principal) ([]authz.AclKey, error) {
	return nil, nil
}

func (r *fakeRepo) AuthorizedKeys(ctx context.Context, q authz.AuthorizedKeysQuery) ([]authz.AclKey, error) {
	return nil, nil
}

func (r *fakeRepo) PrincipalsWithExactPermissions(ctx context.Context, key authz.AclKey, perms authz.PermissionSet, now time.Time) ([]authz.Principal, error) {
	return nil, nil
}

func (r *fakeRepo) OwnersForKeys(ctx context.Context, keys []authz.AclKey) (map[authz.AclKeyIndex][]authz.Principal, error) {
	return nil, nil
}

func (r *fakeRepo) DeleteExpired(ctx context.Context, asOf time.Time, limit int) ([]authz.AclKey, error) {
	return nil, nil
}

func (tx *fakeTx) RegisterObject(ctx context.Context, key authz.AclKey, objectType authz.SecurableObjectType) error {
	if _, ok := tx.repo.objects[key.Index()]; !ok {
		tx.repo.objects[key.Index()] = objectType
	}
	return nil
}

func (tx *fakeTx) LockKey(ctx context.Context, key authz.AclKey) error { return nil }

func (tx *fakeTx) CountSafeOwners(ctx context.Context, key authz.AclKey, losing []authz.Principal) (int, error) {
	losingSet := make(map[authz.Principal]struct{}, len(losing))
	for _, p := range losing {
		losingSet[p] = struct{}{}
	}
	owner := authz.NewPermissionSet(authz.PermissionOwner)
	count := 0
	for principal, ace := range tx.repo.aces[key.Index()] {
		if principal.Type != authz.PrincipalUser || ace.Permissions != owner {
			continue
		}
		if _, doomed := losingSet[principal]; doomed {
			continue
		}
		count++
	}
	return count, nil
}

func (tx *fakeTx) MergeAce(ctx context.Context, key authz.AclKey, principal authz.Principal, perms authz.PermissionSet, expiration time.Time) error {
	byPrincipal, ok := tx.repo.aces[key.Index()]
	if !ok {
		byPrincipal = make(map[authz.Principal]authz.Ace)
		tx.repo.aces[key.Index()] = byPrincipal
	}
	existing := byPrincipal[principal]
	existing.Principal = principal
	existing.Permissions = existing.Permissions.Union(perms)
	if expiration.After(existing.ExpirationDate) {
		existing.ExpirationDate = expiration
	}
	byPrincipal[principal] = existing
	return nil
}

func (tx *fakeTx) DiffAce(ctx context.Context, key authz.AclKey, principal authz.Principal, perms authz.PermissionSet) error {
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

func (tx *fakeTx) ReplaceAce(ctx context.Context, key authz.AclKey, principal authz.Principal, perms authz.PermissionSet, expiration time.Time) error {
	byPrincipal, ok := tx.repo.aces[key.Index()]
	if !ok {
		byPrincipal = make(map[authz.Principal]authz.Ace)
		tx.repo.aces[key.Index()] = byPrincipal
	}
	byPrincipal[principal] = authz.Ace{Principal: principal, Permissions: perms, ExpirationDate: expiration}
	return nil
}

func (tx *fakeTx) DeleteObject(ctx context.Context, key authz.AclKey) error {
	delete(tx.repo.aces, key.Index())
	delete(tx.repo.objects, key.Index())
	return nil
}

func (tx *fakeTx) DeletePrincipalAces(ctx context.Context, principal authz.Principal) ([]authz.AclKey, error) {
	var out []authz.AclKey
	for index, byPrincipal := range tx.repo.aces {
		if _, ok := byPrincipal[principal]; !ok {
			continue
		}
		delete(byPrincipal, principal)
		key, err := authz.ParseAclKeyIndex(index)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

type allowAllDirectory struct{}

func (allowAllDirectory) Exists(ctx context.Context, p authz.Principal) (bool, error) {
	return true, nil
}

func newTestRouter(t *testing.T) (chi.Router, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	cache := authz.NewAclCache(nil, repo, 0, nil)
	service := authz.NewService(authz.ServiceParams{
		Repo:      repo,
		Directory: allowAllDirectory{},
		Cache:     cache,
	})
	evaluator := authz.NewEvaluator(cache, repo, nil)
	explainer := authz.NewExplainer(cache, stubAncestors{})

	r := chi.NewRouter()
	NewHandler(service, evaluator, explainer, nil).MountRoutes(r)
	return r, repo
}

type stubAncestors struct{}

func (stubAncestors) DirectAncestors(ctx context.Context, p authz.Principal) ([]authz.Principal, error) {
	return nil, nil
}

func postJSON(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGrantThenCheck(t *testing.T) {
	router, _ := newTestRouter(t)
	index := fmt.Sprintf("%s/%s", uuid.New(), uuid.New())

	rec := postJSON(t, router, "/v1/grant", map[string]any{
		"acl_key":     index,
		"principal":   map[string]string{"type": "USER", "id": "alice"},
		"permissions": []string{"READ", "WRITE"},
		"object_type": "Study",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, router, "/v1/check", map[string]any{
		"acl_key":     index,
		"principals":  []map[string]string{{"type": "USER", "id": "alice"}},
		"permissions": []string{"READ"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out["granted"])

	rec = postJSON(t, router, "/v1/check", map[string]any{
		"acl_key":     index,
		"principals":  []map[string]string{{"type": "USER", "id": "alice"}},
		"permissions": []string{"OWNER"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.False(t, out["granted"])
}

func TestAuthorizeMatrix(t *testing.T) {
	router, _ := newTestRouter(t)
	index := fmt.Sprintf("%s/%s", uuid.New(), uuid.New())

	rec := postJSON(t, router, "/v1/permissions/add", map[string]any{
		"acl_key":     index,
		"principal":   map[string]string{"type": "ROLE", "id": "analysts"},
		"permissions": []string{"READ"},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, router, "/v1/authorize", map[string]any{
		"requests":   map[string][]string{index: {"READ", "WRITE"}},
		"principals": []map[string]string{{"type": "ROLE", "id": "analysts"}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.True(t, out[index]["READ"])
	require.False(t, out[index]["WRITE"])
}

func TestRemoveLastOwnerConflicts(t *testing.T) {
	router, _ := newTestRouter(t)
	index := fmt.Sprintf("%s/%s", uuid.New(), uuid.New())

	rec := postJSON(t, router, "/v1/permissions/add", map[string]any{
		"acl_key":     index,
		"principal":   map[string]string{"type": "USER", "id": "alice"},
		"permissions": []string{"OWNER"},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, router, "/v1/permissions/remove", map[string]any{
		"acl_key":     index,
		"principal":   map[string]string{"type": "USER", "id": "alice"},
		"permissions": []string{"OWNER"},
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestBadRequests(t *testing.T) {
	router, _ := newTestRouter(t)

	// Malformed acl key.
	rec := postJSON(t, router, "/v1/check", map[string]any{
		"acl_key":     "not-a-uuid",
		"principals":  []map[string]string{{"type": "USER", "id": "alice"}},
		"permissions": []string{"READ"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown permission name.
	rec = postJSON(t, router, "/v1/check", map[string]any{
		"acl_key":     uuid.NewString(),
		"principals":  []map[string]string{{"type": "USER", "id": "alice"}},
		"permissions": []string{"SUDO"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid principal type fails validation.
	rec = postJSON(t, router, "/v1/check", map[string]any{
		"acl_key":     uuid.NewString(),
		"principals":  []map[string]string{{"type": "ROBOT", "id": "r2"}},
		"permissions": []string{"READ"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAclProjection(t *testing.T) {
	router, _ := newTestRouter(t)
	index := fmt.Sprintf("%s/%s", uuid.New(), uuid.New())

	rec := postJSON(t, router, "/v1/permissions/add", map[string]any{
		"acl_key":     index,
		"principal":   map[string]string{"type": "USER", "id": "alice"},
		"permissions": []string{"READ"},
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = postJSON(t, router, "/v1/acl", map[string]any{"acl_key": index})
	require.Equal(t, http.StatusOK, rec.Code)

	var acl authz.Acl
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acl))
	require.Len(t, acl.Aces, 1)
	require.Equal(t, "alice", acl.Aces[0].Principal.ID)
}
