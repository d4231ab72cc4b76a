package authz

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// countingReader wraps the memory repo to observe source loads.
type countingReader struct {
	inner Reader
	loads atomic.Int64
}

func (c *countingReader) AcesForKey(ctx context.Context, key AclKey) ([]Ace, error) {
	c.loads.Add(1)
	return c.inner.AcesForKey(ctx, key)
}

func (c *countingReader) ObjectType(ctx context.Context, key AclKey) (SecurableObjectType, bool, error) {
	return c.inner.ObjectType(ctx, key)
}

// tornReader fails the next n loads with a wrapped ErrPartialRead before
// delegating.
type tornReader struct {
	inner Reader
	fails atomic.Int64
	loads atomic.Int64
}

func (r *tornReader) AcesForKey(ctx context.Context, key AclKey) ([]Ace, error) {
	r.loads.Add(1)
	if r.fails.Add(-1) >= 0 {
		return nil, fmt.Errorf("authz: scan aces: %w", ErrPartialRead)
	}
	return r.inner.AcesForKey(ctx, key)
}

func (r *tornReader) ObjectType(ctx context.Context, key AclKey) (SecurableObjectType, bool, error) {
	return r.inner.ObjectType(ctx, key)
}

func newTestCache(t *testing.T, source Reader) (*AclCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewAclCache(client, source, time.Minute, nil), mr
}

func TestCacheReadThrough(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	source := &countingReader{inner: repo}
	cache, _ := newTestCache(t, source)

	aces, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.EqualValues(t, 1, source.loads.Load())

	// Second read is served from redis.
	aces, err = cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.EqualValues(t, 1, source.loads.Load())
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	source := &countingReader{inner: repo}
	cache, _ := newTestCache(t, source)

	_, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)

	seedAce(t, repo, key, alice, NewPermissionSet(PermissionWrite), NoExpiration)
	require.NoError(t, cache.Invalidate(context.Background(), key))

	aces, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, NewPermissionSet(PermissionRead, PermissionWrite), aces[0].Permissions)
	require.EqualValues(t, 2, source.loads.Load())
}

func TestCacheCorruptEntryIsAMiss(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	cache, mr := newTestCache(t, repo)
	require.NoError(t, mr.Set(cacheKey(key.Index()), "{{{not json"))

	// A mangled payload must never read as "no permission".
	aces, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, NewPermissionSet(PermissionRead), aces[0].Permissions)
}

func TestCacheRefreshRepopulates(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	source := &countingReader{inner: repo}
	cache, _ := newTestCache(t, source)

	require.NoError(t, cache.Refresh(context.Background(), key))
	require.EqualValues(t, 1, source.loads.Load())

	// The refreshed entry serves subsequent reads without another load.
	aces, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.EqualValues(t, 1, source.loads.Load())
}

func TestCacheNilClientLoadsFromSource(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	source := &countingReader{inner: repo}
	cache := NewAclCache(nil, source, time.Minute, nil)

	for range 3 {
		aces, err := cache.Aces(context.Background(), key)
		require.NoError(t, err)
		require.Len(t, aces, 1)
	}
	require.EqualValues(t, 3, source.loads.Load())
}

func TestCachePartialReadRetriedOnce(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	source := &tornReader{inner: repo}
	source.fails.Store(1)
	cache, _ := newTestCache(t, source)

	// One torn scan is retried and the retry's result served.
	aces, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
	require.Equal(t, NewPermissionSet(PermissionRead), aces[0].Permissions)
	require.EqualValues(t, 2, source.loads.Load())
}

func TestCachePartialReadSurfacesAfterRetry(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	key := testKey(t)
	seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)

	source := &tornReader{inner: repo}
	source.fails.Store(2)
	cache, mr := newTestCache(t, source)

	// Two consecutive torn scans surface the error. The caller must never
	// see an empty acl in its place, and nothing gets cached.
	_, err := cache.Aces(context.Background(), key)
	require.ErrorIs(t, err, ErrPartialRead)
	require.EqualValues(t, 2, source.loads.Load())
	require.False(t, mr.Exists(cacheKey(key.Index())))

	// Once the source recovers the read goes through.
	aces, err := cache.Aces(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, aces, 1)
}

func TestCacheBulkLoad(t *testing.T) {
	repo := newMemoryAclRepo()
	alice := Principal{Type: PrincipalUser, ID: "alice"}
	keys := []AclKey{testKey(t), testKey(t), testKey(t)}
	for _, key := range keys {
		seedAce(t, repo, key, alice, NewPermissionSet(PermissionRead), NoExpiration)
	}

	cache, _ := newTestCache(t, repo)
	byKey, err := cache.AcesForKeys(context.Background(), keys)
	require.NoError(t, err)
	require.Len(t, byKey, 3)
	for _, key := range keys {
		require.Len(t, byKey[key.Index()], 1)
	}
}
