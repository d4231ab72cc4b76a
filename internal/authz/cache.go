package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-research/meridian-authz/internal/observability"
)

const (
	aclCachePrefix = "authz:acl:"
	// bulkLoadLimit bounds the fan-out when loading many keys at once.
	bulkLoadLimit = 8
)

// AclCache is the redis read accelerator in front of the relational
// system-of-record. Postgres is the durability boundary; entries here carry
// a TTL and are dropped on every mutation of their key. A nil client
// degrades to loading straight from the source.
type AclCache struct {
	client  *redis.Client
	source  Reader
	ttl     time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewAclCache instantiates the cache helper.
func NewAclCache(client *redis.Client, source Reader, ttl time.Duration, logger *slog.Logger) *AclCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &AclCache{client: client, source: source, ttl: ttl, logger: logger}
}

// WithMetrics attaches hit/miss instrumentation and returns the cache.
func (c *AclCache) WithMetrics(m *observability.Metrics) *AclCache {
	c.metrics = m
	return c
}

func cacheKey(index AclKeyIndex) string { return aclCachePrefix + string(index) }

// Aces returns the grants on the key, read-through. A malformed cached
// payload is treated as a miss and reloaded from the source, never as "no
// permission".
func (c *AclCache) Aces(ctx context.Context, key AclKey) ([]Ace, error) {
	if c.client == nil {
		return c.load(ctx, key)
	}
	payload, err := c.client.Get(ctx, cacheKey(key.Index())).Bytes()
	if err == nil {
		var aces []Ace
		if uerr := json.Unmarshal(payload, &aces); uerr == nil {
			c.metrics.ObserveCacheRead(true)
			return aces, nil
		}
		c.logger.Warn("authz: corrupt cache entry, reloading",
			slog.String("acl_key", string(key.Index())))
		_ = c.client.Del(ctx, cacheKey(key.Index())).Err()
		return c.loadAndStore(ctx, key)
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("authz: cache read: %w", err)
	}
	c.metrics.ObserveCacheRead(false)
	return c.loadAndStore(ctx, key)
}

// AcesForKeys fans out per-key reads under a concurrency bound. Cancellation
// stops the fan-out between keys; per-key reads are never torn.
func (c *AclCache) AcesForKeys(ctx context.Context, keys []AclKey) (map[AclKeyIndex][]Ace, error) {
	out := make(map[AclKeyIndex][]Ace, len(keys))
	results := make([][]Ace, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkLoadLimit)
	for i, key := range keys {
		g.Go(func() error {
			aces, err := c.Aces(gctx, key)
			if err != nil {
				return err
			}
			results[i] = aces
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, key := range keys {
		out[key.Index()] = results[i]
	}
	return out, nil
}

// Invalidate synchronously drops the cache entries for the keys. Used where
// a stale positive is unacceptable.
func (c *AclCache) Invalidate(ctx context.Context, keys ...AclKey) error {
	if c.client == nil || len(keys) == 0 {
		return nil
	}
	cacheKeys := make([]string, len(keys))
	for i, key := range keys {
		cacheKeys[i] = cacheKey(key.Index())
	}
	if err := c.client.Del(ctx, cacheKeys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("authz: cache invalidate: %w", err)
	}
	return nil
}

// Refresh drops and repopulates the entry for one key. Idempotent, safe to
// retry; this is the body of the async refresh task.
func (c *AclCache) Refresh(ctx context.Context, key AclKey) error {
	if err := c.Invalidate(ctx, key); err != nil {
		return err
	}
	_, err := c.loadAndStore(ctx, key)
	return err
}

func (c *AclCache) load(ctx context.Context, key AclKey) ([]Ace, error) {
	aces, err := c.source.AcesForKey(ctx, key)
	if err == nil {
		return aces, nil
	}
	// A partial read gets one retry before surfacing.
	if errors.Is(err, ErrPartialRead) {
		return c.source.AcesForKey(ctx, key)
	}
	return nil, err
}

func (c *AclCache) loadAndStore(ctx context.Context, key AclKey) ([]Ace, error) {
	aces, err := c.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if c.client == nil {
		return aces, nil
	}
	payload, err := json.Marshal(aces)
	if err != nil {
		return nil, fmt.Errorf("authz: cache encode: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(key.Index()), payload, c.ttl).Err(); err != nil {
		// Best effort: serving the loaded value beats failing the read.
		c.logger.Warn("authz: cache store failed",
			slog.String("acl_key", string(key.Index())), slog.Any("error", err))
	}
	return aces, nil
}
