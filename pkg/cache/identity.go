package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/depotlab/commons/pkg/observability"
)

// Membership is one community role held by a user, either directly or
// through a group.
type Membership struct {
	Community string `json:"community"`
	Role      string `json:"role"`
}

// Snapshot is the cached membership view of a single user.
type Snapshot struct {
	UserID      string       `json:"user_id"`
	Memberships []Membership `json:"memberships"`
	CachedAt    time.Time    `json:"cached_at"`
}

// LoaderFunc builds a fresh snapshot from the source of truth.
type LoaderFunc func(ctx context.Context, userID string) (*Snapshot, error)

// IdentityCache is the two-tier membership cache. The L1 tier is a
// per-process expirable LRU; the L2 tier is Redis. Both tiers are
// best-effort: a Redis failure degrades to a database read, never to an
// error surfaced to the caller of GetOrLoad.
type IdentityCache struct {
	l1      *expirable.LRU[string, *Snapshot]
	redis   *redis.Client
	ttl     time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewIdentityCache creates an identity cache. The Redis client may be nil,
// in which case only the L1 tier is used. Metrics may be nil.
func NewIdentityCache(redisClient *redis.Client, l1Size int, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *IdentityCache {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &IdentityCache{
		l1:      expirable.NewLRU[string, *Snapshot](l1Size, nil, ttl),
		redis:   redisClient,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
}

func redisKey(userID string) string {
	return fmt.Sprintf("identity:%s", userID)
}

// Get returns the cached snapshot for a user, checking L1 then Redis. The
// second return value reports whether the snapshot was found.
func (c *IdentityCache) Get(ctx context.Context, userID string) (*Snapshot, bool) {
	if snap, ok := c.l1.Get(userID); ok {
		c.hit("l1")
		return snap, true
	}
	c.miss("l1")

	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, redisKey(userID)).Result()
	if err == redis.Nil {
		c.miss("redis")
		return nil, false
	} else if err != nil {
		c.miss("redis")
		c.logger.WithError(err).WithField("user_id", userID).Warn("Identity cache read failed")
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		// Corrupt entry, drop it.
		c.redis.Del(ctx, redisKey(userID))
		c.miss("redis")
		return nil, false
	}

	c.hit("redis")
	c.l1.Add(userID, &snap)
	return &snap, true
}

// Set stores a snapshot in both tiers.
func (c *IdentityCache) Set(ctx context.Context, snap *Snapshot) {
	c.l1.Add(snap.UserID, snap)

	if c.redis == nil {
		return
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKey(snap.UserID), data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("user_id", snap.UserID).Warn("Identity cache write failed")
	}
}

// GetOrLoad returns the cached snapshot, loading and caching a fresh one on
// miss.
func (c *IdentityCache) GetOrLoad(ctx context.Context, userID string, loader LoaderFunc) (*Snapshot, error) {
	if snap, ok := c.Get(ctx, userID); ok {
		return snap, nil
	}

	snap, err := loader(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity snapshot: %w", err)
	}
	if snap.CachedAt.IsZero() {
		snap.CachedAt = time.Now().UTC()
	}

	c.Set(ctx, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for a user from both tiers. It is
// idempotent: invalidating an absent entry succeeds.
func (c *IdentityCache) Invalidate(ctx context.Context, userID string) error {
	c.l1.Remove(userID)
	if c.metrics != nil {
		c.metrics.CacheInvalidationsTotal.Inc()
	}

	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate identity cache: %w", err)
	}
	return nil
}

// InvalidateMany drops cached snapshots for multiple users. Used by bulk
// membership mutations and group membership changes.
func (c *IdentityCache) InvalidateMany(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		c.l1.Remove(id)
		keys = append(keys, redisKey(id))
	}
	if c.metrics != nil {
		c.metrics.CacheInvalidationsTotal.Add(float64(len(userIDs)))
	}

	if c.redis == nil {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate identity cache: %w", err)
	}
	return nil
}

// Purge clears the entire L1 tier. Intended for tests and role registry
// reloads, where every cached snapshot may be stale at once.
func (c *IdentityCache) Purge() {
	c.l1.Purge()
}

func (c *IdentityCache) hit(tier string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(tier).Inc()
	}
}

func (c *IdentityCache) miss(tier string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(tier).Inc()
	}
}
