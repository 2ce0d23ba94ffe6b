package admin

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/warden/pkg/accounts"
	"github.com/platinummonkey/warden/pkg/observability"
)

const actorCacheName = "actor_names"

// NameCacheConfig configures the actor display name cache
type NameCacheConfig struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultNameCacheConfig returns the default actor name cache settings
func DefaultNameCacheConfig() NameCacheConfig {
	return NameCacheConfig{
		MaxEntries: 1024,
		TTL:        5 * time.Minute,
	}
}

// Directory reads account records in bulk
type Directory interface {
	GetMany(ctx context.Context, ids []int64) ([]*accounts.User, error)
}

// nameCache resolves actor ids to display names. Accounts that no longer
// exist are cached as "" so repeated views don't query for them again.
type nameCache struct {
	dir     Directory
	cache   *lru.LRU[int64, string]
	metrics *observability.Metrics
}

func newNameCache(dir Directory, cfg NameCacheConfig, metrics *observability.Metrics) *nameCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultNameCacheConfig().MaxEntries
	}
	return &nameCache{
		dir:     dir,
		cache:   lru.NewLRU[int64, string](cfg.MaxEntries, nil, cfg.TTL),
		metrics: metrics,
	}
}

// Resolve returns the display name of every id in ids
func (c *nameCache) Resolve(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(ids))
	var missing []int64
	for _, id := range ids {
		if _, seen := names[id]; seen {
			continue
		}
		if name, ok := c.cache.Get(id); ok {
			c.metrics.RecordCacheLookup(actorCacheName, true)
			names[id] = name
			continue
		}
		c.metrics.RecordCacheLookup(actorCacheName, false)
		names[id] = ""
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return names, nil
	}

	users, err := c.dir.GetMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		names[u.ID] = displayName(u)
	}
	for _, id := range missing {
		c.cache.Add(id, names[id])
	}
	return names, nil
}

// Forget drops a cached name, used after a rename
func (c *nameCache) Forget(id int64) {
	c.cache.Remove(id)
}

func displayName(u *accounts.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Login
}
