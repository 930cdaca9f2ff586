package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/developer-mesh/taskswarm/pkg/cache"
	"github.com/developer-mesh/taskswarm/pkg/taskpack"
)

// DefaultLookupCacheTTL bounds how long a negative hint suppresses a key.
// Short on purpose: the hint only needs to outlive the burst of bots that
// just watched the task get claimed.
const DefaultLookupCacheTTL = 15 * time.Second

// LookupCache is the advisory negative-lookup cache over to-run keys. A
// false positive is corrected transactionally at reap time; a miss only
// costs an extra read.
type LookupCache struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewLookupCache wraps a Cache. ttl <= 0 selects DefaultLookupCacheTTL.
func NewLookupCache(c cache.Cache, ttl time.Duration) *LookupCache {
	if ttl <= 0 {
		ttl = DefaultLookupCacheTTL
	}
	return &LookupCache{cache: c, ttl: ttl}
}

func lookupKey(key taskpack.ToRunKey) string {
	return fmt.Sprintf("task_to_run:%x", key.RequestID)
}

// Set records whether the key is reapable. Recording reapable clears any
// negative hint so a retried task becomes visible again immediately.
func (c *LookupCache) Set(ctx context.Context, key taskpack.ToRunKey, reapable bool) {
	// The cache is a hint; errors are not worth surfacing.
	if reapable {
		_ = c.cache.Delete(ctx, lookupKey(key))
		return
	}
	_ = c.cache.Set(ctx, lookupKey(key), false, c.ttl)
}

// IsBlocked reports whether a recent hint marks the key non-reapable.
func (c *LookupCache) IsBlocked(ctx context.Context, key taskpack.ToRunKey) bool {
	var reapable bool
	if err := c.cache.Get(ctx, lookupKey(key), &reapable); err != nil {
		return false
	}
	return !reapable
}
