package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryCache implements Cache with a size-bounded expirable LRU. It is the
// process-local variant; losing it is harmless because callers only store
// advisory hints in it.
type MemoryCache struct {
	items      *expirable.LRU[string, memoryItem]
	defaultTTL time.Duration
}

// NewMemoryCache creates an in-memory cache. defaultTTL bounds the lifetime
// of entries whose Set call passes ttl <= 0.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		items:      expirable.NewLRU[string, memoryItem](maxItems, nil, defaultTTL),
		defaultTTL: defaultTTL,
	}
}

// Get retrieves a value from the cache
func (c *MemoryCache) Get(ctx context.Context, key string, value any) error {
	item, ok := c.items.Get(key)
	if !ok || time.Now().After(item.expires) {
		return ErrNotFound
	}
	return json.Unmarshal(item.data, value)
}

// Set stores a value in the cache
func (c *MemoryCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 || ttl > c.defaultTTL {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.items.Add(key, memoryItem{data: data, expires: time.Now().Add(ttl)})
	return nil
}

// Delete removes a key from the cache
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// Close implements Cache
func (c *MemoryCache) Close() error {
	c.items.Purge()
	return nil
}
