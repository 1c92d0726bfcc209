package filter

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache memoizes compiled filters by their source text so hot lookup paths
// parse each distinct filter once. Malformed text is never cached.
type Cache struct {
	entries *gocache.Cache
}

// Default expiry settings for NewCache when zero durations are passed.
const (
	DefaultCacheTTL     = 10 * time.Minute
	DefaultCacheCleanup = 15 * time.Minute
)

// NewCache creates a cache whose entries expire ttl after their last
// compilation. Zero values fall back to the defaults.
func NewCache(ttl, cleanup time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if cleanup <= 0 {
		cleanup = DefaultCacheCleanup
	}
	return &Cache{entries: gocache.New(ttl, cleanup)}
}

// Compile returns the cached filter for text, compiling and storing it on a
// miss.
func (c *Cache) Compile(text string) (*Filter, error) {
	if c == nil {
		return Compile(text)
	}
	if cached, ok := c.entries.Get(text); ok {
		if f, ok := cached.(*Filter); ok {
			return f, nil
		}
	}
	f, err := Compile(text)
	if err != nil {
		return nil, err
	}
	c.entries.SetDefault(text, f)
	return f, nil
}

// Len returns the number of cached filters, including expired ones not yet
// cleaned up.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Flush drops every cached filter.
func (c *Cache) Flush() {
	c.entries.Flush()
}
