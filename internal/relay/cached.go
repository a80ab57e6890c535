package relay

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const streamsKey = "streams"

// CachedClient shares one stream listing between callers for a short TTL, so
// coordinators polling at the same moment cost a single relay request.
// Any control call flushes the listing.
type CachedClient struct {
	inner API
	ttl   time.Duration
	cache *cache.Cache

	fetchMu sync.Mutex // one listing fetch at a time on a miss

	mu  sync.Mutex
	gen uint64 // bumped by every control call
}

var _ API = (*CachedClient)(nil)

// NewCached wraps inner. A ttl <= 0 disables caching.
func NewCached(inner API, ttl time.Duration) *CachedClient {
	cleanup := 2 * ttl
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	return &CachedClient{
		inner: inner,
		ttl:   ttl,
		cache: cache.New(ttl, cleanup),
	}
}

// ListStreams implements API.ListStreams.
func (c *CachedClient) ListStreams(ctx context.Context) (map[string]Stream, error) {
	if c.ttl <= 0 {
		return c.inner.ListStreams(ctx)
	}
	if v, ok := c.cache.Get(streamsKey); ok {
		return v.(map[string]Stream), nil
	}

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	if v, ok := c.cache.Get(streamsKey); ok {
		return v.(map[string]Stream), nil
	}

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	streams, err := c.inner.ListStreams(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	// A control call landed while the listing was in flight; don't cache
	// a table that may predate it.
	if gen == c.gen {
		c.cache.Set(streamsKey, streams, cache.DefaultExpiration)
	}
	c.mu.Unlock()
	return streams, nil
}

// Register implements API.Register.
func (c *CachedClient) Register(ctx context.Context, name, src string) error {
	defer c.invalidate()
	return c.inner.Register(ctx, name, src)
}

// Deregister implements API.Deregister.
func (c *CachedClient) Deregister(ctx context.Context, name string) error {
	defer c.invalidate()
	return c.inner.Deregister(ctx, name)
}

// Restart implements API.Restart.
func (c *CachedClient) Restart(ctx context.Context) error {
	defer c.invalidate()
	return c.inner.Restart(ctx)
}

func (c *CachedClient) invalidate() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	c.cache.Flush()
}
