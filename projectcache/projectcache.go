// Package projectcache implements C8: a short-TTL, bounded cache of
// public_key → project_id validations, sitting in front of store's
// ResolveProjectByKey so the hot ingest path rarely touches the database
// (spec §4.8).
package projectcache

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/faultline/store"
)

// Resolver is the backing lookup, satisfied by *store.Store.
type Resolver interface {
	ResolveProjectByKey(ctx context.Context, publicKey string) (int64, error)
}

// entry caches either a resolved project id or a negative result — both
// expire after the same TTL (spec §4.8: "including negative caching of
// unknowns for the same TTL").
type entry struct {
	projectID int64
	found     bool
	expiresAt time.Time
}

const defaultCacheSize = 100_000

// Cache is the process-wide project lookup cache. Concurrent readers share
// cached entries freely; concurrent misses for the same key coalesce into
// one call to the backing Resolver via singleflight.
type Cache struct {
	resolver Resolver
	ttl      time.Duration
	entries  *lru.Cache[string, entry]
	group    singleflight.Group
}

// New builds a Cache with the given TTL (recommended 60s — spec §4.8) and
// maximum entry count.
func New(resolver Resolver, ttl time.Duration, maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = defaultCacheSize
	}
	entries, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{resolver: resolver, ttl: ttl, entries: entries}, nil
}

// Resolve returns the project id for publicKey, consulting the cache
// first and falling through to the backing Resolver on a miss or expiry.
// A not-found result (store.ErrNotFound) is cached for the same TTL as a
// hit; any other error from the backing resolver (e.g. a DB outage) is
// never cached, so the next call retries immediately.
func (c *Cache) Resolve(ctx context.Context, publicKey string) (int64, error) {
	if e, ok := c.entries.Get(publicKey); ok && time.Now().Before(e.expiresAt) {
		if !e.found {
			return 0, store.ErrNotFound
		}
		return e.projectID, nil
	}

	v, err, _ := c.group.Do(publicKey, func() (any, error) {
		id, err := c.resolver.ResolveProjectByKey(ctx, publicKey)
		if errors.Is(err, store.ErrNotFound) {
			c.entries.Add(publicKey, entry{found: false, expiresAt: time.Now().Add(c.ttl)})
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		c.entries.Add(publicKey, entry{projectID: id, found: true, expiresAt: time.Now().Add(c.ttl)})
		return id, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}
