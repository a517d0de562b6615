// Package aggregate caches dashboard counters and drops them when the
// underlying tables change.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	gocache_store "github.com/eko/gocache/store/go_cache/v4"
	gocache "github.com/patrickmn/go-cache"

	"github.com/dukerupert/mchcare/internal/store"
)

const DefaultTTL = 5 * time.Minute

// Loader computes an aggregate from the database.
type Loader func(ctx context.Context) (int64, error)

// Cache holds aggregate values keyed by (entity, name). Every aggregate of
// an entity is invalidated when a write to that entity is published.
type Cache struct {
	values cache.CacheInterface[int64]
	logger *slog.Logger

	mu      sync.RWMutex
	loaders map[string]map[string]Loader
	gen     map[string]uint64
}

func New(ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		values:  cache.New[int64](gocache_store.NewGoCache(gocache.New(ttl, ttl))),
		logger:  logger,
		loaders: make(map[string]map[string]Loader),
		gen:     make(map[string]uint64),
	}
}

func key(entity, name string) string {
	return entity + ":" + name
}

// Register adds an aggregate. Registering the same key twice replaces the loader.
func (c *Cache) Register(entity, name string, fn Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaders[entity] == nil {
		c.loaders[entity] = make(map[string]Loader)
	}
	c.loaders[entity][name] = fn
}

// Attach subscribes the cache to store write events.
func (c *Cache) Attach(events *store.Events) {
	events.Subscribe(func(ch store.Change) {
		c.Invalidate(context.Background(), ch.Entity)
	})
}

// Get returns the cached value or loads and caches it.
func (c *Cache) Get(ctx context.Context, entity, name string) (int64, error) {
	c.mu.RLock()
	fn, ok := c.loaders[entity][name]
	gen := c.gen[entity]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("aggregate %s not registered", key(entity, name))
	}

	if v, err := c.values.Get(ctx, key(entity, name)); err == nil {
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return 0, fmt.Errorf("load aggregate %s: %w", key(entity, name), err)
	}

	// Skip caching if a write landed while loading. The lock is held across
	// the Set so an Invalidate either sees the value and deletes it or bumps
	// the generation first.
	c.mu.RLock()
	if c.gen[entity] == gen {
		if err := c.values.Set(ctx, key(entity, name), v); err != nil {
			c.logger.Warn("cache aggregate", "key", key(entity, name), "error", err)
		}
	}
	c.mu.RUnlock()
	return v, nil
}

// Invalidate drops every aggregate registered for entity.
func (c *Cache) Invalidate(ctx context.Context, entity string) {
	c.mu.Lock()
	c.gen[entity]++
	names := make([]string, 0, len(c.loaders[entity]))
	for name := range c.loaders[entity] {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		if err := c.values.Delete(ctx, key(entity, name)); err != nil {
			c.logger.Debug("invalidate aggregate", "key", key(entity, name), "error", err)
		}
	}
}

// Snapshot loads every registered aggregate, keyed "entity.name".
func (c *Cache) Snapshot(ctx context.Context) (map[string]int64, error) {
	c.mu.RLock()
	var keys [][2]string
	for entity, byName := range c.loaders {
		for name := range byName {
			keys = append(keys, [2]string{entity, name})
		}
	}
	c.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return key(keys[i][0], keys[i][1]) < key(keys[j][0], keys[j][1]) })

	out := make(map[string]int64, len(keys))
	for _, k := range keys {
		v, err := c.Get(ctx, k[0], k[1])
		if err != nil {
			return nil, err
		}
		out[k[0]+"."+k[1]] = v
	}
	return out, nil
}
