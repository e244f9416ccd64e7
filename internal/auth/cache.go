package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ActorCache fronts ActorStore.ActorByID with a TTL cache. Entries are
// invalidated by Service whenever an actor changes.
type ActorCache struct {
	store ActorStore
	cache *ristretto.Cache[string, *Actor]
	ttl   time.Duration
}

// NewActorCache builds a cache holding up to roughly maxActors entries.
func NewActorCache(store ActorStore, maxActors int64, ttl time.Duration) (*ActorCache, error) {
	if maxActors <= 0 {
		maxActors = 10_000
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *Actor]{
		NumCounters: maxActors * 10,
		MaxCost:     maxActors,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("actor cache: %w", err)
	}
	return &ActorCache{store: store, cache: c, ttl: ttl}, nil
}

// Actor returns the actor with id, loading it from the store on a miss. The
// returned value is shared and must not be mutated.
func (c *ActorCache) Actor(ctx context.Context, id string) (*Actor, error) {
	if a, ok := c.cache.Get(id); ok {
		return a, nil
	}
	a, err := c.store.ActorByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(id, a, 1, c.ttl)
	return a, nil
}

// Invalidate drops id from the cache.
func (c *ActorCache) Invalidate(id string) {
	c.cache.Del(id)
}

// Wait blocks until pending writes are applied. Tests use it before asserting
// on hits.
func (c *ActorCache) Wait() { c.cache.Wait() }

// Close releases the cache goroutines.
func (c *ActorCache) Close() { c.cache.Close() }
