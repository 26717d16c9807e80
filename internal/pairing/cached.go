package pairing

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes successful resolutions for ttl. Misses are not cached,
// so a freshly paired user is seen on the next connect.
type Cached struct {
	next  Resolver
	cache *expirable.LRU[string, Pairing]
}

func NewCached(next Resolver, size int, ttl time.Duration) *Cached {
	return &Cached{
		next:  next,
		cache: expirable.NewLRU[string, Pairing](size, nil, ttl),
	}
}

func (c *Cached) Resolve(ctx context.Context, userID string) (Pairing, error) {
	if p, ok := c.cache.Get(userID); ok {
		return p, nil
	}
	p, err := c.next.Resolve(ctx, userID)
	if err != nil {
		return Pairing{}, err
	}
	c.cache.Add(userID, p)
	return p, nil
}

// Forget drops the cached pairing of a user.
func (c *Cached) Forget(userID string) {
	c.cache.Remove(userID)
}
