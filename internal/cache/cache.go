package cache

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
)

const DefaultCacheCost int64 = 1
const DefaultCacheTTL time.Duration = time.Hour

// Cache is a namespaced ttl cache. Sets are applied asynchronously, so a
// Get straight after a Set may still miss.
type Cache struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func NewCache(ttl time.Duration) (*Cache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,     // number of keys to track frequency of (100K).
		MaxCost:     1 << 16, // one unit per key, so 64K entries.
		BufferItems: 64,      // number of keys per Get buffer.
	})
	if err != nil {
		return nil, errors.WithMessage(err, "NewCache")
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	c := &Cache{
		c:   cache,
		ttl: ttl,
	}

	return c, nil
}

func key(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

func (c *Cache) Get(namespace, k string) (interface{}, bool) {
	return c.c.Get(key(namespace, k))
}

func (c *Cache) Set(namespace, k string, v interface{}) {
	c.c.SetWithTTL(key(namespace, k), v, DefaultCacheCost, c.ttl)
}

func (c *Cache) Del(namespace, k string) {
	c.c.Del(key(namespace, k))
}

func (c *Cache) Close() {
	c.c.Close()
}
