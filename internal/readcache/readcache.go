package readcache

import (
	"fmt"
	"math/big"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Cache holds derived read data (balances, aggregate reads) shared by
// pipeline instances. Entries expire on a TTL; Invalidate drops
// everything at once after a macro run mutated chain state. A read miss
// is a miss: callers must re-fetch and surface fetch failures, never
// substitute a zero value.
type Cache struct {
	c   *gocache.Cache
	log *zap.Logger
}

func New(ttl time.Duration, log *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{c: gocache.New(ttl, 2*ttl), log: log}
}

// BalanceKey names a token balance entry.
func BalanceKey(network, token, owner string) string {
	return fmt.Sprintf("balance:%s:%s:%s", network, token, owner)
}

// AggregateKey names a batched-read entry.
func AggregateKey(network, tag string) string {
	return fmt.Sprintf("aggregate:%s:%s", network, tag)
}

func (c *Cache) GetBig(key string) (*big.Int, bool) {
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false
	}
	value, ok := v.(*big.Int)
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(value), true
}

func (c *Cache) SetBig(key string, value *big.Int) {
	c.c.SetDefault(key, new(big.Int).Set(value))
}

func (c *Cache) Get(key string) (any, bool) {
	return c.c.Get(key)
}

func (c *Cache) Set(key string, value any) {
	c.c.SetDefault(key, value)
}

func (c *Cache) Delete(key string) {
	c.c.Delete(key)
}

// Invalidate drops every derived read. Called exactly once per macro
// run, at completion or abort.
func (c *Cache) Invalidate() {
	c.log.Debug("invalidating read cache", zap.Int("entries", c.c.ItemCount()))
	c.c.Flush()
}

func (c *Cache) Len() int {
	return c.c.ItemCount()
}
