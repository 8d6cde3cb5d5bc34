package chain

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/model"
	"go.uber.org/zap"
)

// DefaultConnectionCapacity bounds the number of live endpoint
// connections held at once.
const DefaultConnectionCapacity = 10

// DialFunc constructs a live endpoint connection. Injected so tests can
// count constructions; production uses ethclient.DialContext.
type DialFunc func(ctx context.Context, rpcURL string) (*ethclient.Client, error)

// ConnectionCache memoizes one live chain-endpoint connection per network
// cache key, bounded by an LRU. Eviction closes the evicted connection
// (releasing its subscriptions) before removal; a caller that already
// captured the connection for an in-flight call is not interrupted beyond
// that close.
type ConnectionCache struct {
	mu   sync.Mutex
	lru  *lru.Cache[string, *ethclient.Client]
	dial DialFunc
	cap  int
	log  *zap.Logger
}

func NewConnectionCache(capacity int, dial DialFunc, log *zap.Logger) *ConnectionCache {
	if capacity <= 0 {
		capacity = DefaultConnectionCapacity
	}
	if dial == nil {
		dial = func(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
			return ethclient.DialContext(ctx, rpcURL)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &ConnectionCache{dial: dial, cap: capacity, log: log}
	// NewWithEvict only fails on capacity <= 0, which is guarded above.
	c.lru, _ = lru.NewWithEvict[string, *ethclient.Client](capacity, func(key string, client *ethclient.Client) {
		log.Debug("closing evicted connection", zap.String("network", key))
		client.Close()
	})
	return c
}

// Get returns the memoized connection for cfg, marking it most recently
// used, or dials and stores a new one. Dial failures surface as typed
// network errors to the caller; the cache itself never fails.
func (c *ConnectionCache) Get(ctx context.Context, cfg NetworkConfig) (*ethclient.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.CacheKey()

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.lru.Get(key); ok {
		return client, nil
	}
	client, err := c.dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.KindNetwork, "connect rpc endpoint", err)
	}
	c.lru.Add(key, client)
	return client, nil
}

// Clear closes and removes every entry. Used on app-level reset, not on
// ordinary network switching.
func (c *ConnectionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Stats reports current size and keys for diagnostics.
func (c *ConnectionCache) Stats() model.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return model.CacheStats{Capacity: c.cap, Size: c.lru.Len(), Keys: sorted}
}
