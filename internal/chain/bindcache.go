package chain

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	lru "github.com/hashicorp/golang-lru/v2"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"github.com/mpetrun5/txpilot/internal/model"
	"github.com/mpetrun5/txpilot/internal/signer"
	"go.uber.org/zap"
)

// DefaultBindingCapacity bounds the number of live contract bindings.
const DefaultBindingCapacity = 10

// AccessMode distinguishes read-only bindings from bindings that can
// sign and submit transactions.
type AccessMode string

const (
	ModeRead    AccessMode = "read"
	ModeSigning AccessMode = "signing"
)

// Binding is a local handle combining a contract address and interface
// with either a read-only connection or a signing capability.
type Binding struct {
	Network NetworkConfig
	Address common.Address
	Mode    AccessMode
	ABI     abi.ABI
	Client  *ethclient.Client
	Key     *signer.Key // nil in read mode
}

// From is the caller address simulations and submissions run as. The
// zero address in read mode.
func (b *Binding) From() common.Address {
	if b.Key != nil {
		return b.Key.Address()
	}
	return common.Address{}
}

// BindingCache memoizes one contract binding per (network, address, mode)
// key with the same LRU semantics as ConnectionCache, keyed one level
// down. The address is part of the key so reconfiguring a contract
// naturally misses the cache instead of reusing a stale binding.
type BindingCache struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *Binding]
	conns *ConnectionCache
	keys  signer.Accessor
	cap   int
	log   *zap.Logger
}

func NewBindingCache(capacity int, conns *ConnectionCache, keys signer.Accessor, log *zap.Logger) *BindingCache {
	if capacity <= 0 {
		capacity = DefaultBindingCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &BindingCache{conns: conns, keys: keys, cap: capacity, log: log}
	// Bindings share connections owned by ConnectionCache, so eviction
	// here drops only the handle.
	c.lru, _ = lru.New[string, *Binding](capacity)
	return c
}

// Get returns the memoized binding, or constructs one: a connection via
// the connection cache, plus (for signing mode) the caller's resolved
// signing key.
func (c *BindingCache) Get(ctx context.Context, cfg NetworkConfig, address string, contractABI abi.ABI, mode AccessMode) (*Binding, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" || !common.IsHexAddress(trimmed) {
		return nil, clierr.New(clierr.KindContract, "contract address is unset or invalid")
	}
	addr := common.HexToAddress(trimmed)
	if addr == (common.Address{}) {
		return nil, clierr.New(clierr.KindContract, "contract address is the zero address")
	}
	if mode != ModeRead && mode != ModeSigning {
		return nil, clierr.New(clierr.KindValidation, fmt.Sprintf("unknown binding mode %q", mode))
	}

	key := fmt.Sprintf("%s|%s|%s", cfg.CacheKey(), addr.Hex(), mode)
	c.mu.Lock()
	defer c.mu.Unlock()
	if binding, ok := c.lru.Get(key); ok {
		return binding, nil
	}

	client, err := c.conns.Get(ctx, cfg)
	if err != nil {
		return nil, err
	}
	binding := &Binding{Network: cfg, Address: addr, Mode: mode, ABI: contractABI, Client: client}
	if mode == ModeSigning {
		if c.keys == nil {
			return nil, clierr.New(clierr.KindWallet, "no wallet configured")
		}
		resolved, err := c.keys()
		if err != nil {
			return nil, err
		}
		binding.Key = resolved
	}
	c.lru.Add(key, binding)
	c.log.Debug("constructed contract binding",
		zap.String("network", cfg.CacheKey()),
		zap.String("contract", addr.Hex()),
		zap.String("mode", string(mode)))
	return binding, nil
}

// Clear drops all bindings. Connections stay owned by ConnectionCache.
func (c *BindingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

func (c *BindingCache) Stats() model.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return model.CacheStats{Capacity: c.cap, Size: c.lru.Len(), Keys: sorted}
}
