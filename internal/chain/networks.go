package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/mpetrun5/txpilot/internal/errors"
	"gopkg.in/yaml.v3"
)

// NetworkConfig identifies a chain endpoint. Immutable once constructed;
// custom configs are user-supplied and validated before first use.
type NetworkConfig struct {
	Key            string `yaml:"key" json:"key"`
	Name           string `yaml:"name" json:"name"`
	RPCURL         string `yaml:"rpc_url" json:"rpc_url"`
	ChainID        int64  `yaml:"chain_id" json:"chain_id"`
	ExplorerURL    string `yaml:"explorer_url" json:"explorer_url,omitempty"`
	NativeSymbol   string `yaml:"native_symbol" json:"native_symbol,omitempty"`
	NativeDecimals int    `yaml:"native_decimals" json:"native_decimals,omitempty"`
	// Multicall is the batch-call contract used for aggregate reads.
	Multicall string `yaml:"multicall" json:"multicall"`
	Custom    bool   `yaml:"-" json:"custom"`
}

// standard Multicall3 deployment address, shared across most EVM chains.
const multicall3Address = "0xcA11bde05977b3631167028862bE2a173976CA11"

var builtinNetworks = []NetworkConfig{
	{Key: "ethereum", Name: "Ethereum", RPCURL: "https://eth.llamarpc.com", ChainID: 1, ExplorerURL: "https://etherscan.io", NativeSymbol: "ETH", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "optimism", Name: "OP Mainnet", RPCURL: "https://mainnet.optimism.io", ChainID: 10, ExplorerURL: "https://optimistic.etherscan.io", NativeSymbol: "ETH", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "bsc", Name: "BNB Smart Chain", RPCURL: "https://bsc-dataseed.binance.org", ChainID: 56, ExplorerURL: "https://bscscan.com", NativeSymbol: "BNB", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "polygon", Name: "Polygon PoS", RPCURL: "https://polygon-rpc.com", ChainID: 137, ExplorerURL: "https://polygonscan.com", NativeSymbol: "POL", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "base", Name: "Base", RPCURL: "https://mainnet.base.org", ChainID: 8453, ExplorerURL: "https://basescan.org", NativeSymbol: "ETH", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "arbitrum", Name: "Arbitrum One", RPCURL: "https://arb1.arbitrum.io/rpc", ChainID: 42161, ExplorerURL: "https://arbiscan.io", NativeSymbol: "ETH", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "avalanche", Name: "Avalanche C-Chain", RPCURL: "https://api.avax.network/ext/bc/C/rpc", ChainID: 43114, ExplorerURL: "https://snowtrace.io", NativeSymbol: "AVAX", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "gnosis", Name: "Gnosis Chain", RPCURL: "https://rpc.gnosischain.com", ChainID: 100, ExplorerURL: "https://gnosisscan.io", NativeSymbol: "xDAI", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "scroll", Name: "Scroll", RPCURL: "https://rpc.scroll.io", ChainID: 534352, ExplorerURL: "https://scrollscan.com", NativeSymbol: "ETH", NativeDecimals: 18, Multicall: multicall3Address},
	{Key: "linea", Name: "Linea", RPCURL: "https://rpc.linea.build", ChainID: 59144, ExplorerURL: "https://lineascan.build", NativeSymbol: "ETH", NativeDecimals: 18, Multicall: multicall3Address},
}

// Validate checks the fields a connection or binding construction depends
// on. Custom configs must supply RPC URL, chain id and the batch-call
// contract address out-of-band.
func (c NetworkConfig) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return clierr.New(clierr.KindValidation, "network key is required")
	}
	if strings.TrimSpace(c.RPCURL) == "" {
		return clierr.New(clierr.KindValidation, fmt.Sprintf("network %s is missing an rpc url", c.Key))
	}
	if c.ChainID <= 0 {
		return clierr.New(clierr.KindValidation, fmt.Sprintf("network %s has invalid chain id %d", c.Key, c.ChainID))
	}
	if !common.IsHexAddress(strings.TrimSpace(c.Multicall)) {
		return clierr.New(clierr.KindValidation, fmt.Sprintf("network %s is missing the batch-call contract address", c.Key))
	}
	return nil
}

// CacheKey derives the connection-cache key. Custom configs key on the
// chain id so a reconfigured custom endpoint naturally misses the cache.
func (c NetworkConfig) CacheKey() string {
	if c.Custom {
		return fmt.Sprintf("custom:%d", c.ChainID)
	}
	return c.Key
}

func (c NetworkConfig) Symbol() string {
	if strings.TrimSpace(c.NativeSymbol) == "" {
		return "ETH"
	}
	return c.NativeSymbol
}

// Registry resolves network keys to configurations. Built-in networks are
// compiled in; custom networks are loaded from a user-supplied YAML file
// and validated eagerly.
type Registry struct {
	networks map[string]NetworkConfig
	order    []string
}

func NewRegistry() *Registry {
	r := &Registry{networks: make(map[string]NetworkConfig, len(builtinNetworks))}
	for _, n := range builtinNetworks {
		r.networks[n.Key] = n
		r.order = append(r.order, n.Key)
	}
	return r
}

type networksFile struct {
	Networks []NetworkConfig `yaml:"networks"`
}

// LoadCustom merges user-defined networks from path. A custom entry may
// shadow a built-in key. Missing file is not an error.
func (r *Registry) LoadCustom(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return clierr.Wrap(clierr.KindValidation, "read networks file", err)
	}
	var file networksFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return clierr.Wrap(clierr.KindValidation, "parse networks file", err)
	}
	for _, n := range file.Networks {
		n.Custom = true
		if err := n.Validate(); err != nil {
			return err
		}
		if _, exists := r.networks[n.Key]; !exists {
			r.order = append(r.order, n.Key)
		}
		r.networks[n.Key] = n
	}
	return nil
}

// Add registers a custom network supplied programmatically (forms, flags).
func (r *Registry) Add(cfg NetworkConfig) error {
	cfg.Custom = true
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, exists := r.networks[cfg.Key]; !exists {
		r.order = append(r.order, cfg.Key)
	}
	r.networks[cfg.Key] = cfg
	return nil
}

// Resolve returns the configuration for key. Unknown keys fail with a
// validation error; in particular a "custom" key without a supplied
// configuration is an error, never a crash.
func (r *Registry) Resolve(key string) (NetworkConfig, error) {
	norm := strings.ToLower(strings.TrimSpace(key))
	if norm == "" {
		return NetworkConfig{}, clierr.New(clierr.KindValidation, "network key is required")
	}
	cfg, ok := r.networks[norm]
	if !ok {
		return NetworkConfig{}, clierr.New(clierr.KindValidation, fmt.Sprintf("unknown network %q; supply a custom configuration", norm))
	}
	return cfg, nil
}

// List returns all known networks in registration order.
func (r *Registry) List() []NetworkConfig {
	out := make([]NetworkConfig, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.networks[key])
	}
	return out
}
