package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GlobalFlags carries the raw root-command flag values before they are
// merged with file and environment configuration.
type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Verbose        bool
	Network        string
	GasMultiplier  float64
	PollInterval   string
	ReceiptTimeout string
	NoHistory      bool
	Yes            bool
}

// Settings is the fully resolved runtime configuration. Precedence is
// defaults < config file < environment < flags.
type Settings struct {
	OutputMode         string
	Verbose            bool
	DefaultNetwork     string
	NetworksPath       string
	ConnectionCapacity int
	BindingCapacity    int
	GasMultiplier      float64
	PollInterval       time.Duration
	ReceiptTimeout     time.Duration
	ReadCacheTTL       time.Duration
	HistoryEnabled     bool
	HistoryPath        string
	HistoryLockPath    string
	AutoConfirm        bool
}

type fileConfig struct {
	Output   string   `yaml:"output"`
	Verbose  *bool    `yaml:"verbose"`
	Network  string   `yaml:"network"`
	Networks string   `yaml:"networks_path"`
	Gas      struct {
		Multiplier *float64 `yaml:"multiplier"`
	} `yaml:"gas"`
	Receipts struct {
		PollInterval string `yaml:"poll_interval"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"receipts"`
	Cache struct {
		Connections *int   `yaml:"connections"`
		Bindings    *int   `yaml:"bindings"`
		ReadTTL     string `yaml:"read_ttl"`
	} `yaml:"cache"`
	History struct {
		Enabled  *bool  `yaml:"enabled"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"history"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.ConnectionCapacity <= 0 {
		settings.ConnectionCapacity = 10
	}
	if settings.BindingCapacity <= 0 {
		settings.BindingCapacity = 10
	}
	if settings.GasMultiplier < 1.0 {
		settings.GasMultiplier = 1.2
	}
	if settings.PollInterval <= 0 {
		settings.PollInterval = 2 * time.Second
	}
	if settings.ReceiptTimeout <= 0 {
		settings.ReceiptTimeout = 5 * time.Minute
	}
	if settings.ReadCacheTTL <= 0 {
		settings.ReadCacheTTL = 30 * time.Second
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	historyPath, lockPath, err := defaultHistoryPaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:         "json",
		DefaultNetwork:     "ethereum",
		ConnectionCapacity: 10,
		BindingCapacity:    10,
		GasMultiplier:      1.2,
		PollInterval:       2 * time.Second,
		ReceiptTimeout:     5 * time.Minute,
		ReadCacheTTL:       30 * time.Second,
		HistoryEnabled:     true,
		HistoryPath:        historyPath,
		HistoryLockPath:    lockPath,
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "txpilot", "config.yaml"), nil
}

func defaultHistoryPaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "txpilot")
	return filepath.Join(dir, "history.db"), filepath.Join(dir, "history.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.Verbose != nil {
		settings.Verbose = *cfg.Verbose
	}
	if cfg.Network != "" {
		settings.DefaultNetwork = cfg.Network
	}
	if cfg.Networks != "" {
		settings.NetworksPath = cfg.Networks
	}
	if cfg.Gas.Multiplier != nil {
		settings.GasMultiplier = *cfg.Gas.Multiplier
	}
	if cfg.Receipts.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Receipts.PollInterval)
		if err != nil {
			return fmt.Errorf("config receipts.poll_interval: %w", err)
		}
		settings.PollInterval = d
	}
	if cfg.Receipts.Timeout != "" {
		d, err := time.ParseDuration(cfg.Receipts.Timeout)
		if err != nil {
			return fmt.Errorf("config receipts.timeout: %w", err)
		}
		settings.ReceiptTimeout = d
	}
	if cfg.Cache.Connections != nil {
		settings.ConnectionCapacity = *cfg.Cache.Connections
	}
	if cfg.Cache.Bindings != nil {
		settings.BindingCapacity = *cfg.Cache.Bindings
	}
	if cfg.Cache.ReadTTL != "" {
		d, err := time.ParseDuration(cfg.Cache.ReadTTL)
		if err != nil {
			return fmt.Errorf("config cache.read_ttl: %w", err)
		}
		settings.ReadCacheTTL = d
	}
	if cfg.History.Enabled != nil {
		settings.HistoryEnabled = *cfg.History.Enabled
	}
	if cfg.History.Path != "" {
		settings.HistoryPath = cfg.History.Path
	}
	if cfg.History.LockPath != "" {
		settings.HistoryLockPath = cfg.History.LockPath
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("TXPILOT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("TXPILOT_VERBOSE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Verbose = b
		}
	}
	if v := os.Getenv("TXPILOT_NETWORK"); v != "" {
		settings.DefaultNetwork = v
	}
	if v := os.Getenv("TXPILOT_NETWORKS_PATH"); v != "" {
		settings.NetworksPath = v
	}
	if v := os.Getenv("TXPILOT_GAS_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			settings.GasMultiplier = f
		}
	}
	if v := os.Getenv("TXPILOT_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PollInterval = d
		}
	}
	if v := os.Getenv("TXPILOT_RECEIPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ReceiptTimeout = d
		}
	}
	if v := os.Getenv("TXPILOT_READ_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ReadCacheTTL = d
		}
	}
	if v := os.Getenv("TXPILOT_NO_HISTORY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.HistoryEnabled = !b
		}
	}
	if v := os.Getenv("TXPILOT_HISTORY_PATH"); v != "" {
		settings.HistoryPath = v
	}
	if v := os.Getenv("TXPILOT_HISTORY_LOCK_PATH"); v != "" {
		settings.HistoryLockPath = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if flags.Verbose {
		settings.Verbose = true
	}
	if strings.TrimSpace(flags.Network) != "" {
		settings.DefaultNetwork = flags.Network
	}
	if flags.GasMultiplier > 0 {
		settings.GasMultiplier = flags.GasMultiplier
	}
	if flags.PollInterval != "" {
		d, err := time.ParseDuration(flags.PollInterval)
		if err != nil {
			return fmt.Errorf("parse --poll-interval: %w", err)
		}
		settings.PollInterval = d
	}
	if flags.ReceiptTimeout != "" {
		d, err := time.ParseDuration(flags.ReceiptTimeout)
		if err != nil {
			return fmt.Errorf("parse --receipt-timeout: %w", err)
		}
		settings.ReceiptTimeout = d
	}
	if flags.NoHistory {
		settings.HistoryEnabled = false
	}
	if flags.Yes {
		settings.AutoConfirm = true
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}
