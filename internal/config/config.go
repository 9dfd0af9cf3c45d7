// Package config layers settings from defaults, a yaml file, NAMEFLOW_*
// environment variables and command-line flags, in that order.
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

type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool
	Timeout    string
	Retries    int
	MainnetRPC string
	BaseRPC    string
	NamesAPI   string
	BridgeAPI  string
	FlowsPath  string
}

type Settings struct {
	LogLevel      string
	LogJSON       bool
	Timeout       time.Duration
	Retries       int
	MainnetRPCURL string
	BaseRPCURL    string
	NamesAPIBase  string
	BridgeAPIBase string

	FlowStorePath string
	FlowLockPath  string
	CachePath     string
	CacheLockPath string

	// Polling cadence for bridge fills and balance-delta fallback.
	BridgePollInterval  time.Duration
	BridgePollTimeout   time.Duration
	BalancePollInterval time.Duration
	BalancePollTimeout  time.Duration
}

type fileConfig struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  *bool  `yaml:"json"`
	} `yaml:"log"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	RPC     struct {
		Mainnet string `yaml:"mainnet"`
		Base    string `yaml:"base"`
	} `yaml:"rpc"`
	Names struct {
		APIBase string `yaml:"api_base"`
	} `yaml:"names"`
	Bridge struct {
		APIBase      string `yaml:"api_base"`
		PollInterval string `yaml:"poll_interval"`
		PollTimeout  string `yaml:"poll_timeout"`
	} `yaml:"bridge"`
	Balance struct {
		PollInterval string `yaml:"poll_interval"`
		PollTimeout  string `yaml:"poll_timeout"`
	} `yaml:"balance"`
	Store struct {
		FlowsPath     string `yaml:"flows_path"`
		FlowsLockPath string `yaml:"flows_lock_path"`
		CachePath     string `yaml:"cache_path"`
		CacheLockPath string `yaml:"cache_lock_path"`
	} `yaml:"store"`
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

	if settings.Timeout <= 0 {
		settings.Timeout = 15 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultStateDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		LogLevel:            "info",
		Timeout:             15 * time.Second,
		Retries:             2,
		FlowStorePath:       filepath.Join(dir, "flows.db"),
		FlowLockPath:        filepath.Join(dir, "flows.lock"),
		CachePath:           filepath.Join(dir, "cache.db"),
		CacheLockPath:       filepath.Join(dir, "cache.lock"),
		BridgePollInterval:  5 * time.Second,
		BridgePollTimeout:   5 * time.Minute,
		BalancePollInterval: 10 * time.Second,
		BalancePollTimeout:  2 * time.Minute,
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
	return filepath.Join(base, "nameflow", "config.yaml"), nil
}

func defaultStateDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "nameflow"), nil
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

	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.JSON != nil {
		settings.LogJSON = *cfg.Log.JSON
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("config timeout: %w", err)
		}
		settings.Timeout = d
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.RPC.Mainnet != "" {
		settings.MainnetRPCURL = cfg.RPC.Mainnet
	}
	if cfg.RPC.Base != "" {
		settings.BaseRPCURL = cfg.RPC.Base
	}
	if cfg.Names.APIBase != "" {
		settings.NamesAPIBase = cfg.Names.APIBase
	}
	if cfg.Bridge.APIBase != "" {
		settings.BridgeAPIBase = cfg.Bridge.APIBase
	}
	if cfg.Bridge.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Bridge.PollInterval)
		if err != nil {
			return fmt.Errorf("config bridge.poll_interval: %w", err)
		}
		settings.BridgePollInterval = d
	}
	if cfg.Bridge.PollTimeout != "" {
		d, err := time.ParseDuration(cfg.Bridge.PollTimeout)
		if err != nil {
			return fmt.Errorf("config bridge.poll_timeout: %w", err)
		}
		settings.BridgePollTimeout = d
	}
	if cfg.Balance.PollInterval != "" {
		d, err := time.ParseDuration(cfg.Balance.PollInterval)
		if err != nil {
			return fmt.Errorf("config balance.poll_interval: %w", err)
		}
		settings.BalancePollInterval = d
	}
	if cfg.Balance.PollTimeout != "" {
		d, err := time.ParseDuration(cfg.Balance.PollTimeout)
		if err != nil {
			return fmt.Errorf("config balance.poll_timeout: %w", err)
		}
		settings.BalancePollTimeout = d
	}
	if cfg.Store.FlowsPath != "" {
		settings.FlowStorePath = cfg.Store.FlowsPath
	}
	if cfg.Store.FlowsLockPath != "" {
		settings.FlowLockPath = cfg.Store.FlowsLockPath
	}
	if cfg.Store.CachePath != "" {
		settings.CachePath = cfg.Store.CachePath
	}
	if cfg.Store.CacheLockPath != "" {
		settings.CacheLockPath = cfg.Store.CacheLockPath
	}

	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("NAMEFLOW_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("NAMEFLOW_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.LogJSON = b
		}
	}
	if v := os.Getenv("NAMEFLOW_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("NAMEFLOW_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("NAMEFLOW_MAINNET_RPC"); v != "" {
		settings.MainnetRPCURL = v
	}
	if v := os.Getenv("NAMEFLOW_BASE_RPC"); v != "" {
		settings.BaseRPCURL = v
	}
	if v := os.Getenv("NAMEFLOW_NAMES_API"); v != "" {
		settings.NamesAPIBase = v
	}
	if v := os.Getenv("NAMEFLOW_BRIDGE_API"); v != "" {
		settings.BridgeAPIBase = v
	}
	if v := os.Getenv("NAMEFLOW_FLOWS_PATH"); v != "" {
		settings.FlowStorePath = v
	}
	if v := os.Getenv("NAMEFLOW_FLOWS_LOCK_PATH"); v != "" {
		settings.FlowLockPath = v
	}
	if v := os.Getenv("NAMEFLOW_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("NAMEFLOW_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}
	if flags.LogJSON {
		settings.LogJSON = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if flags.MainnetRPC != "" {
		settings.MainnetRPCURL = flags.MainnetRPC
	}
	if flags.BaseRPC != "" {
		settings.BaseRPCURL = flags.BaseRPC
	}
	if flags.NamesAPI != "" {
		settings.NamesAPIBase = flags.NamesAPI
	}
	if flags.BridgeAPI != "" {
		settings.BridgeAPIBase = flags.BridgeAPI
	}
	if flags.FlowsPath != "" {
		settings.FlowStorePath = flags.FlowsPath
		settings.FlowLockPath = flags.FlowsPath + ".lock"
	}

	switch settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}

	return nil
}
