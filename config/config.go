package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "RELAY"
	ConfigFileName = "config.toml"
)

type IndexerConfig struct {
	MaxBlockSpan      uint64        `mapstructure:"max_block_span"`
	LookbackBlocks    uint64        `mapstructure:"lookback_blocks"`
	StartMode         string        `mapstructure:"start_mode"`
	PhaseModel        string        `mapstructure:"phase_model"`
	CommitWindow      time.Duration `mapstructure:"commit_window"`
	RevealWindow      time.Duration `mapstructure:"reveal_window"`
	HydrateMaxElapsed time.Duration `mapstructure:"hydrate_max_elapsed"`
}

type MessagesConfig struct {
	Backend    string `mapstructure:"backend"`
	Path       string `mapstructure:"path"`
	MaxPerTask int    `mapstructure:"max_per_task"`
	MaxContent int    `mapstructure:"max_content"`
}

type AccessConfig struct {
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	MaxBody    string        `mapstructure:"max_body"`
}

type APIConfig struct {
	CorsOrigins    []string `mapstructure:"cors_origins"`
	OnboardingFile string   `mapstructure:"onboarding_file"`
}

type Config struct {
	Home string `mapstructure:"-"`

	RpcUrl          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	ChainId         uint64        `mapstructure:"chain_id"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFile         string        `mapstructure:"log_file"`

	Indexer  IndexerConfig  `mapstructure:"indexer"`
	Messages MessagesConfig `mapstructure:"messages"`
	Access   AccessConfig   `mapstructure:"access"`
	API      APIConfig      `mapstructure:"api"`
}

func DefaultHome() string {
	return os.ExpandEnv("$HOME/.council-relay")
}

func DefaultConfig(home string) *Config {
	if len(home) == 0 {
		home = DefaultHome()
	}
	return &Config{
		Home:         home,
		RpcUrl:       "http://127.0.0.1:8545",
		PollInterval: 5 * time.Second,
		ListenAddr:   ":3001",
		LogLevel:     "info",
		Indexer: IndexerConfig{
			MaxBlockSpan:      2000,
			LookbackBlocks:    50000,
			StartMode:         "hydrate",
			PhaseModel:        "time",
			CommitWindow:      5 * time.Minute,
			RevealWindow:      5 * time.Minute,
			HydrateMaxElapsed: time.Minute,
		},
		Messages: MessagesConfig{
			Backend:    "sqlite",
			MaxPerTask: 100,
			MaxContent: 2000,
		},
		Access: AccessConfig{
			RateLimit:  10,
			RateWindow: time.Minute,
			MaxBody:    "16KiB",
		},
		API: APIConfig{
			CorsOrigins: []string{"*"},
		},
	}
}

func ConfigFilePath(home string) string {
	return filepath.Join(home, "config", ConfigFileName)
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("rpc_url", d.RpcUrl)
	v.SetDefault("contract_address", d.ContractAddress)
	v.SetDefault("chain_id", d.ChainId)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("indexer.max_block_span", d.Indexer.MaxBlockSpan)
	v.SetDefault("indexer.lookback_blocks", d.Indexer.LookbackBlocks)
	v.SetDefault("indexer.start_mode", d.Indexer.StartMode)
	v.SetDefault("indexer.phase_model", d.Indexer.PhaseModel)
	v.SetDefault("indexer.commit_window", d.Indexer.CommitWindow)
	v.SetDefault("indexer.reveal_window", d.Indexer.RevealWindow)
	v.SetDefault("indexer.hydrate_max_elapsed", d.Indexer.HydrateMaxElapsed)
	v.SetDefault("messages.backend", d.Messages.Backend)
	v.SetDefault("messages.path", d.Messages.Path)
	v.SetDefault("messages.max_per_task", d.Messages.MaxPerTask)
	v.SetDefault("messages.max_content", d.Messages.MaxContent)
	v.SetDefault("access.rate_limit", d.Access.RateLimit)
	v.SetDefault("access.rate_window", d.Access.RateWindow)
	v.SetDefault("access.max_body", d.Access.MaxBody)
	v.SetDefault("api.cors_origins", d.API.CorsOrigins)
	v.SetDefault("api.onboarding_file", d.API.OnboardingFile)
}

// Load reads <home>/config/config.toml when present, then RELAY_* environment
// variables and any flags already bound to v.
func Load(v *viper.Viper, home string) (*Config, error) {
	cfg := DefaultConfig(home)
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(ConfigFilePath(cfg.Home))
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ContractAddress == "" {
		return errors.New("contract_address is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("contract_address %q is not an address", c.ContractAddress)
	}
	if c.RpcUrl == "" {
		return errors.New("rpc_url is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.Indexer.MaxBlockSpan == 0 {
		return errors.New("indexer.max_block_span must be positive")
	}
	switch c.Indexer.StartMode {
	case "hydrate", "replay":
	default:
		return fmt.Errorf("unknown indexer.start_mode %q", c.Indexer.StartMode)
	}
	switch c.Indexer.PhaseModel {
	case "time", "explicit":
	default:
		return fmt.Errorf("unknown indexer.phase_model %q", c.Indexer.PhaseModel)
	}
	if c.Indexer.CommitWindow <= 0 || c.Indexer.RevealWindow <= 0 {
		return errors.New("indexer commit and reveal windows must be positive")
	}
	switch c.Messages.Backend {
	case "sqlite", "leveldb", "none":
	default:
		return fmt.Errorf("unknown messages.backend %q", c.Messages.Backend)
	}
	if c.Messages.MaxPerTask <= 0 || c.Messages.MaxContent <= 0 {
		return errors.New("messages limits must be positive")
	}
	if c.Access.RateLimit <= 0 || c.Access.RateWindow <= 0 {
		return errors.New("access rate limit and window must be positive")
	}
	if _, err := c.MaxBodyBytes(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

// MaxBodyBytes parses access.max_body, e.g. "16KiB" or "1MB".
func (c *Config) MaxBodyBytes() (int64, error) {
	n, err := units.ParseBase2Bytes(c.Access.MaxBody)
	if err != nil {
		return 0, fmt.Errorf("access.max_body %q: %w", c.Access.MaxBody, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("access.max_body %q must be positive", c.Access.MaxBody)
	}
	return int64(n), nil
}

// MessagesPath is the persistence location, relative paths resolved under
// <home>/data.
func (c *Config) MessagesPath() string {
	p := c.Messages.Path
	if p == "" {
		if c.Messages.Backend == "leveldb" {
			p = "messages"
		} else {
			p = "messages.db"
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Home, "data", p)
}
