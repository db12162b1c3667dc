// Package config loads the backend configuration: a yaml file for the
// stable shape, environment variables for deployment-specific overrides.
// Environment always wins so the same yaml ships to every environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/clawger/backend/internal/core"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Chain     ChainConfig     `yaml:"chain"`
	Relayer   RelayerConfig   `yaml:"relayer"`
	Economics EconomicsConfig `yaml:"economics"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	Env                string `yaml:"env"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	SweepIntervalSecs  int    `yaml:"sweep_interval_secs"`
	APIKeys            string `yaml:"api_keys"` // comma-separated bearer keys
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

type ChainConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	ManagerAddress  string `yaml:"manager_address"`
	RegistryAddress string `yaml:"registry_address"`
	PollIntervalSec int    `yaml:"poll_interval_sec"`
	LogRange        uint64 `yaml:"log_range"`
	SafeLookback    uint64 `yaml:"safe_lookback"`
}

type RelayerConfig struct {
	SignerKey string `yaml:"signer_key"` // hex private key; env only in production
	MaxEscrow int64  `yaml:"max_escrow"`
}

// EconomicsConfig overrides the deployed constants table; zero values keep
// the defaults.
type EconomicsConfig struct {
	WorkerBondBps    int64  `yaml:"worker_bond_bps"`
	VerifierBondBps  int64  `yaml:"verifier_bond_bps"`
	ClawgerFeeBps    int64  `yaml:"clawger_fee_bps"`
	VerifierFeeBps   int64  `yaml:"verifier_fee_bps"`
	ProposalBond     int64  `yaml:"proposal_bond"`
	FailSlashBps     int64  `yaml:"fail_slash_bps"`
	BiddingThreshold int64  `yaml:"bidding_threshold"`
	BiddingWindowSec int64  `yaml:"bidding_window_sec"`
	MaxRevisions     int    `yaml:"max_revisions"`
	Treasury         string `yaml:"treasury"`
}

// Load reads the yaml file (missing file is fine: defaults apply) and then
// layers environment variables on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               "8080",
			Env:                "development",
			RateLimitPerMinute: 10,
			SweepIntervalSecs:  60,
		},
		Chain: ChainConfig{
			PollIntervalSec: 10,
			LogRange:        90,
			SafeLookback:    200,
		},
	}
}

func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "CLAWGER_ENV")
	setStr(&cfg.Server.APIKeys, "API_KEYS")
	setInt(&cfg.Server.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setStr(&cfg.Database.URL, "DB_URL")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setStr(&cfg.Chain.RPCURL, "CHAIN_RPC_URL")
	setInt64(&cfg.Chain.ChainID, "CHAIN_ID")
	setStr(&cfg.Chain.ManagerAddress, "MANAGER_ADDRESS")
	setStr(&cfg.Chain.RegistryAddress, "REGISTRY_ADDRESS")
	setStr(&cfg.Relayer.SignerKey, "SIGNER_KEY")
	setInt64(&cfg.Relayer.MaxEscrow, "MAX_ESCROW")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

// EconomicsTable materialises the constants table with config overrides
// applied.
func (c *Config) EconomicsTable() core.Economics {
	econ := core.DefaultEconomics()
	o := c.Economics
	if o.WorkerBondBps != 0 {
		econ.WorkerBondBps = o.WorkerBondBps
	}
	if o.VerifierBondBps != 0 {
		econ.VerifierBondBps = o.VerifierBondBps
	}
	if o.ClawgerFeeBps != 0 {
		econ.ClawgerFeeBps = o.ClawgerFeeBps
	}
	if o.VerifierFeeBps != 0 {
		econ.VerifierFeeBps = o.VerifierFeeBps
		econ.VerifierBudgetBps = o.VerifierFeeBps
	}
	if o.ProposalBond != 0 {
		econ.ProposalBond = o.ProposalBond
	}
	if o.FailSlashBps != 0 {
		econ.FailSlashBps = o.FailSlashBps
	}
	if o.BiddingThreshold != 0 {
		econ.BiddingThreshold = o.BiddingThreshold
	}
	if o.BiddingWindowSec != 0 {
		econ.BiddingWindow = time.Duration(o.BiddingWindowSec) * time.Second
	}
	if o.MaxRevisions != 0 {
		econ.MaxRevisions = o.MaxRevisions
	}
	if o.Treasury != "" {
		econ.Treasury = o.Treasury
	}
	return econ
}

// ValidateChain reports the fatal configuration errors for the indexer
// process.
func (c *Config) ValidateChain() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL is required")
	}
	if c.Chain.ManagerAddress == "" || c.Chain.RegistryAddress == "" {
		return fmt.Errorf("MANAGER_ADDRESS and REGISTRY_ADDRESS are required")
	}
	return nil
}

// ValidateRelayer reports the fatal configuration errors for the relayer
// process.
func (c *Config) ValidateRelayer() error {
	if c.Relayer.SignerKey == "" {
		return fmt.Errorf("SIGNER_KEY is required")
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("CHAIN_ID is required")
	}
	if c.Chain.ManagerAddress == "" {
		return fmt.Errorf("MANAGER_ADDRESS is required")
	}
	if c.Relayer.MaxEscrow <= 0 {
		return fmt.Errorf("MAX_ESCROW must be positive")
	}
	return nil
}
