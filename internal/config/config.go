package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Chain describes one deployment of the commerce contract.
type Chain struct {
	Name                 string
	RPCURL               string
	ChainID              int64
	ContractAddress      string
	PaymentTokenAddress  string
	PaymentTokenDecimals int32
	APIURL               string
}

var (
	BaseMainnet = Chain{
		Name:                 "base",
		RPCURL:               "https://mainnet.base.org",
		ChainID:              8453,
		ContractAddress:      "0x6a1FE26D54ab0d3E1e3168f2e0c0cDa5cC0A0A4A",
		PaymentTokenAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PaymentTokenDecimals: 6,
		APIURL:               "https://acpx.virtuals.io/api",
	}

	BaseSepolia = Chain{
		Name:                 "base-sepolia",
		RPCURL:               "https://sepolia.base.org",
		ChainID:              84532,
		ContractAddress:      "0x8Db6B1c839Fc8f6bd35777E194677B67b4D51928",
		PaymentTokenAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		PaymentTokenDecimals: 6,
		APIURL:               "https://acpx.virtuals.gg/api",
	}
)

// ChainByName returns the preset for name.
func ChainByName(name string) (Chain, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "base", "base-mainnet":
		return BaseMainnet, nil
	case "base-sepolia", "sepolia":
		return BaseSepolia, nil
	}
	return Chain{}, fmt.Errorf("unknown chain %q", name)
}

// Config is the full runtime configuration of an agent process.
type Config struct {
	Chain Chain

	PrivateKey       string
	AgentWallet      string
	EntityID         int64
	EvaluatorAddress string

	ConfirmTimeout    time.Duration
	SettleTimeout     time.Duration
	ReconcileInterval time.Duration

	StoreDriver   string
	DBPath        string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MaxConcurrency int
	DeliverableURL string
	AutoAccept     bool
}

var ErrInvalidAddress = errors.New("wallet address must start with 0x and be 42 characters long")

// Load reads configuration from the environment, after merging a .env file if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	chain, err := ChainByName(getenv("ACP_CHAIN"))
	if err != nil {
		return nil, err
	}
	if v := getenv("ACP_RPC_URL"); v != "" {
		chain.RPCURL = v
	}
	if v := getenv("ACP_CONTRACT_ADDRESS"); v != "" {
		chain.ContractAddress = v
	}
	if v := getenv("ACP_PAYMENT_TOKEN_ADDRESS"); v != "" {
		chain.PaymentTokenAddress = v
	}
	if v := getenv("ACP_PAYMENT_TOKEN_DECIMALS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 36 {
			return nil, fmt.Errorf("invalid ACP_PAYMENT_TOKEN_DECIMALS %q", v)
		}
		chain.PaymentTokenDecimals = int32(n)
	}
	if v := getenv("ACP_API_URL"); v != "" {
		chain.APIURL = strings.TrimRight(v, "/")
	}

	cfg := &Config{
		Chain:             chain,
		PrivateKey:        strings.TrimPrefix(getenv("WHITELISTED_WALLET_PRIVATE_KEY"), "0x"),
		AgentWallet:       getenv("AGENT_WALLET_ADDRESS"),
		EvaluatorAddress:  getenv("EVALUATOR_ADDRESS"),
		ConfirmTimeout:    seconds(getenv("ACP_CONFIRM_TIMEOUT_SEC"), 120),
		SettleTimeout:     seconds(getenv("ACP_SETTLE_TIMEOUT_SEC"), 30),
		ReconcileInterval: seconds(getenv("ACP_RECONCILE_INTERVAL_SEC"), 60),
		StoreDriver:       strings.ToLower(getenv("ACP_STORE_DRIVER")),
		DBPath:            getenv("ACP_DB_PATH"),
		PostgresDSN:       getenv("ACP_PG_DSN"),
		RedisAddr:         getenv("REDIS_ADDR"),
		RedisPassword:     getenv("REDIS_PASSWORD"),
		DeliverableURL:    getenv("ACP_DELIVERABLE_URL"),
		AutoAccept:        getenv("ACP_AUTO_ACCEPT") != "false",
	}
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = "sqlite"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "acp.db"
	}
	if v := getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.RedisDB = n
		}
	}
	cfg.MaxConcurrency, err = strconv.Atoi(getenv("ACP_MAX_CONCURRENCY"))
	if err != nil || cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if v := getenv("ENTITY_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ENTITY_ID %q", v)
		}
		cfg.EntityID = n
	}

	for name, addr := range map[string]string{
		"AGENT_WALLET_ADDRESS":      cfg.AgentWallet,
		"EVALUATOR_ADDRESS":         cfg.EvaluatorAddress,
		"ACP_CONTRACT_ADDRESS":      cfg.Chain.ContractAddress,
		"ACP_PAYMENT_TOKEN_ADDRESS": cfg.Chain.PaymentTokenAddress,
	} {
		if err := ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	switch cfg.StoreDriver {
	case "sqlite":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("ACP_PG_DSN is required when ACP_STORE_DRIVER=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown ACP_STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

// RequireSigner checks that a private key is configured.
func (c *Config) RequireSigner() error {
	if c.PrivateKey == "" {
		return errors.New("WHITELISTED_WALLET_PRIVATE_KEY must be set")
	}
	return nil
}

// SocketURL is the push endpoint derived from the indexer url.
func (c *Config) SocketURL() string {
	return strings.TrimSuffix(strings.TrimRight(c.Chain.APIURL, "/"), "/api")
}

// ValidateAddress accepts the empty string, which means "not configured".
func ValidateAddress(addr string) error {
	if addr == "" {
		return nil
	}
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		return ErrInvalidAddress
	}
	return nil
}

func seconds(v string, def int) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}
