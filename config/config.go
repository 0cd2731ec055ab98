// Package config loads agent configuration from a YAML file with ${VAR}
// environment expansion, plus a .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a deployment. One file configures all
// three agents; each binary reads its own section.
type Config struct {
	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`

	Transport TransportConfig `yaml:"transport"`
	Events    EventsConfig    `yaml:"events"`
	LLM       LLMConfig       `yaml:"llm"`

	Buyer   BuyerConfig   `yaml:"buyer"`
	Seller  SellerConfig  `yaml:"seller"`
	Payment PaymentConfig `yaml:"payment"`
}

// TransportConfig configures the shared broadcast log.
type TransportConfig struct {
	TopicID       string `yaml:"topicId"`
	MirrorBaseURL string `yaml:"mirrorBaseUrl"`
	DedupWindow   int    `yaml:"dedupWindow"`
}

// EventsConfig configures the websocket event server.
type EventsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LLMConfig configures the optional language-model reason advisor.
type LLMConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// BuyerConfig holds the buyer agent's identity and negotiation policy.
type BuyerConfig struct {
	PrivateKey          string  `yaml:"privateKey"`
	MaxPrice            float64 `yaml:"maxPrice"`
	AutoAcceptThreshold float64 `yaml:"autoAcceptThreshold"`
	PaymentAccount      string  `yaml:"paymentAccount"`
	TokenID             string  `yaml:"tokenId"`
}

// SellerConfig holds the seller agent's identity, pricing policy, and
// inventory.
type SellerConfig struct {
	PrivateKey              string         `yaml:"privateKey"`
	MinPrice                float64        `yaml:"minPrice"`
	IdealPrice              float64        `yaml:"idealPrice"`
	AutoAcceptThreshold     float64        `yaml:"autoAcceptThreshold"`
	MaxConversationMessages int            `yaml:"maxConversationMessages"`
	LedgerAccount           string         `yaml:"ledgerAccount"`
	Inventory               map[string]int `yaml:"inventory"`
}

// PaymentConfig holds the settlement agent's identity and ledger endpoint.
type PaymentConfig struct {
	PrivateKey          string   `yaml:"privateKey"`
	LedgerRPCURL        string   `yaml:"ledgerRpcUrl"`
	ChainID             int64    `yaml:"chainId"`
	OperatorKey         string   `yaml:"operatorKey"`
	BreakerMaxFailures  int      `yaml:"breakerMaxFailures"`
	BreakerResetTimeout Duration `yaml:"breakerResetTimeout"`
}

// Duration parses YAML values like "30s" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Defaults applied where the file and environment are silent.
const (
	DefaultBuyerAutoAcceptThreshold  = 0.9
	DefaultSellerAutoAcceptThreshold = 0.95
	DefaultMaxConversationMessages   = 6
	DefaultDedupWindow               = 100
	DefaultBreakerMaxFailures        = 3
	DefaultBreakerResetTimeout       = 30 * time.Second
)

// Load reads configuration from path. A .env file in the working directory
// is loaded first (missing is fine), and ${VAR} references in the YAML are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.Transport.DedupWindow <= 0 {
		c.Transport.DedupWindow = DefaultDedupWindow
	}
	if c.Buyer.AutoAcceptThreshold <= 0 {
		c.Buyer.AutoAcceptThreshold = DefaultBuyerAutoAcceptThreshold
	}
	if c.Seller.AutoAcceptThreshold <= 0 {
		c.Seller.AutoAcceptThreshold = DefaultSellerAutoAcceptThreshold
	}
	if c.Seller.MaxConversationMessages <= 0 {
		c.Seller.MaxConversationMessages = DefaultMaxConversationMessages
	}
	if c.Payment.BreakerMaxFailures <= 0 {
		c.Payment.BreakerMaxFailures = DefaultBreakerMaxFailures
	}
	if c.Payment.BreakerResetTimeout <= 0 {
		c.Payment.BreakerResetTimeout = Duration(DefaultBreakerResetTimeout)
	}
	if c.Events.Addr == "" {
		c.Events.Addr = ":8090"
	}
}

func (c *Config) applyEnvOverrides() {
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.Transport.TopicID = getEnv("TOPIC_ID", c.Transport.TopicID)
	c.Transport.MirrorBaseURL = getEnv("MIRROR_BASE_URL", c.Transport.MirrorBaseURL)
	c.Transport.DedupWindow = getEnvInt("DEDUP_WINDOW", c.Transport.DedupWindow)

	c.Buyer.PrivateKey = getEnv("BUYER_PRIVATE_KEY", c.Buyer.PrivateKey)
	c.Seller.PrivateKey = getEnv("SELLER_PRIVATE_KEY", c.Seller.PrivateKey)
	c.Payment.PrivateKey = getEnv("PAYMENT_PRIVATE_KEY", c.Payment.PrivateKey)
	c.Payment.LedgerRPCURL = getEnv("LEDGER_RPC_URL", c.Payment.LedgerRPCURL)
	c.Payment.OperatorKey = getEnv("LEDGER_OPERATOR_KEY", c.Payment.OperatorKey)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
