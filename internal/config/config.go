package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Chain    ChainConfig
	Payments PaymentsConfig
	Market   MarketConfig
	Claims   ClaimsConfig
	Store    StoreConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// Redis is optional: when addr is empty the challenge registry uses its
// in-process replay guard (single-instance deployments).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL            string `mapstructure:"rpc_url"`
	CustodyPrivateKey string `mapstructure:"custody_private_key"`
	ChainID           int64  `mapstructure:"chain_id"`
	Network           string `mapstructure:"network"`
	TokenAddress      string `mapstructure:"token_address"`
	TokenSymbol       string `mapstructure:"token_symbol"`
}

type PaymentsConfig struct {
	FeeBps          int64  `mapstructure:"fee_bps"`
	ServicePrice    string `mapstructure:"service_price"`
	ProviderAddress string `mapstructure:"provider_address"`
	ProviderID      string `mapstructure:"provider_id"`
}

// Market prices the escrow-protected demo skill.
type MarketConfig struct {
	SellerAddress string `mapstructure:"seller_address"`
	SkillPrice    string `mapstructure:"skill_price"`
	SkillID       string `mapstructure:"skill_id"`
	EscrowTTLSec  int64  `mapstructure:"escrow_ttl_sec"`
}

type ClaimsConfig struct {
	GasSubsidyAmount  string `mapstructure:"gas_subsidy_amount"`
	SponsorshipAmount string `mapstructure:"sponsorship_amount"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("payments.fee_bps", 300)
	v.SetDefault("payments.service_price", "1.50")
	v.SetDefault("payments.provider_id", "platform")
	v.SetDefault("market.skill_price", "10")
	v.SetDefault("market.skill_id", "demo")
	v.SetDefault("market.escrow_ttl_sec", 600)
	v.SetDefault("claims.gas_subsidy_amount", "0.25")
	v.SetDefault("claims.sponsorship_amount", "5")
	v.SetDefault("chain.token_symbol", "USDC")
	v.SetDefault("chain.network", "base")
	v.SetDefault("store.path", "paygate.db")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":               "PORT",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"chain.rpc_url":             "RPC_URL",
		"chain.custody_private_key": "CUSTODY_PRIVATE_KEY",
		"chain.chain_id":            "CHAIN_ID",
		"chain.network":             "PAYMENT_NETWORK",
		"chain.token_address":       "TOKEN_ADDRESS",
		"chain.token_symbol":        "TOKEN_SYMBOL",
		"payments.fee_bps":          "PLATFORM_FEE_BPS",
		"payments.service_price":    "SERVICE_PRICE",
		"payments.provider_address": "PROVIDER_ADDRESS",
		"payments.provider_id":      "PROVIDER_ID",
		"market.seller_address":     "SELLER_ADDRESS",
		"market.skill_price":        "SKILL_PRICE",
		"market.skill_id":           "SKILL_ID",
		"market.escrow_ttl_sec":     "ESCROW_TTL_SEC",
		"claims.gas_subsidy_amount": "GAS_SUBSIDY_AMOUNT",
		"claims.sponsorship_amount": "SPONSORSHIP_AMOUNT",
		"store.path":                "STORE_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.CustodyPrivateKey, "CUSTODY_PRIVATE_KEY"},
		{c.Chain.TokenAddress, "TOKEN_ADDRESS"},
		{c.Payments.ProviderAddress, "PROVIDER_ADDRESS"},
		{c.Market.SellerAddress, "SELLER_ADDRESS"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	return nil
}
