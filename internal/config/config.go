// Package config loads the vault engine's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"github.com/optvault/vault-engine/internal/model"
	"github.com/optvault/vault-engine/internal/pricing"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	App      AppConfig
	Server   ServerConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Pool     PoolConfig
	Options  OptionConfig
	Pricing  PricingConfig
}

type AppConfig struct {
	Name string `envconfig:"APP_NAME" default:"vault-engine"`
	Env  string `envconfig:"APP_ENV" default:"development"`
}

// IsProduction selects the JSON log encoder.
func (c AppConfig) IsProduction() bool {
	return c.Env == "production"
}

type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"60s"`
	RequestTimeout  time.Duration `envconfig:"SERVER_REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"5s"`
}

// PostgresConfig is optional; an empty URL selects the in-memory store.
type PostgresConfig struct {
	URL string `envconfig:"DATABASE_URL"`
}

type RedisConfig struct {
	URL string        `envconfig:"REDIS_URL"`
	TTL time.Duration `envconfig:"REDIS_CACHE_TTL" default:"30s"`
}

// KafkaConfig is optional; no brokers disables the event publisher.
type KafkaConfig struct {
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_TOPIC" default:"vault.events"`
}

type PoolConfig struct {
	Address         common.Address   `envconfig:"POOL_ADDRESS" required:"true"`
	Governor        common.Address   `envconfig:"POOL_GOVERNOR" required:"true"`
	Underlying      common.Address   `envconfig:"POOL_UNDERLYING" required:"true"`
	StrikeAsset     common.Address   `envconfig:"POOL_STRIKE_ASSET" required:"true"`
	CollateralAsset common.Address   `envconfig:"POOL_COLLATERAL_ASSET"` // defaults to the strike asset
	CollateralCap   decimal.Decimal  `envconfig:"POOL_COLLATERAL_CAP" default:"10000000"`
	BufferPercent   decimal.Decimal  `envconfig:"POOL_BUFFER_PERCENTAGE" default:"0.1"`
	Keepers         []common.Address `envconfig:"POOL_KEEPERS"`
	Fulfillers      []common.Address `envconfig:"FEED_FULFILLERS"`

	SettlementAddress common.Address  `envconfig:"SETTLEMENT_ADDRESS" required:"true"`
	FeedAddress       common.Address  `envconfig:"FEED_ADDRESS" required:"true"`
	Router            common.Address  `envconfig:"SETTLEMENT_ROUTER"`
	FeeRecipient      common.Address  `envconfig:"SETTLEMENT_FEE_RECIPIENT" required:"true"`
	Custody           common.Address  `envconfig:"MARGIN_CUSTODY_ADDRESS" required:"true"`
	CallMultiplier    decimal.Decimal `envconfig:"MARGIN_CALL_MULTIPLIER" default:"1.5"`
	HedgingReactor    common.Address  `envconfig:"HEDGING_REACTOR_ADDRESS"` // spot reactor, disabled when unset
}

// OptionConfig bounds the series the settlement engine will trade.
type OptionConfig struct {
	MinCallStrike decimal.Decimal `envconfig:"OPTION_MIN_CALL_STRIKE" default:"0"`
	MaxCallStrike decimal.Decimal `envconfig:"OPTION_MAX_CALL_STRIKE" default:"1000000"`
	MinPutStrike  decimal.Decimal `envconfig:"OPTION_MIN_PUT_STRIKE" default:"0"`
	MaxPutStrike  decimal.Decimal `envconfig:"OPTION_MAX_PUT_STRIKE" default:"1000000"`
	MinExpiry     time.Duration   `envconfig:"OPTION_MIN_EXPIRY" default:"24h"`
	MaxExpiry     time.Duration   `envconfig:"OPTION_MAX_EXPIRY" default:"2160h"`
}

// Params converts the bounds to the engine's representation.
func (c OptionConfig) Params() model.OptionParams {
	return model.OptionParams{
		MinCallStrike: c.MinCallStrike,
		MaxCallStrike: c.MaxCallStrike,
		MinPutStrike:  c.MinPutStrike,
		MaxPutStrike:  c.MaxPutStrike,
		MinExpiry:     c.MinExpiry,
		MaxExpiry:     c.MaxExpiry,
	}
}

// PricingConfig overrides the quoting engine's defaults. Spot seeds the
// manual price feed; zero leaves it empty until an operator sets a rate.
type PricingConfig struct {
	Spot                  decimal.Decimal `envconfig:"PRICING_SPOT" default:"0"`
	RiskFreeRate          float64         `envconfig:"PRICING_RISK_FREE_RATE" default:"0"`
	BidAskSpread          float64         `envconfig:"PRICING_BID_ASK_SPREAD" default:"0.02"`
	SlippageGradient      float64         `envconfig:"PRICING_SLIPPAGE_GRADIENT" default:"0.0001"`
	FeePerContract        decimal.Decimal `envconfig:"PRICING_FEE_PER_CONTRACT" default:"0.3"`
	CollateralLendingRate float64         `envconfig:"PRICING_COLLATERAL_LENDING_RATE" default:"0.1"`
}

// Apply overlays the configured values on base.
func (c PricingConfig) Apply(base pricing.Config) pricing.Config {
	base.RiskFreeRate = c.RiskFreeRate
	base.BidAskSpread = c.BidAskSpread
	base.SlippageGradient = c.SlippageGradient
	base.FeePerContract = c.FeePerContract
	base.CollateralLendingRate = c.CollateralLendingRate
	return base
}

// Load reads an optional .env file, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: process env: %w", err)
	}
	if cfg.Pool.CollateralAsset == (common.Address{}) {
		cfg.Pool.CollateralAsset = cfg.Pool.StrikeAsset
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	p := c.Pool
	switch {
	case p.BufferPercent.IsNegative() || p.BufferPercent.GreaterThanOrEqual(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: buffer percentage %s outside [0,1)", ErrInvalidConfig, p.BufferPercent)
	case p.CollateralCap.IsNegative():
		return fmt.Errorf("%w: negative collateral cap", ErrInvalidConfig)
	case p.CallMultiplier.LessThan(decimal.NewFromInt(1)):
		return fmt.Errorf("%w: call margin multiplier below 1", ErrInvalidConfig)
	case p.SettlementAddress == p.Address || p.FeedAddress == p.Address:
		return fmt.Errorf("%w: handler address equals the pool address", ErrInvalidConfig)
	case c.Options.MinExpiry > c.Options.MaxExpiry:
		return fmt.Errorf("%w: min expiry exceeds max expiry", ErrInvalidConfig)
	case c.Options.MinCallStrike.GreaterThan(c.Options.MaxCallStrike),
		c.Options.MinPutStrike.GreaterThan(c.Options.MaxPutStrike):
		return fmt.Errorf("%w: strike bounds inverted", ErrInvalidConfig)
	}
	return nil
}
