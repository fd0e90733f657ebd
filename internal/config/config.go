// Package config defines the top-level configuration for the funding-rate
// arbitrage engine and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CARRYBOT_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Wallet    WalletConfig    `toml:"wallet"`
	Synthetix SynthetixConfig `toml:"synthetix"`
	GMX       GMXConfig       `toml:"gmx"`
	Bybit     BybitConfig     `toml:"bybit"`
	Binance   BinanceConfig   `toml:"binance"`
	Pricing   PricingConfig   `toml:"pricing"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Feed      FeedConfig      `toml:"feed"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig holds the control-loop and risk parameters of the core engine.
type EngineConfig struct {
	Symbols []string `toml:"symbols"`
	Venues  []string `toml:"venues"`

	TradeSizeUSD float64 `toml:"trade_size_usd"`
	// MinMarginUSD is the minimum amount by which expected carry must exceed
	// estimated execution cost before an opportunity is emitted.
	MinMarginUSD float64 `toml:"min_margin_usd"`
	// CarryHysteresisUSD prevents flapping: an open pair is only closed when
	// its recomputed carry drops below -hysteresis, not at the first negative
	// reading.
	CarryHysteresisUSD float64 `toml:"carry_hysteresis_usd"`
	// FundingPeriodHours is the holding period funding fees are projected
	// over (8h matches the common CEX settlement cycle).
	FundingPeriodHours int     `toml:"funding_period_hours"`
	Leverage           float64 `toml:"leverage"`
	// MaxLiquidationDistancePercent is the safety threshold: positions closer
	// to liquidation than this trigger an urgent close.
	MaxLiquidationDistancePercent float64 `toml:"max_liquidation_distance_percent"`

	ScanInterval duration `toml:"scan_interval"`
	VenueTimeout duration `toml:"venue_timeout"`
	// MarketsFile is the on-disk snapshot of the market directory used for
	// cold starts.
	MarketsFile string `toml:"markets_file"`
}

// WalletConfig holds the on-chain wallet credentials used by the Synthetix
// and GMX trade adapters.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// SynthetixConfig holds the Synthetix perps API endpoint.
type SynthetixConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

// GMXConfig holds the GMX reader API endpoint.
type GMXConfig struct {
	Enabled bool   `toml:"enabled"`
	BaseURL string `toml:"base_url"`
}

// BybitConfig holds Bybit v5 API parameters.
type BybitConfig struct {
	Enabled   bool   `toml:"enabled"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

// BinanceConfig holds Binance USD-M futures API parameters.
type BinanceConfig struct {
	Enabled   bool   `toml:"enabled"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	Testnet   bool   `toml:"testnet"`
}

// PricingConfig holds spot and gas price lookup parameters.
type PricingConfig struct {
	CoingeckoURL    string `toml:"coingecko_url"`
	CoingeckoAPIKey string `toml:"coingecko_api_key"`
	// RPCURL is the EVM JSON-RPC endpoint used for gas price lookups.
	RPCURL string `toml:"rpc_url"`
	// GasUnitsPerOrder is the gas estimate for one on-chain order.
	GasUnitsPerOrder uint64 `toml:"gas_units_per_order"`
}

// PostgresConfig holds PostgreSQL connection parameters for the trade log.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for trade-log
// archival.
type S3Config struct {
	Enabled              bool     `toml:"enabled"`
	Endpoint             string   `toml:"endpoint"`
	Region               string   `toml:"region"`
	Bucket               string   `toml:"bucket"`
	AccessKey            string   `toml:"access_key"`
	SecretKey            string   `toml:"secret_key"`
	UseSSL               bool     `toml:"use_ssl"`
	ForcePathStyle       bool     `toml:"force_path_style"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveInterval      duration `toml:"archive_interval"`
}

// FeedConfig holds the mark-price websocket feed parameters.
type FeedConfig struct {
	Enabled bool   `toml:"enabled"`
	WSHost  string `toml:"ws_host"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			Symbols:                       []string{"ETH", "BTC"},
			Venues:                        []string{"synthetix", "bybit"},
			TradeSizeUSD:                  1000,
			MinMarginUSD:                  1.0,
			CarryHysteresisUSD:            0.5,
			FundingPeriodHours:            8,
			Leverage:                      5,
			MaxLiquidationDistancePercent: 5,
			ScanInterval:                  duration{5 * time.Minute},
			VenueTimeout:                  duration{15 * time.Second},
			MarketsFile:                   "markets.json",
		},
		Synthetix: SynthetixConfig{
			Enabled: true,
			BaseURL: "https://perps-api-mainnet.synthetix.io",
		},
		GMX: GMXConfig{
			Enabled: false,
			BaseURL: "https://arbitrum-api.gmxinfra.io",
		},
		Bybit: BybitConfig{
			Enabled: true,
			BaseURL: "https://api.bybit.com",
		},
		Binance: BinanceConfig{
			Enabled: false,
		},
		Pricing: PricingConfig{
			CoingeckoURL:     "https://api.coingecko.com/api/v3",
			RPCURL:           "https://mainnet.base.org",
			GasUnitsPerOrder: 2_500_000,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "carrybot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:              false,
			Endpoint:             "http://localhost:9000",
			Region:               "us-east-1",
			Bucket:               "carrybot-archive",
			UseSSL:               false,
			ForcePathStyle:       true,
			ArchiveRetentionDays: 90,
			ArchiveInterval:      duration{24 * time.Hour},
		},
		Feed: FeedConfig{
			Enabled: true,
			WSHost:  "wss://stream.bybit.com/v5/public/linear",
		},
		Notify: NotifyConfig{
			Events: []string{"opportunity_found", "position_opened", "position_closed", "urgent_close", "manual_intervention", "degraded_start"},
		},
		Mode:     "run",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"run":     true,
	"scan":    true,
	"monitor": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validVenues enumerates the venue names accepted in engine.venues.
var validVenues = map[string]bool{
	"synthetix": true,
	"gmx":       true,
	"bybit":     true,
	"binance":   true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: run, scan, monitor)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Engine
	if len(c.Engine.Symbols) == 0 {
		errs = append(errs, "engine: at least one symbol must be tracked")
	}
	if len(c.Engine.Venues) < 2 {
		errs = append(errs, "engine: at least two venues are required for a long/short pair")
	}
	for _, v := range c.Engine.Venues {
		if !validVenues[v] {
			errs = append(errs, fmt.Sprintf("engine: unknown venue %q (valid: synthetix, gmx, bybit, binance)", v))
		}
	}
	if c.Engine.TradeSizeUSD <= 0 {
		errs = append(errs, "engine: trade_size_usd must be > 0")
	}
	if c.Engine.MinMarginUSD <= 0 {
		errs = append(errs, "engine: min_margin_usd must be > 0")
	}
	if c.Engine.CarryHysteresisUSD < 0 {
		errs = append(errs, "engine: carry_hysteresis_usd must be >= 0")
	}
	if c.Engine.FundingPeriodHours <= 0 {
		errs = append(errs, "engine: funding_period_hours must be > 0")
	}
	if c.Engine.Leverage < 1 {
		errs = append(errs, "engine: leverage must be >= 1")
	}
	if c.Engine.MaxLiquidationDistancePercent <= 0 {
		errs = append(errs, "engine: max_liquidation_distance_percent must be > 0")
	}
	if c.Engine.ScanInterval.Duration < time.Second {
		errs = append(errs, "engine: scan_interval must be at least 1s")
	}
	if c.Engine.VenueTimeout.Duration <= 0 {
		errs = append(errs, "engine: venue_timeout must be > 0")
	}
	if c.Engine.MarketsFile == "" {
		errs = append(errs, "engine: markets_file must not be empty")
	}

	// Wallet credentials are required when an on-chain venue trades in run
	// mode.
	onChain := venueEnabled(c, "synthetix") || venueEnabled(c, "gmx")
	if c.Mode == "run" && onChain {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set when an on-chain venue is enabled")
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Venue endpoints / credentials.
	if venueEnabled(c, "synthetix") && c.Synthetix.BaseURL == "" {
		errs = append(errs, "synthetix: base_url must not be empty")
	}
	if venueEnabled(c, "gmx") && c.GMX.BaseURL == "" {
		errs = append(errs, "gmx: base_url must not be empty")
	}
	if venueEnabled(c, "bybit") {
		if c.Bybit.BaseURL == "" {
			errs = append(errs, "bybit: base_url must not be empty")
		}
		if c.Mode == "run" && (c.Bybit.APIKey == "" || c.Bybit.APISecret == "") {
			errs = append(errs, "bybit: api_key and api_secret are required for run mode")
		}
	}
	if venueEnabled(c, "binance") && c.Mode == "run" {
		if c.Binance.APIKey == "" || c.Binance.APISecret == "" {
			errs = append(errs, "binance: api_key and api_secret are required for run mode")
		}
	}

	// Pricing
	if c.Pricing.CoingeckoURL == "" {
		errs = append(errs, "pricing: coingecko_url must not be empty")
	}
	if onChain && c.Pricing.RPCURL == "" {
		errs = append(errs, "pricing: rpc_url is required when an on-chain venue is enabled")
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.ArchiveRetentionDays < 1 {
			errs = append(errs, "s3: archive_retention_days must be >= 1")
		}
	}

	// Feed
	if c.Feed.Enabled && c.Feed.WSHost == "" {
		errs = append(errs, "feed: ws_host must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// VenueEnabled reports whether the named venue is both listed in
// engine.venues and enabled in its own section.
func (c *Config) VenueEnabled(name string) bool {
	return venueEnabled(c, name)
}

// venueEnabled reports whether the named venue is both listed in
// engine.venues and enabled in its own section.
func venueEnabled(c *Config, name string) bool {
	listed := false
	for _, v := range c.Engine.Venues {
		if v == name {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	switch name {
	case "synthetix":
		return c.Synthetix.Enabled
	case "gmx":
		return c.GMX.Enabled
	case "bybit":
		return c.Bybit.Enabled
	case "binance":
		return c.Binance.Enabled
	}
	return false
}
