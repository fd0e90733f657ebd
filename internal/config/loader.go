package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads configuration in three layers: built-in defaults, a TOML file
// (if path is non-empty), and CARRYBOT_* environment variables. A .env file
// in the working directory is loaded first so secrets can be kept out of the
// TOML file.
func Load(path string) (*Config, error) {
	// Missing .env is fine; it only exists in local development.
	_ = godotenv.Load()

	cfg := Defaults()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config file %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides replaces config values with CARRYBOT_* environment
// variables where set. Secrets (API keys, passwords, wallet keys) are
// expected to arrive this way in production.
func applyEnvOverrides(cfg *Config) error {
	var errs []string

	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = f
		}
	}
	setDuration := func(key string, dst *duration) {
		if v, ok := os.LookupEnv(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			dst.Duration = d
		}
	}
	setList := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if s := strings.TrimSpace(p); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	setString("CARRYBOT_MODE", &cfg.Mode)
	setString("CARRYBOT_LOG_LEVEL", &cfg.LogLevel)

	setList("CARRYBOT_SYMBOLS", &cfg.Engine.Symbols)
	setList("CARRYBOT_VENUES", &cfg.Engine.Venues)
	setFloat("CARRYBOT_TRADE_SIZE_USD", &cfg.Engine.TradeSizeUSD)
	setFloat("CARRYBOT_MIN_MARGIN_USD", &cfg.Engine.MinMarginUSD)
	setFloat("CARRYBOT_CARRY_HYSTERESIS_USD", &cfg.Engine.CarryHysteresisUSD)
	setInt("CARRYBOT_FUNDING_PERIOD_HOURS", &cfg.Engine.FundingPeriodHours)
	setFloat("CARRYBOT_LEVERAGE", &cfg.Engine.Leverage)
	setFloat("CARRYBOT_MAX_LIQUIDATION_DISTANCE_PERCENT", &cfg.Engine.MaxLiquidationDistancePercent)
	setDuration("CARRYBOT_SCAN_INTERVAL", &cfg.Engine.ScanInterval)
	setDuration("CARRYBOT_VENUE_TIMEOUT", &cfg.Engine.VenueTimeout)
	setString("CARRYBOT_MARKETS_FILE", &cfg.Engine.MarketsFile)

	setString("CARRYBOT_WALLET_PRIVATE_KEY", &cfg.Wallet.PrivateKey)
	setString("CARRYBOT_WALLET_ENCRYPTED_KEY_PATH", &cfg.Wallet.EncryptedKeyPath)
	setString("CARRYBOT_WALLET_KEY_PASSWORD", &cfg.Wallet.KeyPassword)

	setBool("CARRYBOT_SYNTHETIX_ENABLED", &cfg.Synthetix.Enabled)
	setString("CARRYBOT_SYNTHETIX_BASE_URL", &cfg.Synthetix.BaseURL)
	setBool("CARRYBOT_GMX_ENABLED", &cfg.GMX.Enabled)
	setString("CARRYBOT_GMX_BASE_URL", &cfg.GMX.BaseURL)

	setBool("CARRYBOT_BYBIT_ENABLED", &cfg.Bybit.Enabled)
	setString("CARRYBOT_BYBIT_BASE_URL", &cfg.Bybit.BaseURL)
	setString("CARRYBOT_BYBIT_API_KEY", &cfg.Bybit.APIKey)
	setString("CARRYBOT_BYBIT_API_SECRET", &cfg.Bybit.APISecret)

	setBool("CARRYBOT_BINANCE_ENABLED", &cfg.Binance.Enabled)
	setString("CARRYBOT_BINANCE_API_KEY", &cfg.Binance.APIKey)
	setString("CARRYBOT_BINANCE_API_SECRET", &cfg.Binance.APISecret)
	setBool("CARRYBOT_BINANCE_TESTNET", &cfg.Binance.Testnet)

	setString("CARRYBOT_COINGECKO_URL", &cfg.Pricing.CoingeckoURL)
	setString("CARRYBOT_COINGECKO_API_KEY", &cfg.Pricing.CoingeckoAPIKey)
	setString("CARRYBOT_RPC_URL", &cfg.Pricing.RPCURL)

	setString("CARRYBOT_POSTGRES_DSN", &cfg.Postgres.DSN)
	setString("CARRYBOT_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("CARRYBOT_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("CARRYBOT_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("CARRYBOT_POSTGRES_USER", &cfg.Postgres.User)
	setString("CARRYBOT_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("CARRYBOT_POSTGRES_SSL_MODE", &cfg.Postgres.SSLMode)
	setBool("CARRYBOT_POSTGRES_RUN_MIGRATIONS", &cfg.Postgres.RunMigrations)

	setString("CARRYBOT_REDIS_ADDR", &cfg.Redis.Addr)
	setString("CARRYBOT_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("CARRYBOT_REDIS_DB", &cfg.Redis.DB)
	setBool("CARRYBOT_REDIS_TLS_ENABLED", &cfg.Redis.TLSEnabled)

	setBool("CARRYBOT_S3_ENABLED", &cfg.S3.Enabled)
	setString("CARRYBOT_S3_ENDPOINT", &cfg.S3.Endpoint)
	setString("CARRYBOT_S3_REGION", &cfg.S3.Region)
	setString("CARRYBOT_S3_BUCKET", &cfg.S3.Bucket)
	setString("CARRYBOT_S3_ACCESS_KEY", &cfg.S3.AccessKey)
	setString("CARRYBOT_S3_SECRET_KEY", &cfg.S3.SecretKey)
	setInt("CARRYBOT_S3_ARCHIVE_RETENTION_DAYS", &cfg.S3.ArchiveRetentionDays)
	setDuration("CARRYBOT_S3_ARCHIVE_INTERVAL", &cfg.S3.ArchiveInterval)

	setBool("CARRYBOT_FEED_ENABLED", &cfg.Feed.Enabled)
	setString("CARRYBOT_FEED_WS_HOST", &cfg.Feed.WSHost)

	setString("CARRYBOT_TELEGRAM_TOKEN", &cfg.Notify.TelegramToken)
	setString("CARRYBOT_TELEGRAM_CHAT_ID", &cfg.Notify.TelegramChatID)
	setString("CARRYBOT_DISCORD_WEBHOOK_URL", &cfg.Notify.DiscordWebhookURL)
	setList("CARRYBOT_NOTIFY_EVENTS", &cfg.Notify.Events)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
