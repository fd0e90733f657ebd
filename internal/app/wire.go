package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "carrybot/internal/blob/s3"
	"carrybot/internal/cache/redis"
	"carrybot/internal/config"
	"carrybot/internal/crypto"
	"carrybot/internal/domain"
	"carrybot/internal/notify"
	"carrybot/internal/pricing"
	"carrybot/internal/store/postgres"
	"carrybot/internal/venue/binance"
	"carrybot/internal/venue/bybit"
	"carrybot/internal/venue/gmx"
	"carrybot/internal/venue/synthetix"
)

// Dependencies bundles everything the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	TradeStore domain.TradeStore
	AuditStore domain.AuditStore

	PriceCache  domain.PriceCache
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	Pricing domain.PricingService

	// Readers covers every enabled venue; Traders only the venues orders
	// can be routed to.
	Readers []domain.VenueReader
	Traders []domain.VenueTrader

	Notifier *notify.Notifier
	Archiver *s3blob.Archiver
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that
// should be called on shutdown.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL trade log ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.TradeStore = postgres.NewTradeStore(pgClient.Pool())
	deps.AuditStore = postgres.NewAuditStore(pgClient.Pool())

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)

	// --- Spot and gas pricing ---
	pricingSvc, err := pricing.NewService(
		cfg.Pricing.CoingeckoURL,
		cfg.Pricing.CoingeckoAPIKey,
		cfg.Pricing.RPCURL,
		cfg.Pricing.GasUnitsPerOrder,
		deps.PriceCache,
		logger,
	)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: pricing: %w", err)
	}

	deps.Pricing = pricingSvc

	// --- Venue adapters ---
	// The wallet key is only required for on-chain order placement; readers
	// and scan mode work without one.
	var walletKey string
	if cfg.Mode == "run" && cfg.VenueEnabled("synthetix") {
		walletKey, err = crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
	}

	if cfg.VenueEnabled("synthetix") {
		adapter, err := synthetix.New(cfg.Synthetix.BaseURL, walletKey, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: synthetix: %w", err)
		}
		deps.Readers = append(deps.Readers, adapter)
		deps.Traders = append(deps.Traders, adapter)
	}
	if cfg.VenueEnabled("gmx") {
		// GMX is scan-only: the adapter reads market state but routes no
		// orders.
		deps.Readers = append(deps.Readers, gmx.New(cfg.GMX.BaseURL, logger))
	}
	if cfg.VenueEnabled("bybit") {
		adapter := bybit.New(cfg.Bybit.BaseURL, cfg.Bybit.APIKey, cfg.Bybit.APISecret, logger)
		deps.Readers = append(deps.Readers, adapter)
		deps.Traders = append(deps.Traders, adapter)
	}
	if cfg.VenueEnabled("binance") {
		adapter := binance.New(cfg.Binance.APIKey, cfg.Binance.APISecret, cfg.Binance.Testnet, logger)
		deps.Readers = append(deps.Readers, adapter)
		deps.Traders = append(deps.Traders, adapter)
	}
	if len(deps.Readers) < 2 {
		cleanup()
		return nil, nil, fmt.Errorf("wire: need at least two enabled venues, have %d", len(deps.Readers))
	}

	// --- S3 trade-log archival ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		retention := time.Duration(cfg.S3.ArchiveRetentionDays) * 24 * time.Hour
		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			deps.TradeStore,
			deps.AuditStore,
			retention,
			logger,
		)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
