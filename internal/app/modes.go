package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"carrybot/internal/controller"
	"carrybot/internal/directory"
	"carrybot/internal/domain"
	"carrybot/internal/executor"
	"carrybot/internal/feed"
	"carrybot/internal/monitor"
	"carrybot/internal/scanner"
)

// lockTTL bounds how long a per-venue execution lock may be held before it
// expires on its own.
const lockTTL = 2 * time.Minute

// RunMode starts the full trading loop: market refresh, liquidation defense,
// held-pair management, and new entries, plus the mark-price feed and the
// trade-log archiver.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting run mode")
	return a.runEngine(ctx, deps, false)
}

// ScanMode runs the same cycle as RunMode but never trades: opportunities
// are evaluated, logged, and published, nothing else.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode, no orders will be placed")
	return a.runEngine(ctx, deps, true)
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, dryRun bool) error {
	dir := a.buildDirectory(ctx, deps)

	mon := monitor.New(deps.TradeStore, deps.Readers,
		a.cfg.Engine.MaxLiquidationDistancePercent, a.logger)

	scn := scanner.New(dir, deps.Readers, deps.Pricing, scanner.Config{
		TradeSizeUSD: a.cfg.Engine.TradeSizeUSD,
		MinMarginUSD: a.cfg.Engine.MinMarginUSD,
		Period:       time.Duration(a.cfg.Engine.FundingPeriodHours) * time.Hour,
	}, a.logger)

	orch := executor.New(deps.Traders, deps.TradeStore, deps.AuditStore,
		deps.LockManager, deps.SignalBus, deps.Notifier, executor.Config{
			Leverage: a.cfg.Engine.Leverage,
			LockTTL:  lockTTL,
		}, a.logger)

	ctl := controller.New(dir, mon, scn, orch, deps.TradeStore, deps.Readers,
		deps.SignalBus, deps.Notifier,
		controller.Config{
			Symbols:            a.cfg.Engine.Symbols,
			ScanInterval:       a.cfg.Engine.ScanInterval.Duration,
			CarryHysteresisUSD: a.cfg.Engine.CarryHysteresisUSD,
			MarketsFile:        a.cfg.Engine.MarketsFile,
			VenueTimeout:       a.cfg.Engine.VenueTimeout.Duration,
			DryRun:             dryRun,
		}, a.logger)

	if !dryRun {
		a.bootstrapLeverage(ctx, deps)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctl.Run(ctx)
	})

	if a.cfg.Feed.Enabled {
		f := feed.New(a.cfg.Feed.WSHost, a.cfg.Engine.Symbols, deps.PriceCache, a.logger)
		g.Go(func() error {
			if err := f.Connect(ctx); err != nil {
				// The engine works without the feed, pricing falls back to
				// spot lookups.
				a.logger.Warn("mark price feed unavailable", "error", err)
				return nil
			}
			<-ctx.Done()
			return f.Close()
		})
	}

	if !dryRun && deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration)
		})
	}

	return g.Wait()
}

// MonitorMode watches open positions and alerts on liquidation risk without
// ever trading.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	mon := monitor.New(deps.TradeStore, deps.Readers,
		a.cfg.Engine.MaxLiquidationDistancePercent, a.logger)

	ticker := time.NewTicker(a.cfg.Engine.ScanInterval.Duration)
	defer ticker.Stop()

	for {
		risks, err := mon.CheckRisks(ctx)
		if err != nil {
			a.logger.Error("risk check failed", "error", err)
		}
		for _, r := range risks {
			if !r.Urgent {
				continue
			}
			a.logger.Warn("position near liquidation",
				"symbol", r.Symbol, "venue", r.Venue,
				"distance_percent", r.DistancePercent)
			deps.Notifier.Send(ctx, domain.EventManualIntervention,
				fmt.Sprintf("%s %s is %.2f%% from liquidation and the engine is in monitor mode, close it manually",
					r.Venue, r.Symbol, r.DistancePercent))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// bootstrapLeverage sets the configured leverage on every tradable venue for
// every tracked symbol once at startup, so the first order of a session never
// fills at a stale tier. Failures are per-venue warnings; the orchestrator
// sets leverage again before each open.
func (a *App) bootstrapLeverage(ctx context.Context, deps *Dependencies) {
	for _, t := range deps.Traders {
		for _, sym := range a.cfg.Engine.Symbols {
			if err := t.SetLeverage(ctx, sym, a.cfg.Engine.Leverage); err != nil {
				a.logger.Warn("leverage bootstrap failed",
					"venue", t.Venue(), "symbol", sym, "error", err)
			}
		}
	}
}

// buildDirectory assembles the market directory and warms it from the disk
// snapshot when one exists. A cold start with no snapshot is reported as a
// degraded start; the first refresh heals it.
func (a *App) buildDirectory(ctx context.Context, deps *Dependencies) *directory.Directory {
	dir := directory.New(deps.Readers, a.cfg.Engine.Symbols, a.logger)
	if a.cfg.Engine.MarketsFile != "" {
		if err := dir.LoadFile(a.cfg.Engine.MarketsFile); err != nil {
			a.logger.Warn("market snapshot load failed", "error", err)
		}
	}
	if dir.LastUpdated().IsZero() {
		a.logger.Warn("starting with an empty market directory")
		payload, _ := json.Marshal(map[string]any{
			"event": domain.EventDegradedStart,
			"at":    time.Now().UTC(),
		})
		if err := deps.SignalBus.Publish(ctx, "carrybot:events", payload); err != nil {
			a.logger.Warn("event publish failed", "error", err)
		}
		deps.Notifier.Send(ctx, domain.EventDegradedStart,
			"started with no market snapshot, trading waits for the first refresh")
	}
	return dir
}
