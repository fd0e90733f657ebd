// Package controller runs the periodic trade cycle: refresh market data,
// defend open positions, then hunt for new carry.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carrybot/internal/domain"
)

// MarketRefresher is the directory surface the controller drives.
type MarketRefresher interface {
	Refresh(ctx context.Context) error
	SaveFile(path string) error
}

// RiskChecker is the monitor surface the controller drives.
type RiskChecker interface {
	CheckRisks(ctx context.Context) ([]domain.LiquidationRisk, error)
}

// OpportunityScanner finds new pairs and reprices held ones.
type OpportunityScanner interface {
	Scan(ctx context.Context, symbols []string) ([]domain.Opportunity, error)
	EvaluatePair(symbol string, longVenue, shortVenue domain.Venue, oiLong, oiShort domain.OpenInterest) (float64, error)
}

// PairExecutor opens and closes hedged pairs.
type PairExecutor interface {
	OpenPair(ctx context.Context, opp domain.Opportunity) (domain.TradeOutcome, error)
	ClosePair(ctx context.Context, symbol string, urgent bool) (domain.TradeOutcome, error)
}

// Notifier delivers human-facing alerts.
type Notifier interface {
	Send(ctx context.Context, event, message string)
}

// Config tunes the control loop.
type Config struct {
	Symbols      []string
	ScanInterval time.Duration
	// CarryHysteresisUSD keeps a pair open until its recomputed carry is
	// worse than -hysteresis, so a reading that dips barely negative does
	// not churn the book.
	CarryHysteresisUSD float64
	MarketsFile        string
	// VenueTimeout bounds every venue-bound read in the cycle. Execution
	// calls are never bounded by it: an in-flight two-leg trade must not
	// be cancelled mid-leg.
	VenueTimeout time.Duration
	// DryRun evaluates and logs but never trades (scan mode).
	DryRun bool
}

// Controller owns the trade cycle. Urgent liquidation defense always runs
// before anything else in a cycle; new entries come last.
type Controller struct {
	markets  MarketRefresher
	risks    RiskChecker
	scanner  OpportunityScanner
	executor PairExecutor
	store    domain.TradeStore
	readers  map[domain.Venue]domain.VenueReader
	bus      domain.SignalBus
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New returns a Controller. bus and notifier may be nil in tests or reduced
// modes.
func New(markets MarketRefresher, risks RiskChecker, scanner OpportunityScanner, executor PairExecutor, store domain.TradeStore, readers []domain.VenueReader, bus domain.SignalBus, notifier Notifier, cfg Config, logger *slog.Logger) *Controller {
	byVenue := make(map[domain.Venue]domain.VenueReader, len(readers))
	for _, r := range readers {
		byVenue[r.Venue()] = r
	}
	return &Controller{
		markets:  markets,
		risks:    risks,
		scanner:  scanner,
		executor: executor,
		store:    store,
		readers:  byVenue,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "controller"),
	}
}

// Run executes Cycle on the configured interval until ctx is cancelled. The
// first cycle runs immediately.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		c.Cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one pass of the trade loop. Every step tolerates failure of the
// previous one; a bad market refresh degrades the cycle, it does not skip
// liquidation defense.
func (c *Controller) Cycle(ctx context.Context) {
	start := time.Now()

	rctx, cancel := c.venueCtx(ctx)
	err := c.markets.Refresh(rctx)
	cancel()
	if err != nil {
		c.logger.Warn("market refresh failed, continuing on stale data", "error", err)
	} else if c.cfg.MarketsFile != "" {
		if err := c.markets.SaveFile(c.cfg.MarketsFile); err != nil {
			c.logger.Warn("market snapshot save failed", "error", err)
		}
	}

	closed := c.defend(ctx)
	c.manageOpenPairs(ctx, closed)
	c.enter(ctx)

	c.logger.Debug("cycle complete", "elapsed", time.Since(start).Round(time.Millisecond))
}

// defend closes every pair with a leg inside the liquidation safety margin.
// It returns the symbols closed this cycle so later steps skip them.
func (c *Controller) defend(ctx context.Context) map[string]bool {
	closed := make(map[string]bool)
	rctx, cancel := c.venueCtx(ctx)
	risks, err := c.risks.CheckRisks(rctx)
	cancel()
	if err != nil {
		c.logger.Error("risk check failed", "error", err)
		return closed
	}
	for _, r := range risks {
		if !r.Urgent || closed[r.Symbol] {
			continue
		}
		c.logger.Warn("urgent close triggered",
			"symbol", r.Symbol, "venue", r.Venue,
			"distance_percent", r.DistancePercent)
		if c.cfg.DryRun {
			closed[r.Symbol] = true
			continue
		}
		if _, err := c.executor.ClosePair(ctx, r.Symbol, true); err != nil {
			c.logger.Error("urgent close failed", "symbol", r.Symbol, "error", err)
		}
		closed[r.Symbol] = true
	}
	return closed
}

// manageOpenPairs reprices each held pair at current skew and closes those
// whose carry has decayed past the hysteresis band.
func (c *Controller) manageOpenPairs(ctx context.Context, skip map[string]bool) {
	for _, sym := range c.cfg.Symbols {
		if skip[sym] {
			continue
		}
		records, err := c.store.OpenBySymbol(ctx, sym)
		if err != nil {
			c.logger.Error("trade log read failed", "symbol", sym, "error", err)
			continue
		}
		if len(records) == 0 {
			continue
		}

		var longVenue, shortVenue domain.Venue
		for _, rec := range records {
			switch rec.Side {
			case domain.SideLong:
				longVenue = rec.Venue
			case domain.SideShort:
				shortVenue = rec.Venue
			}
		}
		if longVenue == "" || shortVenue == "" {
			// A lone leg means a previous execution needs an operator; the
			// executor already alerted when it happened.
			c.logger.Warn("unpaired open leg, skipping carry check", "symbol", sym)
			continue
		}

		oiLong, err := c.openInterest(ctx, longVenue, sym)
		if err != nil {
			c.logger.Warn("carry check skipped", "symbol", sym, "venue", longVenue, "error", err)
			continue
		}
		oiShort, err := c.openInterest(ctx, shortVenue, sym)
		if err != nil {
			c.logger.Warn("carry check skipped", "symbol", sym, "venue", shortVenue, "error", err)
			continue
		}

		carry, err := c.scanner.EvaluatePair(sym, longVenue, shortVenue, oiLong, oiShort)
		if err != nil {
			c.logger.Warn("carry evaluation failed", "symbol", sym, "error", err)
			continue
		}
		if carry >= -c.cfg.CarryHysteresisUSD {
			c.logger.Debug("holding pair", "symbol", sym, "carry_usd", carry)
			continue
		}

		c.logger.Info("carry decayed, closing pair", "symbol", sym, "carry_usd", carry)
		if c.cfg.DryRun {
			continue
		}
		if _, err := c.executor.ClosePair(ctx, sym, false); err != nil {
			c.logger.Error("close failed", "symbol", sym, "error", err)
		}
	}
}

// enter scans for opportunities and takes the best one per symbol that has
// no open pair.
func (c *Controller) enter(ctx context.Context) {
	var idle []string
	for _, sym := range c.cfg.Symbols {
		records, err := c.store.OpenBySymbol(ctx, sym)
		if err != nil {
			c.logger.Error("trade log read failed", "symbol", sym, "error", err)
			continue
		}
		if len(records) == 0 {
			idle = append(idle, sym)
		}
	}
	if len(idle) == 0 {
		return
	}

	rctx, cancel := c.venueCtx(ctx)
	opps, err := c.scanner.Scan(rctx, idle)
	cancel()
	if err != nil {
		c.logger.Error("scan failed", "error", err)
		return
	}

	taken := make(map[string]bool)
	for _, opp := range opps {
		if taken[opp.Symbol] {
			continue
		}
		c.logger.Info("opportunity",
			"symbol", opp.Symbol,
			"long_venue", opp.LongVenue, "short_venue", opp.ShortVenue,
			"net_carry_usd", opp.ExpectedNetCarryUSD,
			"cost_usd", opp.EstimatedExecutionCostUSD)
		c.announce(ctx, opp)
		if c.cfg.DryRun {
			taken[opp.Symbol] = true
			continue
		}
		if _, err := c.executor.OpenPair(ctx, opp); err != nil {
			// A venue with no trader cannot execute this pairing; a
			// lower-ranked opportunity for the same symbol still can.
			if errors.Is(err, domain.ErrNotFound) {
				c.logger.Warn("opportunity not executable, trying next",
					"symbol", opp.Symbol,
					"long_venue", opp.LongVenue, "short_venue", opp.ShortVenue,
					"error", err)
				continue
			}
			c.logger.Error("open failed", "symbol", opp.Symbol, "error", err)
		}
		taken[opp.Symbol] = true
	}
}

// announce publishes an opportunity_found event for every threshold-clearing
// opportunity the cycle surfaces, whether or not it gets traded.
func (c *Controller) announce(ctx context.Context, opp domain.Opportunity) {
	if c.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"event": domain.EventOpportunityFound,
			"detail": map[string]any{
				"symbol":        opp.Symbol,
				"long_venue":    opp.LongVenue,
				"short_venue":   opp.ShortVenue,
				"net_carry_usd": opp.ExpectedNetCarryUSD,
				"cost_usd":      opp.EstimatedExecutionCostUSD,
				"size_usd":      opp.TradeSizeUSD,
			},
			"ts": time.Now().UTC(),
		})
		if err == nil {
			if err := c.bus.Publish(ctx, "carrybot:events", payload); err != nil {
				c.logger.Warn("event publish failed",
					"event", domain.EventOpportunityFound, "error", err)
			}
		}
	}
	if c.notifier != nil {
		c.notifier.Send(ctx, domain.EventOpportunityFound, fmt.Sprintf(
			"Opportunity: %s long %s / short %s, net carry $%.2f",
			opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.ExpectedNetCarryUSD))
	}
}

func (c *Controller) openInterest(ctx context.Context, venue domain.Venue, symbol string) (domain.OpenInterest, error) {
	r, ok := c.readers[venue]
	if !ok {
		return domain.OpenInterest{}, domain.ErrNotFound
	}
	rctx, cancel := c.venueCtx(ctx)
	defer cancel()
	return r.GetOpenInterest(rctx, symbol)
}

// venueCtx derives the deadline for one venue-bound read. A timeout there
// counts as a venue failure for that cycle, never as a crash.
func (c *Controller) venueCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.VenueTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.VenueTimeout)
}
