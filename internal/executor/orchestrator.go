// Package executor opens and closes hedged pairs across two venues while
// keeping the trade log and downstream subscribers consistent with what
// actually filled.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"carrybot/internal/domain"
)

// Notifier delivers human-facing alerts. Implementations must not block
// trading for long; delivery failures are the implementation's problem.
type Notifier interface {
	Send(ctx context.Context, event, message string)
}

// Config tunes the orchestrator.
type Config struct {
	Leverage float64
	// LockTTL bounds how long a per-venue execution lock may be held before
	// it expires on its own.
	LockTTL time.Duration
}

// Orchestrator executes two-leg trades. The long leg always goes first; if
// the short leg then fails, the long leg is closed again (reverted). When
// even that compensating close fails the pair is left for manual
// intervention and loudly flagged.
//
// A per-venue lock serializes order flow so no two orders are ever in
// flight on the same venue at once.
type Orchestrator struct {
	traders  map[domain.Venue]domain.VenueTrader
	store    domain.TradeStore
	audit    domain.AuditStore
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
}

// New returns an Orchestrator over the given venue traders. audit, bus and
// notifier may be nil in tests or reduced modes.
func New(traders []domain.VenueTrader, store domain.TradeStore, audit domain.AuditStore, locks domain.LockManager, bus domain.SignalBus, notifier Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	byVenue := make(map[domain.Venue]domain.VenueTrader, len(traders))
	for _, t := range traders {
		byVenue[t.Venue()] = t
	}
	return &Orchestrator{
		traders:  byVenue,
		store:    store,
		audit:    audit,
		locks:    locks,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "executor"),
	}
}

// OpenPair executes opp as a hedged pair. It refuses to stack positions: any
// open record on either venue fails with ErrPositionOpen before any order is
// placed, and both venues must hold enough free collateral for the leg at
// the configured leverage or the open fails with ErrRiskThresholdBreach.
func (o *Orchestrator) OpenPair(ctx context.Context, opp domain.Opportunity) (domain.TradeOutcome, error) {
	outcome := domain.TradeOutcome{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		State:         domain.ExecStatePending,
	}

	longTrader, ok := o.traders[opp.LongVenue]
	if !ok {
		return o.fail(outcome, fmt.Errorf("no trader for venue %s: %w", opp.LongVenue, domain.ErrNotFound))
	}
	shortTrader, ok := o.traders[opp.ShortVenue]
	if !ok {
		return o.fail(outcome, fmt.Errorf("no trader for venue %s: %w", opp.ShortVenue, domain.ErrNotFound))
	}

	for _, venue := range []domain.Venue{opp.LongVenue, opp.ShortVenue} {
		open, err := o.store.OpenByVenue(ctx, venue)
		if err != nil {
			return o.fail(outcome, fmt.Errorf("trade log check: %w", err))
		}
		if len(open) > 0 {
			return o.fail(outcome, fmt.Errorf("%s already holds an open %s position: %w",
				venue, open[0].Symbol, domain.ErrPositionOpen))
		}
	}

	if err := o.checkCollateral(ctx, opp, longTrader, shortTrader); err != nil {
		return o.fail(outcome, err)
	}

	unlock, err := o.lockVenues(ctx, opp.LongVenue, opp.ShortVenue)
	if err != nil {
		return o.fail(outcome, err)
	}
	defer unlock()

	for v, t := range map[domain.Venue]domain.VenueTrader{opp.LongVenue: longTrader, opp.ShortVenue: shortTrader} {
		if err := t.SetLeverage(ctx, opp.Symbol, o.cfg.Leverage); err != nil {
			return o.fail(outcome, fmt.Errorf("set leverage on %s: %w", v, err))
		}
	}

	pairID := uuid.NewString()

	longResult, err := longTrader.PlaceOrder(ctx, opp.Symbol, domain.SideLong, opp.TradeSizeUSD)
	if err != nil || !longResult.Success {
		return o.fail(outcome, fmt.Errorf("long leg on %s: %w", opp.LongVenue, orderErr(err, longResult)))
	}
	outcome.State = domain.ExecStateLongLegFilled
	longRec := o.record(pairID, opp.Symbol, opp.LongVenue, domain.SideLong, longResult)
	if err := o.store.Append(ctx, longRec); err != nil {
		// The order is live even though the log write failed. Revert.
		o.logger.Error("trade log append failed after long fill",
			"venue", opp.LongVenue, "symbol", opp.Symbol, "error", err)
		return o.revert(ctx, outcome, longTrader, longRec, fmt.Errorf("trade log append: %w", err))
	}
	outcome.LongRecordID = longRec.ID

	shortResult, err := shortTrader.PlaceOrder(ctx, opp.Symbol, domain.SideShort, opp.TradeSizeUSD)
	if err != nil || !shortResult.Success {
		return o.revert(ctx, outcome, longTrader, longRec,
			fmt.Errorf("short leg on %s: %w", opp.ShortVenue, orderErr(err, shortResult)))
	}
	shortRec := o.record(pairID, opp.Symbol, opp.ShortVenue, domain.SideShort, shortResult)
	if err := o.store.Append(ctx, shortRec); err != nil {
		o.logger.Error("trade log append failed after short fill",
			"venue", opp.ShortVenue, "symbol", opp.Symbol, "error", err)
		o.manualIntervention(ctx, &outcome, fmt.Sprintf(
			"both legs of %s filled but the short leg could not be recorded: %v", opp.Symbol, err))
		return outcome, domain.ErrPartialExecution
	}
	outcome.ShortRecordID = shortRec.ID
	outcome.State = domain.ExecStateBothFilled

	o.logger.Info("pair opened",
		"symbol", opp.Symbol, "pair_id", pairID,
		"long_venue", opp.LongVenue, "short_venue", opp.ShortVenue,
		"size_usd", opp.TradeSizeUSD, "expected_carry_usd", opp.ExpectedNetCarryUSD)
	o.emit(ctx, domain.EventPositionOpened, map[string]any{
		"pair_id":     pairID,
		"symbol":      opp.Symbol,
		"long_venue":  opp.LongVenue,
		"short_venue": opp.ShortVenue,
		"size_usd":    opp.TradeSizeUSD,
	})
	o.say(ctx, domain.EventPositionOpened, fmt.Sprintf(
		"Opened %s pair: long %s / short %s, $%.0f, expected carry $%.2f",
		opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.TradeSizeUSD, opp.ExpectedNetCarryUSD))
	return outcome, nil
}

// ClosePair closes both legs of the open pair for symbol. Urgent closes come
// from the liquidation monitor; routine ones from carry decay. A leg whose
// close fails leaves the pair for manual intervention rather than guessing.
func (o *Orchestrator) ClosePair(ctx context.Context, symbol string, urgent bool) (domain.TradeOutcome, error) {
	outcome := domain.TradeOutcome{
		ID:     uuid.NewString(),
		Symbol: symbol,
		State:  domain.ExecStatePending,
	}

	records, err := o.store.OpenBySymbol(ctx, symbol)
	if err != nil {
		return o.fail(outcome, fmt.Errorf("trade log read: %w", err))
	}
	if len(records) == 0 {
		return o.fail(outcome, fmt.Errorf("no open pair for %s: %w", symbol, domain.ErrNotFound))
	}

	venues := make([]domain.Venue, 0, len(records))
	for _, rec := range records {
		venues = append(venues, rec.Venue)
	}
	unlock, err := o.lockVenues(ctx, venues...)
	if err != nil {
		return o.fail(outcome, err)
	}
	defer unlock()

	now := time.Now().UTC()
	var failed []string
	for _, rec := range records {
		trader, ok := o.traders[rec.Venue]
		if !ok {
			failed = append(failed, fmt.Sprintf("%s: no trader", rec.Venue))
			continue
		}
		result, err := trader.ClosePosition(ctx, symbol)
		if err != nil || !result.Success {
			failed = append(failed, fmt.Sprintf("%s: %v", rec.Venue, orderErr(err, result)))
			continue
		}
		if err := o.store.MarkClosed(ctx, rec.ID, now); err != nil {
			o.logger.Error("mark closed failed", "record_id", rec.ID, "error", err)
		}
		switch rec.Side {
		case domain.SideLong:
			outcome.LongRecordID = rec.ID
		case domain.SideShort:
			outcome.ShortRecordID = rec.ID
		}
	}

	if len(failed) > 0 {
		o.manualIntervention(ctx, &outcome, fmt.Sprintf(
			"close of %s pair incomplete: %v", symbol, failed))
		return outcome, domain.ErrPartialExecution
	}

	outcome.State = domain.ExecStateBothFilled
	event := domain.EventPositionClosed
	if urgent {
		event = domain.EventUrgentClose
	}
	o.logger.Info("pair closed", "symbol", symbol, "urgent", urgent)
	o.emit(ctx, event, map[string]any{"symbol": symbol, "urgent": urgent})
	o.say(ctx, event, fmt.Sprintf("Closed %s pair (urgent=%v)", symbol, urgent))
	return outcome, nil
}

// checkCollateral verifies that both venues hold enough free collateral to
// margin one leg of opp at the configured leverage.
func (o *Orchestrator) checkCollateral(ctx context.Context, opp domain.Opportunity, longTrader, shortTrader domain.VenueTrader) error {
	required := opp.TradeSizeUSD
	if o.cfg.Leverage > 1 {
		required = opp.TradeSizeUSD / o.cfg.Leverage
	}
	for v, t := range map[domain.Venue]domain.VenueTrader{opp.LongVenue: longTrader, opp.ShortVenue: shortTrader} {
		free, err := t.GetCollateral(ctx)
		if err != nil {
			return fmt.Errorf("collateral check on %s: %w", v, err)
		}
		if free < required {
			return fmt.Errorf("collateral on %s is %.2f, leg needs %.2f: %w",
				v, free, required, domain.ErrRiskThresholdBreach)
		}
	}
	return nil
}

// lockVenues acquires the execution lock for every venue in a stable order
// so two concurrent executions can never deadlock on each other.
func (o *Orchestrator) lockVenues(ctx context.Context, venues ...domain.Venue) (func(), error) {
	keys := make([]string, len(venues))
	for i, v := range venues {
		keys[i] = "exec:" + string(v)
	}
	sort.Strings(keys)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := o.locks.Acquire(ctx, k, o.cfg.LockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// revert closes an already filled long leg after the short leg failed.
func (o *Orchestrator) revert(ctx context.Context, outcome domain.TradeOutcome, longTrader domain.VenueTrader, longRec domain.PositionRecord, cause error) (domain.TradeOutcome, error) {
	o.logger.Warn("short leg failed, reverting long leg",
		"symbol", longRec.Symbol, "venue", longRec.Venue, "cause", cause)

	result, err := longTrader.ClosePosition(ctx, longRec.Symbol)
	if err != nil || !result.Success {
		o.manualIntervention(ctx, &outcome, fmt.Sprintf(
			"%s long leg on %s is naked and could not be closed: %v (original failure: %v)",
			longRec.Symbol, longRec.Venue, orderErr(err, result), cause))
		return outcome, domain.ErrPartialExecution
	}
	if outcome.LongRecordID != "" {
		if err := o.store.MarkClosed(ctx, longRec.ID, time.Now().UTC()); err != nil {
			o.logger.Error("mark closed failed on revert", "record_id", longRec.ID, "error", err)
		}
	}

	outcome.State = domain.ExecStateReverted
	outcome.Detail = cause.Error()
	o.auditLog(ctx, "pair_reverted", map[string]any{
		"symbol": longRec.Symbol, "venue": longRec.Venue, "cause": cause.Error(),
	})
	return outcome, cause
}

// manualIntervention moves the outcome into the compensating-close state and
// raises every alarm available.
func (o *Orchestrator) manualIntervention(ctx context.Context, outcome *domain.TradeOutcome, detail string) {
	outcome.State = domain.ExecStateCompensatingClose
	outcome.Detail = detail
	o.logger.Error("manual intervention required", "symbol", outcome.Symbol, "detail", detail)
	o.emit(ctx, domain.EventManualIntervention, map[string]any{
		"symbol": outcome.Symbol, "detail": detail,
	})
	o.say(ctx, domain.EventManualIntervention, "MANUAL INTERVENTION: "+detail)
}

func (o *Orchestrator) fail(outcome domain.TradeOutcome, err error) (domain.TradeOutcome, error) {
	outcome.State = domain.ExecStateFailed
	outcome.Detail = err.Error()
	return outcome, err
}

func (o *Orchestrator) record(pairID, symbol string, venue domain.Venue, side domain.Side, result domain.OrderResult) domain.PositionRecord {
	return domain.PositionRecord{
		ID:         uuid.NewString(),
		PairID:     pairID,
		Symbol:     symbol,
		Venue:      venue,
		Side:       side,
		Status:     domain.PositionStatusOpen,
		SizeUSD:    result.FilledSizeUSD,
		EntryPrice: result.FillPrice,
		Leverage:   o.cfg.Leverage,
		OpenedAt:   time.Now().UTC(),
	}
}

// emit publishes a lifecycle event to the signal bus and the audit log.
// Neither failure is allowed to affect trading.
func (o *Orchestrator) emit(ctx context.Context, event string, detail map[string]any) {
	o.auditLog(ctx, event, detail)
	if o.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "detail": detail, "ts": time.Now().UTC()})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, "carrybot:events", payload); err != nil {
		o.logger.Warn("event publish failed", "event", event, "error", err)
	}
}

func (o *Orchestrator) auditLog(ctx context.Context, event string, detail map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Log(ctx, event, detail); err != nil {
		o.logger.Warn("audit log write failed", "event", event, "error", err)
	}
}

func (o *Orchestrator) say(ctx context.Context, event, message string) {
	if o.notifier != nil {
		o.notifier.Send(ctx, event, message)
	}
}

// orderErr folds the two ways an order can fail into one error.
func orderErr(err error, result domain.OrderResult) error {
	if err != nil {
		return err
	}
	if result.Message != "" {
		return errors.New(result.Message)
	}
	return errors.New("order rejected")
}
