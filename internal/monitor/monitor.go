// Package monitor tracks open positions and their proximity to liquidation.
package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"carrybot/internal/domain"
)

// Monitor reconciles the persistent trade log against live venue state and
// flags positions that have drifted too close to liquidation. When a venue
// is unreachable it still serves the trade-log view, marked stale, so the
// controller keeps a degraded view instead of a false "nothing open".
type Monitor struct {
	store   domain.TradeStore
	readers map[domain.Venue]domain.VenueReader
	// maxDistancePercent is the urgency threshold: a position whose
	// liquidation distance falls below it must be closed.
	maxDistancePercent float64
	logger             *slog.Logger
}

// New returns a Monitor over the given venue readers.
func New(store domain.TradeStore, readers []domain.VenueReader, maxDistancePercent float64, logger *slog.Logger) *Monitor {
	byVenue := make(map[domain.Venue]domain.VenueReader, len(readers))
	for _, r := range readers {
		byVenue[r.Venue()] = r
	}
	return &Monitor{
		store:              store,
		readers:            byVenue,
		maxDistancePercent: maxDistancePercent,
		logger:             logger.With("component", "monitor"),
	}
}

// OpenPositions returns the open trade-log records for venue, reconciled
// against what the venue itself reports. Records the venue no longer knows
// about are logged as drift but still returned; the trade log stays the
// source of truth and closing them is the controller's call.
//
// On venue failure every record the trade log holds is still returned,
// marked Stale: the log is the source of truth for "what is open", an
// unreachable venue only degrades the view, it never empties it.
func (m *Monitor) OpenPositions(ctx context.Context, venue domain.Venue) ([]domain.PositionRecord, error) {
	records, err := m.store.OpenByVenue(ctx, venue)
	if err != nil {
		return nil, fmt.Errorf("trade log read for %s: %w", venue, err)
	}

	reader, ok := m.readers[venue]
	if !ok {
		return nil, fmt.Errorf("no reader for venue %s: %w", venue, domain.ErrNotFound)
	}

	for i, rec := range records {
		state, err := reader.GetPosition(ctx, rec.Symbol)
		if err != nil {
			m.logger.Warn("position read failed, serving trade log marked stale",
				"venue", venue, "symbol", rec.Symbol, "error", err)
			for j := range records {
				records[j].Stale = true
			}
			return records, nil
		}
		if state == nil {
			m.logger.Warn("trade log records a position the venue does not",
				"venue", venue, "symbol", rec.Symbol, "record_id", rec.ID)
		} else if state.Side != rec.Side {
			m.logger.Warn("position side drift between trade log and venue",
				"venue", venue, "symbol", rec.Symbol,
				"recorded", rec.Side, "reported", state.Side)
		}
		records[i].Stale = false
	}
	return records, nil
}

// LiquidationDistance computes how far, in percent of mark price, a position
// sits from its approximate liquidation price. The approximation assumes
// isolated margin: a 1/leverage adverse move exhausts the margin.
func LiquidationDistance(state domain.PositionState) (float64, error) {
	if state.Leverage <= 0 || state.MarkPrice <= 0 {
		return 0, fmt.Errorf("liquidation distance %s: %w", state.Symbol, domain.ErrInvalidModelInput)
	}
	margin := state.EntryPrice / state.Leverage
	var liqPrice float64
	switch state.Side {
	case domain.SideLong:
		liqPrice = state.EntryPrice - margin
	case domain.SideShort:
		liqPrice = state.EntryPrice + margin
	default:
		return 0, fmt.Errorf("liquidation distance %s: unknown side %q: %w",
			state.Symbol, state.Side, domain.ErrInvalidModelInput)
	}

	distance := (state.MarkPrice - liqPrice) / state.MarkPrice * 100
	if state.Side == domain.SideShort {
		distance = (liqPrice - state.MarkPrice) / state.MarkPrice * 100
	}
	return distance, nil
}

// CheckRisks evaluates liquidation distance for every open position on every
// venue. Positions on unreachable venues report no risk entry this cycle;
// the stale view means the number would be a guess.
func (m *Monitor) CheckRisks(ctx context.Context) ([]domain.LiquidationRisk, error) {
	var risks []domain.LiquidationRisk
	for venue, reader := range m.readers {
		records, err := m.OpenPositions(ctx, venue)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.Stale {
				continue
			}
			state, err := reader.GetPosition(ctx, rec.Symbol)
			if err != nil || state == nil {
				continue
			}
			distance, err := LiquidationDistance(*state)
			if err != nil {
				m.logger.Warn("liquidation distance failed",
					"venue", venue, "symbol", rec.Symbol, "error", err)
				continue
			}
			risk := domain.LiquidationRisk{
				PositionID:      rec.ID,
				Venue:           venue,
				Symbol:          rec.Symbol,
				DistancePercent: distance,
				Urgent:          distance < m.maxDistancePercent,
			}
			if risk.Urgent {
				risk.Breach = fmt.Errorf("%s %s liquidation distance %.2f%% below %.2f%%: %w",
					venue, rec.Symbol, distance, m.maxDistancePercent, domain.ErrRiskThresholdBreach)
				m.logger.Warn("position near liquidation",
					"venue", venue, "symbol", rec.Symbol,
					"distance_percent", fmt.Sprintf("%.2f", distance),
					"threshold_percent", m.maxDistancePercent)
			}
			risks = append(risks, risk)
		}
	}
	return risks, nil
}

// FundingAccrualUSD estimates the funding a position has earned or paid so
// far, from the carry rate at entry prorated over the holding time. Positive
// means the position is collecting.
func FundingAccrualUSD(rec domain.PositionRecord, carryRatePerPeriod float64, periodsHeld float64) float64 {
	return carryRatePerPeriod * periodsHeld * rec.SizeUSD
}
