package domain

import "time"

// PositionStatus tracks whether a recorded leg is open or closed.
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// PositionRecord is one leg of a hedged pair as recorded in the persistent
// trade log. Records are append-only: the orchestrator creates them on fill,
// flips Status to closed on close, and never deletes them. The trade log is
// the single source of truth for "what is open" and the orchestrator is its
// only writer.
type PositionRecord struct {
	ID         string
	PairID     string // shared by both legs of one opportunity
	Symbol     string
	Venue      Venue
	Side       Side
	Status     PositionStatus
	SizeUSD    float64
	EntryPrice float64
	Leverage   float64
	OpenedAt   time.Time
	ClosedAt   *time.Time

	// Stale marks a record returned from the monitor's last-known snapshot
	// when the venue adapter was unreachable. Never persisted.
	Stale bool `json:"-"`
}

// PositionState is the venue-reported state of an open position, used for
// liquidation-distance checks and reconciliation against the trade log.
type PositionState struct {
	Symbol     string
	Side       Side
	SizeUSD    float64
	EntryPrice float64
	MarkPrice  float64
	Leverage   float64
}

// LiquidationRisk is the derived liquidation distance for one open position,
// recomputed every monitor cycle and never persisted.
type LiquidationRisk struct {
	PositionID      string
	Venue           Venue
	Symbol          string
	DistancePercent float64
	Urgent          bool
	// Breach wraps ErrRiskThresholdBreach when Urgent is set, nil otherwise.
	Breach error
}
