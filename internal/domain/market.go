// Package domain defines the core types and collaborator interfaces for the
// funding-rate arbitrage engine: market parameters, funding projections,
// opportunities, position records, and the venue/store/cache contracts that
// the rest of the codebase is written against.
package domain

import "time"

// Venue identifies a derivatives venue the engine trades on.
type Venue string

const (
	VenueSynthetix Venue = "synthetix"
	VenueGMX       Venue = "gmx"
	VenueBybit     Venue = "bybit"
	VenueBinance   Venue = "binance"
)

// OnChain reports whether orders on this venue settle on-chain and therefore
// carry a gas cost in addition to trading fees.
func (v Venue) OnChain() bool {
	return v == VenueSynthetix || v == VenueGMX
}

// FundingProfile selects which funding-fee model applies to a market.
type FundingProfile string

const (
	// ProfileVelocity is the skew-scaled funding-velocity model used by
	// synthetic-asset protocols: the funding rate drifts at a velocity
	// proportional to skew.
	ProfileVelocity FundingProfile = "velocity"
	// ProfileFactor is the per-second funding-factor model used by on-chain
	// order-book DEXes and centralized exchanges, optionally with a
	// utilization-based borrowing add-on.
	ProfileFactor FundingProfile = "factor"
)

// MarketParams is an immutable snapshot of the per-market parameters needed
// to project funding fees and price an execution. Keyed by (Venue, Symbol);
// replaced wholesale on every directory refresh, never mutated in place.
type MarketParams struct {
	Symbol   string         `json:"symbol"`
	Venue    Venue          `json:"venue"`
	MarketID string         `json:"market_id"`
	Profile  FundingProfile `json:"profile"`

	// Velocity-profile fields.
	MaxFundingVelocity float64 `json:"max_funding_velocity,omitempty"` // rate/day at full skew scale
	SkewScale          float64 `json:"skew_scale,omitempty"`

	// Factor-profile fields.
	FundingFactorPerSecond float64 `json:"funding_factor_per_second,omitempty"`
	BorrowFactorPerSecond  float64 `json:"borrow_factor_per_second,omitempty"`
	OptimalUtilization     float64 `json:"optimal_utilization,omitempty"` // 0..1
	PoolAmountUSD          float64 `json:"pool_amount_usd,omitempty"`

	// Fee tiers as fractions of notional (0.0003 = 3 bps).
	MakerFee float64 `json:"maker_fee"`
	TakerFee float64 `json:"taker_fee"`

	FetchedAt time.Time `json:"fetched_at"`
}

// OpenInterest is the long/short open interest on one venue for one symbol,
// captured atomically within a single scan cycle and never persisted.
type OpenInterest struct {
	Venue    Venue
	Symbol   string
	LongUSD  float64
	ShortUSD float64
}

// Skew returns the signed long/short imbalance in USD. Positive means longs
// dominate.
func (oi OpenInterest) Skew() float64 {
	return oi.LongUSD - oi.ShortUSD
}

// TotalUSD returns the combined open interest.
func (oi OpenInterest) TotalUSD() float64 {
	return oi.LongUSD + oi.ShortUSD
}
