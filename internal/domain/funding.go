package domain

import "time"

// Side is the direction of one leg of a hedged pair.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// FundingProjection is the projected funding fee for holding one side of a
// market over a period. FeeRate is per unit notional for the whole period;
// positive means the side pays, negative means it receives.
type FundingProjection struct {
	Venue   Venue
	Symbol  string
	Side    Side
	Period  time.Duration
	FeeRate float64
}

// CarryRate returns the funding received per unit notional for the period
// (the negation of FeeRate, so receiving is positive).
func (p FundingProjection) CarryRate() float64 {
	return -p.FeeRate
}
