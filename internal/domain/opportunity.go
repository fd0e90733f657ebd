package domain

import "time"

// Opportunity is a ranked candidate for opening an offsetting long/short pair
// across two venues. ExpectedNetCarryUSD is already net of
// EstimatedExecutionCostUSD; the scanner only emits opportunities whose net
// carry clears the configured minimum margin.
type Opportunity struct {
	ID                        string
	Symbol                    string
	LongVenue                 Venue
	ShortVenue                Venue
	ExpectedNetCarryUSD       float64
	EstimatedExecutionCostUSD float64
	TradeSizeUSD              float64
	Period                    time.Duration
	DetectedAt                time.Time
}
