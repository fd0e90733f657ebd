package domain

import "context"

// VenueReader is the read-only contract a venue adapter exposes to the core.
// All methods are network-bound; implementations must honour ctx deadlines.
// Network and auth failures are reported as (or wrapped around)
// ErrVenueUnavailable so callers can degrade to "skip this venue this cycle".
type VenueReader interface {
	Venue() Venue
	GetMarketParams(ctx context.Context, symbol string) (MarketParams, error)
	GetOpenInterest(ctx context.Context, symbol string) (OpenInterest, error)
	GetPosition(ctx context.Context, symbol string) (*PositionState, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
}

// VenueTrader is the trade contract a venue adapter exposes to the execution
// orchestrator. Size is always expressed in USD notional; adapters convert to
// asset units internally.
type VenueTrader interface {
	Venue() Venue
	PlaceOrder(ctx context.Context, symbol string, side Side, sizeUSD float64) (OrderResult, error)
	ClosePosition(ctx context.Context, symbol string) (OrderResult, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
	GetCollateral(ctx context.Context) (float64, error)
}

// PricingService supplies spot and gas prices for execution-cost estimation.
// TransactionCostUSD prices one on-chain order at the implementation's
// configured gas estimate.
type PricingService interface {
	SpotPrice(ctx context.Context, asset string) (float64, error)
	GasPriceGwei(ctx context.Context) (float64, error)
	TransactionCostUSD(ctx context.Context) (float64, error)
}
