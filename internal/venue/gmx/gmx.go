// Package gmx adapts the GMX reader API to the venue reader contract.
// Markets follow the factor profile with a utilization-based borrowing fee.
// The adapter is read-only: GMX positions are managed on-chain and this
// engine only scans the venue.
package gmx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"carrybot/internal/domain"
)

// Adapter implements domain.VenueReader against a GMX reader endpoint.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// New returns an Adapter.
func New(baseURL string, logger *slog.Logger) *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("component", "gmx"),
	}
}

// Venue identifies this adapter.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueGMX
}

type marketResponse struct {
	MarketKey              string  `json:"market_key"`
	FundingFactorPerSecond float64 `json:"funding_factor_per_second"`
	BorrowFactorPerSecond  float64 `json:"borrow_factor_per_second"`
	OptimalUtilization     float64 `json:"optimal_utilization"`
	PoolUSD                float64 `json:"pool_usd"`
	LongOIUSD              float64 `json:"long_oi_usd"`
	ShortOIUSD             float64 `json:"short_oi_usd"`
	IndexPrice             float64 `json:"index_price"`
	PositionFee            float64 `json:"position_fee"`
}

func (a *Adapter) market(ctx context.Context, symbol string) (marketResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/markets/"+symbol, nil)
	if err != nil {
		return marketResponse{}, fmt.Errorf("gmx: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return marketResponse{}, fmt.Errorf("gmx: markets/%s: %w: %v", symbol, domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return marketResponse{}, fmt.Errorf("gmx: market %s: %w", symbol, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return marketResponse{}, fmt.Errorf("gmx: markets/%s status %d: %s: %w",
			symbol, resp.StatusCode, body, domain.ErrVenueUnavailable)
	}

	var m marketResponse
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return marketResponse{}, fmt.Errorf("gmx: decode markets/%s: %w", symbol, err)
	}
	return m, nil
}

// GetMarketParams fetches the factor-model parameters for symbol. GMX
// charges one position fee irrespective of skew; both tiers get the same
// value.
func (a *Adapter) GetMarketParams(ctx context.Context, symbol string) (domain.MarketParams, error) {
	m, err := a.market(ctx, symbol)
	if err != nil {
		return domain.MarketParams{}, err
	}
	return domain.MarketParams{
		Symbol:                 symbol,
		Venue:                  domain.VenueGMX,
		MarketID:               m.MarketKey,
		Profile:                domain.ProfileFactor,
		FundingFactorPerSecond: m.FundingFactorPerSecond,
		BorrowFactorPerSecond:  m.BorrowFactorPerSecond,
		OptimalUtilization:     m.OptimalUtilization,
		PoolAmountUSD:          m.PoolUSD,
		MakerFee:               m.PositionFee,
		TakerFee:               m.PositionFee,
	}, nil
}

// GetOpenInterest fetches the current long/short open interest.
func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (domain.OpenInterest, error) {
	m, err := a.market(ctx, symbol)
	if err != nil {
		return domain.OpenInterest{}, err
	}
	return domain.OpenInterest{
		Venue:    domain.VenueGMX,
		Symbol:   symbol,
		LongUSD:  m.LongOIUSD,
		ShortUSD: m.ShortOIUSD,
	}, nil
}

// GetPosition always reports flat; the engine does not hold GMX positions.
func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	return nil, nil
}

// GetMarkPrice returns the index price for symbol.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	m, err := a.market(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if m.IndexPrice <= 0 {
		return 0, fmt.Errorf("gmx: market %s returned no index price", symbol)
	}
	return m.IndexPrice, nil
}

var _ domain.VenueReader = (*Adapter)(nil)
