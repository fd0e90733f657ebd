// Package binance adapts Binance USD-M futures to the venue reader and
// trader contracts via the go-binance SDK.
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"carrybot/internal/domain"
)

// fundingIntervalSeconds is Binance's default settlement cycle.
const fundingIntervalSeconds = 8 * 3600

// Default USD-M fee tiers for a regular account.
const (
	defaultMakerFee = 0.0002
	defaultTakerFee = 0.0005
)

// Adapter implements domain.VenueReader and domain.VenueTrader on the
// go-binance futures client.
type Adapter struct {
	client *futures.Client
	logger *slog.Logger
}

// New returns an Adapter. Set testnet to trade against the futures testnet.
func New(apiKey, apiSecret string, testnet bool, logger *slog.Logger) *Adapter {
	futures.UseTestnet = testnet
	return &Adapter{
		client: binance.NewFuturesClient(apiKey, apiSecret),
		logger: logger.With("component", "binance"),
	}
}

// Venue identifies this adapter.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueBinance
}

func pair(symbol string) string {
	return symbol + "USDT"
}

func (a *Adapter) premiumIndex(ctx context.Context, symbol string) (fundingRate, markPrice float64, err error) {
	indexes, err := a.client.NewPremiumIndexService().Symbol(pair(symbol)).Do(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("binance: premium index %s: %w: %v", symbol, domain.ErrVenueUnavailable, err)
	}
	if len(indexes) == 0 {
		return 0, 0, fmt.Errorf("binance: premium index %s: %w", symbol, domain.ErrNotFound)
	}
	fundingRate, _ = strconv.ParseFloat(indexes[0].LastFundingRate, 64)
	markPrice, _ = strconv.ParseFloat(indexes[0].MarkPrice, 64)
	if markPrice <= 0 {
		return 0, 0, fmt.Errorf("binance: premium index %s returned no mark price", symbol)
	}
	return fundingRate, markPrice, nil
}

// GetMarketParams expresses Binance's published funding rate through the
// factor profile, the same way the Bybit adapter does.
func (a *Adapter) GetMarketParams(ctx context.Context, symbol string) (domain.MarketParams, error) {
	fundingRate, _, err := a.premiumIndex(ctx, symbol)
	if err != nil {
		return domain.MarketParams{}, err
	}
	return domain.MarketParams{
		Symbol:                 symbol,
		Venue:                  domain.VenueBinance,
		MarketID:               pair(symbol),
		Profile:                domain.ProfileFactor,
		FundingFactorPerSecond: math.Abs(fundingRate) / fundingIntervalSeconds,
		MakerFee:               defaultMakerFee,
		TakerFee:               defaultTakerFee,
	}, nil
}

// GetOpenInterest carries only the funding direction: longs "dominate" when
// longs currently pay. The factor profile never reads the magnitude.
func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (domain.OpenInterest, error) {
	fundingRate, _, err := a.premiumIndex(ctx, symbol)
	if err != nil {
		return domain.OpenInterest{}, err
	}
	oi := domain.OpenInterest{Venue: domain.VenueBinance, Symbol: symbol}
	if fundingRate > 0 {
		oi.LongUSD = 1
	} else if fundingRate < 0 {
		oi.ShortUSD = 1
	}
	return oi, nil
}

// GetPosition returns the live position for symbol, or nil when flat.
func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	risks, err := a.client.NewGetPositionRiskService().Symbol(pair(symbol)).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: position risk %s: %w: %v", symbol, domain.ErrVenueUnavailable, err)
	}
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		leverage, _ := strconv.ParseFloat(r.Leverage, 64)
		side := domain.SideLong
		if amt < 0 {
			side = domain.SideShort
		}
		return &domain.PositionState{
			Symbol:     symbol,
			Side:       side,
			SizeUSD:    math.Abs(amt) * mark,
			EntryPrice: entry,
			MarkPrice:  mark,
			Leverage:   leverage,
		}, nil
	}
	return nil, nil
}

// GetMarkPrice returns the current mark price.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	_, mark, err := a.premiumIndex(ctx, symbol)
	return mark, err
}

// PlaceOrder submits a market order sized in USD notional, converted to base
// units at the current mark price.
func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side domain.Side, sizeUSD float64) (domain.OrderResult, error) {
	_, mark, err := a.premiumIndex(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	qty := strconv.FormatFloat(sizeUSD/mark, 'f', 3, 64)

	binanceSide := futures.SideTypeBuy
	if side == domain.SideShort {
		binanceSide = futures.SideTypeSell
	}
	order, err := a.client.NewCreateOrderService().
		Symbol(pair(symbol)).
		Side(binanceSide).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		Do(ctx)
	if err != nil {
		return domain.OrderResult{Message: err.Error()},
			fmt.Errorf("binance: place order %s: %w", symbol, err)
	}
	a.logger.Info("order placed", "symbol", symbol, "side", side, "size_usd", sizeUSD)
	return domain.OrderResult{
		Success:       true,
		OrderID:       strconv.FormatInt(order.OrderID, 10),
		FilledSizeUSD: sizeUSD,
		FillPrice:     mark,
	}, nil
}

// ClosePosition flattens the open position with a reduce-only market order.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (domain.OrderResult, error) {
	pos, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if pos == nil {
		return domain.OrderResult{}, fmt.Errorf("binance: close %s: %w", symbol, domain.ErrNotFound)
	}

	binanceSide := futures.SideTypeSell
	if pos.Side == domain.SideShort {
		binanceSide = futures.SideTypeBuy
	}
	qty := strconv.FormatFloat(pos.SizeUSD/pos.MarkPrice, 'f', 3, 64)
	order, err := a.client.NewCreateOrderService().
		Symbol(pair(symbol)).
		Side(binanceSide).
		Type(futures.OrderTypeMarket).
		Quantity(qty).
		ReduceOnly(true).
		Do(ctx)
	if err != nil {
		return domain.OrderResult{Message: err.Error()},
			fmt.Errorf("binance: close position %s: %w", symbol, err)
	}
	a.logger.Info("position closed", "symbol", symbol)
	return domain.OrderResult{
		Success:   true,
		OrderID:   strconv.FormatInt(order.OrderID, 10),
		FillPrice: pos.MarkPrice,
	}, nil
}

// SetLeverage changes the contract leverage, truncated to Binance's integer
// steps.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	_, err := a.client.NewChangeLeverageService().
		Symbol(pair(symbol)).
		Leverage(int(leverage)).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: set leverage %s: %w", symbol, err)
	}
	return nil
}

// GetCollateral returns the USDT futures wallet balance.
func (a *Adapter) GetCollateral(ctx context.Context) (float64, error) {
	balances, err := a.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance: balance: %w: %v", domain.ErrVenueUnavailable, err)
	}
	for _, b := range balances {
		if b.Asset == "USDT" {
			v, err := strconv.ParseFloat(b.Balance, 64)
			if err != nil {
				return 0, fmt.Errorf("binance: parse balance: %w", err)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("binance: no USDT balance: %w", domain.ErrNotFound)
}

var (
	_ domain.VenueReader = (*Adapter)(nil)
	_ domain.VenueTrader = (*Adapter)(nil)
)
