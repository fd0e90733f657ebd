// Package synthetix adapts a Synthetix perps gateway to the venue reader
// and trader contracts. Markets follow the funding-velocity model; orders
// are authenticated by signing the request body with the trading wallet.
package synthetix

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"carrybot/internal/domain"
)

// Adapter implements domain.VenueReader and, when a wallet key is
// configured, domain.VenueTrader.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	key        *ecdsa.PrivateKey
	address    string
	logger     *slog.Logger
}

// New returns an Adapter. privateKeyHex may be empty for read-only use;
// trade calls then fail.
func New(baseURL, privateKeyHex string, logger *slog.Logger) (*Adapter, error) {
	a := &Adapter{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger.With("component", "synthetix"),
	}
	if privateKeyHex != "" {
		key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("synthetix: parse wallet key: %w", err)
		}
		a.key = key
		a.address = ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	}
	return a, nil
}

// Venue identifies this adapter.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueSynthetix
}

// Address returns the trading wallet address, empty in read-only mode.
func (a *Adapter) Address() string {
	return a.address
}

type marketResponse struct {
	MarketID           string  `json:"market_id"`
	Symbol             string  `json:"symbol"`
	MaxFundingVelocity float64 `json:"max_funding_velocity"`
	SkewScale          float64 `json:"skew_scale"`
	MakerFee           float64 `json:"maker_fee"`
	TakerFee           float64 `json:"taker_fee"`
	LongOIUSD          float64 `json:"long_oi_usd"`
	ShortOIUSD         float64 `json:"short_oi_usd"`
	IndexPrice         float64 `json:"index_price"`
}

func (a *Adapter) market(ctx context.Context, symbol string) (marketResponse, error) {
	var m marketResponse
	err := a.get(ctx, "/markets/"+symbol, &m)
	return m, err
}

// GetMarketParams fetches the velocity-model parameters for symbol.
func (a *Adapter) GetMarketParams(ctx context.Context, symbol string) (domain.MarketParams, error) {
	m, err := a.market(ctx, symbol)
	if err != nil {
		return domain.MarketParams{}, err
	}
	return domain.MarketParams{
		Symbol:             symbol,
		Venue:              domain.VenueSynthetix,
		MarketID:           m.MarketID,
		Profile:            domain.ProfileVelocity,
		MaxFundingVelocity: m.MaxFundingVelocity,
		SkewScale:          m.SkewScale,
		MakerFee:           m.MakerFee,
		TakerFee:           m.TakerFee,
	}, nil
}

// GetOpenInterest fetches the current long/short open interest.
func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (domain.OpenInterest, error) {
	m, err := a.market(ctx, symbol)
	if err != nil {
		return domain.OpenInterest{}, err
	}
	return domain.OpenInterest{
		Venue:    domain.VenueSynthetix,
		Symbol:   symbol,
		LongUSD:  m.LongOIUSD,
		ShortUSD: m.ShortOIUSD,
	}, nil
}

// GetMarkPrice returns the index price for symbol.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	m, err := a.market(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if m.IndexPrice <= 0 {
		return 0, fmt.Errorf("synthetix: market %s returned no index price", symbol)
	}
	return m.IndexPrice, nil
}

type positionResponse struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	SizeUSD    float64 `json:"size_usd"`
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	Leverage   float64 `json:"leverage"`
}

// GetPosition returns the wallet's position for symbol, or nil when flat.
func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	if a.address == "" {
		return nil, fmt.Errorf("synthetix: no wallet configured: %w", domain.ErrNotFound)
	}
	var p positionResponse
	err := a.get(ctx, "/accounts/"+a.address+"/positions/"+symbol, &p)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if p.SizeUSD == 0 {
		return nil, nil
	}
	return &domain.PositionState{
		Symbol:     symbol,
		Side:       domain.Side(p.Side),
		SizeUSD:    p.SizeUSD,
		EntryPrice: p.EntryPrice,
		MarkPrice:  p.MarkPrice,
		Leverage:   p.Leverage,
	}, nil
}

type orderResponse struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FillPrice float64 `json:"fill_price"`
	FilledUSD float64 `json:"filled_usd"`
	Reason    string  `json:"reason"`
}

// PlaceOrder submits a market order for sizeUSD notional.
func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side domain.Side, sizeUSD float64) (domain.OrderResult, error) {
	body := map[string]any{
		"symbol":   symbol,
		"side":     string(side),
		"size_usd": sizeUSD,
		"type":     "market",
	}
	var resp orderResponse
	if err := a.postSigned(ctx, "/orders", body, &resp); err != nil {
		return domain.OrderResult{Message: err.Error()}, err
	}
	if resp.Status != "filled" {
		return domain.OrderResult{OrderID: resp.OrderID, Message: resp.Reason},
			fmt.Errorf("synthetix: order %s not filled: %s", resp.OrderID, resp.Reason)
	}
	a.logger.Info("order placed", "symbol", symbol, "side", side, "size_usd", sizeUSD)
	return domain.OrderResult{
		Success:       true,
		OrderID:       resp.OrderID,
		FilledSizeUSD: resp.FilledUSD,
		FillPrice:     resp.FillPrice,
	}, nil
}

// ClosePosition flattens the wallet's position for symbol.
func (a *Adapter) ClosePosition(ctx context.Context, symbol string) (domain.OrderResult, error) {
	pos, err := a.GetPosition(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if pos == nil {
		return domain.OrderResult{}, fmt.Errorf("synthetix: close %s: %w", symbol, domain.ErrNotFound)
	}
	result, err := a.PlaceOrder(ctx, symbol, pos.Side.Opposite(), pos.SizeUSD)
	if err != nil {
		return result, err
	}
	a.logger.Info("position closed", "symbol", symbol)
	return result, nil
}

// SetLeverage records the target leverage for new orders on symbol.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	body := map[string]any{"symbol": symbol, "leverage": leverage}
	return a.postSigned(ctx, "/accounts/"+a.address+"/leverage", body, nil)
}

type accountResponse struct {
	CollateralUSD float64 `json:"collateral_usd"`
}

// GetCollateral returns the wallet's free collateral in USD.
func (a *Adapter) GetCollateral(ctx context.Context) (float64, error) {
	if a.address == "" {
		return 0, fmt.Errorf("synthetix: no wallet configured: %w", domain.ErrNotFound)
	}
	var acct accountResponse
	if err := a.get(ctx, "/accounts/"+a.address, &acct); err != nil {
		return 0, err
	}
	return acct.CollateralUSD, nil
}

// statusError carries the HTTP status of a failed request.
type statusError struct {
	status int
	path   string
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("synthetix: %s status %d: %s", e.path, e.status, e.body)
}

func (e *statusError) Unwrap() error {
	if e.status >= 500 {
		return domain.ErrVenueUnavailable
	}
	if e.status == http.StatusNotFound {
		return domain.ErrNotFound
	}
	return nil
}

func isStatus(err error, status int) bool {
	se, ok := err.(*statusError)
	return ok && se.status == status
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("synthetix: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return a.do(req, out)
}

// postSigned sends a JSON body with an ECDSA signature of its keccak hash,
// recoverable to the trading wallet address.
func (a *Adapter) postSigned(ctx context.Context, path string, body map[string]any, out any) error {
	if a.key == nil {
		return fmt.Errorf("synthetix: trading requires a wallet key")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("synthetix: marshal body: %w", err)
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(payload), a.key)
	if err != nil {
		return fmt.Errorf("synthetix: sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("synthetix: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Wallet-Address", a.address)
	req.Header.Set("X-Signature", hexutil.Encode(sig))
	return a.do(req, out)
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("synthetix: %s: %w: %v", req.URL.Path, domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{status: resp.StatusCode, path: req.URL.Path, body: string(body)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("synthetix: decode %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

var (
	_ domain.VenueReader = (*Adapter)(nil)
	_ domain.VenueTrader = (*Adapter)(nil)
)
