// Package bybit adapts the Bybit v5 linear-perpetual API to the venue
// reader and trader contracts.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"carrybot/internal/domain"
)

const (
	recvWindow = "5000"
	// fundingIntervalSeconds is Bybit's settlement cycle.
	fundingIntervalSeconds = 8 * 3600
)

// Default fee tiers for a non-VIP unified account.
const (
	defaultMakerFee = 0.0002
	defaultTakerFee = 0.00055
)

// Adapter implements domain.VenueReader and domain.VenueTrader against the
// Bybit v5 REST API.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiSecret  string
	logger     *slog.Logger
}

// New returns an Adapter. API credentials may be empty for read-only use.
func New(baseURL, apiKey, apiSecret string, logger *slog.Logger) *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		logger:     logger.With("component", "bybit"),
	}
}

// Venue identifies this adapter.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueBybit
}

// pair maps a tracked symbol to Bybit's linear contract name.
func pair(symbol string) string {
	return symbol + "USDT"
}

// apiResponse is the v5 envelope.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

type tickerResult struct {
	List []struct {
		Symbol            string `json:"symbol"`
		FundingRate       string `json:"fundingRate"`
		MarkPrice         string `json:"markPrice"`
		OpenInterestValue string `json:"openInterestValue"`
	} `json:"list"`
}

func (a *Adapter) ticker(ctx context.Context, symbol string) (fundingRate, markPrice, oiUSD float64, err error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", pair(symbol))
	var result tickerResult
	if err := a.get(ctx, "/v5/market/tickers", q, false, &result); err != nil {
		return 0, 0, 0, err
	}
	if len(result.List) == 0 {
		return 0, 0, 0, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	t := result.List[0]
	fundingRate, _ = strconv.ParseFloat(t.FundingRate, 64)
	markPrice, _ = strconv.ParseFloat(t.MarkPrice, 64)
	oiUSD, _ = strconv.ParseFloat(t.OpenInterestValue, 64)
	if markPrice <= 0 {
		return 0, 0, 0, fmt.Errorf("bybit: ticker %s returned no mark price", symbol)
	}
	return fundingRate, markPrice, oiUSD, nil
}

// GetMarketParams expresses Bybit's published funding rate through the
// factor profile: the per-second factor is the current 8h rate prorated to
// one second, and the rate's sign travels through the open-interest skew.
func (a *Adapter) GetMarketParams(ctx context.Context, symbol string) (domain.MarketParams, error) {
	fundingRate, _, _, err := a.ticker(ctx, symbol)
	if err != nil {
		return domain.MarketParams{}, err
	}
	factor := fundingRate / fundingIntervalSeconds
	if factor < 0 {
		factor = -factor
	}
	return domain.MarketParams{
		Symbol:                 symbol,
		Venue:                  domain.VenueBybit,
		MarketID:               pair(symbol),
		Profile:                domain.ProfileFactor,
		FundingFactorPerSecond: factor,
		MakerFee:               defaultMakerFee,
		TakerFee:               defaultTakerFee,
	}, nil
}

// GetOpenInterest reports Bybit's open interest. Exchange open interest has
// no long/short split, so the split here only carries the funding direction:
// longs "dominate" exactly when longs currently pay.
func (a *Adapter) GetOpenInterest(ctx context.Context, symbol string) (domain.OpenInterest, error) {
	fundingRate, _, oiUSD, err := a.ticker(ctx, symbol)
	if err != nil {
		return domain.OpenInterest{}, err
	}
	half := oiUSD / 2
	oi := domain.OpenInterest{Venue: domain.VenueBybit, Symbol: symbol, LongUSD: half, ShortUSD: half}
	if fundingRate > 0 {
		oi.LongUSD++
	} else if fundingRate < 0 {
		oi.ShortUSD++
	}
	return oi, nil
}

type positionResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		PositionValue string `json:"positionValue"`
		AvgPrice      string `json:"avgPrice"`
		MarkPrice     string `json:"markPrice"`
		Leverage      string `json:"leverage"`
	} `json:"list"`
}

// GetPosition returns the live position for symbol, or nil when flat.
func (a *Adapter) GetPosition(ctx context.Context, symbol string) (*domain.PositionState, error) {
	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", pair(symbol))
	var result positionResult
	if err := a.get(ctx, "/v5/position/list", q, true, &result); err != nil {
		return nil, err
	}
	for _, p := range result.List {
		size, _ := strconv.ParseFloat(p.Size, 64)
		if size == 0 {
			continue
		}
		side := domain.SideLong
		if p.Side == "Sell" {
			side = domain.SideShort
		}
		value, _ := strconv.ParseFloat(p.PositionValue, 64)
		entry, _ := strconv.ParseFloat(p.AvgPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		leverage, _ := strconv.ParseFloat(p.Leverage, 64)
		return &domain.PositionState{
			Symbol:     symbol,
			Side:       side,
			SizeUSD:    value,
			EntryPrice: entry,
			MarkPrice:  mark,
			Leverage:   leverage,
		}, nil
	}
	return nil, nil
}

// GetMarkPrice returns the current mark price.
func (a *Adapter) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	_, mark, _, err := a.ticker(ctx, symbol)
	return mark, err
}

type orderResult struct {
	OrderID string `json:"orderId"`
}

// PlaceOrder submits a market order sized in USD notional, converted to base
// units at the current mark price.
func (a *Adapter) PlaceOrder(ctx context.Context, symbol string, side domain.Side, sizeUSD float64) (domain.OrderResult, error) {
	mark, err := a.GetMarkPrice(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, err
	}
	qty := sizeUSD / mark

	bybitSide := "Buy"
	if side == domain.SideShort {
		bybitSide = "Sell"
	}
	body := map[string]any{
		"category":  "linear",
		"symbol":    pair(symbol),
		"side":      bybitSide,
		"orderType": "Market",
		"qty":       strconv.FormatFloat(qty, 'f', 3, 64),
	}
	var result orderResult
	if err := a.post(ctx, "/v5/order/create", body, &result); err != nil {
		return domain.OrderResult{Message: err.Error()}, err
	}
	a.logger.Info("order placed", "symbol", symbol, "side", side, "size_usd", sizeUSD)
	return domain.OrderResult{
		Success:       true,
		OrderID:       result.OrderID,
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
		return domain.OrderResult{}, fmt.Errorf("bybit: close %s: %w", symbol, domain.ErrNotFound)
	}

	bybitSide := "Sell"
	if pos.Side == domain.SideShort {
		bybitSide = "Buy"
	}
	body := map[string]any{
		"category":       "linear",
		"symbol":         pair(symbol),
		"side":           bybitSide,
		"orderType":      "Market",
		"qty":            "0",
		"reduceOnly":     true,
		"closeOnTrigger": true,
	}
	var result orderResult
	if err := a.post(ctx, "/v5/order/create", body, &result); err != nil {
		return domain.OrderResult{Message: err.Error()}, err
	}
	a.logger.Info("position closed", "symbol", symbol)
	return domain.OrderResult{Success: true, OrderID: result.OrderID, FillPrice: pos.MarkPrice}, nil
}

// SetLeverage sets symmetric buy/sell leverage for the contract. Bybit
// returns retCode 110043 when the leverage is already set; that is not an
// error.
func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	lev := strconv.FormatFloat(leverage, 'f', -1, 64)
	body := map[string]any{
		"category":     "linear",
		"symbol":       pair(symbol),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	err := a.post(ctx, "/v5/position/set-leverage", body, nil)
	if err != nil && isRetCode(err, 110043) {
		return nil
	}
	return err
}

type walletResult struct {
	List []struct {
		TotalEquity string `json:"totalEquity"`
	} `json:"list"`
}

// GetCollateral returns unified-account total equity in USD.
func (a *Adapter) GetCollateral(ctx context.Context) (float64, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	var result walletResult
	if err := a.get(ctx, "/v5/account/wallet-balance", q, true, &result); err != nil {
		return 0, err
	}
	if len(result.List) == 0 {
		return 0, fmt.Errorf("bybit: wallet balance: %w", domain.ErrNotFound)
	}
	equity, err := strconv.ParseFloat(result.List[0].TotalEquity, 64)
	if err != nil {
		return 0, fmt.Errorf("bybit: parse equity: %w", err)
	}
	return equity, nil
}

// retCodeError carries Bybit's application-level error code.
type retCodeError struct {
	code int
	msg  string
}

func (e *retCodeError) Error() string {
	return fmt.Sprintf("bybit: retCode %d: %s", e.code, e.msg)
}

func isRetCode(err error, code int) bool {
	rc, ok := err.(*retCodeError)
	return ok && rc.code == code
}

func (a *Adapter) get(ctx context.Context, path string, q url.Values, signed bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("bybit: create request: %w", err)
	}
	if signed {
		a.sign(req, q.Encode())
	}
	return a.do(req, out)
}

func (a *Adapter) post(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bybit: marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bybit: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	a.sign(req, string(payload))
	return a.do(req, out)
}

// sign attaches the v5 authentication headers: the signature is
// HMAC-SHA256(secret, timestamp + apiKey + recvWindow + payload) in hex.
func (a *Adapter) sign(req *http.Request, payload string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(ts + a.apiKey + recvWindow + payload))

	req.Header.Set("X-BAPI-API-KEY", a.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", hex.EncodeToString(mac.Sum(nil)))
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bybit: %s: %w: %v", req.URL.Path, domain.ErrVenueUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bybit: %s status %d: %s: %w",
			req.URL.Path, resp.StatusCode, body, domain.ErrVenueUnavailable)
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("bybit: decode %s: %w", req.URL.Path, err)
	}
	if envelope.RetCode != 0 {
		return &retCodeError{code: envelope.RetCode, msg: envelope.RetMsg}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("bybit: decode result %s: %w", req.URL.Path, err)
		}
	}
	return nil
}

var (
	_ domain.VenueReader = (*Adapter)(nil)
	_ domain.VenueTrader = (*Adapter)(nil)
)
