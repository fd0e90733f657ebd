// Package pricing resolves spot prices and on-chain transaction costs used
// when sizing trades and estimating execution cost.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"carrybot/internal/domain"
)

// maxCacheAge bounds how old a cached spot price may be before the
// fallback refuses to serve it.
const maxCacheAge = 15 * time.Minute

// coingeckoIDs maps tracked symbols to CoinGecko coin identifiers.
var coingeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"ARB":  "arbitrum",
	"OP":   "optimism",
	"LINK": "chainlink",
	"DOGE": "dogecoin",
	"AVAX": "avalanche-2",
}

// Service fetches spot prices from CoinGecko and gas prices from an EVM
// JSON-RPC endpoint. Prices are mirrored into the shared cache so other
// components can fall back to the last known value when the upstream is
// down.
type Service struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	eth        *ethclient.Client
	gasUnits   uint64
	cache      domain.PriceCache
	logger     *slog.Logger
}

// NewService dials the RPC endpoint and returns a pricing service. rpcURL
// may be empty when no on-chain venue is configured; gas lookups then fail
// with ErrVenueUnavailable.
func NewService(baseURL, apiKey, rpcURL string, gasUnits uint64, cache domain.PriceCache, logger *slog.Logger) (*Service, error) {
	s := &Service{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		gasUnits:   gasUnits,
		cache:      cache,
		logger:     logger.With("component", "pricing"),
	}
	if rpcURL != "" {
		eth, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
		}
		s.eth = eth
	}
	return s, nil
}

// Close releases the underlying RPC connection.
func (s *Service) Close() {
	if s.eth != nil {
		s.eth.Close()
	}
}

// SpotPrice returns the USD spot price for symbol. On upstream failure it
// falls back to the last cached price while it is younger than maxCacheAge;
// an older cache entry fails with ErrStaleData instead of pricing trades
// off a dead feed.
func (s *Service) SpotPrice(ctx context.Context, symbol string) (float64, error) {
	id, ok := coingeckoIDs[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no coingecko id for %s: %w", symbol, domain.ErrNotFound)
	}

	price, err := s.fetchSpot(ctx, id)
	if err != nil {
		if s.cache != nil {
			if cached, at, cerr := s.cache.GetPrice(ctx, symbol); cerr == nil {
				age := time.Since(at)
				if age > maxCacheAge {
					return 0, fmt.Errorf("spot price %s: cached value is %s old: %w",
						symbol, age.Round(time.Second), domain.ErrStaleData)
				}
				s.logger.Warn("spot fetch failed, using cached price",
					"symbol", symbol, "price", cached,
					"age", age.Round(time.Second), "error", err)
				return cached, nil
			}
		}
		return 0, fmt.Errorf("spot price %s: %w: %v", symbol, domain.ErrVenueUnavailable, err)
	}

	if s.cache != nil {
		if cerr := s.cache.SetPrice(ctx, symbol, price, time.Now().UTC()); cerr != nil {
			s.logger.Warn("price cache write failed", "symbol", symbol, "error", cerr)
		}
	}
	return price, nil
}

func (s *Service) fetchSpot(ctx context.Context, id string) (float64, error) {
	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/simple/price?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("coingecko status %d: %s", resp.StatusCode, body)
	}

	var out map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode coingecko response: %w", err)
	}
	price, ok := out[id]["usd"]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("coingecko returned no usd price for %s", id)
	}
	return price, nil
}

// GasPriceGwei returns the suggested gas price in gwei.
func (s *Service) GasPriceGwei(ctx context.Context) (float64, error) {
	if s.eth == nil {
		return 0, fmt.Errorf("gas price: no rpc configured: %w", domain.ErrVenueUnavailable)
	}
	wei, err := s.eth.SuggestGasPrice(ctx)
	if err != nil {
		return 0, fmt.Errorf("gas price: %w: %v", domain.ErrVenueUnavailable, err)
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return gwei, nil
}

// TransactionCostUSD estimates the dollar cost of one on-chain order:
// gas units times the current gas price, converted at the ETH spot price.
func (s *Service) TransactionCostUSD(ctx context.Context) (float64, error) {
	gwei, err := s.GasPriceGwei(ctx)
	if err != nil {
		return 0, err
	}
	ethUSD, err := s.SpotPrice(ctx, "ETH")
	if err != nil {
		return 0, err
	}
	costETH := gwei * float64(s.gasUnits) / 1e9
	return costETH * ethUSD, nil
}

// AssetAmount converts a USD notional into units of the asset at spot.
func (s *Service) AssetAmount(ctx context.Context, symbol string, usd float64) (float64, error) {
	price, err := s.SpotPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("asset amount %s: non-positive spot price: %w", symbol, domain.ErrDivisionByZero)
	}
	return usd / price, nil
}
