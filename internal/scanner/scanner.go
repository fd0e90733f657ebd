// Package scanner ranks cross-venue funding-rate opportunities for the
// tracked symbols.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"carrybot/internal/domain"
	"carrybot/internal/funding"
)

// MarketSource provides cached market parameters, normally the directory.
type MarketSource interface {
	Get(venue domain.Venue, symbol string) (domain.MarketParams, error)
}

// Config tunes the scanner thresholds.
type Config struct {
	TradeSizeUSD float64
	MinMarginUSD float64
	Period       time.Duration
}

// Scanner evaluates every venue pair in both orientations for each tracked
// symbol and returns opportunities whose expected carry clears execution
// cost by at least the configured margin.
type Scanner struct {
	markets MarketSource
	readers []domain.VenueReader
	pricing domain.PricingService
	cfg     Config
	logger  *slog.Logger
}

// New returns a Scanner over the given readers.
func New(markets MarketSource, readers []domain.VenueReader, pricing domain.PricingService, cfg Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		markets: markets,
		readers: readers,
		pricing: pricing,
		cfg:     cfg,
		logger:  logger.With("component", "scanner"),
	}
}

// oiKey identifies one venue/symbol open-interest reading.
type oiKey struct {
	venue  domain.Venue
	symbol string
}

// Scan fetches open interest concurrently across venues and returns viable
// opportunities sorted by descending net carry, with ties broken by lower
// execution cost. A venue that fails to report is dropped from this pass
// rather than failing the whole scan.
func (s *Scanner) Scan(ctx context.Context, symbols []string) ([]domain.Opportunity, error) {
	oi := make(map[oiKey]domain.OpenInterest)
	var oiMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range s.readers {
		g.Go(func() error {
			for _, sym := range symbols {
				v, err := r.GetOpenInterest(gctx, sym)
				if err != nil {
					if !errors.Is(err, domain.ErrNotFound) {
						s.logger.Warn("open interest fetch failed",
							"venue", r.Venue(), "symbol", sym, "error", err)
					}
					continue
				}
				oiMu.Lock()
				oi[oiKey{r.Venue(), sym}] = v
				oiMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Gas cost is shared by every on-chain leg in this pass. When the
	// lookup fails, on-chain pairs are skipped rather than priced at zero.
	gasCost, gasErr := s.pricing.TransactionCostUSD(ctx)
	if gasErr != nil {
		s.logger.Warn("gas cost unavailable, skipping on-chain pairs", "error", gasErr)
	}

	var out []domain.Opportunity
	now := time.Now().UTC()
	for _, sym := range symbols {
		for i := 0; i < len(s.readers); i++ {
			for j := i + 1; j < len(s.readers); j++ {
				a, b := s.readers[i].Venue(), s.readers[j].Venue()
				for _, pair := range [][2]domain.Venue{{a, b}, {b, a}} {
					opp, ok := s.evaluate(sym, pair[0], pair[1], oi, gasCost, gasErr != nil, now)
					if ok {
						out = append(out, opp)
					}
				}
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpectedNetCarryUSD != out[j].ExpectedNetCarryUSD {
			return out[i].ExpectedNetCarryUSD > out[j].ExpectedNetCarryUSD
		}
		return out[i].EstimatedExecutionCostUSD < out[j].EstimatedExecutionCostUSD
	})
	return out, nil
}

// EvaluatePair recomputes the carry for an already open pair so the
// controller can decide whether to keep holding it. The hypothetical trade
// size is zero because the position is already in the book.
func (s *Scanner) EvaluatePair(symbol string, longVenue, shortVenue domain.Venue, oiLong, oiShort domain.OpenInterest) (float64, error) {
	longParams, err := s.markets.Get(longVenue, symbol)
	if err != nil {
		return 0, err
	}
	shortParams, err := s.markets.Get(shortVenue, symbol)
	if err != nil {
		return 0, err
	}
	longProj, err := funding.Project(longParams, domain.SideLong, oiLong, 0, s.cfg.Period)
	if err != nil {
		return 0, err
	}
	shortProj, err := funding.Project(shortParams, domain.SideShort, oiShort, 0, s.cfg.Period)
	if err != nil {
		return 0, err
	}
	return (longProj.CarryRate() + shortProj.CarryRate()) * s.cfg.TradeSizeUSD, nil
}

// evaluate prices one orientation of one venue pair. It reports false for
// any pair that cannot be priced or that fails the margin threshold.
func (s *Scanner) evaluate(symbol string, longVenue, shortVenue domain.Venue, oi map[oiKey]domain.OpenInterest, gasCost float64, gasUnknown bool, now time.Time) (domain.Opportunity, bool) {
	oiLong, ok := oi[oiKey{longVenue, symbol}]
	if !ok {
		return domain.Opportunity{}, false
	}
	oiShort, ok := oi[oiKey{shortVenue, symbol}]
	if !ok {
		return domain.Opportunity{}, false
	}

	longParams, err := s.markets.Get(longVenue, symbol)
	if err != nil {
		return domain.Opportunity{}, false
	}
	shortParams, err := s.markets.Get(shortVenue, symbol)
	if err != nil {
		return domain.Opportunity{}, false
	}

	if gasUnknown && (longVenue.OnChain() || shortVenue.OnChain()) {
		return domain.Opportunity{}, false
	}

	size := s.cfg.TradeSizeUSD
	longProj, err := funding.Project(longParams, domain.SideLong, oiLong, size, s.cfg.Period)
	if err != nil {
		s.logger.Warn("funding projection failed",
			"venue", longVenue, "symbol", symbol, "error", err)
		return domain.Opportunity{}, false
	}
	shortProj, err := funding.Project(shortParams, domain.SideShort, oiShort, size, s.cfg.Period)
	if err != nil {
		s.logger.Warn("funding projection failed",
			"venue", shortVenue, "symbol", symbol, "error", err)
		return domain.Opportunity{}, false
	}

	grossCarryUSD := (longProj.CarryRate() + shortProj.CarryRate()) * size
	cost := s.executionCost(longParams, shortParams, oiLong, oiShort, size, gasCost)
	net := grossCarryUSD - cost
	if net < s.cfg.MinMarginUSD {
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		ID:                        uuid.NewString(),
		Symbol:                    symbol,
		LongVenue:                 longVenue,
		ShortVenue:                shortVenue,
		ExpectedNetCarryUSD:       net,
		EstimatedExecutionCostUSD: cost,
		TradeSizeUSD:              size,
		Period:                    s.cfg.Period,
		DetectedAt:                now,
	}, true
}

// executionCost sums entry fees at the tier implied by current skew, exit
// fees at the taker tier, and gas for each on-chain leg's open and close.
func (s *Scanner) executionCost(longParams, shortParams domain.MarketParams, oiLong, oiShort domain.OpenInterest, size, gasCost float64) float64 {
	entryLong := funding.MakerTakerFee(longParams, oiLong.Skew(), domain.SideLong) * size
	entryShort := funding.MakerTakerFee(shortParams, oiShort.Skew(), domain.SideShort) * size
	// Exit skew is unknowable ahead of time, so both exits are priced taker.
	exit := (longParams.TakerFee + shortParams.TakerFee) * size

	cost := entryLong + entryShort + exit
	if longParams.Venue.OnChain() {
		cost += 2 * gasCost
	}
	if shortParams.Venue.OnChain() {
		cost += 2 * gasCost
	}
	return cost
}

// String implements fmt.Stringer for log lines.
func (c Config) String() string {
	return fmt.Sprintf("size=%.0f min_margin=%.2f period=%s", c.TradeSizeUSD, c.MinMarginUSD, c.Period)
}
