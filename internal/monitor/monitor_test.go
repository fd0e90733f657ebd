package monitor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"carrybot/internal/domain"
)

type memStore struct {
	open []domain.PositionRecord
	err  error
}

func (m *memStore) Append(context.Context, domain.PositionRecord) error { return nil }

func (m *memStore) MarkClosed(context.Context, string, time.Time) error { return nil }

func (m *memStore) GetByID(context.Context, string) (domain.PositionRecord, error) {
	return domain.PositionRecord{}, domain.ErrNotFound
}

func (m *memStore) OpenByVenue(_ context.Context, venue domain.Venue) ([]domain.PositionRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.PositionRecord
	for _, r := range m.open {
		if r.Venue == venue {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) OpenBySymbol(_ context.Context, symbol string) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	for _, r := range m.open {
		if r.Symbol == symbol {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.PositionRecord, error) {
	return nil, nil
}

func (m *memStore) DeleteClosedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type stubReader struct {
	venue     domain.Venue
	positions map[string]*domain.PositionState
	err       error
}

func (s *stubReader) Venue() domain.Venue { return s.venue }

func (s *stubReader) GetMarketParams(context.Context, string) (domain.MarketParams, error) {
	return domain.MarketParams{}, domain.ErrNotFound
}

func (s *stubReader) GetOpenInterest(context.Context, string) (domain.OpenInterest, error) {
	return domain.OpenInterest{}, nil
}

func (s *stubReader) GetPosition(_ context.Context, symbol string) (*domain.PositionState, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.positions[symbol], nil
}

func (s *stubReader) GetMarkPrice(context.Context, string) (float64, error) { return 0, nil }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openRecord(venue domain.Venue, symbol string, side domain.Side) domain.PositionRecord {
	return domain.PositionRecord{
		ID:         "rec-" + symbol + "-" + string(venue),
		PairID:     "pair-1",
		Symbol:     symbol,
		Venue:      venue,
		Side:       side,
		Status:     domain.PositionStatusOpen,
		SizeUSD:    1000,
		EntryPrice: 2000,
		Leverage:   5,
		OpenedAt:   time.Now().Add(-time.Hour),
	}
}

func TestOpenPositionsReconciles(t *testing.T) {
	store := &memStore{open: []domain.PositionRecord{openRecord(domain.VenueBybit, "ETH", domain.SideShort)}}
	reader := &stubReader{venue: domain.VenueBybit, positions: map[string]*domain.PositionState{
		"ETH": {Symbol: "ETH", Side: domain.SideShort, SizeUSD: 1000, EntryPrice: 2000, MarkPrice: 2010, Leverage: 5},
	}}
	m := New(store, []domain.VenueReader{reader}, 5, discard())

	recs, err := m.OpenPositions(context.Background(), domain.VenueBybit)
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(recs) != 1 || recs[0].Stale {
		t.Fatalf("got %+v", recs)
	}
}

func TestOpenPositionsMarksStaleOnVenueFailure(t *testing.T) {
	// The venue is down from the very first call: the trade-log record must
	// still come back, marked stale, never an empty "nothing open".
	store := &memStore{open: []domain.PositionRecord{openRecord(domain.VenueBybit, "ETH", domain.SideShort)}}
	reader := &stubReader{venue: domain.VenueBybit, err: domain.ErrVenueUnavailable}
	m := New(store, []domain.VenueReader{reader}, 5, discard())

	recs, err := m.OpenPositions(context.Background(), domain.VenueBybit)
	if err != nil {
		t.Fatalf("OpenPositions during outage: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records during outage, want the trade log's 1", len(recs))
	}
	if !recs[0].Stale {
		t.Error("record served during outage not marked stale")
	}
}

func TestOpenPositionsOutageIncludesNewRecords(t *testing.T) {
	store := &memStore{open: []domain.PositionRecord{openRecord(domain.VenueBybit, "ETH", domain.SideShort)}}
	reader := &stubReader{venue: domain.VenueBybit, positions: map[string]*domain.PositionState{
		"ETH": {Symbol: "ETH", Side: domain.SideShort, SizeUSD: 1000, EntryPrice: 2000, MarkPrice: 2010, Leverage: 5},
	}}
	m := New(store, []domain.VenueReader{reader}, 5, discard())

	if _, err := m.OpenPositions(context.Background(), domain.VenueBybit); err != nil {
		t.Fatal(err)
	}

	// A record appended between cycles must survive the outage view too.
	store.open = append(store.open, openRecord(domain.VenueBybit, "BTC", domain.SideLong))
	reader.err = domain.ErrVenueUnavailable

	recs, err := m.OpenPositions(context.Background(), domain.VenueBybit)
	if err != nil {
		t.Fatalf("OpenPositions during outage: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records during outage, want both open records", len(recs))
	}
	for _, rec := range recs {
		if !rec.Stale {
			t.Errorf("record %s served during outage not marked stale", rec.ID)
		}
	}
}

func TestLiquidationDistance(t *testing.T) {
	tests := []struct {
		name  string
		state domain.PositionState
		want  float64
	}{
		{
			// 5x long at entry 2000: liquidation near 1600. At mark 2000
			// that is 20% away.
			name:  "long at entry",
			state: domain.PositionState{Symbol: "ETH", Side: domain.SideLong, EntryPrice: 2000, MarkPrice: 2000, Leverage: 5},
			want:  20,
		},
		{
			// Mark fell to 1680: only (1680-1600)/1680 away.
			name:  "long near liquidation",
			state: domain.PositionState{Symbol: "ETH", Side: domain.SideLong, EntryPrice: 2000, MarkPrice: 1680, Leverage: 5},
			want:  100 * 80 / 1680.0,
		},
		{
			// 5x short at entry 2000: liquidation near 2400.
			name:  "short at entry",
			state: domain.PositionState{Symbol: "ETH", Side: domain.SideShort, EntryPrice: 2000, MarkPrice: 2000, Leverage: 5},
			want:  20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LiquidationDistance(tt.state)
			if err != nil {
				t.Fatalf("LiquidationDistance: %v", err)
			}
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("distance = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLiquidationDistanceInvalidInput(t *testing.T) {
	_, err := LiquidationDistance(domain.PositionState{Symbol: "ETH", Side: domain.SideLong, EntryPrice: 2000, MarkPrice: 2000})
	if err == nil {
		t.Fatal("expected error for zero leverage")
	}
}

func TestCheckRisksFlagsUrgent(t *testing.T) {
	store := &memStore{open: []domain.PositionRecord{openRecord(domain.VenueBybit, "ETH", domain.SideLong)}}
	// Mark has fallen to within ~2.4% of the approximate liquidation price.
	reader := &stubReader{venue: domain.VenueBybit, positions: map[string]*domain.PositionState{
		"ETH": {Symbol: "ETH", Side: domain.SideLong, SizeUSD: 1000, EntryPrice: 2000, MarkPrice: 1640, Leverage: 5},
	}}
	m := New(store, []domain.VenueReader{reader}, 5, discard())

	risks, err := m.CheckRisks(context.Background())
	if err != nil {
		t.Fatalf("CheckRisks: %v", err)
	}
	if len(risks) != 1 {
		t.Fatalf("got %d risks, want 1", len(risks))
	}
	if !risks[0].Urgent {
		t.Errorf("risk not urgent: %+v", risks[0])
	}
	if !errors.Is(risks[0].Breach, domain.ErrRiskThresholdBreach) {
		t.Errorf("urgent risk does not carry the breach error: %v", risks[0].Breach)
	}
}

func TestCheckRisksSkipsStaleVenue(t *testing.T) {
	store := &memStore{open: []domain.PositionRecord{openRecord(domain.VenueBybit, "ETH", domain.SideLong)}}
	reader := &stubReader{venue: domain.VenueBybit, err: domain.ErrVenueUnavailable}
	m := New(store, []domain.VenueReader{reader}, 5, discard())

	risks, err := m.CheckRisks(context.Background())
	if err != nil {
		t.Fatalf("CheckRisks: %v", err)
	}
	if len(risks) != 0 {
		t.Errorf("risks computed from a stale snapshot: %+v", risks)
	}
}

func TestFundingAccrualUSD(t *testing.T) {
	rec := openRecord(domain.VenueBybit, "ETH", domain.SideLong)
	got := FundingAccrualUSD(rec, 0.001, 3)
	if got != 3 {
		t.Errorf("accrual = %v, want 3", got)
	}
}
