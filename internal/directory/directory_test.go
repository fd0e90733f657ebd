package directory

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"carrybot/internal/domain"
)

type stubReader struct {
	venue  domain.Venue
	params map[string]domain.MarketParams
	err    error
}

func (s *stubReader) Venue() domain.Venue { return s.venue }

func (s *stubReader) GetMarketParams(_ context.Context, symbol string) (domain.MarketParams, error) {
	if s.err != nil {
		return domain.MarketParams{}, s.err
	}
	p, ok := s.params[symbol]
	if !ok {
		return domain.MarketParams{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *stubReader) GetOpenInterest(context.Context, string) (domain.OpenInterest, error) {
	return domain.OpenInterest{}, nil
}

func (s *stubReader) GetPosition(context.Context, string) (*domain.PositionState, error) {
	return nil, nil
}

func (s *stubReader) GetMarkPrice(context.Context, string) (float64, error) {
	return 0, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func ethParams(v domain.Venue) domain.MarketParams {
	return domain.MarketParams{
		Symbol:             "ETH",
		Venue:              v,
		Profile:            domain.ProfileVelocity,
		MaxFundingVelocity: 9,
		SkewScale:          1_000_000,
		MakerFee:           0.0002,
		TakerFee:           0.0006,
	}
}

func TestRefreshAndGet(t *testing.T) {
	r1 := &stubReader{venue: domain.VenueSynthetix, params: map[string]domain.MarketParams{"ETH": ethParams(domain.VenueSynthetix)}}
	r2 := &stubReader{venue: domain.VenueBybit, params: map[string]domain.MarketParams{"ETH": ethParams(domain.VenueBybit)}}

	d := New([]domain.VenueReader{r1, r2}, []string{"ETH", "BTC"}, discard())
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	p, err := d.Get(domain.VenueBybit, "ETH")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Venue != domain.VenueBybit || p.Symbol != "ETH" {
		t.Errorf("got %s/%s", p.Venue, p.Symbol)
	}
	if p.FetchedAt.IsZero() {
		t.Error("FetchedAt not stamped on refresh")
	}

	// BTC is not listed on either stub venue.
	if _, err := d.Get(domain.VenueSynthetix, "BTC"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unlisted market: got %v, want ErrNotFound", err)
	}
	if d.LastUpdated().IsZero() {
		t.Error("LastUpdated not set")
	}
}

func TestRefreshKeepsStaleEntriesOnVenueFailure(t *testing.T) {
	r1 := &stubReader{venue: domain.VenueSynthetix, params: map[string]domain.MarketParams{"ETH": ethParams(domain.VenueSynthetix)}}
	d := New([]domain.VenueReader{r1}, []string{"ETH"}, discard())
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Venue goes down; previous entry must survive the swap.
	r1.err = domain.ErrVenueUnavailable
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh with failing venue: %v", err)
	}
	if _, err := d.Get(domain.VenueSynthetix, "ETH"); err != nil {
		t.Errorf("stale entry dropped: %v", err)
	}
}

func TestSaveAndLoadFileRoundTrip(t *testing.T) {
	r1 := &stubReader{venue: domain.VenueSynthetix, params: map[string]domain.MarketParams{"ETH": ethParams(domain.VenueSynthetix)}}
	d := New([]domain.VenueReader{r1}, []string{"ETH"}, discard())
	if err := d.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	path := filepath.Join(t.TempDir(), "markets.json")
	if err := d.SaveFile(path); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	cold := New(nil, nil, discard())
	if err := cold.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	p, err := cold.Get(domain.VenueSynthetix, "ETH")
	if err != nil {
		t.Fatalf("Get after load: %v", err)
	}
	if p.SkewScale != 1_000_000 {
		t.Errorf("SkewScale = %v after round trip", p.SkewScale)
	}
	if cold.LastUpdated() != d.LastUpdated() {
		t.Errorf("updated_at not preserved: %v vs %v", cold.LastUpdated(), d.LastUpdated())
	}
}

func TestLoadFileDegradedStart(t *testing.T) {
	d := New(nil, nil, discard())

	// Missing file: empty directory, no error.
	if err := d.LoadFile(filepath.Join(t.TempDir(), "missing.json")); err != nil {
		t.Fatalf("LoadFile missing: %v", err)
	}
	if len(d.All()) != 0 {
		t.Error("directory not empty after missing file")
	}

	// Corrupt file: same degraded behavior.
	path := filepath.Join(t.TempDir(), "markets.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.LoadFile(path); err != nil {
		t.Fatalf("LoadFile corrupt: %v", err)
	}
	if len(d.All()) != 0 {
		t.Error("directory not empty after corrupt file")
	}
}
