package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"carrybot/internal/domain"
)

type fakeTrader struct {
	venue      domain.Venue
	orderErr   error
	closeErr   error
	levErr     error
	collErr    error
	collateral float64
	placed     []domain.Side
	closed     int
	fillPrice  float64
}

func (f *fakeTrader) Venue() domain.Venue { return f.venue }

func (f *fakeTrader) PlaceOrder(_ context.Context, _ string, side domain.Side, sizeUSD float64) (domain.OrderResult, error) {
	if f.orderErr != nil {
		return domain.OrderResult{Message: f.orderErr.Error()}, f.orderErr
	}
	f.placed = append(f.placed, side)
	return domain.OrderResult{Success: true, OrderID: "o1", FilledSizeUSD: sizeUSD, FillPrice: f.fillPrice}, nil
}

func (f *fakeTrader) ClosePosition(context.Context, string) (domain.OrderResult, error) {
	if f.closeErr != nil {
		return domain.OrderResult{}, f.closeErr
	}
	f.closed++
	return domain.OrderResult{Success: true}, nil
}

func (f *fakeTrader) SetLeverage(context.Context, string, float64) error { return f.levErr }

func (f *fakeTrader) GetCollateral(context.Context) (float64, error) {
	if f.collErr != nil {
		return 0, f.collErr
	}
	if f.collateral != 0 {
		return f.collateral, nil
	}
	return 100_000, nil
}

type memStore struct {
	records   map[string]domain.PositionRecord
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]domain.PositionRecord)}
}

func (m *memStore) Append(_ context.Context, rec domain.PositionRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *memStore) MarkClosed(_ context.Context, id string, closedAt time.Time) error {
	rec, ok := m.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = domain.PositionStatusClosed
	rec.ClosedAt = &closedAt
	m.records[id] = rec
	return nil
}

func (m *memStore) GetByID(_ context.Context, id string) (domain.PositionRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return domain.PositionRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memStore) OpenByVenue(_ context.Context, venue domain.Venue) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	for _, r := range m.records {
		if r.Venue == venue && r.Status == domain.PositionStatusOpen {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) OpenBySymbol(_ context.Context, symbol string) ([]domain.PositionRecord, error) {
	var out []domain.PositionRecord
	for _, r := range m.records {
		if r.Symbol == symbol && r.Status == domain.PositionStatusOpen {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListClosedBefore(context.Context, time.Time, int) ([]domain.PositionRecord, error) {
	return nil, nil
}

func (m *memStore) DeleteClosedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (m *memStore) openCount() int {
	n := 0
	for _, r := range m.records {
		if r.Status == domain.PositionStatusOpen {
			n++
		}
	}
	return n
}

type fakeLocks struct {
	held map[string]bool
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held == nil {
		f.held = make(map[string]bool)
	}
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() { delete(f.held, key) }, nil
}

type fakeNotifier struct {
	events   []string
	messages []string
}

func (f *fakeNotifier) Send(_ context.Context, event, message string) {
	f.events = append(f.events, event)
	f.messages = append(f.messages, message)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func opp() domain.Opportunity {
	return domain.Opportunity{
		ID:                  "opp-1",
		Symbol:              "ETH",
		LongVenue:           domain.VenueSynthetix,
		ShortVenue:          domain.VenueBybit,
		ExpectedNetCarryUSD: 12.5,
		TradeSizeUSD:        1000,
		Period:              8 * time.Hour,
	}
}

func newOrchestrator(long, short *fakeTrader, store *memStore, notifier *fakeNotifier) *Orchestrator {
	return New(
		[]domain.VenueTrader{long, short},
		store, nil, &fakeLocks{}, nil, notifier,
		Config{Leverage: 5, LockTTL: time.Minute},
		discard(),
	)
}

func TestOpenPairBothLegsFill(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	store := newMemStore()
	notifier := &fakeNotifier{}
	o := newOrchestrator(long, short, store, notifier)

	outcome, err := o.OpenPair(context.Background(), opp())
	if err != nil {
		t.Fatalf("OpenPair: %v", err)
	}
	if outcome.State != domain.ExecStateBothFilled {
		t.Errorf("state = %s", outcome.State)
	}
	if store.openCount() != 2 {
		t.Errorf("open records = %d, want 2", store.openCount())
	}
	longRec, _ := store.GetByID(context.Background(), outcome.LongRecordID)
	shortRec, _ := store.GetByID(context.Background(), outcome.ShortRecordID)
	if longRec.PairID == "" || longRec.PairID != shortRec.PairID {
		t.Errorf("legs do not share a pair id: %q vs %q", longRec.PairID, shortRec.PairID)
	}
	if longRec.Side != domain.SideLong || shortRec.Side != domain.SideShort {
		t.Errorf("sides = %s/%s", longRec.Side, shortRec.Side)
	}
	if len(notifier.events) != 1 || notifier.events[0] != domain.EventPositionOpened {
		t.Errorf("notifier events = %v", notifier.events)
	}
}

func TestOpenPairShortLegFailsReverts(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, orderErr: domain.ErrVenueUnavailable}
	store := newMemStore()
	o := newOrchestrator(long, short, store, &fakeNotifier{})

	outcome, err := o.OpenPair(context.Background(), opp())
	if err == nil {
		t.Fatal("expected error when short leg fails")
	}
	if outcome.State != domain.ExecStateReverted {
		t.Errorf("state = %s, want reverted", outcome.State)
	}
	if long.closed != 1 {
		t.Errorf("long leg closed %d times, want 1", long.closed)
	}
	if store.openCount() != 0 {
		t.Errorf("open records after revert = %d, want 0", store.openCount())
	}
}

func TestOpenPairCompensatingCloseFailureRaisesManualIntervention(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000, closeErr: domain.ErrVenueUnavailable}
	short := &fakeTrader{venue: domain.VenueBybit, orderErr: domain.ErrVenueUnavailable}
	store := newMemStore()
	notifier := &fakeNotifier{}
	o := newOrchestrator(long, short, store, notifier)

	outcome, err := o.OpenPair(context.Background(), opp())
	if !errors.Is(err, domain.ErrPartialExecution) {
		t.Fatalf("got %v, want ErrPartialExecution", err)
	}
	if outcome.State != domain.ExecStateCompensatingClose {
		t.Errorf("state = %s, want compensating_close", outcome.State)
	}
	if len(notifier.events) == 0 || notifier.events[0] != domain.EventManualIntervention {
		t.Fatalf("no manual-intervention alert: %v", notifier.events)
	}
	if !strings.Contains(notifier.messages[0], "naked") {
		t.Errorf("alert message: %q", notifier.messages[0])
	}
	// The naked long leg must stay in the log so an operator can find it.
	if store.openCount() != 1 {
		t.Errorf("open records = %d, want the naked leg", store.openCount())
	}
}

func TestOpenPairRefusesToStack(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	store := newMemStore()
	o := newOrchestrator(long, short, store, &fakeNotifier{})

	if _, err := o.OpenPair(context.Background(), opp()); err != nil {
		t.Fatalf("first OpenPair: %v", err)
	}
	_, err := o.OpenPair(context.Background(), opp())
	if !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("got %v, want ErrPositionOpen", err)
	}
	if len(long.placed) != 1 {
		t.Errorf("second attempt placed an order")
	}
}

func TestOpenPairRefusesToStackAcrossSymbols(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	store := newMemStore()
	o := newOrchestrator(long, short, store, &fakeNotifier{})

	if _, err := o.OpenPair(context.Background(), opp()); err != nil {
		t.Fatalf("first OpenPair: %v", err)
	}
	// A different symbol on the same venues is still stacking: each venue
	// carries at most one open leg.
	btc := opp()
	btc.ID = "opp-2"
	btc.Symbol = "BTC"
	_, err := o.OpenPair(context.Background(), btc)
	if !errors.Is(err, domain.ErrPositionOpen) {
		t.Fatalf("got %v, want ErrPositionOpen", err)
	}
	if len(long.placed) != 1 {
		t.Errorf("second attempt placed an order")
	}
}

func TestOpenPairInsufficientCollateral(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	// $1000 at 5x needs $200 of margin on each venue.
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001, collateral: 150}
	store := newMemStore()
	o := newOrchestrator(long, short, store, &fakeNotifier{})

	outcome, err := o.OpenPair(context.Background(), opp())
	if !errors.Is(err, domain.ErrRiskThresholdBreach) {
		t.Fatalf("got %v, want ErrRiskThresholdBreach", err)
	}
	if outcome.State != domain.ExecStateFailed {
		t.Errorf("state = %s, want failed", outcome.State)
	}
	if len(long.placed) != 0 || len(short.placed) != 0 {
		t.Error("order placed despite failed collateral check")
	}
	if store.openCount() != 0 {
		t.Errorf("open records = %d, want 0", store.openCount())
	}
}

func TestOpenPairCollateralReadFailure(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000, collErr: domain.ErrVenueUnavailable}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	o := newOrchestrator(long, short, newMemStore(), &fakeNotifier{})

	_, err := o.OpenPair(context.Background(), opp())
	if !errors.Is(err, domain.ErrVenueUnavailable) {
		t.Fatalf("got %v, want ErrVenueUnavailable", err)
	}
	if len(long.placed) != 0 || len(short.placed) != 0 {
		t.Error("order placed despite unreadable collateral")
	}
}

func TestOpenPairFailsWhenLockHeld(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	locks := &fakeLocks{held: map[string]bool{"exec:bybit": true}}
	o := New([]domain.VenueTrader{long, short}, newMemStore(), nil, locks, nil, nil,
		Config{Leverage: 5, LockTTL: time.Minute}, discard())

	_, err := o.OpenPair(context.Background(), opp())
	if !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("got %v, want ErrLockHeld", err)
	}
	if len(long.placed) != 0 {
		t.Error("order placed without holding both locks")
	}
	// The synthetix lock acquired before the bybit failure must be released.
	if locks.held["exec:synthetix"] {
		t.Error("partial lock not released")
	}
}

func TestClosePairClosesBothLegs(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	store := newMemStore()
	notifier := &fakeNotifier{}
	o := newOrchestrator(long, short, store, notifier)

	if _, err := o.OpenPair(context.Background(), opp()); err != nil {
		t.Fatal(err)
	}
	outcome, err := o.ClosePair(context.Background(), "ETH", false)
	if err != nil {
		t.Fatalf("ClosePair: %v", err)
	}
	if outcome.State != domain.ExecStateBothFilled {
		t.Errorf("state = %s", outcome.State)
	}
	if store.openCount() != 0 {
		t.Errorf("open records = %d after close", store.openCount())
	}
	last := notifier.events[len(notifier.events)-1]
	if last != domain.EventPositionClosed {
		t.Errorf("last event = %s", last)
	}
}

func TestClosePairUrgentEvent(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	store := newMemStore()
	notifier := &fakeNotifier{}
	o := newOrchestrator(long, short, store, notifier)

	if _, err := o.OpenPair(context.Background(), opp()); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ClosePair(context.Background(), "ETH", true); err != nil {
		t.Fatal(err)
	}
	last := notifier.events[len(notifier.events)-1]
	if last != domain.EventUrgentClose {
		t.Errorf("last event = %s, want urgent close", last)
	}
}

func TestClosePairPartialFailure(t *testing.T) {
	long := &fakeTrader{venue: domain.VenueSynthetix, fillPrice: 2000}
	short := &fakeTrader{venue: domain.VenueBybit, fillPrice: 2001}
	store := newMemStore()
	notifier := &fakeNotifier{}
	o := newOrchestrator(long, short, store, notifier)

	if _, err := o.OpenPair(context.Background(), opp()); err != nil {
		t.Fatal(err)
	}
	short.closeErr = domain.ErrVenueUnavailable

	_, err := o.ClosePair(context.Background(), "ETH", false)
	if !errors.Is(err, domain.ErrPartialExecution) {
		t.Fatalf("got %v, want ErrPartialExecution", err)
	}
	last := notifier.events[len(notifier.events)-1]
	if last != domain.EventManualIntervention {
		t.Errorf("last event = %s, want manual intervention", last)
	}
	// One leg closed, the stuck one stays open in the log.
	if store.openCount() != 1 {
		t.Errorf("open records = %d, want 1", store.openCount())
	}
}

func TestClosePairNothingOpen(t *testing.T) {
	o := newOrchestrator(
		&fakeTrader{venue: domain.VenueSynthetix},
		&fakeTrader{venue: domain.VenueBybit},
		newMemStore(), &fakeNotifier{})
	_, err := o.ClosePair(context.Background(), "ETH", false)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
