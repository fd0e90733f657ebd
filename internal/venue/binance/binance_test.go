package binance

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"carrybot/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func premiumIndexJSON(fundingRate string) string {
	return `{
		"symbol": "ETHUSDT",
		"markPrice": "1700.00000000",
		"indexPrice": "1699.50000000",
		"lastFundingRate": "` + fundingRate + `",
		"nextFundingTime": 1756713600000,
		"time": 1756684800000
	}`
}

func testAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a := New("key", "secret", false, discard())
	a.client.BaseURL = srv.URL
	return a
}

func TestGetMarketParams(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/premiumIndex" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "ETHUSDT" {
			t.Errorf("symbol = %s", got)
		}
		w.Write([]byte(premiumIndexJSON("0.00010000")))
	})

	params, err := a.GetMarketParams(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("GetMarketParams: %v", err)
	}
	if params.Profile != domain.ProfileFactor {
		t.Errorf("profile = %s, want factor", params.Profile)
	}
	want := 0.0001 / 28800
	if params.FundingFactorPerSecond != want {
		t.Errorf("funding factor = %v, want %v", params.FundingFactorPerSecond, want)
	}
}

func TestOpenInterestCarriesFundingDirection(t *testing.T) {
	for _, tc := range []struct {
		rate         string
		longDominant bool
	}{
		{"0.00010000", true},
		{"-0.00010000", false},
	} {
		a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(premiumIndexJSON(tc.rate)))
		})
		oi, err := a.GetOpenInterest(context.Background(), "ETH")
		if err != nil {
			t.Fatalf("GetOpenInterest: %v", err)
		}
		if got := oi.Skew() > 0; got != tc.longDominant {
			t.Errorf("rate %s: skew = %v, want long dominant %v", tc.rate, oi.Skew(), tc.longDominant)
		}
	}
}

func TestPlaceOrder(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/premiumIndex":
			w.Write([]byte(premiumIndexJSON("0.0001")))
		case "/fapi/v1/order":
			if r.Method != http.MethodPost {
				t.Errorf("method = %s", r.Method)
			}
			if err := r.ParseForm(); err != nil {
				t.Fatalf("parse form: %v", err)
			}
			form := r.Form
			if form.Get("side") != "SELL" {
				t.Errorf("side = %s, want SELL", form.Get("side"))
			}
			if form.Get("type") != "MARKET" {
				t.Errorf("type = %s", form.Get("type"))
			}
			if form.Get("quantity") != "0.500" {
				t.Errorf("quantity = %s, want 0.500", form.Get("quantity"))
			}
			if form.Get("signature") == "" {
				t.Error("order request not signed")
			}
			w.Write([]byte(`{"orderId": 42, "symbol": "ETHUSDT", "status": "NEW"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	result, err := a.PlaceOrder(context.Background(), "ETH", domain.SideShort, 850)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !result.Success || result.OrderID != "42" {
		t.Errorf("result = %+v", result)
	}
	if result.FillPrice != 1700 {
		t.Errorf("fill price = %v", result.FillPrice)
	}
}

func TestGetCollateral(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"asset": "BTC", "balance": "0.00000000"},
			{"asset": "USDT", "balance": "2500.75000000"}
		]`))
	})

	got, err := a.GetCollateral(context.Background())
	if err != nil {
		t.Fatalf("GetCollateral: %v", err)
	}
	if got != 2500.75 {
		t.Errorf("collateral = %v, want 2500.75", got)
	}
}

func TestVenueDown(t *testing.T) {
	a := testAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code": -1001, "msg": "internal error"}`, http.StatusInternalServerError)
	})

	_, err := a.GetMarkPrice(context.Background(), "ETH")
	if !errors.Is(err, domain.ErrVenueUnavailable) {
		t.Errorf("err = %v, want ErrVenueUnavailable", err)
	}
}
