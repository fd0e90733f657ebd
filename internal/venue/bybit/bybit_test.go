package bybit

import (
	"context"
	"encoding/json"
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

func tickerJSON(fundingRate, markPrice, oiValue string) string {
	return `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"ETHUSDT","fundingRate":"` +
		fundingRate + `","markPrice":"` + markPrice + `","openInterestValue":"` + oiValue + `"}]}}`
}

func TestGetMarketParamsFromTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "ETHUSDT" {
			t.Errorf("symbol = %s", got)
		}
		w.Write([]byte(tickerJSON("0.0001", "2000", "5000000")))
	}))
	defer srv.Close()

	a := New(srv.URL, "", "", discard())
	params, err := a.GetMarketParams(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("GetMarketParams: %v", err)
	}
	if params.Profile != domain.ProfileFactor {
		t.Errorf("profile = %s", params.Profile)
	}
	want := 0.0001 / 28800
	if diff := params.FundingFactorPerSecond - want; diff > 1e-15 || diff < -1e-15 {
		t.Errorf("factor = %v, want %v", params.FundingFactorPerSecond, want)
	}
}

func TestGetOpenInterestCarriesFundingDirection(t *testing.T) {
	rate := "0.0001"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(tickerJSON(rate, "2000", "5000000")))
	}))
	defer srv.Close()
	a := New(srv.URL, "", "", discard())

	oi, err := a.GetOpenInterest(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("GetOpenInterest: %v", err)
	}
	if oi.Skew() <= 0 {
		t.Errorf("positive funding rate should read as long-dominant, skew = %v", oi.Skew())
	}

	rate = "-0.0001"
	oi, err = a.GetOpenInterest(context.Background(), "ETH")
	if err != nil {
		t.Fatal(err)
	}
	if oi.Skew() >= 0 {
		t.Errorf("negative funding rate should read as short-dominant, skew = %v", oi.Skew())
	}
}

func TestPlaceOrderSignsAndConvertsSize(t *testing.T) {
	var gotOrder map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/market/tickers":
			w.Write([]byte(tickerJSON("0.0001", "2000", "5000000")))
		case "/v5/order/create":
			if r.Header.Get("X-BAPI-API-KEY") != "key" {
				t.Error("missing api key header")
			}
			if r.Header.Get("X-BAPI-SIGN") == "" {
				t.Error("missing signature header")
			}
			if err := json.NewDecoder(r.Body).Decode(&gotOrder); err != nil {
				t.Fatal(err)
			}
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"123"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := New(srv.URL, "key", "secret", discard())
	result, err := a.PlaceOrder(context.Background(), "ETH", domain.SideShort, 1000)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !result.Success || result.OrderID != "123" {
		t.Errorf("result = %+v", result)
	}
	if gotOrder["side"] != "Sell" {
		t.Errorf("side = %v", gotOrder["side"])
	}
	// $1000 at mark 2000 is 0.5 base units.
	if gotOrder["qty"] != "0.500" {
		t.Errorf("qty = %v", gotOrder["qty"])
	}
}

func TestUnavailableVenueWrapsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	a := New(srv.URL, "", "", discard())
	_, err := a.GetMarkPrice(context.Background(), "ETH")
	if !errors.Is(err, domain.ErrVenueUnavailable) {
		t.Errorf("got %v, want ErrVenueUnavailable", err)
	}
}

func TestRetCodeErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":10003,"retMsg":"invalid api key","result":{}}`))
	}))
	defer srv.Close()

	a := New(srv.URL, "k", "s", discard())
	_, err := a.GetCollateral(context.Background())
	if err == nil || !isRetCode(err, 10003) {
		t.Errorf("got %v, want retCode 10003", err)
	}
}

func TestSetLeverageAlreadySetIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"retCode":110043,"retMsg":"leverage not modified","result":{}}`))
	}))
	defer srv.Close()

	a := New(srv.URL, "k", "s", discard())
	if err := a.SetLeverage(context.Background(), "ETH", 5); err != nil {
		t.Errorf("SetLeverage: %v", err)
	}
}
