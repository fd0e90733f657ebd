package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memCache struct {
	mu     sync.Mutex
	prices map[string]float64
	times  map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{prices: map[string]float64{}, times: map[string]time.Time{}}
}

func (c *memCache) SetPrice(_ context.Context, asset string, price float64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[asset] = price
	c.times[asset] = ts
	return nil
}

func (c *memCache) GetPrice(_ context.Context, asset string) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prices[asset], c.times[asset], nil
}

// wsServer upgrades connections, records the first subscribe command and
// pushes the given frames.
func wsServer(t *testing.T, frames []string, gotSubscribe chan wsCommand) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		select {
		case gotSubscribe <- cmd:
		default:
		}

		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		// Hold the connection open until the client disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForPrice(t *testing.T, cache *memCache, asset string) float64 {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		price, _, _ := cache.GetPrice(context.Background(), asset)
		if price != 0 {
			return price
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no price for %s", asset)
	return 0
}

func TestFeedWritesMarkPrices(t *testing.T) {
	frames := []string{
		`{"success":true,"op":"subscribe"}`,
		`{"topic":"tickers.ETHUSDT","type":"snapshot","data":{"symbol":"ETHUSDT","markPrice":"1701.25"},"ts":1756684800000}`,
		`{"topic":"tickers.BTCUSDT","type":"delta","data":{"symbol":"BTCUSDT","markPrice":"64000.5"},"ts":1756684801000}`,
	}
	gotSubscribe := make(chan wsCommand, 1)
	srv := wsServer(t, frames, gotSubscribe)
	defer srv.Close()

	cache := newMemCache()
	f := New(wsURL(srv), []string{"ETH", "BTC"}, cache, discard())
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer f.Close()

	select {
	case cmd := <-gotSubscribe:
		if cmd.Op != "subscribe" {
			t.Errorf("op = %s", cmd.Op)
		}
		if len(cmd.Args) != 2 || cmd.Args[0] != "tickers.ETHUSDT" {
			t.Errorf("args = %v", cmd.Args)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe command received")
	}

	if got := waitForPrice(t, cache, "ETH"); got != 1701.25 {
		t.Errorf("ETH price = %v", got)
	}
	if got := waitForPrice(t, cache, "BTC"); got != 64000.5 {
		t.Errorf("BTC price = %v", got)
	}

	_, ts, _ := cache.GetPrice(context.Background(), "ETH")
	if ts.UnixMilli() != 1756684800000 {
		t.Errorf("timestamp = %v", ts)
	}
}

func TestFeedIgnoresNonTickerFrames(t *testing.T) {
	frames := []string{
		`{"op":"pong"}`,
		`not json at all`,
		`{"topic":"tickers.ETHUSDT","data":{"symbol":"ETHUSDT","markPrice":"0"}}`,
		`{"topic":"tickers.ETHUSDT","data":{"symbol":"ETHUSDT","markPrice":"1700"}}`,
	}
	srv := wsServer(t, frames, make(chan wsCommand, 1))
	defer srv.Close()

	cache := newMemCache()
	f := New(wsURL(srv), []string{"ETH"}, cache, discard())
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer f.Close()

	if got := waitForPrice(t, cache, "ETH"); got != 1700 {
		t.Errorf("ETH price = %v, junk frames should be dropped", got)
	}
}

func TestConnectAfterClose(t *testing.T) {
	srv := wsServer(t, nil, make(chan wsCommand, 1))
	defer srv.Close()

	f := New(wsURL(srv), []string{"ETH"}, newMemCache(), discard())
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}
