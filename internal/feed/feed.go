// Package feed streams live mark prices from the Bybit public linear
// websocket into the shared price cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"carrybot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait is the time allowed between inbound messages before the
	// connection is considered dead. Bybit answers pings, so a healthy
	// stream never goes quiet this long.
	readWait = 60 * time.Second

	// pingPeriod sends Bybit's application-level ping at this interval.
	pingPeriod = 20 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// Feed maintains a websocket subscription to the mark-price tickers for a
// fixed set of symbols and writes every update into the price cache. It
// reconnects with exponential backoff until closed.
type Feed struct {
	wsURL   string
	symbols []string
	cache   domain.PriceCache
	logger  *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool

	// done is closed when the feed is shut down.
	done chan struct{}
}

// New creates a Feed for the given symbols. wsURL is the public linear
// endpoint, e.g. "wss://stream.bybit.com/v5/public/linear".
func New(wsURL string, symbols []string, cache domain.PriceCache, logger *slog.Logger) *Feed {
	return &Feed{
		wsURL:   wsURL,
		symbols: symbols,
		cache:   cache,
		logger:  logger.With("component", "feed"),
		done:    make(chan struct{}),
	}
}

type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	} `json:"data"`
	TS int64 `json:"ts"`
}

// Connect establishes the websocket connection and subscribes to the ticker
// topics. The read and ping loops run until Close or a disconnect.
func (f *Feed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return fmt.Errorf("feed: connect: %w", domain.ErrVenueUnavailable)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	f.conn = conn
	conn.SetReadDeadline(time.Now().Add(readWait))

	args := make([]string, 0, len(f.symbols))
	for _, s := range f.symbols {
		args = append(args, "tickers."+s+"USDT")
	}
	if err := f.send(wsCommand{Op: "subscribe", Args: args}); err != nil {
		conn.Close()
		f.conn = nil
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	go f.readLoop()
	go f.pingLoop()

	f.logger.Info("mark price feed connected", "symbols", f.symbols)
	return nil
}

// Close shuts down the connection and stops the loops.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	close(f.done)

	if f.conn != nil {
		_ = f.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return f.conn.Close()
	}
	return nil
}

// send writes a JSON command. Caller must hold f.mu.
func (f *Feed) send(cmd wsCommand) error {
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *Feed) readLoop() {
	for {
		select {
		case <-f.done:
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readWait))
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.done:
				return
			default:
			}
			f.logger.Warn("feed disconnected", "error", err)
			f.reconnect()
			return
		}

		f.handleMessage(message)
	}
}

func (f *Feed) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			f.mu.Lock()
			if f.conn == nil {
				f.mu.Unlock()
				return
			}
			err := f.send(wsCommand{Op: "ping"})
			f.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage parses a ticker update and stores the mark price under the
// bare asset symbol.
func (f *Feed) handleMessage(raw []byte) {
	var msg tickerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Data.Symbol == "" || msg.Data.MarkPrice == "" {
		return // pong or subscription ack
	}

	price, err := strconv.ParseFloat(msg.Data.MarkPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	asset := msg.Data.Symbol
	if len(asset) > 4 && asset[len(asset)-4:] == "USDT" {
		asset = asset[:len(asset)-4]
	}
	ts := time.UnixMilli(msg.TS)
	if msg.TS == 0 {
		ts = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.cache.SetPrice(ctx, asset, price, ts); err != nil {
		f.logger.Warn("price cache write failed", "asset", asset, "error", err)
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the feed is closed.
func (f *Feed) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-f.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := f.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		f.logger.Warn("feed reconnect failed", "error", err, "retry_in", delay)

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
