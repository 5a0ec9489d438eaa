// feed.go implements the live ticker WebSocket feed (Coinbase Advanced
// market data, public ticker channel).
//
// The feed auto-reconnects with exponential backoff (1s -> 30s max) and
// re-subscribes to all tracked symbols on reconnection. A read deadline
// detects silent server failures. Consumers read prices from the in-memory
// snapshot via Price(); account loops fall back to REST when a symbol has no
// fresh tick.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	feedReadTimeout  = 90 * time.Second
	feedWriteTimeout = 10 * time.Second
	maxReconnectWait = 30 * time.Second
	// Ticks older than this are considered stale and not served.
	tickMaxAge = 30 * time.Second
)

type tick struct {
	price decimal.Decimal
	at    time.Time
}

// Feed maintains one ticker WebSocket connection and a price snapshot.
type Feed struct {
	url    string
	logger zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	pricesMu sync.RWMutex
	prices   map[string]tick
}

// NewFeed creates a ticker feed for wsURL. Symbols are canonical BASE-QUOTE,
// which matches Coinbase product ids directly.
func NewFeed(wsURL string, logger zerolog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		logger:     logger.With().Str("component", "feed").Logger(),
		subscribed: make(map[string]bool),
		prices:     make(map[string]tick),
	}
}

// Price returns the latest streamed price for symbol, if fresh.
func (f *Feed) Price(symbol string) (decimal.Decimal, bool) {
	f.pricesMu.RLock()
	defer f.pricesMu.RUnlock()
	t, ok := f.prices[symbol]
	if !ok || time.Since(t.at) > tickMaxAge {
		return decimal.Zero, false
	}
	return t.price, true
}

// Subscribe adds symbols to the ticker subscription. Safe before Run; the
// initial subscription on connect covers everything tracked so far.
func (f *Feed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()
	return f.writeSubscription("subscribe", symbols)
}

// Unsubscribe removes symbols from the subscription.
func (f *Feed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()
	return f.writeSubscription("unsubscribe", symbols)
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn().Err(err).Dur("backoff", backoff).Msg("websocket disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) > 0 {
		if err := f.writeSubscription("subscribe", symbols); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	// Coinbase requires heartbeats to keep ticker subscriptions alive.
	if err := f.writeJSON(map[string]any{"type": "subscribe", "channel": "heartbeats"}); err != nil {
		return fmt.Errorf("heartbeats: %w", err)
	}

	f.logger.Info().Int("symbols", len(symbols)).Msg("websocket connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatchMessage(msg)
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope struct {
		Channel string `json:"channel"`
		Events  []struct {
			Tickers []struct {
				ProductID string `json:"product_id"`
				Price     string `json:"price"`
			} `json:"tickers"`
		} `json:"events"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug().Str("data", string(data)).Msg("ignoring non-json ws message")
		return
	}
	if envelope.Channel != "ticker" {
		return
	}

	now := time.Now()
	f.pricesMu.Lock()
	for _, evt := range envelope.Events {
		for _, t := range evt.Tickers {
			price, err := decimal.NewFromString(t.Price)
			if err != nil || price.Sign() <= 0 {
				continue
			}
			f.prices[t.ProductID] = tick{price: price, at: now}
		}
	}
	f.pricesMu.Unlock()
}

func (f *Feed) writeSubscription(op string, symbols []string) error {
	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(map[string]any{
		"type":        op,
		"channel":     "ticker",
		"product_ids": symbols,
	})
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		// Not connected yet; the initial subscription on connect will
		// cover the tracked set.
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}
