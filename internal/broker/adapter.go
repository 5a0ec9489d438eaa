// Package broker defines the uniform venue contract and its implementations.
//
// One Adapter per exchange (Coinbase Advanced, Kraken Pro, OKX, Binance,
// Alpaca) plus an in-memory paper adapter. Adapters own everything
// venue-specific: symbol translation, request signing, nonce discipline,
// minimum-notional rules, fee schedules and rate limiting. Callers speak
// only canonical BASE-QUOTE symbols and decimal quantities.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

// Identity is the venue's view of a connected account.
type Identity struct {
	AccountID string // venue account/user id
	Label     string // human-readable account name, if the venue has one
}

// FeeSchedule is the taker fee model used for sizing and PnL math.
type FeeSchedule struct {
	TakerPct float64 // fractional, 0.0036 = 0.36%
	MakerPct float64
}

// RoundTripPct is the cost of entering and exiting at taker.
func (f FeeSchedule) RoundTripPct() float64 { return 2 * f.TakerPct }

// MarketOrderReq is a request to place a market order. Exactly one of Qty or
// NotionalUSD must be set: buys are usually sized by notional, sells by
// base quantity.
type MarketOrderReq struct {
	Symbol      string
	Side        types.Side
	Qty         decimal.Decimal
	NotionalUSD decimal.Decimal
	// ClientID is the idempotency key. Retrying a request with the same
	// ClientID returns the original order instead of placing a new one.
	ClientID string
}

// Adapter is the uniform venue contract. Implementations must be safe for
// use by a single goroutine per account; cross-account sharing is not
// supported (nonce and rate-limit state are per-account).
type Adapter interface {
	// Name returns the account id this adapter serves, Kind the venue.
	Name() string
	Kind() types.BrokerKind

	// Connect verifies credentials and returns the venue account identity.
	Connect(ctx context.Context) (Identity, error)

	GetBalance(ctx context.Context, quote string) (types.Balance, error)
	// GetPositions returns live holdings with dust already filtered
	// (qty x last price < the venue dust threshold).
	GetPositions(ctx context.Context) ([]types.RawPosition, error)
	GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetProducts(ctx context.Context) ([]string, error)

	PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error)
	Cancel(ctx context.Context, orderRef string) error

	Fees() FeeSchedule
	MinNotional() decimal.Decimal
}

// NewClientID returns a fresh idempotency key for an order.
func NewClientID() string { return uuid.NewString() }

// CopyClientID derives a deterministic idempotency key for a follower order
// replicated from a master fill, so retries of the same copy event collapse.
func CopyClientID(masterOrderID, followerID string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceOID, []byte("apex-copytrade"))
	return uuid.NewSHA1(ns, []byte(masterOrderID+"|"+followerID)).String()
}

const (
	candleTTL  = 150 * time.Second // one scan cycle
	productTTL = time.Hour
	balanceTTL = 10 * time.Second
)
