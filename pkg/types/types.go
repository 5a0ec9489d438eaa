// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: order sides, candles,
// signals, order lifecycle states and account/broker identifiers. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order as sent to a broker: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide is the direction of an open position. Spot accounts only ever
// hold LONG; SHORT exists for venues with margin support.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
)

// EntrySide maps a position direction to the order side that opens it.
func (p PositionSide) EntrySide() Side {
	if p == SHORT {
		return SELL
	}
	return BUY
}

// BrokerKind identifies a supported venue.
type BrokerKind string

const (
	BrokerCoinbase BrokerKind = "coinbase"
	BrokerKraken   BrokerKind = "kraken"
	BrokerOKX      BrokerKind = "okx"
	BrokerBinance  BrokerKind = "binance"
	BrokerAlpaca   BrokerKind = "alpaca"
	BrokerPaper    BrokerKind = "paper"
)

// LiveBrokers lists the real venues in supervisor start-up priority order.
var LiveBrokers = []BrokerKind{
	BrokerCoinbase, BrokerKraken, BrokerOKX, BrokerBinance, BrokerAlpaca,
}

// AccountRole distinguishes the signal-generating master account from
// copy-trading follower accounts.
type AccountRole string

const (
	RoleMaster AccountRole = "MASTER"
	RoleUser   AccountRole = "USER"
)

// Mode is the engine's global operating mode. Transitions are owned by the
// safety state machine; nothing else mutates it.
type Mode string

const (
	ModeOff           Mode = "OFF"
	ModeDryRun        Mode = "DRY_RUN"
	ModeLivePending   Mode = "LIVE_PENDING_CONFIRMATION"
	ModeLiveActive    Mode = "LIVE_ACTIVE"
	ModeEmergencyStop Mode = "EMERGENCY_STOP"
)

// Trading reports whether orders may reach a real venue in this mode.
func (m Mode) Trading() bool { return m == ModeLiveActive }

// Timeframe is a candle interval.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

// Minutes returns the interval length, or 0 for an unknown timeframe.
func (tf Timeframe) Minutes() int {
	switch tf {
	case TF1m:
		return 1
	case TF5m:
		return 5
	case TF15m:
		return 15
	case TF1h:
		return 60
	case TF4h:
		return 240
	case TF1d:
		return 1440
	}
	return 0
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Candle is one OHLCV bar. Fields are float64 because candles feed indicator
// math, never order placement.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Regime classifies the current market character for a symbol. The strategy
// scales targets and stops by regime, and a regime flip is an exit trigger.
type Regime string

const (
	RegimeTrending Regime = "TRENDING"
	RegimeRanging  Regime = "RANGING"
	RegimeVolatile Regime = "VOLATILE"
)

// Signal is the strategy's entry recommendation for one symbol. All
// percentage fields are fractional: SuggestedStopPct = 0.015 means 1.5%.
type Signal struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Score      float64      `json:"score"`      // 0..100
	Confidence float64      `json:"confidence"` // 0..1

	SuggestedStopPct float64   `json:"suggested_stop_pct"`
	TargetPcts       []float64 `json:"target_pcts"`
	Regime           Regime    `json:"regime"`
	Reason           string    `json:"reason"`
	At               time.Time `json:"at"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// OrderState is the lifecycle state of an order as reported by a broker.
type OrderState string

const (
	OrderPending   OrderState = "PENDING"
	OrderFilled    OrderState = "FILLED"
	OrderPartial   OrderState = "PARTIAL"
	OrderRejected  OrderState = "REJECTED"
	OrderCancelled OrderState = "CANCELLED"
)

// Order is a normalized broker order result. Quantities and prices are
// decimal because they round-trip to venues.
type Order struct {
	ID        string          `json:"id"`        // venue order id
	ClientID  string          `json:"client_id"` // idempotency key chosen by us
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Notional  decimal.Decimal `json:"notional"` // USD value at fill
	Fee       decimal.Decimal `json:"fee"`
	State     OrderState      `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// RawPosition is a holding as reported by a venue, before the tracker has
// reconciled it against local state. Entry is zero when the venue does not
// expose an average entry price (plain spot balances).
type RawPosition struct {
	Symbol   string          `json:"symbol"`
	Side     PositionSide    `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	Entry    decimal.Decimal `json:"entry"`
	ValueUSD decimal.Decimal `json:"value_usd"`
}

// Balance is an account's cash view in the quote currency.
type Balance struct {
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// ExitReason codes every path that closes or reduces a position. Reasons are
// recorded on the journal and exported as metric labels.
type ExitReason string

const (
	ExitSmallPosition   ExitReason = "SMALL_POSITION"
	ExitCatastrophic    ExitReason = "STOP_CATASTROPHIC"
	ExitStopLoss        ExitReason = "STOP_LOSS"
	ExitLosingTimeLimit ExitReason = "LOSING_TIME_LIMIT"
	ExitTieredProfit    ExitReason = "TIERED_PROFIT"
	ExitTrailingStop    ExitReason = "TRAILING_STOP"
	ExitProfitMaxHold   ExitReason = "PROFIT_MAX_HOLD"
	ExitEmergencyHold   ExitReason = "EMERGENCY_HOLD"
	ExitForcedDrain     ExitReason = "FORCED_DRAIN"
	ExitManual          ExitReason = "MANUAL"
)

// AccountID uniquely names one account loop, e.g. "kraken-master" or
// "coinbase-user-7". Nonce files, position snapshots and journal rows are all
// keyed by it.
func AccountID(broker BrokerKind, role AccountRole, userID string) string {
	if role == RoleMaster {
		return fmt.Sprintf("%s-master", broker)
	}
	return fmt.Sprintf("%s-user-%s", broker, userID)
}
