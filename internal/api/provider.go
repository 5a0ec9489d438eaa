// Package api serves the engine's control and observation surface over HTTP.
//
// Read endpoints expose the operating mode, per-account positions and trade
// history; the three POST endpoints (kill, pause, resume) are the operator
// controls. The server depends only on the narrow provider interfaces below,
// never on the engine package, which keeps the dependency arrow pointing one
// way.
package api

import (
	"time"

	"apex-engine/internal/journal"
	"apex-engine/pkg/types"
)

// AccountView is one account's live snapshot.
type AccountView struct {
	AccountID string         `json:"account_id"`
	Broker    string         `json:"broker"`
	Role      string         `json:"role"`
	State     string         `json:"state"` // loop state, e.g. SCANNING
	EquityUSD string         `json:"equity_usd"`
	Tier      string         `json:"tier"`
	Positions []PositionView `json:"positions"`
}

// PositionView is one open position, API-shaped.
type PositionView struct {
	Symbol     string    `json:"symbol"`
	Qty        string    `json:"qty"`
	EntryPrice string    `json:"entry_price"`
	PnLPct     float64   `json:"pnl_pct"`
	PnLUSD     string    `json:"pnl_usd"`
	OpenedAt   time.Time `json:"opened_at"`
	Adopted    bool      `json:"adopted"`
	TiersTaken int       `json:"tiers_taken"`
}

// StateView is the engine-wide status.
type StateView struct {
	Mode       types.Mode `json:"mode"`
	KillSwitch bool       `json:"kill_switch"`
	DryRun     bool       `json:"dry_run"`
	StartedAt  time.Time  `json:"started_at"`
	Accounts   int        `json:"accounts"`
}

// EngineProvider is the engine-side view the handlers read from.
type EngineProvider interface {
	State() StateView
	Accounts() []AccountView
}

// Controller is the operator control surface.
type Controller interface {
	// Kill trips the kill switch and forces EMERGENCY_STOP.
	Kill(reason string) error
	// Pause transitions trading off without tripping the switch.
	Pause() error
	// Resume transitions back toward the previous trading mode.
	Resume() error
}

// TradeReader is the journal slice the handlers need.
type TradeReader interface {
	RecentTrades(accountID string, n int) ([]journal.TradeRecord, error)
	DailyPnLs(accountID string, days int) ([]journal.DailyPnL, error)
}
