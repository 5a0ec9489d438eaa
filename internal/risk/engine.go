// Package risk implements the pre-trade gate: confidence-scaled sizing, the
// tiered capital throttle and the profitability guard. Every entry order
// passes through Evaluate before it may reach a broker; rejections carry a
// typed kind so callers and tests never parse messages.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"apex-engine/internal/config"
	"apex-engine/pkg/types"
)

// RejectKind codes why an entry was refused.
type RejectKind string

const (
	RejectNone         RejectKind = ""
	InsufficientEquity RejectKind = "INSUFFICIENT_EQUITY"
	BelowMinNotional   RejectKind = "BELOW_MIN_NOTIONAL"
	OverPositionCap    RejectKind = "OVER_POSITION_CAP"
	Unprofitable       RejectKind = "UNPROFITABLE"
	RiskOfRuin         RejectKind = "RISK_OF_RUIN"
)

// Decision is the gate's verdict for one signal.
type Decision struct {
	Approved bool
	SizeUSD  decimal.Decimal
	Reject   RejectKind
	Reason   string
}

// Engine is the per-account risk gate. The capital tier latches upward only
// and survives restarts via SetTier/TierIndex.
type Engine struct {
	cfg       config.RiskConfig
	tierIndex int
}

// New creates a gate with the configured tier ladder.
func New(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// TierIndex returns the latched tier for persistence.
func (e *Engine) TierIndex() int { return e.tierIndex }

// SetTier restores a persisted tier latch. Lower values than the current
// latch are ignored.
func (e *Engine) SetTier(idx int) {
	if idx > e.tierIndex && idx < len(e.cfg.Tiers) {
		e.tierIndex = idx
	}
}

// Tier returns the current tier config after updating the latch for equity.
func (e *Engine) Tier(equity decimal.Decimal) config.TierConfig {
	eq, _ := equity.Float64()
	for i := len(e.cfg.Tiers) - 1; i > e.tierIndex; i-- {
		if eq >= e.cfg.Tiers[i].MinEquity {
			e.tierIndex = i
			break
		}
	}
	return e.cfg.Tiers[e.tierIndex]
}

// MaxPositions returns the tier's concurrent position cap.
func (e *Engine) MaxPositions(equity decimal.Decimal) int {
	return e.Tier(equity).MaxPositions
}

// Evaluate gates one signal. equity is total account equity, openCount the
// number of currently open positions, fees the venue fee schedule and
// minNotional the venue's smallest order.
func (e *Engine) Evaluate(sig *types.Signal, equity decimal.Decimal, openCount int, fees float64, minNotional decimal.Decimal) Decision {
	tier := e.Tier(equity)
	eq, _ := equity.Float64()

	if eq < e.cfg.MinViableEquity {
		return reject(InsufficientEquity,
			fmt.Sprintf("equity $%.2f below viable floor $%.2f", eq, e.cfg.MinViableEquity))
	}
	if openCount >= tier.MaxPositions {
		return reject(OverPositionCap,
			fmt.Sprintf("%d open positions at %s tier cap %d", openCount, tier.Name, tier.MaxPositions))
	}

	stopPct := sig.SuggestedStopPct
	if stopPct <= 0 {
		return reject(Unprofitable, "signal carries no stop distance")
	}

	// Profitability guard: the expected reward-to-risk after round-trip
	// fees must clear the configured minimum.
	avgTarget := 0.0
	for _, t := range sig.TargetPcts {
		avgTarget += t
	}
	if len(sig.TargetPcts) > 0 {
		avgTarget /= float64(len(sig.TargetPcts))
	}
	roundTrip := 2 * fees
	netTarget := avgTarget - roundTrip
	if netTarget <= 0 {
		return reject(Unprofitable,
			fmt.Sprintf("avg target %.2f%% does not clear fees %.2f%%", avgTarget*100, roundTrip*100))
	}
	expectedR := netTarget / stopPct
	if expectedR < e.cfg.MinExpectancy {
		return reject(Unprofitable,
			fmt.Sprintf("expected R %.2f below minimum %.2f", expectedR, e.cfg.MinExpectancy))
	}

	// Expected value per trade under the standing win-rate estimate.
	win := e.cfg.WinRateEstimate
	ev := win*netTarget - (1-win)*(stopPct+roundTrip)
	if ev < 0 {
		return reject(RiskOfRuin,
			fmt.Sprintf("negative expectancy %.4f at win rate %.0f%%", ev, win*100))
	}

	// Confidence-scaled risk fraction: 0.78x..1.20x of the tier base.
	riskPct := tier.BaseRiskPct * (0.5 + sig.Confidence*0.7)

	sizeUSD := eq * riskPct / stopPct
	if cap := eq * e.cfg.MaxPositionPct; sizeUSD > cap {
		sizeUSD = cap
	}
	if tier.MaxPositionUSD > 0 && sizeUSD > tier.MaxPositionUSD {
		sizeUSD = tier.MaxPositionUSD
	}

	size := decimal.NewFromFloat(sizeUSD).RoundDown(2)
	if size.LessThan(minNotional) {
		return reject(BelowMinNotional,
			fmt.Sprintf("size $%s below venue minimum $%s", size, minNotional))
	}
	return Decision{Approved: true, SizeUSD: size}
}

func reject(kind RejectKind, reason string) Decision {
	return Decision{Reject: kind, Reason: reason}
}
