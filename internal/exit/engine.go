// Package exit decides when and how much of each open position to close.
//
// Nine rules are evaluated in strict priority order per position; the first
// match wins. All PnL values are gross fractional price moves (0.04 = 4%);
// fee awareness lives in the per-broker profit ladders, which are shifted up
// on expensive venues. The engine is pure over its inputs except for the
// trailing-stop ratchet, which it advances on the evaluated position.
package exit

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"apex-engine/internal/config"
	"apex-engine/internal/position"
	"apex-engine/pkg/types"
)

// Intent is one exit decision. Fraction is the share of the position's
// current quantity to sell; 1.0 clears it.
type Intent struct {
	Symbol   string
	Fraction float64
	Reason   types.ExitReason
	Rule     int
	// TierIndex is set for TIERED_PROFIT intents: the rung to mark taken
	// once the sell fills.
	TierIndex int
	// Warning-only intents (Fraction 0) flag approaching rules.
	Warning bool
}

// Input is everything Evaluate needs for one position.
type Input struct {
	Position *position.Position
	Price    decimal.Decimal
	PnLPct   float64 // gross fractional
	ATRPct   float64 // ATR / price for the trailing stop, 0 if unknown
	Now      time.Time
}

// Engine applies the exit rules with one broker's ladder.
type Engine struct {
	cfg   config.ExitConfig
	tiers []config.TierStep
}

// New creates an exit engine for the given broker kind.
func New(cfg config.ExitConfig, broker types.BrokerKind) *Engine {
	return &Engine{cfg: cfg, tiers: cfg.TiersFor(string(broker))}
}

// Tiers exposes the active ladder (used by tests and the API snapshot).
func (e *Engine) Tiers() []config.TierStep { return e.tiers }

// Evaluate runs rules 1-8 for one position and returns the winning intent,
// or nil. Unsellable positions inside their cool-down are skipped entirely.
func (e *Engine) Evaluate(in Input) *Intent {
	p := in.Position
	if p.Unsellable(in.Now) {
		return nil
	}

	pnl := in.PnLPct
	age := p.Age(in.Now)
	sizeUSD, _ := p.SizeUSD(in.Price).Float64()

	// Rule 1: dust cleanup.
	if sizeUSD < e.cfg.MinViableUSD {
		return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitSmallPosition, Rule: 1}
	}

	// Rule 2: catastrophic stop.
	if pnl <= e.cfg.CatastrophicPct {
		return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitCatastrophic, Rule: 2}
	}

	// Rule 3: standard stop. The two thresholds combine with OR, and the
	// guard refuses to stop a position that is not losing.
	if pnl < 0 && (pnl <= e.cfg.StopLossPct || pnl <= e.cfg.MinLossFloorPct) {
		return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitStopLoss, Rule: 3}
	}

	// Rule 4: losing-trade time exit.
	if pnl < 0 && age >= e.cfg.LosingTimeLimit {
		return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitLosingTimeLimit, Rule: 4}
	}

	// Rule 5: tiered partial profit.
	if next := p.TiersTaken; next < len(e.tiers) && pnl >= e.tiers[next].AtPct {
		return &Intent{
			Symbol: p.Symbol, Fraction: e.tiers[next].Fraction,
			Reason: types.ExitTieredProfit, Rule: 5, TierIndex: next,
		}
	}

	// Rule 6: trailing stop on the residual after any partial exit. The
	// ratchet only advances when ATR is known, but an already-armed stop
	// fires regardless.
	if p.TiersTaken > 0 {
		if in.ATRPct > 0 {
			k := e.cfg.TrailATRMult
			candidate := in.Price.Mul(decimal.NewFromFloat(1 - k*in.ATRPct))
			if candidate.GreaterThan(p.TrailingStop) {
				p.TrailingStop = candidate
			}
		}
		if p.TrailingStop.Sign() > 0 && in.Price.LessThanOrEqual(p.TrailingStop) {
			return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitTrailingStop, Rule: 6}
		}
	}

	// Rule 7: profitable-trade max hold.
	if pnl >= 0 && age >= e.cfg.ProfitMaxHold {
		return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitProfitMaxHold, Rule: 7}
	}

	// Rule 8: emergency hold limit, regardless of PnL.
	if age >= e.cfg.EmergencyHold {
		return &Intent{Symbol: p.Symbol, Fraction: 1, Reason: types.ExitEmergencyHold, Rule: 8}
	}

	// Early warning for rule 4 so the journal shows the countdown.
	if pnl < 0 && age >= 5*time.Minute && age < e.cfg.LosingTimeLimit {
		return &Intent{Symbol: p.Symbol, Reason: types.ExitLosingTimeLimit, Rule: 4, Warning: true}
	}
	return nil
}

// drainCandidate pairs a position with its ranking keys for rule 9.
type drainCandidate struct {
	symbol  string
	sizeUSD float64
	pnlPct  float64
}

// ForcedDrain implements rule 9: when openCount exceeds maxOpen, rank the
// positions not already scheduled for exit by (size asc, pnl asc) and close
// the smallest excess, up to maxCloses this cycle.
func ForcedDrain(positions []*position.Position, prices map[string]decimal.Decimal, pnls map[string]float64, openCount, maxOpen, maxCloses int, now time.Time) []Intent {
	excess := openCount - maxOpen
	if excess <= 0 {
		return nil
	}
	if excess > maxCloses {
		excess = maxCloses
	}

	candidates := make([]drainCandidate, 0, len(positions))
	for _, p := range positions {
		if p.Unsellable(now) {
			continue
		}
		price, ok := prices[p.Symbol]
		if !ok {
			continue
		}
		size, _ := p.SizeUSD(price).Float64()
		candidates = append(candidates, drainCandidate{
			symbol: p.Symbol, sizeUSD: size, pnlPct: pnls[p.Symbol],
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].sizeUSD != candidates[j].sizeUSD {
			return candidates[i].sizeUSD < candidates[j].sizeUSD
		}
		return candidates[i].pnlPct < candidates[j].pnlPct
	})

	if excess > len(candidates) {
		excess = len(candidates)
	}
	intents := make([]Intent, 0, excess)
	for _, c := range candidates[:excess] {
		intents = append(intents, Intent{
			Symbol: c.symbol, Fraction: 1, Reason: types.ExitForcedDrain, Rule: 9,
		})
	}
	return intents
}
