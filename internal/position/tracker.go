// Package position tracks open positions for one account.
//
// A Tracker is owned by a single account loop and is not safe for
// concurrent use; persistence snapshots cross goroutines as plain values.
// Quantities and prices are decimal because they round-trip to venues; PnL
// percentages are fractional float64 (0.04 = 4%).
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

// PnL is a mark-to-market result. Pct is the gross fractional move
// (current-entry)/entry; exit ladders are already fee-aware per broker, so
// fees are charged once, at realization.
type PnL struct {
	Pct float64
	USD decimal.Decimal
}

// Position is one open holding with the exit-engine bookkeeping that rides
// along with it.
type Position struct {
	Symbol     string             `json:"symbol"`
	Side       types.PositionSide `json:"side"`
	Qty        decimal.Decimal    `json:"qty"`
	EntryPrice decimal.Decimal    `json:"entry_price"`
	OpenedAt   time.Time          `json:"opened_at"`

	// Adopted marks positions reconciled from the venue without a known
	// entry price; their entry was seeded at current x 1.01.
	Adopted bool `json:"adopted"`

	// Exit-engine state.
	TiersTaken    int             `json:"tiers_taken"`    // rungs of the profit ladder consumed
	TrailingStop  decimal.Decimal `json:"trailing_stop"`  // zero until armed by a partial exit
	PeakPnLPct    float64         `json:"peak_pnl_pct"`   // best fractional PnL observed
	RealizedUSD   decimal.Decimal `json:"realized_usd"`   // realized PnL from partial exits
	FailedSells   int             `json:"failed_sells"`   // consecutive rejected sell attempts
	UnsellableTil time.Time       `json:"unsellable_til"` // cool-down after repeated rejections
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration { return now.Sub(p.OpenedAt) }

// Unsellable reports whether the position is inside its cool-down window.
func (p *Position) Unsellable(now time.Time) bool { return now.Before(p.UnsellableTil) }

// SizeUSD is the current notional at price.
func (p *Position) SizeUSD(price decimal.Decimal) decimal.Decimal { return p.Qty.Mul(price) }

// Tracker owns the position map for one account.
type Tracker struct {
	accountID string
	feePct    float64 // taker fee, fractional
	positions map[string]*Position
}

// NewTracker creates an empty tracker. feePct is the venue taker fee used
// for net PnL.
func NewTracker(accountID string, feePct float64) *Tracker {
	return &Tracker{
		accountID: accountID,
		feePct:    feePct,
		positions: make(map[string]*Position),
	}
}

// Get returns the tracked position for symbol, or nil.
func (t *Tracker) Get(symbol string) *Position { return t.positions[symbol] }

// Count returns the number of open positions.
func (t *Tracker) Count() int { return len(t.positions) }

// All returns the open positions in unspecified order.
func (t *Tracker) All() []*Position {
	out := make([]*Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// TrackEntry records a fill that opens or adds to a position. Adds compute
// a weighted-average entry price.
func (t *Tracker) TrackEntry(symbol string, price, qty decimal.Decimal) error {
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return fmt.Errorf("track entry %s: non-positive price or qty", symbol)
	}
	p, ok := t.positions[symbol]
	if !ok {
		t.positions[symbol] = &Position{
			Symbol:     symbol,
			Side:       types.LONG,
			Qty:        qty,
			EntryPrice: price,
			OpenedAt:   time.Now(),
		}
		return nil
	}
	totalCost := p.EntryPrice.Mul(p.Qty).Add(price.Mul(qty))
	p.Qty = p.Qty.Add(qty)
	p.EntryPrice = totalCost.Div(p.Qty)
	p.Adopted = false
	return nil
}

// RecordExit reduces a position by fraction (of current qty) at price and
// returns the realized PnL for the exited slice, net of round-trip fees.
// fraction 1.0 (or a reduction to zero) deletes the record; calling
// RecordExit on an untracked symbol is a no-op.
func (t *Tracker) RecordExit(symbol string, price decimal.Decimal, fraction float64) (PnL, error) {
	p, ok := t.positions[symbol]
	if !ok {
		return PnL{}, nil
	}
	if fraction <= 0 || fraction > 1 {
		return PnL{}, fmt.Errorf("record exit %s: fraction %v out of (0,1]", symbol, fraction)
	}

	exitQty := p.Qty.Mul(decimal.NewFromFloat(fraction))
	pnl, err := t.markPnL(p, price)
	if err != nil {
		return PnL{}, err
	}
	realized := PnL{
		Pct: pnl.Pct,
		USD: price.Sub(p.EntryPrice).Mul(exitQty).
			Sub(price.Mul(exitQty).Mul(decimal.NewFromFloat(2 * t.feePct))),
	}

	p.Qty = p.Qty.Sub(exitQty)
	p.RealizedUSD = p.RealizedUSD.Add(realized.USD)
	if fraction == 1 || p.Qty.Sign() <= 0 {
		delete(t.positions, symbol)
	}
	return realized, nil
}

// MarkPnL computes the fractional and USD PnL of the whole position at
// currentPrice. The fractional value must satisfy |pct| < 1.0; a violation
// means entry price and current price disagree by 100%+, which for this
// strategy's holding periods is always a bookkeeping bug, not a market move.
func (t *Tracker) MarkPnL(symbol string, currentPrice decimal.Decimal) (PnL, error) {
	p, ok := t.positions[symbol]
	if !ok {
		return PnL{}, fmt.Errorf("mark pnl: no position for %s", symbol)
	}
	return t.markPnL(p, currentPrice)
}

func (t *Tracker) markPnL(p *Position, currentPrice decimal.Decimal) (PnL, error) {
	if p.EntryPrice.Sign() <= 0 || currentPrice.Sign() <= 0 {
		return PnL{}, fmt.Errorf("mark pnl %s: non-positive price", p.Symbol)
	}
	entry, _ := p.EntryPrice.Float64()
	current, _ := currentPrice.Float64()
	pct := (current - entry) / entry

	if pct <= -1.0 || pct >= 1.0 {
		return PnL{}, fmt.Errorf("mark pnl %s: fractional pnl %v out of (-1,1), entry=%s current=%s",
			p.Symbol, pct, p.EntryPrice, currentPrice)
	}
	if pct > p.PeakPnLPct {
		p.PeakPnLPct = pct
	}
	usd := currentPrice.Sub(p.EntryPrice).Mul(p.Qty)
	return PnL{Pct: pct, USD: usd}, nil
}

// AdoptExisting reconciles venue-reported holdings into the tracker. New
// symbols are adopted; when the venue does not report an entry price the
// entry is seeded at current x 1.01, which makes the position look slightly
// under water and forces an aggressive exit posture. Tracked symbols the
// venue no longer reports are dropped; tracked quantities are clamped to
// what the venue holds.
func (t *Tracker) AdoptExisting(raw []types.RawPosition, prices map[string]decimal.Decimal) []string {
	seen := make(map[string]bool, len(raw))
	var adopted []string

	for _, r := range raw {
		seen[r.Symbol] = true
		if p, ok := t.positions[r.Symbol]; ok {
			if r.Qty.LessThan(p.Qty) {
				p.Qty = r.Qty
			}
			continue
		}
		entry := r.Entry
		isAdopted := false
		if entry.Sign() <= 0 {
			price, ok := prices[r.Symbol]
			if !ok || price.Sign() <= 0 {
				continue
			}
			entry = price.Mul(decimal.NewFromFloat(1.01))
			isAdopted = true
		}
		t.positions[r.Symbol] = &Position{
			Symbol:     r.Symbol,
			Side:       r.Side,
			Qty:        r.Qty,
			EntryPrice: entry,
			OpenedAt:   time.Now(),
			Adopted:    isAdopted,
		}
		adopted = append(adopted, r.Symbol)
	}

	for symbol := range t.positions {
		if !seen[symbol] {
			delete(t.positions, symbol)
		}
	}
	return adopted
}

// MarkSellFailed records a rejected sell. Three consecutive rejections mark
// the position unsellable for cooldown.
func (t *Tracker) MarkSellFailed(symbol string, cooldown time.Duration) {
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.FailedSells++
	if p.FailedSells >= 3 {
		p.UnsellableTil = time.Now().Add(cooldown)
		p.FailedSells = 0
	}
}

// MarkSellOK clears the failed-sell counter.
func (t *Tracker) MarkSellOK(symbol string) {
	if p, ok := t.positions[symbol]; ok {
		p.FailedSells = 0
	}
}

// Snapshot returns a copy of the position map for persistence.
func (t *Tracker) Snapshot() map[string]Position {
	out := make(map[string]Position, len(t.positions))
	for s, p := range t.positions {
		out[s] = *p
	}
	return out
}

// Restore replaces the tracker contents from a persisted snapshot.
func (t *Tracker) Restore(snapshot map[string]Position) {
	t.positions = make(map[string]*Position, len(snapshot))
	for s, p := range snapshot {
		cp := p
		if cp.Qty.Sign() <= 0 {
			continue
		}
		t.positions[s] = &cp
	}
}
