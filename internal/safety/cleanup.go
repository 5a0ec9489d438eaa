package safety

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/broker"
	"apex-engine/internal/config"
	"apex-engine/pkg/types"
)

// holdingClass buckets a live holding during a cleanup run.
type holdingClass string

const (
	classDust   holdingClass = "DUST"   // below the dust threshold, close unconditionally
	classKeep   holdingClass = "KEEP"   // inside the position cap
	classExcess holdingClass = "EXCESS" // over the cap, smallest first
)

// CleanupResult summarizes one enforcement run.
type CleanupResult struct {
	Scanned   int
	Closed    int
	Failed    int
	Violation bool // positions still over the hard cap after the run
	BudgetHit bool
	Elapsed   time.Duration
}

// Enforcer reconciles venue holdings against the hard position cap. It works
// from live venue state, not the tracker, so positions the engine lost track
// of still get cleaned up.
type Enforcer struct {
	cfg     config.SafetyConfig
	adapter broker.Adapter
	kill    *KillSwitch
	logger  zerolog.Logger
}

// NewEnforcer creates a cleanup enforcer for one account. kill may be nil;
// when set, an engaged switch stops the run before any order is placed.
func NewEnforcer(cfg config.SafetyConfig, adapter broker.Adapter, kill *KillSwitch, logger zerolog.Logger) *Enforcer {
	return &Enforcer{
		cfg:     cfg,
		adapter: adapter,
		kill:    kill,
		logger: logger.With().
			Str("component", "cleanup").
			Str("account", adapter.Name()).
			Logger(),
	}
}

// halted reports whether the kill switch forbids placing orders.
func (e *Enforcer) halted() bool {
	return e.kill != nil && e.kill.Engaged()
}

// Run fetches live positions, classifies them and closes dust plus excess
// within the wall-clock budget, at most MaxClosesPerRun closes. A run that
// leaves the account over the hard cap logs SAFETY VIOLATION.
func (e *Enforcer) Run(ctx context.Context, budget time.Duration) CleanupResult {
	started := time.Now()
	deadline := started.Add(budget)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var res CleanupResult
	if e.halted() {
		e.logger.Warn().Msg("cleanup skipped: kill switch engaged")
		res.Elapsed = time.Since(started)
		return res
	}
	positions, err := e.adapter.GetPositions(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("cleanup: fetch positions failed")
		res.Elapsed = time.Since(started)
		return res
	}
	res.Scanned = len(positions)

	dust, excess := e.classify(positions)
	targets := append(dust, excess...)
	if len(targets) == 0 {
		res.Elapsed = time.Since(started)
		return res
	}

	for _, p := range targets {
		if res.Closed >= e.cfg.MaxClosesPerRun {
			break
		}
		if e.halted() {
			e.logger.Warn().Msg("cleanup aborted: kill switch engaged mid-run")
			break
		}
		if time.Now().After(deadline) {
			res.BudgetHit = true
			e.logger.Warn().Dur("budget", budget).Msg("cleanup budget exhausted")
			break
		}
		if err := e.close(ctx, p); err != nil {
			res.Failed++
			e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("cleanup close failed")
			continue
		}
		res.Closed++
	}

	remaining := len(positions) - res.Closed
	if remaining > e.cfg.MaxPositionsHard {
		res.Violation = true
		e.logger.Error().
			Int("positions", remaining).
			Int("hard_cap", e.cfg.MaxPositionsHard).
			Msg("SAFETY VIOLATION: position count over hard cap after cleanup")
	}
	res.Elapsed = time.Since(started)
	e.logger.Info().
		Int("scanned", res.Scanned).Int("closed", res.Closed).Int("failed", res.Failed).
		Dur("elapsed", res.Elapsed).
		Msg("cleanup run complete")
	return res
}

// classify splits holdings into dust and over-cap excess. Excess is ranked
// smallest notional first so cleanup sheds the cheapest positions.
func (e *Enforcer) classify(positions []types.RawPosition) (dust, excess []types.RawPosition) {
	dustUSD := decimal.NewFromFloat(e.cfg.DustUSD)
	var keep []types.RawPosition
	for _, p := range positions {
		// Exactly at the threshold is still dust.
		if p.ValueUSD.LessThanOrEqual(dustUSD) {
			dust = append(dust, p)
			continue
		}
		keep = append(keep, p)
	}

	over := len(keep) - e.cfg.MaxPositionsHard
	if over <= 0 {
		return dust, nil
	}
	sort.Slice(keep, func(i, j int) bool {
		return keep[i].ValueUSD.LessThan(keep[j].ValueUSD)
	})
	return dust, keep[:over]
}

func (e *Enforcer) close(ctx context.Context, p types.RawPosition) error {
	_, err := e.adapter.PlaceMarket(ctx, broker.MarketOrderReq{
		Symbol:   p.Symbol,
		Side:     types.SELL,
		Qty:      p.Qty,
		ClientID: broker.NewClientID(),
	})
	if err == nil {
		e.logger.Info().Str("symbol", p.Symbol).Str("qty", p.Qty.String()).
			Str("value_usd", p.ValueUSD.String()).Msg("cleanup close")
	}
	return err
}
