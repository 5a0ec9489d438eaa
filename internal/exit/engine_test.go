package exit

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"apex-engine/internal/config"
	"apex-engine/internal/position"
	"apex-engine/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() config.ExitConfig {
	return config.ExitConfig{
		StopLossPct:     -0.015,
		MinLossFloorPct: -0.0005,
		CatastrophicPct: -0.05,
		MinViableUSD:    1.0,
		LosingTimeLimit: 30 * time.Minute,
		ProfitMaxHold:   8 * time.Hour,
		EmergencyHold:   12 * time.Hour,
		TrailATRMult:    2.0,
		UnsellableCool:  24 * time.Hour,
		ProfitTiers: map[string][]config.TierStep{
			"default": config.DefaultProfitTiers(),
			"kraken":  config.KrakenProfitTiers(),
		},
	}
}

// pos builds a position holding roughly sizeUSD at price with the given age.
func pos(symbol string, price decimal.Decimal, sizeUSD float64, age time.Duration, now time.Time) *position.Position {
	qty := decimal.NewFromFloat(sizeUSD).Div(price)
	return &position.Position{
		Symbol:     symbol,
		Side:       types.LONG,
		Qty:        qty,
		EntryPrice: price,
		OpenedAt:   now.Add(-age),
	}
}

func evaluate(t *testing.T, e *Engine, p *position.Position, price decimal.Decimal, pnl, atr float64, now time.Time) *Intent {
	t.Helper()
	return e.Evaluate(Input{Position: p, Price: price, PnLPct: pnl, ATRPct: atr, Now: now})
}

func TestSmallPositionWinsOverEverything(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("DUST-USD", dec("10"), 0.50, 20*time.Hour, now)

	// Deep loss AND ancient age, but dust still classifies first.
	got := evaluate(t, e, p, dec("10"), -0.08, 0, now)
	if got == nil || got.Reason != types.ExitSmallPosition || got.Rule != 1 {
		t.Fatalf("got %+v, want rule 1 SMALL_POSITION", got)
	}
	if got.Fraction != 1 {
		t.Errorf("Fraction = %v, want 1", got.Fraction)
	}
}

func TestCatastrophicStop(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)

	if got := evaluate(t, e, p, dec("50000"), -0.05, 0, now); got == nil || got.Reason != types.ExitCatastrophic {
		t.Fatalf("pnl -0.05 should trigger STOP_CATASTROPHIC, got %+v", got)
	}
	if got := evaluate(t, e, p, dec("50000"), -0.049, 0, now); got == nil || got.Reason != types.ExitStopLoss {
		t.Fatalf("pnl -0.049 should fall through to STOP_LOSS, got %+v", got)
	}
}

func TestStopLossBoundaries(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)

	cases := []struct {
		name  string
		pnl   float64
		fires bool
	}{
		{"exactly at stop", -0.015, true},
		{"below stop", -0.020, true},
		{"at loss floor", -0.0005, true},
		{"below floor above stop", -0.0010, true},
		{"tiny loss above floor", -0.0004, false},
		{"flat", 0.0, false},
		{"profitable", 0.004, false},
	}
	for _, tc := range cases {
		got := evaluate(t, e, p, dec("50000"), tc.pnl, 0, now)
		fired := got != nil && got.Reason == types.ExitStopLoss
		if fired != tc.fires {
			t.Errorf("%s: pnl=%v fired=%v, want %v", tc.name, tc.pnl, fired, tc.fires)
		}
	}
}

func TestLosingTimeLimit(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()

	old := pos("BTC-USD", dec("50000"), 100, 30*time.Minute, now)
	got := evaluate(t, e, old, dec("50000"), -0.0003, 0, now)
	if got == nil || got.Reason != types.ExitLosingTimeLimit || got.Warning {
		t.Fatalf("30m losing position should exit, got %+v", got)
	}

	// Same loss but young yields only the warning.
	young := pos("BTC-USD", dec("50000"), 100, 10*time.Minute, now)
	got = evaluate(t, e, young, dec("50000"), -0.0003, 0, now)
	if got == nil || !got.Warning {
		t.Fatalf("young losing position should warn, got %+v", got)
	}

	// A profitable old position never takes the losing time exit.
	if got := evaluate(t, e, old, dec("50000"), 0.001, 0, now); got != nil {
		t.Errorf("profitable position exited %s", got.Reason)
	}
}

func TestTieredProfitDefaultLadder(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)

	if got := evaluate(t, e, p, dec("50000"), 0.019, 0, now); got != nil {
		t.Fatalf("+1.9%% should not reach the first rung, got %+v", got)
	}
	got := evaluate(t, e, p, dec("51000"), 0.020, 0, now)
	if got == nil || got.Reason != types.ExitTieredProfit {
		t.Fatalf("+2.0%% should take the first rung, got %+v", got)
	}
	if got.Fraction != 0.10 || got.TierIndex != 0 {
		t.Errorf("rung 0: fraction=%v tier=%d, want 0.10 / 0", got.Fraction, got.TierIndex)
	}

	// With the first rung consumed, +2.0% is quiet and +2.5% takes rung 1.
	p.TiersTaken = 1
	if got := evaluate(t, e, p, dec("51000"), 0.020, 0, now); got != nil && got.Reason == types.ExitTieredProfit {
		t.Error("consumed rung must not fire again")
	}
	got = evaluate(t, e, p, dec("51250"), 0.025, 0, now)
	if got == nil || got.TierIndex != 1 || got.Fraction != 0.15 {
		t.Fatalf("rung 1 expected, got %+v", got)
	}
}

func TestTieredProfitKrakenLadderIsWider(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerKraken)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)

	// +2.0% clears the default ladder but not Kraken's fee-widened one.
	if got := evaluate(t, e, p, dec("51000"), 0.020, 0, now); got != nil {
		t.Fatalf("+2.0%% on kraken should hold, got %+v", got)
	}
	got := evaluate(t, e, p, dec("51250"), 0.025, 0, now)
	if got == nil || got.Reason != types.ExitTieredProfit || got.TierIndex != 0 {
		t.Fatalf("+2.5%% on kraken should take rung 0, got %+v", got)
	}
}

func TestTrailingStopRatchet(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)
	p.TiersTaken = 4 // full ladder consumed; only the trail manages the rest

	atr := 0.01 // trail distance = 2 * 1% = 2%

	// First evaluation sets the trail below the current price.
	if got := evaluate(t, e, p, dec("52000"), 0.04, atr, now); got != nil {
		t.Fatalf("price above trail should hold, got %+v", got)
	}
	trail1 := p.TrailingStop
	if trail1.Sign() <= 0 {
		t.Fatal("trailing stop not armed")
	}

	// Higher price ratchets the trail up.
	_ = evaluate(t, e, p, dec("53000"), 0.06, atr, now)
	if !p.TrailingStop.GreaterThan(trail1) {
		t.Errorf("trail did not ratchet: %s -> %s", trail1, p.TrailingStop)
	}
	trail2 := p.TrailingStop

	// Lower price must not move the trail down.
	_ = evaluate(t, e, p, dec("52500"), 0.05, atr, now)
	if !p.TrailingStop.Equal(trail2) {
		t.Errorf("trail moved down: %s -> %s", trail2, p.TrailingStop)
	}

	// Falling to the trail exits the remainder.
	got := evaluate(t, e, p, trail2, 0.036, atr, now)
	if got == nil || got.Reason != types.ExitTrailingStop {
		t.Fatalf("price at trail should exit, got %+v", got)
	}
}

func TestTrailingStopFiresWithoutATR(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)
	p.TiersTaken = 4
	p.TrailingStop = dec("51500")

	// A cycle without ATR cannot advance the ratchet, but the armed stop
	// still fires when price crosses it.
	got := evaluate(t, e, p, dec("51000"), 0.02, 0, now)
	if got == nil || got.Reason != types.ExitTrailingStop || got.Rule != 6 {
		t.Fatalf("armed trail should fire without ATR, got %+v", got)
	}

	// An unarmed trail with no ATR stays quiet.
	q := pos("ETH-USD", dec("3000"), 100, time.Minute, now)
	q.TiersTaken = 4
	if got := evaluate(t, e, q, dec("3100"), 0.033, 0, now); got != nil {
		t.Fatalf("unarmed trail without ATR should hold, got %+v", got)
	}
}

func TestTrailingStopNeedsPartialFirst(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BTC-USD", dec("50000"), 100, time.Minute, now)

	_ = evaluate(t, e, p, dec("50500"), 0.01, 0.01, now)
	if p.TrailingStop.Sign() > 0 {
		t.Error("trailing stop must stay unarmed before any partial exit")
	}
}

func TestHoldLimits(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()

	profitable := pos("BTC-USD", dec("50000"), 100, 8*time.Hour, now)
	got := evaluate(t, e, profitable, dec("50000"), 0.005, 0, now)
	if got == nil || got.Reason != types.ExitProfitMaxHold {
		t.Fatalf("8h profitable hold should exit, got %+v", got)
	}

	// Flat position past the emergency limit exits regardless of PnL. A
	// profitable one already left at 8h, so exercise exactly at 12h flat.
	flat := pos("ETH-USD", dec("2000"), 100, 12*time.Hour, now)
	got = evaluate(t, e, flat, dec("2000"), 0.0, 0, now)
	if got == nil || got.Reason != types.ExitProfitMaxHold {
		// pnl >= 0 at 12h hits rule 7 first; that is the expected priority.
		t.Fatalf("12h flat hold, got %+v", got)
	}
}

func TestEmergencyHoldBackstop(t *testing.T) {
	t.Parallel()
	// With the losing time limit effectively disabled, the 12h emergency
	// backstop is what finally clears a stuck losing position.
	cfg := testConfig()
	cfg.LosingTimeLimit = 100 * time.Hour
	e := New(cfg, types.BrokerCoinbase)
	now := time.Now()

	p := pos("BTC-USD", dec("50000"), 100, 12*time.Hour, now)
	got := evaluate(t, e, p, dec("50000"), -0.0004, 0, now)
	if got == nil || got.Reason != types.ExitEmergencyHold {
		t.Fatalf("12h position should hit EMERGENCY_HOLD, got %+v", got)
	}
}

func TestUnsellableSkipped(t *testing.T) {
	t.Parallel()
	e := New(testConfig(), types.BrokerCoinbase)
	now := time.Now()
	p := pos("BAD-USD", dec("10"), 100, time.Hour, now)
	p.UnsellableTil = now.Add(time.Hour)

	if got := evaluate(t, e, p, dec("10"), -0.10, 0, now); got != nil {
		t.Errorf("unsellable position must be skipped, got %+v", got)
	}
}

func TestForcedDrainRanking(t *testing.T) {
	t.Parallel()
	now := time.Now()
	mk := func(symbol string, sizeUSD float64) *position.Position {
		return pos(symbol, dec("100"), sizeUSD, time.Hour, now)
	}
	positions := []*position.Position{
		mk("BIG-USD", 500),
		mk("SMALL-USD", 20),
		mk("MID-USD", 100),
		mk("TINY-USD", 5),
	}
	prices := map[string]decimal.Decimal{
		"BIG-USD": dec("100"), "SMALL-USD": dec("100"),
		"MID-USD": dec("100"), "TINY-USD": dec("100"),
	}
	pnls := map[string]float64{
		"BIG-USD": 0.01, "SMALL-USD": 0.02, "MID-USD": -0.01, "TINY-USD": 0.0,
	}

	// 4 open with a cap of 2: drain the 2 smallest.
	intents := ForcedDrain(positions, prices, pnls, 4, 2, 3, now)
	if len(intents) != 2 {
		t.Fatalf("intents = %d, want 2", len(intents))
	}
	if intents[0].Symbol != "TINY-USD" || intents[1].Symbol != "SMALL-USD" {
		t.Errorf("drain order = %s, %s; want TINY-USD, SMALL-USD",
			intents[0].Symbol, intents[1].Symbol)
	}
	for _, in := range intents {
		if in.Reason != types.ExitForcedDrain || in.Rule != 9 || in.Fraction != 1 {
			t.Errorf("bad intent %+v", in)
		}
	}
}

func TestForcedDrainTiesBreakOnPnL(t *testing.T) {
	t.Parallel()
	now := time.Now()
	positions := []*position.Position{
		pos("A-USD", dec("100"), 50, time.Hour, now),
		pos("B-USD", dec("100"), 50, time.Hour, now),
	}
	prices := map[string]decimal.Decimal{"A-USD": dec("100"), "B-USD": dec("100")}
	pnls := map[string]float64{"A-USD": 0.02, "B-USD": -0.01}

	intents := ForcedDrain(positions, prices, pnls, 2, 1, 3, now)
	if len(intents) != 1 || intents[0].Symbol != "B-USD" {
		t.Fatalf("equal sizes should drain the worse pnl first, got %+v", intents)
	}
}

func TestForcedDrainRespectsPerCycleCap(t *testing.T) {
	t.Parallel()
	now := time.Now()
	var positions []*position.Position
	prices := map[string]decimal.Decimal{}
	pnls := map[string]float64{}
	for _, s := range []string{"A-USD", "B-USD", "C-USD", "D-USD", "E-USD", "F-USD"} {
		positions = append(positions, pos(s, dec("100"), 50, time.Hour, now))
		prices[s] = dec("100")
		pnls[s] = 0
	}

	intents := ForcedDrain(positions, prices, pnls, 6, 1, 3, now)
	if len(intents) != 3 {
		t.Errorf("intents = %d, want 3 (per-cycle close cap)", len(intents))
	}
}

func TestForcedDrainNoExcess(t *testing.T) {
	t.Parallel()
	now := time.Now()
	positions := []*position.Position{pos("A-USD", dec("100"), 50, time.Hour, now)}
	if intents := ForcedDrain(positions, map[string]decimal.Decimal{"A-USD": dec("100")},
		map[string]float64{"A-USD": 0}, 1, 3, 3, now); intents != nil {
		t.Errorf("no excess should yield nil, got %+v", intents)
	}
}
