package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"apex-engine/internal/config"
	"apex-engine/pkg/types"
)

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxPositionPct:  0.25,
		MinViableEquity: 25.0,
		MinExpectancy:   1.8,
		WinRateEstimate: 0.55,
		Tiers:           config.DefaultTiers(),
	}
}

func signal(confidence, stopPct float64) *types.Signal {
	return &types.Signal{
		Symbol:           "BTC-USD",
		Side:             types.LONG,
		Score:            75,
		Confidence:       confidence,
		SuggestedStopPct: stopPct,
		TargetPcts:       []float64{0.02, 0.025, 0.03, 0.04},
	}
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestEvaluateApproves(t *testing.T) {
	t.Parallel()
	e := New(testConfig())

	d := e.Evaluate(signal(0.7, 0.012), dec(1000), 0, 0.0026, dec(1))
	if !d.Approved {
		t.Fatalf("expected approval, got %s: %s", d.Reject, d.Reason)
	}
	// riskPct = 0.04 * (0.5 + 0.7*0.7) = 0.0396; size = 1000*0.0396/0.012 =
	// 3300, capped at 25% equity (250), then at the ADVANCED tier max (200).
	if !d.SizeUSD.Equal(decimal.NewFromInt(200)) {
		t.Errorf("SizeUSD = %s, want 200 (tier cap)", d.SizeUSD)
	}
}

func TestEvaluateInsufficientEquity(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	d := e.Evaluate(signal(0.7, 0.012), dec(20), 0, 0.0026, dec(1))
	if d.Approved || d.Reject != InsufficientEquity {
		t.Errorf("got %+v, want INSUFFICIENT_EQUITY", d)
	}
}

func TestEvaluatePositionCap(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	// STARTER tier caps at 3 concurrent positions.
	d := e.Evaluate(signal(0.7, 0.012), dec(100), 3, 0.0026, dec(1))
	if d.Approved || d.Reject != OverPositionCap {
		t.Errorf("got %+v, want OVER_POSITION_CAP", d)
	}
}

func TestEvaluateUnprofitableAfterFees(t *testing.T) {
	t.Parallel()
	e := New(testConfig())

	// Targets averaging 1% cannot clear a 0.9% round trip with R >= 1.8
	// against a 1.5% stop.
	sig := signal(0.7, 0.015)
	sig.TargetPcts = []float64{0.01}
	d := e.Evaluate(sig, dec(1000), 0, 0.0045, dec(1))
	if d.Approved || d.Reject != Unprofitable {
		t.Errorf("got %+v, want UNPROFITABLE", d)
	}

	// No stop distance at all is also unprofitable by definition.
	d = e.Evaluate(signal(0.7, 0), dec(1000), 0, 0.0026, dec(1))
	if d.Approved || d.Reject != Unprofitable {
		t.Errorf("zero stop: got %+v, want UNPROFITABLE", d)
	}
}

func TestEvaluateBelowMinNotional(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	d := e.Evaluate(signal(0.5, 0.012), dec(30), 0, 0.0026, decimal.NewFromInt(100))
	if d.Approved || d.Reject != BelowMinNotional {
		t.Errorf("got %+v, want BELOW_MIN_NOTIONAL", d)
	}
}

func TestConfidenceScalesSize(t *testing.T) {
	t.Parallel()
	// Lift the equity and tier caps and shrink the base risk so neither
	// clamp engages and the confidence term is observable.
	cfg := testConfig()
	cfg.MaxPositionPct = 1.0
	cfg.Tiers = []config.TierConfig{
		{Name: "OPEN", MinEquity: 0, MaxPositions: 10, BaseRiskPct: 0.01},
	}
	e := New(cfg)

	sig := func(conf float64) *types.Signal {
		s := signal(conf, 0.02)
		s.TargetPcts = []float64{0.04, 0.05, 0.06}
		return s
	}
	low := e.Evaluate(sig(0.1), dec(1000), 0, 0.0026, dec(1))
	high := e.Evaluate(sig(0.9), dec(1000), 0, 0.0026, dec(1))
	if !low.Approved || !high.Approved {
		t.Fatalf("both should approve: low=%+v high=%+v", low, high)
	}
	if !high.SizeUSD.GreaterThan(low.SizeUSD) {
		t.Errorf("high confidence size %s should exceed low confidence %s",
			high.SizeUSD, low.SizeUSD)
	}
}

func TestTierSelection(t *testing.T) {
	t.Parallel()
	e := New(testConfig())

	if tier := e.Tier(dec(100)); tier.Name != "STARTER" {
		t.Errorf("equity 100 -> %s, want STARTER", tier.Name)
	}
	if tier := e.Tier(dec(500)); tier.Name != "ADVANCED" {
		t.Errorf("equity 500 -> %s, want ADVANCED", tier.Name)
	}
	if tier := e.Tier(dec(5000)); tier.Name != "ELITE" {
		t.Errorf("equity 5000 -> %s, want ELITE", tier.Name)
	}
}

func TestTierLatchesUpwardOnly(t *testing.T) {
	t.Parallel()
	e := New(testConfig())

	if tier := e.Tier(dec(2500)); tier.Name != "ELITE" {
		t.Fatalf("equity 2500 -> %s, want ELITE", tier.Name)
	}
	// A drawdown below the threshold must not demote the tier.
	if tier := e.Tier(dec(300)); tier.Name != "ELITE" {
		t.Errorf("after drawdown -> %s, want ELITE (latched)", tier.Name)
	}
}

func TestSetTierRestoresLatch(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	e.SetTier(2)
	if got := e.TierIndex(); got != 2 {
		t.Fatalf("TierIndex = %d, want 2", got)
	}
	// Restoring a lower latch is ignored.
	e.SetTier(0)
	if got := e.TierIndex(); got != 2 {
		t.Errorf("TierIndex after lower SetTier = %d, want 2", got)
	}
	// Out-of-range restores are ignored too.
	e.SetTier(99)
	if got := e.TierIndex(); got != 2 {
		t.Errorf("TierIndex after out-of-range SetTier = %d, want 2", got)
	}
}

func TestMaxPositionsFollowsTier(t *testing.T) {
	t.Parallel()
	e := New(testConfig())
	if got := e.MaxPositions(dec(100)); got != 3 {
		t.Errorf("STARTER MaxPositions = %d, want 3", got)
	}
	if got := e.MaxPositions(dec(3000)); got != 6 {
		t.Errorf("ELITE MaxPositions = %d, want 6", got)
	}
}
