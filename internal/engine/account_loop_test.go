package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/broker"
	"apex-engine/internal/config"
	"apex-engine/internal/metrics"
	"apex-engine/internal/safety"
	"apex-engine/internal/store"
	"apex-engine/pkg/types"
)

// stubSource feeds the paper adapter a fixed quote and records product
// listing calls so tests can assert that no scan ran.
type stubSource struct {
	mu           sync.Mutex
	price        decimal.Decimal
	productCalls int
}

func (s *stubSource) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	return nil, nil
}

func (s *stubSource) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, nil
}

func (s *stubSource) GetProducts(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.productCalls++
	return []string{"BTC-USD"}, nil
}

func (s *stubSource) products() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.productCalls
}

func loopConfig(dir string) *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			CycleInterval:       time.Minute,
			CandleLimit:         50,
			LiveCapitalVerified: true,
		},
		Market: config.MarketConfig{
			BatchSize:       10,
			QuoteCurrency:   "USD",
			RefreshInterval: time.Hour,
		},
		Risk: config.RiskConfig{
			MaxPositionPct:  0.25,
			MinViableEquity: 25,
			MinExpectancy:   1.8,
			WinRateEstimate: 0.55,
			Tiers:           config.DefaultTiers(),
		},
		Exit: config.ExitConfig{
			StopLossPct:     -0.015,
			MinLossFloorPct: -0.0005,
			CatastrophicPct: -0.05,
			MinViableUSD:    1,
			LosingTimeLimit: 30 * time.Minute,
			ProfitMaxHold:   8 * time.Hour,
			EmergencyHold:   12 * time.Hour,
			TrailATRMult:    1.5,
			UnsellableCool:  24 * time.Hour,
			ProfitTiers:     map[string][]config.TierStep{"default": config.DefaultProfitTiers()},
		},
		Safety: config.SafetyConfig{
			MaxPositionsHard: 8,
			DustUSD:          0.001,
			MaxClosesPerRun:  3,
			StartupBudget:    20 * time.Second,
			MidCycleBudget:   10 * time.Second,
			DefaultBudget:    5 * time.Second,
		},
		Store: config.StoreConfig{DataDir: dir},
	}
}

// newTestLoop builds a loop over a paper adapter that holds one BTC position
// with no venue-reported entry price, so the first reconcile adopts it with
// the pessimistic 1.01x seed and the standard stop fires on the next
// evaluation.
func newTestLoop(t *testing.T) (*AccountLoop, *broker.Paper, *stubSource, *safety.Machine) {
	t.Helper()
	dir := t.TempDir()
	cfg := loopConfig(dir)

	src := &stubSource{price: decimal.NewFromInt(50000)}
	paper := broker.NewPaper("paper-master", decimal.NewFromInt(1000), src, zerolog.Nop())
	if _, err := paper.PlaceMarket(context.Background(), broker.MarketOrderReq{
		Symbol:      "BTC-USD",
		Side:        types.BUY,
		NotionalUSD: decimal.NewFromInt(500),
		ClientID:    "seed-1",
	}); err != nil {
		t.Fatalf("seed buy: %v", err)
	}

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	machine := safety.NewMachine(zerolog.Nop(), true, nil)
	kill := safety.NewKillSwitch(dir, zerolog.Nop())

	loop := NewAccountLoop(LoopDeps{
		Account:  config.Account{ID: "paper-master", Broker: types.BrokerPaper, Role: types.RoleMaster},
		Cfg:      cfg,
		Adapter:  paper,
		Machine:  machine,
		Kill:     kill,
		Store:    st,
		Metrics:  metrics.New(),
		Logger:   zerolog.Nop(),
		Scanning: true,
	})
	return loop, paper, src, machine
}

func openPositions(t *testing.T, paper *broker.Paper) int {
	t.Helper()
	positions, err := paper.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("get positions: %v", err)
	}
	return len(positions)
}

// A tick outside LIVE_ACTIVE must still evaluate and execute exits
// (managing-only mode): the adopted losing position is sold while the engine
// waits for live confirmation, and no scan for new entries runs.
func TestTickManagingOnlyExecutesExits(t *testing.T) {
	loop, paper, src, machine := newTestLoop(t)
	if err := machine.Transition(types.ModeLivePending); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if n := openPositions(t, paper); n != 1 {
		t.Fatalf("seed position count = %d, want 1", n)
	}

	loop.tick(context.Background())

	if n := openPositions(t, paper); n != 0 {
		t.Errorf("venue still holds %d positions, want 0 after managing-only exit", n)
	}
	if n := loop.tracker.Count(); n != 0 {
		t.Errorf("tracker holds %d positions, want 0", n)
	}
	if src.products() != 0 {
		t.Errorf("scan listed products %d times in LIVE_PENDING, entries must stay blocked", src.products())
	}
	if mode := machine.Mode(); mode != types.ModeLivePending {
		t.Errorf("mode = %s, want LIVE_PENDING_CONFIRMATION unchanged", mode)
	}
}

// In EMERGENCY_STOP nothing may be sold or bought; the tick only reconciles
// and persists.
func TestTickEmergencyStopPlacesNoOrders(t *testing.T) {
	loop, paper, src, machine := newTestLoop(t)
	machine.EmergencyStop("test")

	loop.tick(context.Background())

	if n := openPositions(t, paper); n != 1 {
		t.Errorf("venue holds %d positions, want the seed position untouched", n)
	}
	if src.products() != 0 {
		t.Errorf("scan ran during EMERGENCY_STOP")
	}
}

// cronSupervisor builds a bare supervisor with one paper follower holding
// two positions over a hard cap of one, so a cleanup run that is allowed to
// proceed will place a drain sell.
func cronSupervisor(t *testing.T, kill *safety.KillSwitch, machine *safety.Machine) (*Supervisor, *broker.Paper) {
	t.Helper()
	cfg := loopConfig(t.TempDir())
	cfg.Safety.MaxPositionsHard = 1

	src := &stubSource{price: decimal.NewFromInt(50000)}
	paper := broker.NewPaper("paper-user", decimal.NewFromInt(2000), src, zerolog.Nop())
	seeds := []struct {
		symbol   string
		notional int64
		clientID string
	}{
		{"BTC-USD", 500, "seed-a"},
		{"ETH-USD", 300, "seed-b"},
	}
	for _, s := range seeds {
		if _, err := paper.PlaceMarket(context.Background(), broker.MarketOrderReq{
			Symbol:      s.symbol,
			Side:        types.BUY,
			NotionalUSD: decimal.NewFromInt(s.notional),
			ClientID:    s.clientID,
		}); err != nil {
			t.Fatalf("seed buy %s: %v", s.symbol, err)
		}
	}

	sup := &Supervisor{
		cfg:     cfg,
		machine: machine,
		kill:    kill,
		met:     metrics.New(),
		logger:  zerolog.Nop(),
		ctx:     context.Background(),
		followers: []follower{{
			acct:     config.Account{ID: "paper-user", Broker: types.BrokerPaper, Role: types.RoleUser},
			adapter:  paper,
			enforcer: safety.NewEnforcer(cfg.Safety, paper, kill, zerolog.Nop()),
		}},
	}
	return sup, paper
}

// The cleanup cron must not place orders once the engine is halted, by the
// kill switch or by EMERGENCY_STOP.
func TestCronCleanupSkippedWhenHalted(t *testing.T) {
	t.Run("kill switch engaged", func(t *testing.T) {
		kill := safety.NewKillSwitch(t.TempDir(), zerolog.Nop())
		kill.Trip("test")
		sup, paper := cronSupervisor(t, kill, safety.NewMachine(zerolog.Nop(), true, nil))

		sup.cronCleanup()

		if n := openPositions(t, paper); n != 2 {
			t.Errorf("follower holds %d positions, want 2 untouched", n)
		}
	})

	t.Run("emergency stop", func(t *testing.T) {
		machine := safety.NewMachine(zerolog.Nop(), true, nil)
		machine.EmergencyStop("test")
		sup, paper := cronSupervisor(t, safety.NewKillSwitch(t.TempDir(), zerolog.Nop()), machine)

		sup.cronCleanup()

		if n := openPositions(t, paper); n != 2 {
			t.Errorf("follower holds %d positions, want 2 untouched", n)
		}
	})

	t.Run("running engine drains excess", func(t *testing.T) {
		sup, paper := cronSupervisor(t,
			safety.NewKillSwitch(t.TempDir(), zerolog.Nop()),
			safety.NewMachine(zerolog.Nop(), true, nil))

		sup.cronCleanup()

		if n := openPositions(t, paper); n != 1 {
			t.Errorf("follower holds %d positions, want 1 after the drain", n)
		}
	})
}

// An engaged kill switch forces EMERGENCY_STOP at the top of the tick, before
// any order is placed.
func TestTickKillSwitchForcesEmergencyStop(t *testing.T) {
	loop, paper, _, machine := newTestLoop(t)
	if err := machine.Transition(types.ModeLivePending); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := machine.Transition(types.ModeLiveActive); err != nil {
		t.Fatalf("transition: %v", err)
	}
	loop.kill.Trip("test")

	loop.tick(context.Background())

	if mode := machine.Mode(); mode != types.ModeEmergencyStop {
		t.Errorf("mode = %s, want EMERGENCY_STOP", mode)
	}
	if n := openPositions(t, paper); n != 1 {
		t.Errorf("venue holds %d positions, want the seed position untouched", n)
	}
}
