package copytrade

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/broker"
	"apex-engine/internal/config"
	"apex-engine/pkg/types"
)

// stubAdapter records placed orders and satisfies broker.Adapter with inert
// defaults everywhere else.
type stubAdapter struct {
	placed      []broker.MarketOrderReq
	minNotional decimal.Decimal
}

func (s *stubAdapter) Name() string { return "stub" }

func (s *stubAdapter) Kind() types.BrokerKind { return types.BrokerPaper }

func (s *stubAdapter) Connect(ctx context.Context) (broker.Identity, error) {
	return broker.Identity{AccountID: "stub"}, nil
}

func (s *stubAdapter) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	return types.Balance{}, nil
}

func (s *stubAdapter) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	return nil, nil
}

func (s *stubAdapter) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	return nil, nil
}

func (s *stubAdapter) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *stubAdapter) GetProducts(ctx context.Context) ([]string, error) { return nil, nil }

func (s *stubAdapter) PlaceMarket(ctx context.Context, req broker.MarketOrderReq) (*types.Order, error) {
	s.placed = append(s.placed, req)
	return &types.Order{ID: "ord-" + req.ClientID, ClientID: req.ClientID}, nil
}

func (s *stubAdapter) Cancel(ctx context.Context, orderRef string) error { return nil }

func (s *stubAdapter) Fees() broker.FeeSchedule { return broker.FeeSchedule{TakerPct: 0.0026} }

func (s *stubAdapter) MinNotional() decimal.Decimal {
	if s.minNotional.IsZero() {
		return decimal.NewFromInt(1)
	}
	return s.minNotional
}

func testBus(enabled bool) *Bus {
	return NewBus(config.CopyTradeConfig{Enabled: enabled, MaxUserRiskPct: 0.10}, zerolog.Nop())
}

func follower(id string, ad broker.Adapter, equity string) Follower {
	eq := decimal.RequireFromString(equity)
	return Follower{
		AccountID: id,
		Adapter:   ad,
		Equity: func(ctx context.Context) (decimal.Decimal, error) {
			return eq, nil
		},
	}
}

func fill(notional, masterEq string) FillEvent {
	return FillEvent{
		MasterOrderID: "m-1",
		Symbol:        "BTC-USD",
		Side:          types.BUY,
		NotionalUSD:   decimal.RequireFromString(notional),
		Price:         decimal.NewFromInt(50000),
		MasterEquity:  decimal.RequireFromString(masterEq),
	}
}

func TestFollowerSizeScalesByEquityRatio(t *testing.T) {
	t.Parallel()
	b := testBus(true)
	f := follower("user1", &stubAdapter{}, "500")

	// 100 notional on 10000 master equity, follower holds 500: 1/20 scale.
	size, err := b.FollowerSize(context.Background(), f, fill("100", "10000"))
	if err != nil {
		t.Fatalf("FollowerSize: %v", err)
	}
	if !size.Equal(decimal.NewFromInt(5)) {
		t.Errorf("size = %s, want 5", size)
	}
}

func TestFollowerSizeCappedByUserRisk(t *testing.T) {
	t.Parallel()
	b := testBus(true)
	f := follower("user1", &stubAdapter{}, "500")

	// Master trades half its book; follower caps at 10% of its equity.
	size, err := b.FollowerSize(context.Background(), f, fill("5000", "10000"))
	if err != nil {
		t.Fatalf("FollowerSize: %v", err)
	}
	if !size.Equal(decimal.NewFromInt(50)) {
		t.Errorf("size = %s, want 50 (10%% of follower equity)", size)
	}
}

func TestFollowerSizeDegenerateEquity(t *testing.T) {
	t.Parallel()
	b := testBus(true)

	if _, err := b.FollowerSize(context.Background(), follower("u", &stubAdapter{}, "500"), fill("100", "0")); err == nil {
		t.Error("expected error for non-positive master equity")
	}

	size, err := b.FollowerSize(context.Background(), follower("u", &stubAdapter{}, "0"), fill("100", "10000"))
	if err != nil {
		t.Fatalf("FollowerSize: %v", err)
	}
	if !size.IsZero() {
		t.Errorf("size = %s, want 0 for broke follower", size)
	}
}

func TestCopyClientIDDeterministic(t *testing.T) {
	t.Parallel()
	a := broker.CopyClientID("m-1", "user1")
	if b := broker.CopyClientID("m-1", "user1"); b != a {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if b := broker.CopyClientID("m-1", "user2"); b == a {
		t.Error("different followers must get different client ids")
	}
	if b := broker.CopyClientID("m-2", "user1"); b == a {
		t.Error("different master orders must get different client ids")
	}
}

func TestFanOutPlacesForEachFollower(t *testing.T) {
	t.Parallel()
	b := testBus(true)
	ad1, ad2 := &stubAdapter{}, &stubAdapter{}
	b.Register(follower("user1", ad1, "500"))
	b.Register(follower("user2", ad2, "2000"))

	b.fanOut(context.Background(), fill("100", "10000"))

	if len(ad1.placed) != 1 || len(ad2.placed) != 1 {
		t.Fatalf("placed counts = %d, %d, want 1 each", len(ad1.placed), len(ad2.placed))
	}
	if got := ad1.placed[0].NotionalUSD; !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("user1 notional = %s, want 5", got)
	}
	if got := ad2.placed[0].NotionalUSD; !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("user2 notional = %s, want 20", got)
	}
	if want := broker.CopyClientID("m-1", "user1"); ad1.placed[0].ClientID != want {
		t.Errorf("user1 client id = %s, want %s", ad1.placed[0].ClientID, want)
	}
}

func TestReplicateSkipsBelowMinNotional(t *testing.T) {
	t.Parallel()
	b := testBus(true)
	ad := &stubAdapter{minNotional: decimal.NewFromInt(10)}

	// Scaled copy is 5, under the venue's 10 minimum: skip without error.
	err := b.replicate(context.Background(), follower("user1", ad, "500"), fill("100", "10000"))
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if len(ad.placed) != 0 {
		t.Errorf("placed %d orders, want 0", len(ad.placed))
	}
}

func TestPublishRespectsEnableFlag(t *testing.T) {
	t.Parallel()
	b := testBus(false)
	b.Publish(fill("100", "10000"))
	if n := len(b.events); n != 0 {
		t.Errorf("disabled bus queued %d events, want 0", n)
	}

	on := testBus(true)
	on.Publish(fill("100", "10000"))
	if n := len(on.events); n != 1 {
		t.Errorf("enabled bus queued %d events, want 1", n)
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	t.Parallel()
	b := testBus(true)
	for i := 0; i < cap(b.events)+10; i++ {
		b.Publish(fill("100", "10000")) // must never block
	}
	if n := len(b.events); n != cap(b.events) {
		t.Errorf("queue length = %d, want %d", n, cap(b.events))
	}
}
