// Package copytrade replicates master fills to follower accounts.
//
// The master account loop publishes a FillEvent for every filled entry or
// exit; the bus fans each event out to the registered followers. Follower
// sizing scales by the equity ratio at fill time and is capped by the
// per-user risk fraction. Each replication carries a deterministic client
// order id derived from (master order id, follower id), so a crashed and
// restarted bus can never double-place a copy.
package copytrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/broker"
	"apex-engine/internal/config"
	"apex-engine/pkg/types"
)

// FillEvent is one master fill, published at the moment the fill is
// confirmed. MasterEquity is the master's total equity at that moment, which
// pins the scaling ratio even if equity moves before followers execute.
type FillEvent struct {
	MasterOrderID string
	Symbol        string
	Side          types.Side
	NotionalUSD   decimal.Decimal
	Price         decimal.Decimal
	MasterEquity  decimal.Decimal
	Reason        string // entry score or exit reason, journal only
}

// Follower is the slice of a follower account the bus needs: its adapter,
// its identity and a live equity read.
type Follower struct {
	AccountID string
	Adapter   broker.Adapter
	Equity    func(ctx context.Context) (decimal.Decimal, error)
}

// Bus fans master fills out to followers. One bus per master account.
type Bus struct {
	cfg    config.CopyTradeConfig
	logger zerolog.Logger

	mu        sync.Mutex
	followers []Follower
	events    chan FillEvent
}

// NewBus creates a bus with a buffered event queue. Publishing never blocks
// the master loop; if the queue is full the event is dropped with an error
// log, which beats stalling live order management.
func NewBus(cfg config.CopyTradeConfig, logger zerolog.Logger) *Bus {
	return &Bus{
		cfg:    cfg,
		logger: logger.With().Str("component", "copytrade").Logger(),
		events: make(chan FillEvent, 256),
	}
}

// Register adds a follower. Safe to call before or after Run.
func (b *Bus) Register(f Follower) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.followers = append(b.followers, f)
	b.logger.Info().Str("follower", f.AccountID).Msg("follower registered")
}

// FollowerCount returns the number of registered followers.
func (b *Bus) FollowerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.followers)
}

// Publish enqueues a master fill for replication.
func (b *Bus) Publish(ev FillEvent) {
	if !b.cfg.Enabled {
		return
	}
	select {
	case b.events <- ev:
	default:
		b.logger.Error().Str("symbol", ev.Symbol).Str("master_order", ev.MasterOrderID).
			Msg("copy queue full, dropping event")
	}
}

// Run consumes events until ctx is done. Followers are replicated
// sequentially per event; one follower's failure never blocks the others.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.fanOut(ctx, ev)
		}
	}
}

func (b *Bus) fanOut(ctx context.Context, ev FillEvent) {
	b.mu.Lock()
	followers := make([]Follower, len(b.followers))
	copy(followers, b.followers)
	b.mu.Unlock()

	for _, f := range followers {
		if err := b.replicate(ctx, f, ev); err != nil {
			b.logger.Error().Err(err).
				Str("follower", f.AccountID).
				Str("symbol", ev.Symbol).
				Str("master_order", ev.MasterOrderID).
				Msg("copy replication failed")
		}
	}
}

// replicate sizes and places one follower's copy of a master fill.
func (b *Bus) replicate(ctx context.Context, f Follower, ev FillEvent) error {
	size, err := b.FollowerSize(ctx, f, ev)
	if err != nil {
		return err
	}
	if size.Sign() <= 0 {
		b.logger.Debug().Str("follower", f.AccountID).Str("symbol", ev.Symbol).
			Msg("copy size rounds to zero, skipping")
		return nil
	}
	if min := f.Adapter.MinNotional(); size.LessThan(min) {
		b.logger.Debug().Str("follower", f.AccountID).Str("symbol", ev.Symbol).
			Str("size", size.String()).Str("min", min.String()).
			Msg("copy size below venue minimum, skipping")
		return nil
	}

	order, err := f.Adapter.PlaceMarket(ctx, broker.MarketOrderReq{
		Symbol:      ev.Symbol,
		Side:        ev.Side,
		NotionalUSD: size,
		ClientID:    broker.CopyClientID(ev.MasterOrderID, f.AccountID),
	})
	if err != nil {
		return fmt.Errorf("place copy order: %w", err)
	}
	b.logger.Info().
		Str("follower", f.AccountID).
		Str("symbol", ev.Symbol).
		Str("side", string(ev.Side)).
		Str("size_usd", size.String()).
		Str("order_id", order.ID).
		Str("master_order", ev.MasterOrderID).
		Msg("copy order placed")
	return nil
}

// FollowerSize computes the follower's order notional for one master fill:
// master notional scaled by the follower/master equity ratio, capped at the
// per-user risk fraction of follower equity.
func (b *Bus) FollowerSize(ctx context.Context, f Follower, ev FillEvent) (decimal.Decimal, error) {
	if ev.MasterEquity.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("master equity not positive at fill")
	}
	followerEq, err := f.Equity(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read follower equity: %w", err)
	}
	if followerEq.Sign() <= 0 {
		return decimal.Zero, nil
	}

	scaled := ev.NotionalUSD.Mul(followerEq).Div(ev.MasterEquity)
	cap := followerEq.Mul(decimal.NewFromFloat(b.cfg.MaxUserRiskPct))
	if scaled.GreaterThan(cap) {
		scaled = cap
	}
	return scaled.RoundDown(2), nil
}
