// paper.go implements an in-memory Adapter used for dry runs and accounts
// marked _PAPER=true. Prices come from a delegate adapter (or a fixed quote
// source in tests); fills are simulated with a small slippage so PnL math in
// dry runs resembles live behavior.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/pkg/types"
)

// PriceSource supplies market data for the paper broker. A live adapter
// satisfies it, so paper accounts see real prices.
type PriceSource interface {
	GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetProducts(ctx context.Context) ([]string, error)
}

// Paper is the simulated adapter for one account.
type Paper struct {
	accountID string
	source    PriceSource
	logger    zerolog.Logger

	slippagePct decimal.Decimal
	fees        FeeSchedule

	mu       sync.Mutex
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal // symbol -> qty
	orders   map[string]*types.Order    // client id -> order
	seq      int
}

// NewPaper creates a paper account with the given starting cash.
func NewPaper(accountID string, startingCash decimal.Decimal, source PriceSource, logger zerolog.Logger) *Paper {
	return &Paper{
		accountID:   accountID,
		source:      source,
		logger:      logger.With().Str("component", "paper").Str("account", accountID).Logger(),
		slippagePct: decimal.NewFromFloat(0.0005), // 5 bps
		fees:        FeeSchedule{TakerPct: 0.0036, MakerPct: 0.0016},
		cash:        startingCash,
		holdings:    make(map[string]decimal.Decimal),
		orders:      make(map[string]*types.Order),
	}
}

func (p *Paper) Name() string                 { return p.accountID }
func (p *Paper) Kind() types.BrokerKind       { return types.BrokerPaper }
func (p *Paper) Fees() FeeSchedule            { return p.fees }
func (p *Paper) MinNotional() decimal.Decimal { return decimal.NewFromInt(1) }

func (p *Paper) Connect(ctx context.Context) (Identity, error) {
	return Identity{AccountID: p.accountID, Label: "paper"}, nil
}

func (p *Paper) GetBalance(ctx context.Context, quote string) (types.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.cash
	for symbol, qty := range p.holdings {
		price, err := p.source.GetCurrentPrice(ctx, symbol)
		if err != nil {
			continue
		}
		total = total.Add(qty.Mul(price))
	}
	return types.Balance{Currency: quote, Available: p.cash, Total: total}, nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]types.RawPosition, error) {
	p.mu.Lock()
	holdings := make(map[string]decimal.Decimal, len(p.holdings))
	for s, q := range p.holdings {
		holdings[s] = q
	}
	p.mu.Unlock()

	var out []types.RawPosition
	for symbol, qty := range holdings {
		price, err := p.source.GetCurrentPrice(ctx, symbol)
		if err != nil {
			continue
		}
		value := qty.Mul(price)
		if value.LessThanOrEqual(decimal.NewFromFloat(dustThresholdUSD)) {
			continue
		}
		out = append(out, types.RawPosition{
			Symbol: symbol, Side: types.LONG, Qty: qty, ValueUSD: value,
		})
	}
	return out, nil
}

func (p *Paper) GetCandles(ctx context.Context, symbol string, tf types.Timeframe, n int) ([]types.Candle, error) {
	return p.source.GetCandles(ctx, symbol, tf, n)
}

func (p *Paper) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.source.GetCurrentPrice(ctx, symbol)
}

func (p *Paper) GetProducts(ctx context.Context) ([]string, error) {
	return p.source.GetProducts(ctx)
}

func (p *Paper) PlaceMarket(ctx context.Context, req MarketOrderReq) (*types.Order, error) {
	p.mu.Lock()
	if prev, ok := p.orders[req.ClientID]; ok {
		p.mu.Unlock()
		return prev, nil
	}
	p.mu.Unlock()

	price, err := p.source.GetCurrentPrice(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	// Takers cross the spread: buys fill above last, sells below.
	fill := price.Mul(decimal.NewFromInt(1).Add(p.slippagePct))
	if req.Side == types.SELL {
		fill = price.Mul(decimal.NewFromInt(1).Sub(p.slippagePct))
	}

	qty := req.Qty
	if qty.IsZero() {
		qty = req.NotionalUSD.Div(fill).RoundDown(8)
	}
	notional := qty.Mul(fill)
	fee := notional.Mul(decimal.NewFromFloat(p.fees.TakerPct))

	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Side == types.BUY {
		cost := notional.Add(fee)
		if cost.GreaterThan(p.cash) {
			return nil, NewError("paper", CodeInsufficientFunds, Business, req.Symbol,
				fmt.Errorf("cost %s exceeds cash %s", cost, p.cash))
		}
		p.cash = p.cash.Sub(cost)
		p.holdings[req.Symbol] = p.holdings[req.Symbol].Add(qty)
	} else {
		held := p.holdings[req.Symbol]
		if qty.GreaterThan(held) {
			return nil, NewError("paper", CodeInsufficientFunds, Business, req.Symbol,
				fmt.Errorf("sell %s exceeds held %s", qty, held))
		}
		remaining := held.Sub(qty)
		if remaining.IsZero() {
			delete(p.holdings, req.Symbol)
		} else {
			p.holdings[req.Symbol] = remaining
		}
		p.cash = p.cash.Add(notional.Sub(fee))
	}

	p.seq++
	order := &types.Order{
		ID:       fmt.Sprintf("paper-%s-%d", p.accountID, p.seq),
		ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side,
		Qty: qty, FilledQty: qty, AvgPrice: fill, Notional: notional,
		Fee: fee, State: types.OrderFilled, CreatedAt: time.Now(),
	}
	p.orders[req.ClientID] = order
	return order, nil
}

func (p *Paper) Cancel(ctx context.Context, orderRef string) error {
	// Market orders fill instantly; nothing is ever resting.
	return nil
}
