// Package engine is the central orchestrator of the trading system.
//
// The Supervisor (supervisor.go) builds one AccountLoop per configured
// account; each loop runs an isolated scan/manage cycle against its own
// broker adapter, position tracker and risk gate. Master loops publish fills
// to the copy-trade bus; follower accounts under replication get no loop of
// their own, only cleanup enforcement.
//
// Lifecycle: NewSupervisor() -> Start() -> [runs until SIGINT] -> Stop()
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/api"
	"apex-engine/internal/broker"
	"apex-engine/internal/config"
	"apex-engine/internal/copytrade"
	"apex-engine/internal/exit"
	"apex-engine/internal/journal"
	"apex-engine/internal/market"
	"apex-engine/internal/metrics"
	"apex-engine/internal/position"
	"apex-engine/internal/risk"
	"apex-engine/internal/safety"
	"apex-engine/internal/store"
	"apex-engine/internal/strategy"
	"apex-engine/pkg/types"
)

// LoopState is the per-account loop state, exposed on the API.
type LoopState string

const (
	StateIdle       LoopState = "IDLE"
	StateConnecting LoopState = "CONNECTING"
	StateReady      LoopState = "READY"
	StateScanning   LoopState = "SCANNING"
	StateManaging   LoopState = "MANAGING"
	StateSleeping   LoopState = "SLEEPING"
	StateDegraded   LoopState = "DEGRADED"
	StateHalted     LoopState = "HALTED"
)

// Analysis timeframes: base plus the 5x and 15x frames for concordance.
const (
	baseTF = types.TF1m
	midTF  = types.TF5m
	longTF = types.TF15m
)

// connectRetryWait paces reconnection attempts while CONNECTING or DEGRADED.
const connectRetryWait = 30 * time.Second

// LoopDeps carries everything an account loop needs. The supervisor builds
// one per account.
type LoopDeps struct {
	Account  config.Account
	Cfg      *config.Config
	Adapter  broker.Adapter
	Machine  *safety.Machine
	Kill     *safety.KillSwitch
	Store    *store.Store
	Journal  *journal.Journal
	Metrics  *metrics.Metrics
	Feed     *market.Feed   // optional live ticker feed
	Bus      *copytrade.Bus // non-nil when this loop publishes fills
	Logger   zerolog.Logger
	// TierLatch is the persisted capital-tier index to restore.
	TierLatch int
	// Scanning enables signal generation and entries. The supervisor turns
	// it off for loops that only manage what the copy bus hands them.
	Scanning bool
}

// AccountLoop runs one account's full trade cycle. All fields after
// construction are owned by the loop goroutine except state, equity and the
// tracker snapshot, which the API reads under mu.
type AccountLoop struct {
	acct     config.Account
	cfg      *config.Config
	adapter  broker.Adapter
	machine  *safety.Machine
	kill     *safety.KillSwitch
	st       *store.Store
	jr       *journal.Journal
	met      *metrics.Metrics
	feed     *market.Feed
	bus      *copytrade.Bus
	tracker  *position.Tracker
	riskEng  *risk.Engine
	exitEng  *exit.Engine
	universe *market.Universe
	enforcer *safety.Enforcer
	logger   zerolog.Logger

	atrPct   map[string]float64 // per-symbol ATR fraction, refreshed on fetch
	scanning bool

	cycles             int
	tradesSinceCleanup int

	mu        sync.Mutex
	state     LoopState
	equity    decimal.Decimal
	tierName  string
	positions []api.PositionView
}

// NewAccountLoop wires one loop from its dependencies.
func NewAccountLoop(d LoopDeps) *AccountLoop {
	logger := d.Logger.With().Str("account", d.Account.ID).Logger()
	riskEng := risk.New(d.Cfg.Risk)
	riskEng.SetTier(d.TierLatch)

	return &AccountLoop{
		acct:    d.Account,
		cfg:     d.Cfg,
		adapter: d.Adapter,
		machine: d.Machine,
		kill:    d.Kill,
		st:      d.Store,
		jr:      d.Journal,
		met:     d.Metrics,
		feed:    d.Feed,
		bus:     d.Bus,
		tracker: position.NewTracker(d.Account.ID, d.Adapter.Fees().TakerPct),
		riskEng: riskEng,
		exitEng: exit.New(d.Cfg.Exit, d.Adapter.Kind()),
		universe: market.NewUniverse(
			d.Adapter, d.Cfg.Market.BatchSize, d.Cfg.Market.RefreshInterval,
			d.Cfg.Market.ExcludeSymbols, logger),
		enforcer: safety.NewEnforcer(d.Cfg.Safety, d.Adapter, d.Kill, logger),
		logger:   logger.With().Str("component", "loop").Logger(),
		atrPct:   make(map[string]float64),
		scanning: d.Scanning,
		state:    StateIdle,
	}
}

// AccountID returns the loop's account id.
func (l *AccountLoop) AccountID() string { return l.acct.ID }

// TierIndex exposes the latched capital tier for persistence.
func (l *AccountLoop) TierIndex() int { return l.riskEng.TierIndex() }

// Run drives the loop until ctx is done.
func (l *AccountLoop) Run(ctx context.Context) {
	if err := l.connect(ctx); err != nil {
		return // ctx cancelled or loop halted during connect
	}
	l.restore()

	// Startup cleanup gets the generous budget: a crashed previous run may
	// have left the venue over the cap.
	res := l.enforcer.Run(ctx, l.cfg.Safety.StartupBudget)
	if res.Violation {
		l.met.SafetyViolations.Inc()
	}
	l.setState(StateReady)

	for {
		started := time.Now()
		l.tick(ctx)
		l.met.CycleDuration.WithLabelValues(l.acct.ID).Observe(time.Since(started).Seconds())

		if l.getState() == StateHalted {
			l.logger.Error().Msg("loop halted, no further cycles")
			return
		}
		l.setState(StateSleeping)
		select {
		case <-ctx.Done():
			l.persist()
			return
		case <-time.After(l.cfg.Engine.CycleInterval):
		}
	}
}

// connect verifies credentials, retrying transient failures indefinitely.
func (l *AccountLoop) connect(ctx context.Context) error {
	l.setState(StateConnecting)
	for {
		id, err := l.adapter.Connect(ctx)
		if err == nil {
			l.logger.Info().Str("venue_account", id.AccountID).Msg("connected")
			return nil
		}
		if broker.ClassOf(err) == broker.Fatal {
			l.logger.Error().Err(err).Msg("credentials rejected, halting loop")
			l.setState(StateHalted)
			return err
		}
		l.logger.Warn().Err(err).Dur("retry_in", connectRetryWait).Msg("connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(connectRetryWait):
		}
	}
}

// restore loads the persisted tracker snapshot.
func (l *AccountLoop) restore() {
	snapshot, err := l.st.LoadPositions(l.acct.ID)
	if err != nil {
		l.logger.Error().Err(err).Msg("load positions failed, starting from venue state")
		return
	}
	if snapshot != nil {
		l.tracker.Restore(snapshot)
		l.logger.Info().Int("positions", l.tracker.Count()).Msg("positions restored")
	}
}

// tick runs one full cycle: safety checks, reconcile, exits, scan, cleanup.
func (l *AccountLoop) tick(ctx context.Context) {
	if l.kill.Engaged() {
		l.machine.EmergencyStop("kill switch engaged")
	}

	mode := l.machine.Mode()
	// Entries need an ordering mode: LIVE_ACTIVE against the venue, or
	// DRY_RUN against the paper adapter. Exits and safety cleanup run in
	// every mode short of EMERGENCY_STOP, so a restored book keeps its stops
	// while the engine waits for live confirmation (managing-only).
	entriesAllowed := mode.Trading() || (mode == types.ModeDryRun && l.cfg.Engine.DryRun)
	managing := mode != types.ModeEmergencyStop

	equity, err := l.totalEquity(ctx)
	if err != nil {
		if l.fail(err, "") {
			return
		}
		l.setState(StateDegraded)
		return
	}
	l.mu.Lock()
	l.equity = equity
	l.mu.Unlock()
	eq, _ := equity.Float64()
	l.met.EquityUSD.WithLabelValues(l.acct.ID).Set(eq)

	l.setState(StateManaging)
	l.reconcile(ctx)
	if managing {
		l.manageExits(ctx, equity)
	}

	if entriesAllowed && l.scanning {
		l.setState(StateScanning)
		l.scan(ctx, equity)
	}

	if managing {
		l.maybeCleanup(ctx)
	}
	l.persist()
	l.refreshView()
	l.met.OpenPositions.WithLabelValues(l.acct.ID).Set(float64(l.tracker.Count()))
	l.cycles++
}

// refreshView rebuilds the API snapshot from tracker state. Runs on the loop
// goroutine; readers take the copy under mu.
func (l *AccountLoop) refreshView() {
	views := make([]api.PositionView, 0, l.tracker.Count())
	for _, p := range l.tracker.All() {
		v := api.PositionView{
			Symbol:     p.Symbol,
			Qty:        p.Qty.String(),
			EntryPrice: p.EntryPrice.String(),
			OpenedAt:   p.OpenedAt,
			Adopted:    p.Adopted,
			TiersTaken: p.TiersTaken,
		}
		if l.feed != nil {
			if price, ok := l.feed.Price(p.Symbol); ok {
				if pnl, err := l.tracker.MarkPnL(p.Symbol, price); err == nil {
					v.PnLPct = pnl.Pct
					v.PnLUSD = pnl.USD.StringFixed(2)
				}
			}
		}
		views = append(views, v)
	}
	tier := l.riskEng.Tier(l.equity)
	l.mu.Lock()
	l.positions = views
	l.tierName = tier.Name
	l.mu.Unlock()
}

// View returns the account's API snapshot.
func (l *AccountLoop) View() api.AccountView {
	l.mu.Lock()
	defer l.mu.Unlock()
	return api.AccountView{
		AccountID: l.acct.ID,
		Broker:    string(l.acct.Broker),
		Role:      string(l.acct.Role),
		State:     string(l.state),
		EquityUSD: l.equity.StringFixed(2),
		Tier:      l.tierName,
		Positions: append([]api.PositionView(nil), l.positions...),
	}
}

// totalEquity is quote cash plus the marked value of all holdings.
func (l *AccountLoop) totalEquity(ctx context.Context) (decimal.Decimal, error) {
	bal, err := l.adapter.GetBalance(ctx, l.cfg.Market.QuoteCurrency)
	if err != nil {
		return decimal.Zero, err
	}
	equity := bal.Total
	positions, err := l.adapter.GetPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		equity = equity.Add(p.ValueUSD)
	}
	return equity, nil
}

// reconcile syncs the tracker against live venue holdings, adopting unknown
// positions with a pessimistic seeded entry.
func (l *AccountLoop) reconcile(ctx context.Context) {
	raw, err := l.adapter.GetPositions(ctx)
	if err != nil {
		l.fail(err, "")
		return
	}
	prices := make(map[string]decimal.Decimal, len(raw))
	for _, r := range raw {
		if r.Entry.Sign() > 0 {
			continue
		}
		price, err := l.price(ctx, r.Symbol)
		if err != nil {
			l.logger.Debug().Err(err).Str("symbol", r.Symbol).Msg("no price for adoption")
			continue
		}
		prices[r.Symbol] = price
	}
	adopted := l.tracker.AdoptExisting(raw, prices)
	for _, symbol := range adopted {
		l.logger.Info().Str("symbol", symbol).Msg("adopted venue position")
	}
	if l.feed != nil && len(adopted) > 0 {
		_ = l.feed.Subscribe(adopted)
	}
}

// manageExits evaluates every tracked position against the exit rules and
// executes the resulting intents, then applies forced draining if the
// position count is over the tier cap.
func (l *AccountLoop) manageExits(ctx context.Context, equity decimal.Decimal) {
	prices := make(map[string]decimal.Decimal)
	pnls := make(map[string]float64)
	now := time.Now()

	for _, p := range l.tracker.All() {
		price, err := l.price(ctx, p.Symbol)
		if err != nil {
			l.fail(err, p.Symbol)
			continue
		}
		pnl, err := l.tracker.MarkPnL(p.Symbol, price)
		if err != nil {
			// Out-of-range PnL means corrupted bookkeeping. Stop trading
			// before anything acts on it.
			l.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("pnl sanity check failed")
			l.machine.EmergencyStop("pnl out of sane range: " + p.Symbol)
			l.kill.Trip("pnl corruption on " + l.acct.ID)
			l.met.KillSwitchTrips.Inc()
			return
		}
		prices[p.Symbol] = price
		pnls[p.Symbol] = pnl.Pct

		intent := l.exitEng.Evaluate(exit.Input{
			Position: p,
			Price:    price,
			PnLPct:   pnl.Pct,
			ATRPct:   l.symbolATR(ctx, p.Symbol),
			Now:      now,
		})
		if intent == nil {
			continue
		}
		if intent.Warning {
			l.logger.Warn().Str("symbol", p.Symbol).Float64("pnl_pct", pnl.Pct).
				Dur("age", p.Age(now)).Msg("losing position approaching time exit")
			continue
		}
		l.executeExit(ctx, *intent, price)
	}

	maxOpen := l.riskEng.MaxPositions(equity)
	for _, intent := range exit.ForcedDrain(
		l.tracker.All(), prices, pnls,
		l.tracker.Count(), maxOpen, l.cfg.Safety.MaxClosesPerRun, now) {
		price, ok := prices[intent.Symbol]
		if !ok {
			continue
		}
		l.executeExit(ctx, intent, price)
	}
}

// executeExit places the sell for one intent and settles the books.
func (l *AccountLoop) executeExit(ctx context.Context, intent exit.Intent, price decimal.Decimal) {
	p := l.tracker.Get(intent.Symbol)
	if p == nil {
		return
	}
	qty := p.Qty.Mul(decimal.NewFromFloat(intent.Fraction))

	order, err := l.adapter.PlaceMarket(ctx, broker.MarketOrderReq{
		Symbol:   intent.Symbol,
		Side:     types.SELL,
		Qty:      qty,
		ClientID: broker.NewClientID(),
	})
	if err != nil {
		l.tracker.MarkSellFailed(intent.Symbol, l.cfg.Exit.UnsellableCool)
		l.met.OrdersRejected.WithLabelValues(l.acct.ID, string(broker.CodeOf(err))).Inc()
		l.fail(err, intent.Symbol)
		return
	}
	l.tracker.MarkSellOK(intent.Symbol)

	fillPrice := order.AvgPrice
	if fillPrice.Sign() <= 0 {
		fillPrice = price
	}
	pnl, err := l.tracker.RecordExit(intent.Symbol, fillPrice, intent.Fraction)
	if err != nil {
		l.logger.Error().Err(err).Str("symbol", intent.Symbol).Msg("record exit failed")
		return
	}
	if intent.Reason == types.ExitTieredProfit {
		if pos := l.tracker.Get(intent.Symbol); pos != nil {
			pos.TiersTaken = intent.TierIndex + 1
		}
	}

	pnlUSD, _ := pnl.USD.Float64()
	l.met.OrdersPlaced.WithLabelValues(l.acct.ID, "SELL").Inc()
	l.met.Exits.WithLabelValues(l.acct.ID, string(intent.Reason)).Inc()
	l.met.RecordRealized(l.acct.ID, pnlUSD)
	l.logger.Info().
		Str("symbol", intent.Symbol).
		Str("reason", string(intent.Reason)).
		Int("rule", intent.Rule).
		Float64("fraction", intent.Fraction).
		Float64("pnl_pct", pnl.Pct).
		Float64("pnl_usd", pnlUSD).
		Msg("position exit")

	l.journalTrade(order, pnl, intent.Reason)
	if l.bus != nil {
		l.mu.Lock()
		eq := l.equity
		l.mu.Unlock()
		l.bus.Publish(copytrade.FillEvent{
			MasterOrderID: order.ID,
			Symbol:        order.Symbol,
			Side:          types.SELL,
			NotionalUSD:   order.Notional,
			Price:         fillPrice,
			MasterEquity:  eq,
			Reason:        string(intent.Reason),
		})
	}
}

// scan analyzes the next universe batch and enters approved signals.
func (l *AccountLoop) scan(ctx context.Context, equity decimal.Decimal) {
	batch, err := l.universe.NextBatch(ctx)
	if err != nil {
		l.fail(err, "")
		return
	}
	if l.feed != nil && len(batch) > 0 {
		_ = l.feed.Subscribe(batch)
	}

	for _, symbol := range batch {
		if ctx.Err() != nil {
			return
		}
		if l.tracker.Get(symbol) != nil {
			continue // already holding
		}
		sig := l.analyze(ctx, symbol)
		if sig == nil {
			continue
		}
		decision := l.riskEng.Evaluate(sig, equity, l.tracker.Count(),
			l.adapter.Fees().TakerPct, l.adapter.MinNotional())
		if !decision.Approved {
			l.met.OrdersRejected.WithLabelValues(l.acct.ID, string(decision.Reject)).Inc()
			l.logger.Debug().Str("symbol", symbol).Str("reject", string(decision.Reject)).
				Str("reason", decision.Reason).Msg("entry rejected")
			continue
		}
		l.enter(ctx, sig, decision.SizeUSD)
	}
}

// analyze fetches the three timeframes and scores one symbol.
func (l *AccountLoop) analyze(ctx context.Context, symbol string) *types.Signal {
	limit := l.cfg.Engine.CandleLimit
	base, err := l.adapter.GetCandles(ctx, symbol, baseTF, limit)
	if err != nil {
		l.fail(err, symbol)
		return nil
	}
	mid, err := l.adapter.GetCandles(ctx, symbol, midTF, limit)
	if err != nil {
		l.fail(err, symbol)
		return nil
	}
	long, err := l.adapter.GetCandles(ctx, symbol, longTF, limit)
	if err != nil {
		l.fail(err, symbol)
		return nil
	}
	l.atrPct[symbol] = strategy.ATRPct(base)

	return strategy.Analyze(strategy.Series{Symbol: symbol, Base: base, Mid: mid, Long: long},
		strategy.Config{
			MinScore:     l.cfg.Strategy.MinScore,
			StrongScore:  l.cfg.Strategy.StrongScore,
			MTFAgreement: l.cfg.Strategy.MTFAgreement,
			BandMin:      l.cfg.Strategy.BandMin,
			BandMax:      l.cfg.Strategy.BandMax,
		})
}

// enter places the buy for one approved signal.
func (l *AccountLoop) enter(ctx context.Context, sig *types.Signal, sizeUSD decimal.Decimal) {
	order, err := l.adapter.PlaceMarket(ctx, broker.MarketOrderReq{
		Symbol:      sig.Symbol,
		Side:        types.BUY,
		NotionalUSD: sizeUSD,
		ClientID:    broker.NewClientID(),
	})
	if err != nil {
		l.met.OrdersRejected.WithLabelValues(l.acct.ID, string(broker.CodeOf(err))).Inc()
		l.fail(err, sig.Symbol)
		return
	}

	fillPrice := order.AvgPrice
	if fillPrice.Sign() <= 0 {
		if fillPrice, err = l.price(ctx, sig.Symbol); err != nil {
			l.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("no fill price for entry")
			return
		}
	}
	qty := order.FilledQty
	if qty.Sign() <= 0 {
		qty = sizeUSD.Div(fillPrice)
	}
	if err := l.tracker.TrackEntry(sig.Symbol, fillPrice, qty); err != nil {
		l.logger.Error().Err(err).Str("symbol", sig.Symbol).Msg("track entry failed")
		return
	}

	l.tradesSinceCleanup++
	l.met.OrdersPlaced.WithLabelValues(l.acct.ID, "BUY").Inc()
	l.logger.Info().
		Str("symbol", sig.Symbol).
		Float64("score", sig.Score).
		Float64("confidence", sig.Confidence).
		Str("size_usd", sizeUSD.String()).
		Str("regime", string(sig.Regime)).
		Msg("position entered")

	l.journalTrade(order, position.PnL{}, "")
	if l.bus != nil {
		l.mu.Lock()
		eq := l.equity
		l.mu.Unlock()
		l.bus.Publish(copytrade.FillEvent{
			MasterOrderID: order.ID,
			Symbol:        order.Symbol,
			Side:          types.BUY,
			NotionalUSD:   order.Notional,
			Price:         fillPrice,
			MasterEquity:  eq,
			Reason:        sig.Reason,
		})
	}
	if l.feed != nil {
		_ = l.feed.Subscribe([]string{sig.Symbol})
	}
}

// maybeCleanup runs the enforcer on its cycle or trade-count cadence.
func (l *AccountLoop) maybeCleanup(ctx context.Context) {
	every := l.cfg.Safety.CleanupEveryCycles
	afterTrades := l.cfg.Safety.CleanupAfterTrades
	due := (every > 0 && l.cycles > 0 && l.cycles%every == 0) ||
		(afterTrades > 0 && l.tradesSinceCleanup >= afterTrades)
	if !due {
		return
	}
	res := l.enforcer.Run(ctx, l.cfg.Safety.MidCycleBudget)
	if res.Violation {
		l.met.SafetyViolations.Inc()
	}
	l.tradesSinceCleanup = 0
}

// persist snapshots positions to disk.
func (l *AccountLoop) persist() {
	if err := l.st.SavePositions(l.acct.ID, l.tracker.Snapshot()); err != nil {
		l.logger.Error().Err(err).Msg("persist positions failed")
	}
}

// price prefers the live feed tick and falls back to a REST quote.
func (l *AccountLoop) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if l.feed != nil {
		if p, ok := l.feed.Price(symbol); ok {
			return p, nil
		}
	}
	return l.adapter.GetCurrentPrice(ctx, symbol)
}

// symbolATR returns the cached ATR fraction, fetching candles on a miss.
func (l *AccountLoop) symbolATR(ctx context.Context, symbol string) float64 {
	if atr, ok := l.atrPct[symbol]; ok && atr > 0 {
		return atr
	}
	candles, err := l.adapter.GetCandles(ctx, symbol, baseTF, l.cfg.Engine.CandleLimit)
	if err != nil {
		return 0
	}
	atr := strategy.ATRPct(candles)
	l.atrPct[symbol] = atr
	return atr
}

// fail classifies an operation error and reacts per class. Returns true when
// the loop must stop processing this cycle.
func (l *AccountLoop) fail(err error, symbol string) bool {
	ev := l.logger.Warn().Err(err)
	if symbol != "" {
		ev = ev.Str("symbol", symbol)
	}
	switch broker.ClassOf(err) {
	case broker.Logic:
		ev.Msg("logic error, emergency stop")
		l.machine.EmergencyStop(err.Error())
		l.kill.Trip("logic error on " + l.acct.ID)
		l.met.KillSwitchTrips.Inc()
		return true
	case broker.Fatal:
		ev.Msg("fatal error, halting loop")
		l.setState(StateHalted)
		return true
	case broker.Business:
		ev.Msg("business rejection, skipping")
		return false
	default:
		ev.Msg("transient error")
		return false
	}
}

func (l *AccountLoop) setState(s LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *AccountLoop) getState() LoopState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// journalTrade writes one executed order to both journals. Reason is empty
// for entries.
func (l *AccountLoop) journalTrade(order *types.Order, pnl position.PnL, reason types.ExitReason) {
	notional, _ := order.Notional.Float64()
	fee, _ := order.Fee.Float64()
	pnlUSD, _ := pnl.USD.Float64()

	if l.jr != nil {
		rec := &journal.TradeRecord{
			AccountID:   l.acct.ID,
			Broker:      string(l.acct.Broker),
			Symbol:      order.Symbol,
			Side:        string(order.Side),
			OrderID:     order.ID,
			ClientID:    order.ClientID,
			Qty:         order.FilledQty.String(),
			Price:       order.AvgPrice.String(),
			NotionalUSD: notional,
			FeeUSD:      fee,
			PnLUSD:      pnlUSD,
			PnLPct:      pnl.Pct,
			ExitReason:  string(reason),
		}
		if err := l.jr.LogTrade(rec); err != nil {
			l.logger.Error().Err(err).Msg("journal write failed")
		}
	}
	if err := l.st.AppendJournal(store.JournalLine{
		AccountID: l.acct.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       order.FilledQty.String(),
		Price:     order.AvgPrice.String(),
		PnLUSD:    pnl.USD.String(),
		Reason:    reason,
	}); err != nil {
		l.logger.Error().Err(err).Msg("journal line append failed")
	}
}
