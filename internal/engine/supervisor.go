package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/api"
	"apex-engine/internal/broker"
	"apex-engine/internal/config"
	"apex-engine/internal/copytrade"
	"apex-engine/internal/journal"
	"apex-engine/internal/market"
	"apex-engine/internal/metrics"
	"apex-engine/internal/safety"
	"apex-engine/internal/store"
	"apex-engine/pkg/types"
)

// follower is a replicated account: no loop of its own, just its adapter on
// the copy bus and a periodic cleanup pass.
type follower struct {
	acct     config.Account
	adapter  broker.Adapter
	enforcer *safety.Enforcer
}

// Supervisor owns every account loop, the copy bus and the shared feed. It
// is the api.EngineProvider and api.Controller implementation.
type Supervisor struct {
	cfg     *config.Config
	machine *safety.Machine
	kill    *safety.KillSwitch
	st      *store.Store
	jr      *journal.Journal
	met     *metrics.Metrics
	logger  zerolog.Logger

	feed      *market.Feed
	bus       *copytrade.Bus
	loops     []*AccountLoop
	followers []follower
	cronRun   *cron.Cron
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor builds all adapters and loops from the configured accounts.
//
// Copy-trade wiring: the first master in broker priority order is the
// scanning master; its fills replicate to every USER account and, unless
// MULTI_BROKER_INDEPENDENT is set, to the other brokers' master accounts as
// well. With the flag set, every master scans independently and only USER
// accounts follow their own broker's master.
func NewSupervisor(cfg *config.Config, machine *safety.Machine, kill *safety.KillSwitch, st *store.Store, jr *journal.Journal, met *metrics.Metrics, logger zerolog.Logger) (*Supervisor, error) {
	accounts, err := cfg.LoadAccounts()
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured: set {BROKER}_MASTER_API_KEY for at least one broker")
	}

	engineState, err := st.LoadEngineState()
	if err != nil {
		return nil, fmt.Errorf("load engine state: %w", err)
	}

	s := &Supervisor{
		cfg:       cfg,
		machine:   machine,
		kill:      kill,
		st:        st,
		jr:        jr,
		met:       met,
		logger:    logger.With().Str("component", "supervisor").Logger(),
		startedAt: time.Now(),
	}
	if cfg.Market.FeedEnabled {
		s.feed = market.NewFeed(cfg.Market.FeedURL, logger)
	}
	if cfg.CopyTrade.Enabled {
		s.bus = copytrade.NewBus(cfg.CopyTrade, logger)
	}

	primaryMaster := ""
	for _, acct := range accounts {
		adapter, err := broker.New(acct, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("build adapter for %s: %w", acct.ID, err)
		}

		scanning, looped := s.placeAccount(acct, &primaryMaster)
		if !looped {
			s.addFollower(acct, adapter)
			continue
		}

		var bus *copytrade.Bus
		if scanning {
			bus = s.bus // only scanning masters publish
		}
		loop := NewAccountLoop(LoopDeps{
			Account:   acct,
			Cfg:       cfg,
			Adapter:   adapter,
			Machine:   machine,
			Kill:      kill,
			Store:     st,
			Journal:   jr,
			Metrics:   met,
			Feed:      s.loopFeed(acct),
			Bus:       bus,
			Logger:    logger,
			TierLatch: engineState.TierLatch[acct.ID],
			Scanning:  scanning,
		})
		s.loops = append(s.loops, loop)
	}
	if len(s.loops) == 0 {
		return nil, fmt.Errorf("no runnable account loops after copy-trade wiring")
	}
	return s, nil
}

// placeAccount decides whether an account runs its own loop and whether that
// loop scans for entries. Returns (scanning, looped).
func (s *Supervisor) placeAccount(acct config.Account, primaryMaster *string) (bool, bool) {
	if s.bus == nil {
		// Copy trading off: every account is independent.
		return true, true
	}
	if acct.Role == types.RoleUser {
		// USER accounts always follow under copy trading.
		return false, false
	}
	if s.cfg.Engine.MultiBrokerIndependent {
		return true, true
	}
	if *primaryMaster == "" {
		*primaryMaster = acct.ID
		return true, true
	}
	// Non-priority master follows the primary.
	return false, false
}

// addFollower registers an account on the copy bus.
func (s *Supervisor) addFollower(acct config.Account, adapter broker.Adapter) {
	quote := s.cfg.Market.QuoteCurrency
	s.bus.Register(copytrade.Follower{
		AccountID: acct.ID,
		Adapter:   adapter,
		Equity: func(ctx context.Context) (decimal.Decimal, error) {
			return followerEquity(ctx, adapter, quote)
		},
	})
	s.followers = append(s.followers, follower{
		acct:     acct,
		adapter:  adapter,
		enforcer: safety.NewEnforcer(s.cfg.Safety, adapter, s.kill, s.logger),
	})
	s.logger.Info().Str("account", acct.ID).Msg("account wired as copy follower")
}

// loopFeed hands the shared ticker feed only to accounts whose venue the
// feed covers (it speaks Coinbase product ids).
func (s *Supervisor) loopFeed(acct config.Account) *market.Feed {
	if s.feed != nil && acct.Broker == types.BrokerCoinbase {
		return s.feed
	}
	return nil
}

// Start launches the feed, the copy bus, every account loop and the cleanup
// cron, then transitions the engine toward its initial mode.
func (s *Supervisor) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.feed != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.feed.Run(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("ticker feed stopped")
			}
		}()
	}
	if s.bus != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.bus.Run(s.ctx)
		}()
	}
	for _, loop := range s.loops {
		loop := loop
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			loop.Run(s.ctx)
		}()
	}

	s.cronRun = cron.New()
	if _, err := s.cronRun.AddFunc(s.cfg.Safety.CleanupSchedule, s.cronCleanup); err != nil {
		return fmt.Errorf("cleanup schedule %q: %w", s.cfg.Safety.CleanupSchedule, err)
	}
	s.cronRun.Start()

	// Cold start is always OFF; move toward the configured mode from there.
	// Live trading never resumes unattended: startup stops at the pending
	// confirmation and an operator Resume performs the final transition.
	if s.cfg.Engine.DryRun {
		if err := s.machine.Transition(types.ModeDryRun); err != nil {
			return err
		}
	} else if s.cfg.Engine.LiveCapitalVerified {
		if err := s.machine.Transition(types.ModeLivePending); err != nil {
			return err
		}
		s.logger.Warn().Msg("live capital verified; POST /api/resume to confirm LIVE_ACTIVE")
	} else {
		s.logger.Warn().Msg("LIVE_CAPITAL_VERIFIED not set and dry run off; engine stays OFF")
	}

	s.logger.Info().
		Int("loops", len(s.loops)).
		Int("followers", len(s.followers)).
		Str("mode", string(s.machine.Mode())).
		Msg("supervisor started")
	return nil
}

// cronCleanup runs the enforcer for follower accounts on the wall-clock
// schedule. Looped accounts handle their own cleanup cadence in-cycle.
func (s *Supervisor) cronCleanup() {
	// Halted engines place no orders, cleanup included.
	if s.kill.Engaged() || s.machine.Mode() == types.ModeEmergencyStop {
		s.logger.Warn().Msg("cleanup cron skipped: trading halted")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Safety.DefaultBudget*time.Duration(len(s.followers)+1))
	defer cancel()
	for _, f := range s.followers {
		res := f.enforcer.Run(ctx, s.cfg.Safety.DefaultBudget)
		if res.Violation {
			s.met.SafetyViolations.Inc()
		}
	}
}

// Stop shuts everything down and persists final state.
func (s *Supervisor) Stop() {
	s.logger.Info().Msg("shutting down")
	if s.cronRun != nil {
		<-s.cronRun.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
	if s.feed != nil {
		s.feed.Close()
	}

	latch := make(map[string]int, len(s.loops))
	for _, loop := range s.loops {
		latch[loop.AccountID()] = loop.TierIndex()
	}
	if err := s.st.SaveEngineState(store.EngineState{
		Mode:      s.machine.Mode(),
		TierLatch: latch,
	}); err != nil {
		s.logger.Error().Err(err).Msg("persist engine state failed")
	}
	s.logger.Info().Msg("shutdown complete")
}

// ————————————————————————————————————————————————————————————————————————
// api.EngineProvider / api.Controller
// ————————————————————————————————————————————————————————————————————————

// State implements api.EngineProvider.
func (s *Supervisor) State() api.StateView {
	return api.StateView{
		Mode:       s.machine.Mode(),
		KillSwitch: s.kill.Engaged(),
		DryRun:     s.cfg.Engine.DryRun,
		StartedAt:  s.startedAt,
		Accounts:   len(s.loops) + len(s.followers),
	}
}

// Accounts implements api.EngineProvider.
func (s *Supervisor) Accounts() []api.AccountView {
	out := make([]api.AccountView, 0, len(s.loops)+len(s.followers))
	for _, loop := range s.loops {
		out = append(out, loop.View())
	}
	for _, f := range s.followers {
		out = append(out, api.AccountView{
			AccountID: f.acct.ID,
			Broker:    string(f.acct.Broker),
			Role:      string(f.acct.Role),
			State:     "FOLLOWING",
		})
	}
	return out
}

// Kill implements api.Controller.
func (s *Supervisor) Kill(reason string) error {
	s.kill.Trip(reason)
	s.met.KillSwitchTrips.Inc()
	s.machine.EmergencyStop(reason)
	return nil
}

// Pause implements api.Controller.
func (s *Supervisor) Pause() error {
	return s.machine.Transition(types.ModeOff)
}

// Resume implements api.Controller. Resuming from a tripped kill switch is
// refused; the sentinel file has to be cleared by hand first.
func (s *Supervisor) Resume() error {
	if s.kill.Engaged() {
		return fmt.Errorf("kill switch engaged; remove the sentinel file to recover")
	}
	if s.cfg.Engine.DryRun {
		return s.machine.Transition(types.ModeDryRun)
	}
	if err := s.machine.Transition(types.ModeLivePending); err != nil {
		return err
	}
	return s.machine.Transition(types.ModeLiveActive)
}

// followerEquity is cash plus holdings for a follower adapter.
func followerEquity(ctx context.Context, adapter broker.Adapter, quote string) (decimal.Decimal, error) {
	bal, err := adapter.GetBalance(ctx, quote)
	if err != nil {
		return decimal.Zero, err
	}
	equity := bal.Total
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, p := range positions {
		equity = equity.Add(p.ValueUSD)
	}
	return equity, nil
}
