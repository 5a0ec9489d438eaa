// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// APEX_* environment overrides; broker credentials are loaded separately
// from per-account environment variables (see accounts.go).
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

func envInt(key string) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0
	}
	return n
}

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Market    MarketConfig    `mapstructure:"market"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Safety    SafetyConfig    `mapstructure:"safety"`
	CopyTrade CopyTradeConfig `mapstructure:"copytrade"`
	Store     StoreConfig     `mapstructure:"store"`
	Journal   JournalConfig   `mapstructure:"journal"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Accounts  AccountsConfig  `mapstructure:"accounts"`
}

// EngineConfig sets the cadence of the per-account loops and the global
// go-live switches, which are read from the environment only.
type EngineConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	CandleLimit   int           `mapstructure:"candle_limit"`
	DryRun        bool          `mapstructure:"dry_run"`

	// LiveCapitalVerified must be set for any transition toward live
	// trading; without it the engine stays in OFF or DRY_RUN.
	LiveCapitalVerified bool `mapstructure:"-"`
	// AllowConsumerUSD permits trading from consumer USD wallets on venues
	// that distinguish them from trading balances.
	AllowConsumerUSD bool `mapstructure:"-"`
	// MultiBrokerIndependent runs each broker master independently instead
	// of treating non-priority masters as followers.
	MultiBrokerIndependent bool `mapstructure:"-"`
}

// MarketConfig controls product discovery and the ticker feed.
//
//   - BatchSize: how many symbols each scan cycle analyzes before the
//     rotation cursor advances.
//   - QuoteCurrency: only products quoted in this currency are tradeable.
//   - RefreshInterval: how often the product universe is re-fetched.
type MarketConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	QuoteCurrency   string        `mapstructure:"quote_currency"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FeedEnabled     bool          `mapstructure:"feed_enabled"`
	FeedURL         string        `mapstructure:"feed_url"`
	ExcludeSymbols  []string      `mapstructure:"exclude_symbols"`
}

// StrategyConfig tunes signal generation. Thresholds are score points
// (0..100) except MTFAgreement which is a fraction.
type StrategyConfig struct {
	MinScore     float64 `mapstructure:"min_score"`
	StrongScore  float64 `mapstructure:"strong_score"`
	MTFAgreement float64 `mapstructure:"mtf_agreement"`
	BandMin      float64 `mapstructure:"band_min"`
	BandMax      float64 `mapstructure:"band_max"`
}

// TierConfig is one capital tier. Tiers only ever move up: once equity
// crosses MinEquity the tier is latched and persisted.
type TierConfig struct {
	Name           string  `mapstructure:"name"`
	MinEquity      float64 `mapstructure:"min_equity"`
	MaxPositions   int     `mapstructure:"max_positions"`
	BaseRiskPct    float64 `mapstructure:"base_risk_pct"`
	MaxPositionUSD float64 `mapstructure:"max_position_usd"`
}

// RiskConfig sets the pre-trade gate. All *Pct fields are fractional
// (0.04 = 4%).
type RiskConfig struct {
	MaxPositionPct  float64      `mapstructure:"max_position_pct"`
	MinViableEquity float64      `mapstructure:"min_viable_equity"`
	MinExpectancy   float64      `mapstructure:"min_expectancy"`
	WinRateEstimate float64      `mapstructure:"win_rate_estimate"`
	Tiers           []TierConfig `mapstructure:"tiers"`
}

// TierStep is one rung of a tiered profit-taking ladder: when unrealized PnL
// reaches AtPct, sell Fraction of the remaining position.
type TierStep struct {
	AtPct    float64 `mapstructure:"at_pct"`
	Fraction float64 `mapstructure:"fraction"`
}

// ExitConfig tunes the exit rule engine. All *Pct fields are fractional and
// loss thresholds are negative (StopLossPct = -0.015 means stop at -1.5%).
// ProfitTiers is keyed by broker kind; brokers without an entry use the
// "default" ladder. Higher-fee venues get wider rungs so each rung clears
// round-trip costs.
type ExitConfig struct {
	StopLossPct     float64               `mapstructure:"stop_loss_pct"`
	MinLossFloorPct float64               `mapstructure:"min_loss_floor_pct"`
	CatastrophicPct float64               `mapstructure:"catastrophic_pct"`
	MinViableUSD    float64               `mapstructure:"min_viable_usd"`
	LosingTimeLimit time.Duration         `mapstructure:"losing_time_limit"`
	ProfitMaxHold   time.Duration         `mapstructure:"profit_max_hold"`
	EmergencyHold   time.Duration         `mapstructure:"emergency_hold"`
	TrailATRMult    float64               `mapstructure:"trail_atr_mult"`
	UnsellableCool  time.Duration         `mapstructure:"unsellable_cooldown"`
	ProfitTiers     map[string][]TierStep `mapstructure:"profit_tiers"`
}

// SafetyConfig sets the hard position cap and the forced-cleanup job.
// CleanupEveryCycles and CleanupAfterTrades can be overridden with the
// FORCED_CLEANUP_INTERVAL and FORCED_CLEANUP_AFTER_N_TRADES env vars.
type SafetyConfig struct {
	MaxPositionsHard   int     `mapstructure:"max_positions_hard"`
	DustUSD            float64 `mapstructure:"dust_usd"`
	CleanupSchedule    string  `mapstructure:"cleanup_schedule"`
	CleanupEveryCycles int     `mapstructure:"cleanup_every_cycles"`
	CleanupAfterTrades int     `mapstructure:"cleanup_after_trades"`
	MaxClosesPerRun    int     `mapstructure:"max_closes_per_run"`

	StartupBudget  time.Duration `mapstructure:"startup_budget"`
	MidCycleBudget time.Duration `mapstructure:"mid_cycle_budget"`
	DefaultBudget  time.Duration `mapstructure:"default_budget"`
}

// CopyTradeConfig controls master-to-follower replication.
type CopyTradeConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	MaxUserRiskPct float64 `mapstructure:"max_user_risk_pct"`
}

// StoreConfig sets where engine state, positions and nonces are persisted.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// JournalConfig sets the trade history database.
type JournalConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

// APIConfig controls the read-only HTTP server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AccountsConfig enumerates which accounts the supervisor should try to
// start. Credentials themselves never live in YAML; they are read from the
// environment by LoadAccounts.
type AccountsConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Users   []string `mapstructure:"users"`
}

// Load reads config from a YAML file with env var overrides. It returns the
// config plus any normalization warnings (legacy percent-form thresholds
// converted to fractions) for the caller to log.
func Load(path string) (*Config, []string, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("APEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Go-live switches come from the environment only, never YAML.
	cfg.Engine.DryRun = cfg.Engine.DryRun || envBool("DRY_RUN_MODE") || envBool("APEX_DRY_RUN")
	cfg.Engine.LiveCapitalVerified = envBool("LIVE_CAPITAL_VERIFIED")
	cfg.Engine.AllowConsumerUSD = envBool("ALLOW_CONSUMER_USD")
	cfg.Engine.MultiBrokerIndependent = envBool("MULTI_BROKER_INDEPENDENT")
	if n := envInt("FORCED_CLEANUP_INTERVAL"); n > 0 {
		cfg.Safety.CleanupEveryCycles = n
	}
	if n := envInt("FORCED_CLEANUP_AFTER_N_TRADES"); n > 0 {
		cfg.Safety.CleanupAfterTrades = n
	}

	warnings := cfg.normalize()
	return &cfg, warnings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.cycle_interval", 150*time.Second)
	v.SetDefault("engine.candle_limit", 120)

	v.SetDefault("market.batch_size", 100)
	v.SetDefault("market.quote_currency", "USD")
	v.SetDefault("market.refresh_interval", time.Hour)
	v.SetDefault("market.feed_url", "wss://advanced-trade-ws.coinbase.com")

	v.SetDefault("strategy.min_score", 60.0)
	v.SetDefault("strategy.strong_score", 80.0)
	v.SetDefault("strategy.mtf_agreement", 0.7)
	v.SetDefault("strategy.band_min", 5.0)
	v.SetDefault("strategy.band_max", 20.0)

	v.SetDefault("risk.max_position_pct", 0.25)
	v.SetDefault("risk.min_viable_equity", 25.0)
	v.SetDefault("risk.min_expectancy", 1.8)
	v.SetDefault("risk.win_rate_estimate", 0.55)

	v.SetDefault("exit.stop_loss_pct", -0.015)
	v.SetDefault("exit.min_loss_floor_pct", -0.0005)
	v.SetDefault("exit.catastrophic_pct", -0.05)
	v.SetDefault("exit.min_viable_usd", 1.0)
	v.SetDefault("exit.losing_time_limit", 30*time.Minute)
	v.SetDefault("exit.profit_max_hold", 8*time.Hour)
	v.SetDefault("exit.emergency_hold", 12*time.Hour)
	v.SetDefault("exit.trail_atr_mult", 2.0)
	v.SetDefault("exit.unsellable_cooldown", 24*time.Hour)

	v.SetDefault("safety.max_positions_hard", 8)
	v.SetDefault("safety.dust_usd", 0.001)
	v.SetDefault("safety.cleanup_schedule", "*/15 * * * *")
	v.SetDefault("safety.cleanup_every_cycles", 6)
	v.SetDefault("safety.cleanup_after_trades", 0)
	v.SetDefault("safety.max_closes_per_run", 3)
	v.SetDefault("safety.startup_budget", 20*time.Second)
	v.SetDefault("safety.mid_cycle_budget", 10*time.Second)
	v.SetDefault("safety.default_budget", 5*time.Second)

	v.SetDefault("copytrade.enabled", true)
	v.SetDefault("copytrade.max_user_risk_pct", 0.10)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("journal.sqlite_path", "data/trades.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8787)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// normalize converts legacy percent-form thresholds (magnitude >= 1.0 where a
// fraction is expected) to fractional form and returns a warning per
// converted field.
func (c *Config) normalize() []string {
	var warns []string

	fix := func(name string, v *float64) {
		if math.Abs(*v) >= 1.0 && *v != 0 {
			old := *v
			*v = *v / 100.0
			warns = append(warns, fmt.Sprintf("%s=%g looks like a percentage, using %g", name, old, *v))
		}
	}

	fix("exit.stop_loss_pct", &c.Exit.StopLossPct)
	fix("exit.min_loss_floor_pct", &c.Exit.MinLossFloorPct)
	fix("exit.catastrophic_pct", &c.Exit.CatastrophicPct)
	fix("copytrade.max_user_risk_pct", &c.CopyTrade.MaxUserRiskPct)
	fix("risk.max_position_pct", &c.Risk.MaxPositionPct)
	for i := range c.Risk.Tiers {
		fix(fmt.Sprintf("risk.tiers[%d].base_risk_pct", i), &c.Risk.Tiers[i].BaseRiskPct)
	}
	for broker, steps := range c.Exit.ProfitTiers {
		for i := range steps {
			fix(fmt.Sprintf("exit.profit_tiers.%s[%d].at_pct", broker, i), &steps[i].AtPct)
			fix(fmt.Sprintf("exit.profit_tiers.%s[%d].fraction", broker, i), &steps[i].Fraction)
		}
	}

	if len(c.Risk.Tiers) == 0 {
		c.Risk.Tiers = DefaultTiers()
	}
	if c.Exit.ProfitTiers == nil {
		c.Exit.ProfitTiers = map[string][]TierStep{}
	}
	if _, ok := c.Exit.ProfitTiers["default"]; !ok {
		c.Exit.ProfitTiers["default"] = DefaultProfitTiers()
	}
	if _, ok := c.Exit.ProfitTiers["kraken"]; !ok {
		c.Exit.ProfitTiers["kraken"] = KrakenProfitTiers()
	}
	return warns
}

// DefaultTiers is the built-in capital ladder.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "STARTER", MinEquity: 0, MaxPositions: 3, BaseRiskPct: 0.04, MaxPositionUSD: 50},
		{Name: "ADVANCED", MinEquity: 500, MaxPositions: 4, BaseRiskPct: 0.04, MaxPositionUSD: 200},
		{Name: "ELITE", MinEquity: 2000, MaxPositions: 6, BaseRiskPct: 0.05, MaxPositionUSD: 600},
	}
}

// DefaultProfitTiers is the standard profit-taking ladder, sized for
// low-fee venues.
func DefaultProfitTiers() []TierStep {
	return []TierStep{
		{AtPct: 0.020, Fraction: 0.10},
		{AtPct: 0.025, Fraction: 0.15},
		{AtPct: 0.030, Fraction: 0.25},
		{AtPct: 0.040, Fraction: 0.50},
	}
}

// KrakenProfitTiers shifts every rung up so each clears Kraken's higher
// taker fee round trip.
func KrakenProfitTiers() []TierStep {
	return []TierStep{
		{AtPct: 0.025, Fraction: 0.10},
		{AtPct: 0.030, Fraction: 0.15},
		{AtPct: 0.040, Fraction: 0.25},
		{AtPct: 0.050, Fraction: 0.50},
	}
}

// TiersFor returns the profit ladder for a broker, falling back to the
// default ladder.
func (e ExitConfig) TiersFor(broker string) []TierStep {
	if steps, ok := e.ProfitTiers[broker]; ok {
		return steps
	}
	return e.ProfitTiers["default"]
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.CycleInterval < time.Second {
		return fmt.Errorf("engine.cycle_interval must be >= 1s")
	}
	if c.Market.BatchSize <= 0 {
		return fmt.Errorf("market.batch_size must be > 0")
	}
	if c.Strategy.MinScore <= 0 || c.Strategy.MinScore > 100 {
		return fmt.Errorf("strategy.min_score must be in (0, 100]")
	}
	if c.Exit.StopLossPct >= 0 || c.Exit.StopLossPct <= -1 {
		return fmt.Errorf("exit.stop_loss_pct must be a negative fraction in (-1, 0)")
	}
	if c.Exit.CatastrophicPct >= 0 || c.Exit.CatastrophicPct <= -1 {
		return fmt.Errorf("exit.catastrophic_pct must be a negative fraction in (-1, 0)")
	}
	if c.Exit.CatastrophicPct > c.Exit.StopLossPct {
		return fmt.Errorf("exit.catastrophic_pct must be at or below exit.stop_loss_pct")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be a fraction in (0, 1]")
	}
	if c.CopyTrade.MaxUserRiskPct <= 0 || c.CopyTrade.MaxUserRiskPct > 1 {
		return fmt.Errorf("copytrade.max_user_risk_pct must be a fraction in (0, 1]")
	}
	if c.Safety.MaxPositionsHard <= 0 {
		return fmt.Errorf("safety.max_positions_hard must be > 0")
	}
	for i, t := range c.Risk.Tiers {
		if t.MaxPositions <= 0 {
			return fmt.Errorf("risk.tiers[%d].max_positions must be > 0", i)
		}
		if t.MaxPositions > c.Safety.MaxPositionsHard {
			return fmt.Errorf("risk.tiers[%d].max_positions exceeds safety.max_positions_hard", i)
		}
		if i > 0 && t.MinEquity <= c.Risk.Tiers[i-1].MinEquity {
			return fmt.Errorf("risk.tiers must be ordered by ascending min_equity")
		}
	}
	for broker, steps := range c.Exit.ProfitTiers {
		for i, s := range steps {
			if s.AtPct <= 0 || s.AtPct >= 1 {
				return fmt.Errorf("exit.profit_tiers.%s[%d].at_pct must be a fraction in (0, 1)", broker, i)
			}
			if s.Fraction <= 0 || s.Fraction > 1 {
				return fmt.Errorf("exit.profit_tiers.%s[%d].fraction must be a fraction in (0, 1]", broker, i)
			}
			if i > 0 && s.AtPct <= steps[i-1].AtPct {
				return fmt.Errorf("exit.profit_tiers.%s must be ordered by ascending at_pct", broker)
			}
		}
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be a valid TCP port")
	}
	return nil
}
