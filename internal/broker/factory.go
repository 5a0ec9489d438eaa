// factory.go builds the right adapter for an account's venue.
package broker

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"apex-engine/internal/config"
	"apex-engine/pkg/types"
)

// paperStartingCash is the simulated balance for paper accounts.
var paperStartingCash = decimal.NewFromInt(1000)

// New constructs the adapter for acct. Paper accounts wrap a live adapter of
// the same venue as their price source; only its public market data endpoints
// are ever called.
func New(acct config.Account, cfg *config.Config, logger zerolog.Logger) (Adapter, error) {
	live, err := newLive(acct, cfg, logger)
	if err != nil {
		return nil, err
	}
	if acct.Paper || cfg.Engine.DryRun {
		return NewPaper(acct.ID, paperStartingCash, live, logger), nil
	}
	return live, nil
}

func newLive(acct config.Account, cfg *config.Config, logger zerolog.Logger) (Adapter, error) {
	dataDir := cfg.Store.DataDir
	switch acct.Broker {
	case types.BrokerCoinbase:
		return NewCoinbase(acct.ID, acct.APIKey, acct.APISecret, dataDir, cfg.Engine.AllowConsumerUSD, logger)
	case types.BrokerKraken:
		return NewKraken(acct.ID, acct.APIKey, acct.APISecret, dataDir, logger)
	case types.BrokerOKX:
		return NewOKX(acct.ID, acct.APIKey, acct.APISecret, acct.Passphrase, dataDir, logger)
	case types.BrokerBinance:
		return NewBinance(acct.ID, acct.APIKey, acct.APISecret, dataDir, logger)
	case types.BrokerAlpaca:
		return NewAlpaca(acct.ID, acct.APIKey, acct.APISecret, dataDir, false, logger)
	}
	return nil, fmt.Errorf("no adapter for broker %q", acct.Broker)
}
