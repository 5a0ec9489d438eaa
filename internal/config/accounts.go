package config

import (
	"fmt"
	"os"
	"strings"

	"apex-engine/pkg/types"
)

// Account is one runnable account: a venue, a role, and its credentials.
// Credentials come exclusively from the environment:
//
//	{BROKER}_{ROLE}_API_KEY            e.g. KRAKEN_MASTER_API_KEY
//	{BROKER}_USER_{ID}_API_KEY         e.g. COINBASE_USER_7_API_KEY
//
// plus _API_SECRET, _PASSPHRASE (OKX) and _PAPER with the same prefix.
// An account exists iff its _API_KEY is set; _PAPER=true swaps the live
// adapter for the in-memory paper broker.
type Account struct {
	ID         string
	Broker     types.BrokerKind
	Role       types.AccountRole
	UserID     string
	APIKey     string
	APISecret  string
	Passphrase string
	Paper      bool
}

// LoadAccounts scans the environment for every enabled broker and user id
// and returns the accounts that have credentials, masters first.
func (c *Config) LoadAccounts() ([]Account, error) {
	brokers := make([]types.BrokerKind, 0, len(types.LiveBrokers))
	if len(c.Accounts.Brokers) == 0 {
		brokers = types.LiveBrokers
	} else {
		for _, name := range c.Accounts.Brokers {
			kind, err := parseBroker(name)
			if err != nil {
				return nil, err
			}
			brokers = append(brokers, kind)
		}
	}

	var out []Account
	for _, b := range brokers {
		if acct, ok := readAccount(b, types.RoleMaster, ""); ok {
			out = append(out, acct)
		}
	}
	for _, b := range brokers {
		for _, uid := range c.Accounts.Users {
			if acct, ok := readAccount(b, types.RoleUser, uid); ok {
				out = append(out, acct)
			}
		}
	}
	return out, nil
}

func readAccount(broker types.BrokerKind, role types.AccountRole, userID string) (Account, bool) {
	prefix := envPrefix(broker, role, userID)
	key := os.Getenv(prefix + "_API_KEY")
	if key == "" {
		return Account{}, false
	}
	paper := os.Getenv(prefix + "_PAPER")
	return Account{
		ID:         types.AccountID(broker, role, userID),
		Broker:     broker,
		Role:       role,
		UserID:     userID,
		APIKey:     key,
		APISecret:  os.Getenv(prefix + "_API_SECRET"),
		Passphrase: os.Getenv(prefix + "_PASSPHRASE"),
		Paper:      paper == "true" || paper == "1",
	}, true
}

func envPrefix(broker types.BrokerKind, role types.AccountRole, userID string) string {
	b := strings.ToUpper(string(broker))
	if role == types.RoleMaster {
		return b + "_MASTER"
	}
	return b + "_USER_" + strings.ToUpper(userID)
}

func parseBroker(name string) (types.BrokerKind, error) {
	kind := types.BrokerKind(strings.ToLower(strings.TrimSpace(name)))
	for _, b := range types.LiveBrokers {
		if kind == b {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown broker %q in accounts.brokers", name)
}
