// orders.go implements the client-id idempotency registry. Venues with a
// native client order id field (Coinbase, OKX, Binance, Alpaca) enforce
// idempotency server-side; for Kraken the registry is the only defense, so
// it is persisted to disk with the same tmp+rename discipline as the rest of
// the state files.
package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"apex-engine/pkg/types"
)

// OrderRegistry maps client ids to completed orders for one account.
type OrderRegistry struct {
	mu     sync.Mutex
	path   string
	orders map[string]*types.Order
}

// OpenOrderRegistry loads (or creates) the registry file for accountID.
func OpenOrderRegistry(dir, accountID string) (*OrderRegistry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("order registry: %w", err)
	}
	r := &OrderRegistry{
		path:   filepath.Join(dir, "orders_"+accountID+".json"),
		orders: make(map[string]*types.Order),
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("order registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.orders); err != nil {
		return nil, fmt.Errorf("order registry: corrupt file %s: %w", r.path, err)
	}
	return r, nil
}

// Lookup returns the previously recorded order for clientID, if any.
func (r *OrderRegistry) Lookup(clientID string) (*types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[clientID]
	return o, ok
}

// Record stores the order under its client id and persists the registry.
func (r *OrderRegistry) Record(order *types.Order) error {
	if order.ClientID == "" {
		return fmt.Errorf("order registry: order %s has no client id", order.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ClientID] = order

	data, err := json.Marshal(r.orders)
	if err != nil {
		return fmt.Errorf("order registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("order registry: %w", err)
	}
	return os.Rename(tmp, r.path)
}
