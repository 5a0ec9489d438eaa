// Package market handles product discovery and live price data.
//
// Universe maintains the tradeable symbol list for one venue and hands out
// rotating batches so a full scan of a large venue is spread across cycles.
// Feed (feed.go) streams live ticker prices over WebSocket as a faster
// alternative to REST price polls.
package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ProductLister is the slice of the broker adapter the universe needs.
type ProductLister interface {
	GetProducts(ctx context.Context) ([]string, error)
}

// Universe is the rotating product list for one account.
type Universe struct {
	lister    ProductLister
	batchSize int
	refresh   time.Duration
	exclude   map[string]bool
	logger    zerolog.Logger

	mu        sync.Mutex
	symbols   []string
	cursor    int
	fetchedAt time.Time
}

// NewUniverse creates a universe that re-fetches the product list every
// refresh interval and rotates through it batchSize symbols at a time.
func NewUniverse(lister ProductLister, batchSize int, refresh time.Duration, exclude []string, logger zerolog.Logger) *Universe {
	ex := make(map[string]bool, len(exclude))
	for _, s := range exclude {
		ex[s] = true
	}
	return &Universe{
		lister:    lister,
		batchSize: batchSize,
		refresh:   refresh,
		exclude:   ex,
		logger:    logger.With().Str("component", "universe").Logger(),
	}
}

// NextBatch returns the next rotation of symbols to scan, refreshing the
// product list when stale. The cursor wraps, so over ceil(N/batch) cycles
// every product is visited.
func (u *Universe) NextBatch(ctx context.Context) ([]string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if time.Since(u.fetchedAt) >= u.refresh || len(u.symbols) == 0 {
		products, err := u.lister.GetProducts(ctx)
		if err != nil {
			if len(u.symbols) == 0 {
				return nil, err
			}
			// Stale list beats no list; retry on the next refresh.
			u.logger.Warn().Err(err).Msg("product refresh failed, keeping stale universe")
		} else {
			filtered := products[:0:0]
			for _, s := range products {
				if !u.exclude[s] {
					filtered = append(filtered, s)
				}
			}
			sort.Strings(filtered)
			u.symbols = filtered
			u.fetchedAt = time.Now()
			if u.cursor >= len(u.symbols) {
				u.cursor = 0
			}
			u.logger.Info().Int("products", len(filtered)).Msg("universe refreshed")
		}
	}

	n := len(u.symbols)
	if n == 0 {
		return nil, nil
	}
	size := u.batchSize
	if size > n {
		size = n
	}

	batch := make([]string, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, u.symbols[(u.cursor+i)%n])
	}
	u.cursor = (u.cursor + size) % n
	return batch, nil
}

// Size returns the current universe size.
func (u *Universe) Size() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.symbols)
}
