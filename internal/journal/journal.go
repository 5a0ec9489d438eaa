// Package journal records every fill and realized exit in SQLite so trade
// history survives restarts and feeds the API's PnL views. The append-only
// JSONL file in the store is the lightweight twin; this is the queryable one.
package journal

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"apex-engine/pkg/types"
)

// TradeRecord is one executed order, entry or exit.
type TradeRecord struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`

	AccountID string `gorm:"index;size:64" json:"account_id"`
	Broker    string `gorm:"size:16" json:"broker"`
	Symbol    string `gorm:"index;size:32" json:"symbol"`
	Side      string `gorm:"size:8" json:"side"`

	OrderID  string `gorm:"size:64" json:"order_id"`
	ClientID string `gorm:"uniqueIndex;size:64" json:"client_id"`

	Qty         string  `gorm:"size:32" json:"qty"`
	Price       string  `gorm:"size:32" json:"price"`
	NotionalUSD float64 `json:"notional_usd"`
	FeeUSD      float64 `json:"fee_usd"`

	// Exit fields; zero/empty on entries.
	PnLUSD     float64 `gorm:"column:pnl_usd" json:"pnl_usd"`
	PnLPct     float64 `gorm:"column:pnl_pct" json:"pnl_pct"`
	ExitReason string  `gorm:"size:32" json:"exit_reason"`

	Copied        bool   `json:"copied"` // true on follower replications
	MasterOrderID string `gorm:"size:64" json:"master_order_id,omitempty"`
}

// DailyPnL is one day's realized aggregate for an account.
type DailyPnL struct {
	Day    string  `json:"day"` // YYYY-MM-DD
	Trades int     `json:"trades"`
	PnLUSD float64 `json:"pnl_usd"`
}

// Journal wraps the trade history database.
type Journal struct {
	db *gorm.DB
}

// Open opens (and migrates) the SQLite journal at path.
func Open(path string) (*Journal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := db.AutoMigrate(&TradeRecord{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying connection.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LogTrade inserts one trade record. Duplicate client ids (a replayed
// idempotent order) are ignored rather than erroring.
func (j *Journal) LogTrade(rec *TradeRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	err := j.db.Create(rec).Error
	if err != nil && isUniqueViolation(err) {
		return nil
	}
	return err
}

// RecentTrades returns the newest n trades for an account; accountID ""
// means all accounts.
func (j *Journal) RecentTrades(accountID string, n int) ([]TradeRecord, error) {
	q := j.db.Order("created_at DESC").Limit(n)
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}
	var out []TradeRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	return out, nil
}

// DailyPnLs aggregates realized PnL per day over the last days, exits only.
func (j *Journal) DailyPnLs(accountID string, days int) ([]DailyPnL, error) {
	since := time.Now().AddDate(0, 0, -days)
	q := j.db.Model(&TradeRecord{}).
		Select("date(created_at) AS day, count(*) AS trades, sum(pnl_usd) AS pnl_usd").
		Where("created_at >= ? AND exit_reason <> ''", since).
		Group("date(created_at)").
		Order("day DESC")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}

	var rows []struct {
		Day    string
		Trades int
		PnLUSD float64 `gorm:"column:pnl_usd"`
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query daily pnl: %w", err)
	}
	out := make([]DailyPnL, len(rows))
	for i, r := range rows {
		out[i] = DailyPnL{Day: r.Day, Trades: r.Trades, PnLUSD: r.PnLUSD}
	}
	return out, nil
}

// ExitCounts returns how many exits each reason produced for an account.
func (j *Journal) ExitCounts(accountID string) (map[types.ExitReason]int, error) {
	q := j.db.Model(&TradeRecord{}).
		Select("exit_reason, count(*) AS n").
		Where("exit_reason <> ''").
		Group("exit_reason")
	if accountID != "" {
		q = q.Where("account_id = ?", accountID)
	}

	var rows []struct {
		ExitReason string
		N          int
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query exit counts: %w", err)
	}
	out := make(map[types.ExitReason]int, len(rows))
	for _, r := range rows {
		out[types.ExitReason(r.ExitReason)] = r.N
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed"))
}
