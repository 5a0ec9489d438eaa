// Package store provides crash-safe engine persistence using JSON files.
//
// Three kinds of state live under the data directory:
//
//   - engine_state.json: the last operating mode and the latched capital tier
//     per account. The mode is advisory on restart (the engine always boots
//     OFF); the tier latch is authoritative, since tiers never move down.
//   - positions_<accountID>.json: the position tracker snapshot per account.
//   - trade_journal.jsonl: an append-only line per realized trade, the
//     plain-text twin of the SQLite journal.
//
// Writes use atomic file replacement (write to .tmp, then rename) to prevent
// corruption from partial writes or crashes mid-save.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"apex-engine/internal/position"
	"apex-engine/pkg/types"
)

// EngineState is the persisted cross-restart state.
type EngineState struct {
	Mode       types.Mode     `json:"mode"`
	TierLatch  map[string]int `json:"tier_latch"` // accountID -> tier index
	SavedAt    time.Time      `json:"saved_at"`
	TradeCount int            `json:"trade_count"` // since last forced cleanup
}

// Store persists engine state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory (nonce files and the kill-switch sentinel
// live beside the store's own files).
func (s *Store) Dir() string { return s.dir }

// Close is a no-op for file-based storage.
func (s *Store) Close() error { return nil }

// SaveEngineState atomically persists the mode and tier latches.
func (s *Store) SaveEngineState(st EngineState) error {
	st.SavedAt = time.Now()
	return s.writeJSON("engine_state.json", st)
}

// LoadEngineState restores persisted engine state. Returns a zero state with
// an initialized latch map when no file exists.
func (s *Store) LoadEngineState() (EngineState, error) {
	var st EngineState
	ok, err := s.readJSON("engine_state.json", &st)
	if err != nil {
		return EngineState{}, err
	}
	if !ok || st.TierLatch == nil {
		st.TierLatch = make(map[string]int)
	}
	return st, nil
}

// SavePositions atomically persists one account's tracker snapshot.
func (s *Store) SavePositions(accountID string, snapshot map[string]position.Position) error {
	return s.writeJSON("positions_"+accountID+".json", snapshot)
}

// LoadPositions restores one account's tracker snapshot. Returns nil, nil if
// no snapshot exists (fresh account).
func (s *Store) LoadPositions(accountID string) (map[string]position.Position, error) {
	var snapshot map[string]position.Position
	ok, err := s.readJSON("positions_"+accountID+".json", &snapshot)
	if err != nil || !ok {
		return nil, err
	}
	return snapshot, nil
}

// JournalLine is one realized trade in the append-only journal.
type JournalLine struct {
	At        time.Time        `json:"at"`
	AccountID string           `json:"account_id"`
	Symbol    string           `json:"symbol"`
	Side      types.Side       `json:"side"`
	Qty       string           `json:"qty"`
	Price     string           `json:"price"`
	PnLUSD    string           `json:"pnl_usd,omitempty"`
	Reason    types.ExitReason `json:"reason,omitempty"`
}

// AppendJournal appends one line to trade_journal.jsonl. Append-only writes
// do not need the tmp/rename dance; a torn final line is tolerated on read.
func (s *Store) AppendJournal(line JournalLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if line.At.IsZero() {
		line.At = time.Now()
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal journal line: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, "trade_journal.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// writeJSON marshals v and atomically replaces name in the data directory.
func (s *Store) writeJSON(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// readJSON unmarshals name into v. The bool reports whether the file existed.
func (s *Store) readJSON(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	return true, nil
}
