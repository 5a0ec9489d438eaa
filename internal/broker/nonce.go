// nonce.go persists a strictly monotonic nonce per account for venues that
// require one (Kraken). The value is flushed to disk before it is handed to
// the caller, so a crash between issuing and using a nonce can never reuse
// it after restart.
package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// NonceStore issues strictly increasing nonces for one account. Each account
// gets its own file; sharing a file between accounts would let one account's
// nonce stream invalidate another's session.
type NonceStore struct {
	mu        sync.Mutex
	path      string
	accountID string
	last      int64
}

// OpenNonceStore loads (or creates) the nonce file for accountID inside dir.
// The file name embeds the account id; OpenNonceStore refuses to operate on
// a path that does not contain it.
func OpenNonceStore(dir, accountID string) (*NonceStore, error) {
	if accountID == "" {
		return nil, fmt.Errorf("nonce store: empty account id")
	}
	path := filepath.Join(dir, "nonce_"+accountID+".txt")
	if !strings.Contains(filepath.Base(path), accountID) {
		return nil, fmt.Errorf("nonce store: path %q does not embed account %q", path, accountID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}

	ns := &NonceStore{path: path, accountID: accountID}
	data, err := os.ReadFile(path)
	if err == nil {
		v, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("nonce store: corrupt file %s: %w", path, perr)
		}
		ns.last = v
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	return ns, nil
}

// Next returns the next nonce: microseconds since epoch, bumped past the last
// issued value if the clock has not advanced. The new value is written and
// synced to disk before it is returned.
func (ns *NonceStore) Next() (int64, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	n := time.Now().UnixMicro()
	if n <= ns.last {
		n = ns.last + 1
	}
	if err := ns.flush(n); err != nil {
		return 0, err
	}
	ns.last = n
	return n, nil
}

// Last returns the most recently issued nonce, 0 if none yet.
func (ns *NonceStore) Last() int64 {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.last
}

func (ns *NonceStore) flush(n int64) error {
	f, err := os.OpenFile(ns.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("nonce store: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatInt(n, 10)); err != nil {
		f.Close()
		return fmt.Errorf("nonce store: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("nonce store: %w", err)
	}
	return f.Close()
}
