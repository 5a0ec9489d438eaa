package safety

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// sentinelFile is the kill-switch file name inside the data directory.
// Creating it (by the engine or by an operator with touch) halts trading;
// it survives restarts, so a tripped engine stays tripped until the file is
// removed by hand.
const sentinelFile = "EMERGENCY_STOP"

// KillSwitch aggregates the three trip paths: the sentinel file, the
// EMERGENCY_STOP environment variable and the API trip flag. Engaged is
// checked at the top of every cycle and before every order.
type KillSwitch struct {
	path    string
	logger  zerolog.Logger
	tripped atomic.Bool
}

// NewKillSwitch watches the sentinel file under dataDir.
func NewKillSwitch(dataDir string, logger zerolog.Logger) *KillSwitch {
	k := &KillSwitch{
		path:   filepath.Join(dataDir, sentinelFile),
		logger: logger.With().Str("component", "killswitch").Logger(),
	}
	if os.Getenv("EMERGENCY_STOP") == "true" || os.Getenv("EMERGENCY_STOP") == "1" {
		k.tripped.Store(true)
	}
	return k
}

// Engaged reports whether any trip path is active.
func (k *KillSwitch) Engaged() bool {
	if k.tripped.Load() {
		return true
	}
	if _, err := os.Stat(k.path); err == nil {
		k.tripped.Store(true)
		k.logger.Error().Str("path", k.path).Msg("kill switch sentinel file present")
		return true
	}
	return false
}

// Trip engages the switch and writes the sentinel file so the trip persists
// across restarts.
func (k *KillSwitch) Trip(reason string) {
	if k.tripped.Swap(true) {
		return
	}
	k.logger.Error().Str("reason", reason).Msg("kill switch tripped")
	if err := os.WriteFile(k.path, []byte(reason+"\n"), 0o644); err != nil {
		k.logger.Error().Err(err).Str("path", k.path).Msg("write sentinel file failed")
	}
}

// Reset clears the in-memory flag and removes the sentinel file. Operator
// action only, exposed for the manual recovery path.
func (k *KillSwitch) Reset() error {
	if err := os.Remove(k.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	k.tripped.Store(false)
	k.logger.Warn().Msg("kill switch reset")
	return nil
}
