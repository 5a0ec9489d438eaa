// Package safety owns the controls that keep the engine from doing live
// damage: the operating-mode state machine, the kill switch and the
// position-count cleanup enforcer. Every live order path consults this
// package before touching a venue.
package safety

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"apex-engine/pkg/types"
)

// legalTransitions is the full transition table. Anything absent is denied.
// EMERGENCY_STOP is reachable from every mode and leaves only to OFF, by a
// deliberate operator action. The live path starts only from OFF: a dry run
// must return to OFF (re-acknowledging risk) before LIVE_PENDING is
// reachable. The returns to OFF are what the pause control uses.
var legalTransitions = map[types.Mode][]types.Mode{
	types.ModeOff:           {types.ModeDryRun, types.ModeLivePending, types.ModeEmergencyStop},
	types.ModeDryRun:        {types.ModeOff, types.ModeEmergencyStop},
	types.ModeLivePending:   {types.ModeOff, types.ModeLiveActive, types.ModeEmergencyStop},
	types.ModeLiveActive:    {types.ModeOff, types.ModeEmergencyStop},
	types.ModeEmergencyStop: {types.ModeOff},
}

// Machine is the engine-wide operating mode. It boots OFF on every process
// start regardless of what mode was persisted; the persisted mode is advice
// for the operator, never authority to resume trading.
type Machine struct {
	mu     sync.Mutex
	mode   types.Mode
	logger zerolog.Logger

	// liveVerified gates any transition into the live modes. It comes from
	// the LIVE_CAPITAL_VERIFIED environment switch.
	liveVerified bool

	// persist is called after every accepted transition. Failures are
	// logged, not fatal: the in-memory mode is authoritative.
	persist func(types.Mode) error
}

// NewMachine creates a state machine in OFF.
func NewMachine(logger zerolog.Logger, liveVerified bool, persist func(types.Mode) error) *Machine {
	if persist == nil {
		persist = func(types.Mode) error { return nil }
	}
	return &Machine{
		mode:         types.ModeOff,
		logger:       logger.With().Str("component", "safety").Logger(),
		liveVerified: liveVerified,
		persist:      persist,
	}
}

// Mode returns the current mode.
func (m *Machine) Mode() types.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Trading reports whether live orders are currently allowed.
func (m *Machine) Trading() bool { return m.Mode().Trading() }

// Transition moves to a new mode if the transition is legal. Denied
// transitions leave the mode unchanged and return an error.
func (m *Machine) Transition(to types.Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.mode
	if from == to {
		return nil
	}
	if !m.legal(from, to) {
		m.logger.Warn().
			Str("from", string(from)).Str("to", string(to)).
			Msg("STATE_TRANSITION_DENIED")
		return fmt.Errorf("illegal mode transition %s -> %s", from, to)
	}
	if (to == types.ModeLivePending || to == types.ModeLiveActive) && !m.liveVerified {
		m.logger.Warn().
			Str("from", string(from)).Str("to", string(to)).
			Msg("STATE_TRANSITION_DENIED: live capital not verified")
		return fmt.Errorf("transition to %s requires LIVE_CAPITAL_VERIFIED", to)
	}

	m.mode = to
	m.logger.Info().Str("from", string(from)).Str("to", string(to)).Msg("mode transition")
	if err := m.persist(to); err != nil {
		m.logger.Error().Err(err).Msg("persist mode failed")
	}
	return nil
}

// EmergencyStop forces EMERGENCY_STOP from any mode.
func (m *Machine) EmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == types.ModeEmergencyStop {
		return
	}
	from := m.mode
	m.mode = types.ModeEmergencyStop
	m.logger.Error().Str("from", string(from)).Str("reason", reason).Msg("EMERGENCY STOP")
	if err := m.persist(m.mode); err != nil {
		m.logger.Error().Err(err).Msg("persist mode failed")
	}
}

func (m *Machine) legal(from, to types.Mode) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
