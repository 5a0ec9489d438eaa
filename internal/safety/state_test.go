package safety

import (
	"testing"

	"github.com/rs/zerolog"

	"apex-engine/pkg/types"
)

func TestMachineBootsOff(t *testing.T) {
	t.Parallel()
	m := NewMachine(zerolog.Nop(), true, nil)
	if got := m.Mode(); got != types.ModeOff {
		t.Errorf("boot mode = %s, want OFF", got)
	}
	if m.Trading() {
		t.Error("fresh machine must not allow trading")
	}
}

func TestTransitionDeniesIllegal(t *testing.T) {
	t.Parallel()
	m := NewMachine(zerolog.Nop(), true, nil)

	// OFF cannot jump straight to LIVE_ACTIVE.
	if err := m.Transition(types.ModeLiveActive); err == nil {
		t.Error("OFF -> LIVE_ACTIVE should be denied")
	}
	if got := m.Mode(); got != types.ModeOff {
		t.Errorf("denied transition changed mode to %s", got)
	}
}

func TestTransitionLivePath(t *testing.T) {
	t.Parallel()
	m := NewMachine(zerolog.Nop(), true, nil)

	steps := []types.Mode{types.ModeLivePending, types.ModeLiveActive}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !m.Trading() {
		t.Error("LIVE_ACTIVE should allow trading")
	}
}

func TestTransitionRequiresLiveVerified(t *testing.T) {
	t.Parallel()
	m := NewMachine(zerolog.Nop(), false, nil)

	if err := m.Transition(types.ModeLivePending); err == nil {
		t.Error("live transition without capital verification should be denied")
	}
	if got := m.Mode(); got != types.ModeOff {
		t.Errorf("mode = %s, want OFF after denial", got)
	}
	// Dry run needs no verification.
	if err := m.Transition(types.ModeDryRun); err != nil {
		t.Errorf("OFF -> DRY_RUN: %v", err)
	}
}

func TestDryRunMustReturnToOffBeforeLive(t *testing.T) {
	t.Parallel()
	m := NewMachine(zerolog.Nop(), true, nil)
	if err := m.Transition(types.ModeDryRun); err != nil {
		t.Fatalf("OFF -> DRY_RUN: %v", err)
	}

	// No shortcut into the live path: the operator re-acknowledges risk
	// from OFF.
	if err := m.Transition(types.ModeLivePending); err == nil {
		t.Error("DRY_RUN -> LIVE_PENDING should be denied")
	}
	if got := m.Mode(); got != types.ModeDryRun {
		t.Errorf("denied transition changed mode to %s", got)
	}

	if err := m.Transition(types.ModeOff); err != nil {
		t.Fatalf("DRY_RUN -> OFF: %v", err)
	}
	if err := m.Transition(types.ModeLivePending); err != nil {
		t.Errorf("OFF -> LIVE_PENDING after dry run: %v", err)
	}
}

func TestEmergencyStopFromAnyMode(t *testing.T) {
	t.Parallel()
	m := NewMachine(zerolog.Nop(), true, nil)
	_ = m.Transition(types.ModeLivePending)
	_ = m.Transition(types.ModeLiveActive)

	m.EmergencyStop("test")
	if got := m.Mode(); got != types.ModeEmergencyStop {
		t.Fatalf("mode = %s, want EMERGENCY_STOP", got)
	}
	if m.Trading() {
		t.Error("emergency stop must halt trading")
	}

	// The only way out is OFF.
	if err := m.Transition(types.ModeLiveActive); err == nil {
		t.Error("EMERGENCY_STOP -> LIVE_ACTIVE should be denied")
	}
	if err := m.Transition(types.ModeOff); err != nil {
		t.Errorf("EMERGENCY_STOP -> OFF: %v", err)
	}
}

func TestTransitionPersists(t *testing.T) {
	t.Parallel()
	var saved []types.Mode
	m := NewMachine(zerolog.Nop(), true, func(mode types.Mode) error {
		saved = append(saved, mode)
		return nil
	})

	_ = m.Transition(types.ModeDryRun)
	m.EmergencyStop("test")

	want := []types.Mode{types.ModeDryRun, types.ModeEmergencyStop}
	if len(saved) != len(want) {
		t.Fatalf("persisted %v, want %v", saved, want)
	}
	for i := range want {
		if saved[i] != want[i] {
			t.Errorf("persist[%d] = %s, want %s", i, saved[i], want[i])
		}
	}
}

func TestTransitionSelfIsNoop(t *testing.T) {
	t.Parallel()
	calls := 0
	m := NewMachine(zerolog.Nop(), true, func(types.Mode) error {
		calls++
		return nil
	})
	if err := m.Transition(types.ModeOff); err != nil {
		t.Errorf("OFF -> OFF: %v", err)
	}
	if calls != 0 {
		t.Errorf("self transition persisted %d times, want 0", calls)
	}
}
