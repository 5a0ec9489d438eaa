package strategy

import (
	"math"
	"testing"

	"apex-engine/pkg/types"
)

func TestClassifyRegime(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		adx    float64
		atrPct float64
		want   types.Regime
	}{
		{"strong trend", 35, 0.02, types.RegimeTrending},
		{"quiet range", 12, 0.01, types.RegimeRanging},
		{"middling adx", 22, 0.02, types.RegimeVolatile},
		{"calm adx but wild atr", 12, 0.06, types.RegimeVolatile},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := ClassifyRegime(tc.adx, tc.atrPct)
			if c.Regime != tc.want {
				t.Errorf("ClassifyRegime(%v, %v) = %s, want %s", tc.adx, tc.atrPct, c.Regime, tc.want)
			}
			if c.Confidence < 0 || c.Confidence > 1 {
				t.Errorf("confidence %v out of range", c.Confidence)
			}
		})
	}
}

func TestClassifyRegimeConfidence(t *testing.T) {
	t.Parallel()
	// Confidence grows with distance from the ADX threshold and saturates.
	if got := ClassifyRegime(30, 0.02).Confidence; math.Abs(got-0.2) > 1e-9 {
		t.Errorf("ADX 30 confidence = %v, want 0.2", got)
	}
	if got := ClassifyRegime(80, 0.02).Confidence; got != 1 {
		t.Errorf("ADX 80 confidence = %v, want saturated at 1", got)
	}
}

func TestTargetScale(t *testing.T) {
	t.Parallel()
	if got := targetScale(types.RegimeTrending); got != 1.25 {
		t.Errorf("trending scale = %v, want 1.25", got)
	}
	if got := targetScale(types.RegimeRanging); got != 0.85 {
		t.Errorf("ranging scale = %v, want 0.85", got)
	}
	if got := targetScale(types.RegimeVolatile); got != 1.0 {
		t.Errorf("volatile scale = %v, want 1.0", got)
	}
}
