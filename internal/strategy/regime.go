package strategy

import "apex-engine/pkg/types"

// Classification is a regime call with a confidence derived from the
// distance to the classification thresholds.
type Classification struct {
	Regime     types.Regime
	Confidence float64 // 0..1
	ADX        float64
	ATRPct     float64 // ATR / price, fractional
}

// ClassifyRegime buckets current market character from ADX and normalized
// ATR. TRENDING when ADX > 25; RANGING when ADX < 20 and ATR under 3% of
// price; otherwise VOLATILE.
func ClassifyRegime(adx, atrPct float64) Classification {
	c := Classification{ADX: adx, ATRPct: atrPct}
	switch {
	case adx > 25:
		c.Regime = types.RegimeTrending
		// Confidence grows as ADX pulls away from 25, saturating at 50.
		c.Confidence = clamp((adx-25)/25, 0, 1)
	case adx < 20 && atrPct < 0.03:
		c.Regime = types.RegimeRanging
		adxDist := clamp((20-adx)/20, 0, 1)
		atrDist := clamp((0.03-atrPct)/0.03, 0, 1)
		c.Confidence = (adxDist + atrDist) / 2
	default:
		c.Regime = types.RegimeVolatile
		c.Confidence = 0.5
	}
	return c
}

// targetScale adjusts profit targets by regime: trends run further, ranges
// revert sooner.
func targetScale(r types.Regime) float64 {
	switch r {
	case types.RegimeTrending:
		return 1.25
	case types.RegimeRanging:
		return 0.85
	}
	return 1.0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
