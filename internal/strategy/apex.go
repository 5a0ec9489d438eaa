// Package strategy implements signal generation as a pure function over
// candle series. Given base, mid and long timeframe candles for a symbol it
// emits at most one entry signal per call, with no side effects and no I/O,
// which keeps the whole scoring path unit-testable with synthetic candles.
//
// The entry model is a weighted multi-factor score (0..100):
//
//	trend 25, momentum 20, price action 20, volume 15, structure 20
//
// gated by multi-timeframe RSI concordance and volatility-weighted RSI
// bands. Only LONG signals are produced; all supported venues trade spot.
package strategy

import (
	"fmt"
	"time"

	talib "github.com/markcheno/go-talib"

	"apex-engine/pkg/types"
)

const (
	rsiPeriod     = 14
	adxPeriod     = 14
	atrPeriod     = 14
	emaFastPeriod = 9
	emaSlowPeriod = 21

	// minCandles is the floor below which indicators are unreliable.
	minCandles = 40
)

// Config tunes the scoring thresholds. Zero values are replaced by
// Defaults().
type Config struct {
	MinScore     float64 // minimum total score to emit a signal
	StrongScore  float64 // score granting the strong-entry confidence boost
	MTFAgreement float64 // required RSI concordance fraction across timeframes
	BandMin      float64 // RSI band half-width floor
	BandMax      float64 // RSI band half-width ceiling
}

// Defaults returns the standard thresholds.
func Defaults() Config {
	return Config{MinScore: 60, StrongScore: 80, MTFAgreement: 0.7, BandMin: 5, BandMax: 20}
}

// Series carries one symbol's candles across the three analysis timeframes:
// base, 5x base and 15x base.
type Series struct {
	Symbol string
	Base   []types.Candle
	Mid    []types.Candle
	Long   []types.Candle
}

// Analyze scores one symbol and returns a signal when every gate passes, or
// nil. The returned SuggestedStopPct is a positive fractional magnitude.
func Analyze(s Series, cfg Config) *types.Signal {
	if cfg.MinScore == 0 {
		cfg = Defaults()
	}
	if len(s.Base) < minCandles {
		return nil
	}

	closes := extract(s.Base, func(c types.Candle) float64 { return c.Close })
	highs := extract(s.Base, func(c types.Candle) float64 { return c.High })
	lows := extract(s.Base, func(c types.Candle) float64 { return c.Low })
	volumes := extract(s.Base, func(c types.Candle) float64 { return c.Volume })

	price := closes[len(closes)-1]
	if price <= 0 {
		return nil
	}

	adx := last(talib.Adx(highs, lows, closes, adxPeriod))
	atr := last(talib.Atr(highs, lows, closes, atrPeriod))
	atrPct := atr / price
	regime := ClassifyRegime(adx, atrPct)

	rsi := talib.Rsi(closes, rsiPeriod)
	rsiNow := last(rsi)

	// Volatility-weighted band half-width: high ATR or weak trend widens
	// the band, demanding deeper oversold before entry.
	atrNorm := clamp(atrPct/0.02, 0.25, 2.0)
	width := 10.0 / (0.6*atrNorm + 0.4*(1-adx/100))
	width = clamp(width, cfg.BandMin, cfg.BandMax)
	lowerBand := 50 - width

	// Entry posture: RSI recovering from below the lower band.
	rsiPrev := prev(rsi)
	bounce := rsiPrev < lowerBand && rsiNow >= rsiPrev

	// Multi-timeframe concordance: every timeframe's RSI must agree with
	// the long direction for 3 frames to clear a 0.7 fraction.
	agree := 0
	frames := 0
	for _, frame := range [][]types.Candle{s.Base, s.Mid, s.Long} {
		if len(frame) < rsiPeriod+1 {
			continue
		}
		frames++
		fc := extract(frame, func(c types.Candle) float64 { return c.Close })
		if bullishRSI(talib.Rsi(fc, rsiPeriod)) {
			agree++
		}
	}
	if frames == 0 || float64(agree)/float64(frames) < cfg.MTFAgreement {
		return nil
	}

	score := 0.0

	// Trend (25): fast EMA over slow, MACD histogram rising.
	emaFast := last(talib.Ema(closes, emaFastPeriod))
	emaSlow := last(talib.Ema(closes, emaSlowPeriod))
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	trendPts := 0.0
	if emaFast > emaSlow {
		trendPts += 15
	}
	if last(hist) > prev(hist) {
		trendPts += 10
	}
	score += trendPts

	// Momentum (20): oversold bounce through the lower band.
	momPts := 0.0
	if bounce {
		momPts = 20
	} else if rsiNow < lowerBand {
		momPts = 10 // oversold but not yet turning
	}
	score += momPts

	// Price action (20): position in the recent range plus higher low.
	window := 20
	if len(closes) < window {
		window = len(closes)
	}
	lo, hi := rangeOf(lows[len(lows)-window:], highs[len(highs)-window:])
	paPts := 0.0
	if hi > lo {
		pos := (price - lo) / (hi - lo)
		// Buying the lower third of the range is the setup this model
		// wants; chasing the top scores nothing.
		paPts = clamp(1-pos/0.67, 0, 1) * 12
	}
	if higherLow(lows) {
		paPts += 8
	}
	score += paPts

	// Volume (15): current volume vs its 20-bar average.
	volPts := 0.0
	if volSMA := last(talib.Sma(volumes, 20)); volSMA > 0 {
		ratio := volumes[len(volumes)-1] / volSMA
		volPts = clamp((ratio-0.8)/1.2, 0, 1) * 15
	}
	score += volPts

	// Structure (20): distance of RSI below band center rewards entries
	// far from the crowded middle.
	structPts := clamp((50-rsiNow)/width, 0, 1) * 20
	score += structPts

	if score < cfg.MinScore {
		return nil
	}

	confidence := 0.4 + (score-cfg.MinScore)/(100-cfg.MinScore)*0.5
	if score >= cfg.StrongScore {
		confidence += 0.1
	}
	confidence = clamp(confidence, 0, 1)

	stopPct := clamp(1.5*atrPct, 0.01, 0.03)
	scale := targetScale(regime.Regime)
	targets := []float64{0.02 * scale, 0.025 * scale, 0.03 * scale, 0.04 * scale}

	return &types.Signal{
		Symbol:           s.Symbol,
		Side:             types.LONG,
		Score:            score,
		Confidence:       confidence,
		SuggestedStopPct: stopPct,
		TargetPcts:       targets,
		Regime:           regime.Regime,
		Reason: fmt.Sprintf("score=%.0f rsi=%.1f band=%.1f adx=%.1f atr=%.2f%% regime=%s",
			score, rsiNow, lowerBand, adx, atrPct*100, regime.Regime),
		At: time.Now(),
	}
}

// ATRPct returns ATR(14) as a fraction of the last close, or 0 when the
// series is too short. The exit engine uses it to ratchet trailing stops.
func ATRPct(candles []types.Candle) float64 {
	if len(candles) < atrPeriod+1 {
		return 0
	}
	closes := extract(candles, func(c types.Candle) float64 { return c.Close })
	highs := extract(candles, func(c types.Candle) float64 { return c.High })
	lows := extract(candles, func(c types.Candle) float64 { return c.Low })
	price := closes[len(closes)-1]
	if price <= 0 {
		return 0
	}
	return last(talib.Atr(highs, lows, closes, atrPeriod)) / price
}

// bullishRSI reports whether the latest RSI is at or rising toward the
// bullish side.
func bullishRSI(rsi []float64) bool {
	now := last(rsi)
	return now > 50 || now >= prev(rsi)
}

// higherLow reports whether the most recent swing low sits above the prior
// one, using simple 5-bar buckets.
func higherLow(lows []float64) bool {
	if len(lows) < 10 {
		return false
	}
	recent := minOf(lows[len(lows)-5:])
	prior := minOf(lows[len(lows)-10 : len(lows)-5])
	return recent > prior
}

func extract(candles []types.Candle, f func(types.Candle) float64) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = f(c)
	}
	return out
}

func last(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}

func prev(v []float64) float64 {
	if len(v) < 2 {
		return 0
	}
	return v[len(v)-2]
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func rangeOf(lows, highs []float64) (lo, hi float64) {
	lo, hi = lows[0], highs[0]
	for i := range lows {
		if lows[i] < lo {
			lo = lows[i]
		}
		if highs[i] > hi {
			hi = highs[i]
		}
	}
	return lo, hi
}
