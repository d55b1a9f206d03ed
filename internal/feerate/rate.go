// Package feerate implements the borrow-fee-rate model consumed by the
// fee-accrual engine. The raw rate is a product of stress multipliers over
// a base rate; the applied rate is EMA-smoothed, step-capped, and clamped.
package feerate

import (
	"github.com/notsatoshii/probledger/internal/fixedpoint"
)

const (
	hourMicros = int64(3_600_000_000)

	// Utilization above this threshold squares the excess.
	utilKneeFraction = 600_000 // 60%

	// Time-to-resolution under this window scales the rate sharply.
	ttrWindowMicros = 12 * hourMicros
)

// Inputs are the market stress observations feeding the rate model, all at
// fraction scale except TimeToResolution.
type Inputs struct {
	Utilization      int64 // pool utilization
	Imbalance        int64 // |longOI - shortOI| / totalOI
	Volatility       int64 // market volatility estimate
	TimeToResolution int64 // micros until resolution; <= 0 means resolved
	Concentration    int64 // largest position's share of total OI
}

// Multipliers holds the individual stress multipliers at fraction scale,
// each guaranteed >= 1.0.
type Multipliers struct {
	Util          int64
	Imbalance     int64
	Volatility    int64
	TimeToRes     int64
	Concentration int64
}

// Compute derives all multipliers from the inputs.
func Compute(in Inputs) Multipliers {
	return Multipliers{
		Util:          utilMultiplier(in.Utilization),
		Imbalance:     quadraticMultiplier(in.Imbalance),
		Volatility:    fixedpoint.One + clampFraction(in.Volatility),
		TimeToRes:     ttrMultiplier(in.TimeToResolution),
		Concentration: quadraticMultiplier(in.Concentration),
	}
}

// utilMultiplier is 1.0 up to the knee, then grows with the square of the
// excess: ten basis-multiples of excess^2 reach ~2.6x at full utilization.
func utilMultiplier(util int64) int64 {
	util = clampFraction(util)
	if util <= utilKneeFraction {
		return fixedpoint.One
	}
	excess := util - utilKneeFraction
	return fixedpoint.One + 10*fixedpoint.MulDiv(excess, excess, fixedpoint.One)
}

// quadraticMultiplier is 1 + x^2 for a fraction x, used for imbalance and
// concentration: lopsided or concentrated books pay up to 2x.
func quadraticMultiplier(x int64) int64 {
	x = clampFraction(x)
	return fixedpoint.One + fixedpoint.MulDiv(x, x, fixedpoint.One)
}

// ttrMultiplier is 1.0 outside the final window and ramps linearly to 3x at
// resolution inside it.
func ttrMultiplier(remaining int64) int64 {
	if remaining >= ttrWindowMicros {
		return fixedpoint.One
	}
	if remaining < 0 {
		remaining = 0
	}
	closeness := fixedpoint.MulDiv(ttrWindowMicros-remaining, fixedpoint.One, ttrWindowMicros)
	return fixedpoint.One + 2*closeness
}

func clampFraction(x int64) int64 {
	if x < 0 {
		return 0
	}
	if x > fixedpoint.One {
		return fixedpoint.One
	}
	return x
}

// RawRate applies all multipliers to the base rate.
func RawRate(baseRate int64, in Inputs) int64 {
	m := Compute(in)
	rate := baseRate
	for _, mult := range []int64{m.Util, m.Imbalance, m.Volatility, m.TimeToRes, m.Concentration} {
		rate = fixedpoint.MulDiv(rate, mult, fixedpoint.One)
	}
	return rate
}

// Smoother applies EMA smoothing, a per-update step cap on increases, and
// min/max clamping to the raw rate so index growth never shocks.
type Smoother struct {
	Alpha     int64 // EMA weight at fraction scale, e.g. 150_000 = 0.15
	MaxStepUp int64 // max fractional increase per update, e.g. 500_000 = +50%
	Min       int64 // rate scale
	Max       int64 // rate scale
}

// DefaultSmoother returns the standard smoothing parameters bound to a
// market's rate bounds.
func DefaultSmoother(minRate, maxRate int64) Smoother {
	return Smoother{
		Alpha:     150_000,
		MaxStepUp: 500_000,
		Min:       minRate,
		Max:       maxRate,
	}
}

// Next produces the applied rate from the previous applied rate and the new
// raw rate. A zero previous rate seeds directly from the clamped raw rate.
func (s Smoother) Next(prev, raw int64) int64 {
	if prev <= 0 {
		return s.clamp(raw)
	}

	// ema = prev + alpha * (raw - prev)
	ema := prev + fixedpoint.MulDiv(s.Alpha, raw-prev, fixedpoint.One)

	// Cap the fractional increase; decreases are unrestricted.
	ceiling := fixedpoint.MulDiv(prev, fixedpoint.One+s.MaxStepUp, fixedpoint.One)
	if ema > ceiling {
		ema = ceiling
	}

	return s.clamp(ema)
}

func (s Smoother) clamp(rate int64) int64 {
	if rate < s.Min {
		return s.Min
	}
	if s.Max > 0 && rate > s.Max {
		return s.Max
	}
	return rate
}
