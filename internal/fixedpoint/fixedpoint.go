package fixedpoint

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PriceConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                 // probability, domain (0, 1_000_000]
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                 // position size (shares)
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                 // USD collateral
	FractionConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}                 // ratios, margins, utilization
	IndexConfig    = DecimalConfig{DecimalPrecision: 12, Scale: 1_000_000_000_000}        // borrow / funding indices
	RateConfig     = DecimalConfig{DecimalPrecision: 12, Scale: 1_000_000_000_000}        // borrow rate per hour
)

// One is the fraction-scale representation of 1.0.
const One = 1_000_000

// IndexOne is the index-scale representation of 1.0 (initial borrow index).
const IndexOne = 1_000_000_000_000

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// DivideInt128 performs numerator / denominator with rounding.
// Rounding is applied on the magnitude, so negative numerators round
// symmetrically to positive ones.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	negative := numerator.Sign() < 0

	abs := getInt128()
	abs.Abs(numerator)

	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	quotient.DivMod(abs, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)
		if cmp > 0 {
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() > 0 {
			result++
		}
	}

	putInt128(abs)
	putInt128(quotient)
	putInt128(remainder)

	if negative {
		return -result
	}
	return result
}

// MulDiv computes a*b/denominator through int128 with banker's rounding.
func MulDiv(a, b, denominator int64) int64 {
	temp := MultiplyInt128(a, b)
	result := DivideInt128(temp, denominator, RoundHalfEven)
	putInt128(temp)
	return result
}

// ComputeAvgEntryPrice calculates notional-weighted average entry price
// when a same-direction delta is added to an existing position.
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice int64) int64 {
	if oldSize == 0 {
		return fillPrice
	}

	term1 := MultiplyInt128(oldSize, oldAvgEntry)
	term2 := MultiplyInt128(fillQty, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	denominator := oldSize + fillQty

	result := DivideInt128(numerator, denominator, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ComputePnL calculates signed PnL for a (partial) close at the given price.
// sideSign is +1 for long, -1 for short.
func ComputePnL(sideSign, price, avgEntryPrice, qty int64) int64 {
	priceDiff := price - avgEntryPrice

	temp := MultiplyInt128(sideSign*priceDiff, qty)

	// Convert to quote precision: raw * quoteScale / (priceScale * qtyScale)
	temp.Mul(temp, big.NewInt(QuoteConfig.Scale))
	denominator := PriceConfig.Scale * QuantityConfig.Scale

	result := DivideInt128(temp, denominator, RoundHalfEven)

	putInt128(temp)

	return result
}

// ComputeNotional calculates size * price in quote precision.
func ComputeNotional(size, price int64) int64 {
	raw := MultiplyInt128(size, price)

	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	denominator := PriceConfig.Scale * QuantityConfig.Scale

	result := DivideInt128(raw, denominator, RoundHalfEven)

	putInt128(raw)

	return result
}

// GrowIndex applies a per-hour rate over elapsedMicros to an index value:
// newIndex = index * (1 + rate * elapsed/1h). The result is never below the
// input for rate >= 0.
func GrowIndex(index, ratePerHour, elapsedMicros int64) int64 {
	if ratePerHour <= 0 || elapsedMicros <= 0 {
		return index
	}

	// growth (rate scale) = rate * elapsedMicros / microsPerHour
	const microsPerHour = 3_600_000_000
	growth := MulDiv(ratePerHour, elapsedMicros, microsPerHour)

	// newIndex = index * (RateScale + growth) / RateScale
	return MulDiv(index, RateConfig.Scale+growth, RateConfig.Scale)
}

// BorrowFeeOwed computes notional * (currentIndex/positionIndex - 1),
// floored at zero when the index has not grown.
func BorrowFeeOwed(notional, currentIndex, positionIndex int64) int64 {
	if positionIndex <= 0 || currentIndex <= positionIndex {
		return 0
	}
	return MulDiv(notional, currentIndex-positionIndex, positionIndex)
}

// FundingOwed computes sideSign * size * (currentIndex - positionIndex) in
// quote precision. Positive means the position owes, negative means it
// receives. The funding index carries quote-per-share at index scale.
func FundingOwed(sideSign, size, currentIndex, positionIndex int64) int64 {
	delta := currentIndex - positionIndex
	if delta == 0 || size == 0 {
		return 0
	}

	temp := MultiplyInt128(size, delta)

	// quote(1e6) = size(1e6) * delta(1e12) / (qtyScale * indexScale / quoteScale)
	denominator := QuantityConfig.Scale * (IndexConfig.Scale / QuoteConfig.Scale)
	result := DivideInt128(temp, denominator, RoundHalfEven)

	putInt128(temp)

	return result * sideSign
}
