// Package keeper ingests off-core updates over NATS JetStream: mark
// prices, funding deltas, volatility estimates, and accrual ticks. The
// keeper shell validates and converts wire payloads before anything
// reaches the ledger.
package keeper

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
)

// Update is a parsed keeper message, ready to apply.
type Update interface {
	updateType() string
}

// PriceUpdate carries one smoothed mark probability.
type PriceUpdate struct {
	Market      string
	Price       int64 // price scale
	Sequence    int64
	TimestampUs int64
}

// FundingDelta shifts a market's cumulative funding index.
type FundingDelta struct {
	Market      string
	DeltaIndex  int64 // index scale, signed
	TimestampUs int64
}

// VolatilityUpdate carries the keeper's volatility estimate.
type VolatilityUpdate struct {
	Market      string
	Volatility  int64 // fraction scale
	TimestampUs int64
}

// AccrualTick triggers a borrow accrual sweep across all active markets.
type AccrualTick struct {
	TimestampUs int64
}

func (PriceUpdate) updateType() string      { return "price" }
func (FundingDelta) updateType() string     { return "funding" }
func (VolatilityUpdate) updateType() string { return "volatility" }
func (AccrualTick) updateType() string      { return "accrual" }

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Probabilities
// and rates arrive as decimal strings and are converted to fixed point
// exactly; a payload that does not fit the scale is rejected, not rounded
// silently.

type priceJSON struct {
	Market      string `json:"market"`
	Price       string `json:"price"` // decimal probability, e.g. "0.4275"
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

type fundingJSON struct {
	Market      string `json:"market"`
	DeltaIndex  string `json:"delta_index"` // decimal, e.g. "-0.00013"
	TimestampUs int64  `json:"timestamp_us"`
}

type volatilityJSON struct {
	Market      string `json:"market"`
	Volatility  string `json:"volatility"` // decimal fraction, e.g. "0.35"
	TimestampUs int64  `json:"timestamp_us"`
}

type accrualJSON struct {
	TimestampUs int64 `json:"timestamp_us"`
}

// Parse converts a raw payload for the given update type into a typed
// Update.
func Parse(updateType string, data []byte) (Update, error) {
	switch updateType {
	case "price":
		return parsePrice(data)
	case "funding":
		return parseFunding(data)
	case "volatility":
		return parseVolatility(data)
	case "accrual":
		return parseAccrual(data)
	default:
		return nil, fmt.Errorf("unknown update type: %s", updateType)
	}
}

func parsePrice(data []byte) (PriceUpdate, error) {
	var j priceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price: %w", err)
	}
	if j.Market == "" {
		return PriceUpdate{}, fmt.Errorf("parse price: empty market")
	}

	price, err := toScaled(j.Price, 6)
	if err != nil {
		return PriceUpdate{}, fmt.Errorf("parse price for %s: %w", j.Market, err)
	}
	if price <= 0 || price > fixedpoint.One {
		return PriceUpdate{}, fmt.Errorf("parse price for %s: %q outside (0, 1]", j.Market, j.Price)
	}

	return PriceUpdate{
		Market:      j.Market,
		Price:       price,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}

func parseFunding(data []byte) (FundingDelta, error) {
	var j fundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return FundingDelta{}, fmt.Errorf("parse funding: %w", err)
	}
	if j.Market == "" {
		return FundingDelta{}, fmt.Errorf("parse funding: empty market")
	}

	delta, err := toScaled(j.DeltaIndex, 12)
	if err != nil {
		return FundingDelta{}, fmt.Errorf("parse funding delta for %s: %w", j.Market, err)
	}

	return FundingDelta{
		Market:      j.Market,
		DeltaIndex:  delta,
		TimestampUs: j.TimestampUs,
	}, nil
}

func parseVolatility(data []byte) (VolatilityUpdate, error) {
	var j volatilityJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return VolatilityUpdate{}, fmt.Errorf("parse volatility: %w", err)
	}
	if j.Market == "" {
		return VolatilityUpdate{}, fmt.Errorf("parse volatility: empty market")
	}

	vol, err := toScaled(j.Volatility, 6)
	if err != nil {
		return VolatilityUpdate{}, fmt.Errorf("parse volatility for %s: %w", j.Market, err)
	}
	if vol < 0 {
		return VolatilityUpdate{}, fmt.Errorf("parse volatility for %s: negative", j.Market)
	}

	return VolatilityUpdate{
		Market:      j.Market,
		Volatility:  vol,
		TimestampUs: j.TimestampUs,
	}, nil
}

func parseAccrual(data []byte) (AccrualTick, error) {
	var j accrualJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return AccrualTick{}, fmt.Errorf("parse accrual tick: %w", err)
	}
	return AccrualTick{TimestampUs: j.TimestampUs}, nil
}

// toScaled converts a decimal string to an int64 at 10^exp scale, rejecting
// values that lose precision or overflow.
func toScaled(s string, exp int32) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}

	shifted := d.Shift(exp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%q has more than %d decimal places", s, exp)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%q overflows at scale 1e%d", s, exp)
	}
	return shifted.IntPart(), nil
}
