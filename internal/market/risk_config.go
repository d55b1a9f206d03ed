package market

import "fmt"

// RiskConfig defines leverage, margin, and borrow-rate parameters per
// market. Fractions use scale 1_000_000; rates use the per-hour rate scale.
type RiskConfig struct {
	MarketID string

	MaxLeverage      int64 // base max leverage before dynamic scaling, e.g. 5
	MaintenanceRatio int64 // MM fraction of notional, e.g. 50_000 = 5%
	LiquidationBuffer int64 // relative buffer on MM before triggering, e.g. 20_000 = 2%

	LiquidationPenalty   int64 // fraction of closed notional seized, e.g. 50_000 = 5%
	PartialCloseFraction int64 // fraction closed on a partial liquidation, e.g. 500_000 = 50%

	BaseBorrowRate int64 // per-hour, rate scale
	MinBorrowRate  int64
	MaxBorrowRate  int64

	MaxSideOI int64 // per-side open interest cap, quantity scale
}

// DefaultRiskConfig returns conservative parameters for a newly listed market.
func DefaultRiskConfig(marketID string) *RiskConfig {
	return &RiskConfig{
		MarketID:             marketID,
		MaxLeverage:          5,
		MaintenanceRatio:     50_000,  // 5%
		LiquidationBuffer:    20_000,  // 2%
		LiquidationPenalty:   50_000,  // 5%
		PartialCloseFraction: 500_000, // 50%
		BaseBorrowRate:       11_000_000,          // ~0.0011%/h, ~10%/yr
		MinBorrowRate:        1_000_000,
		MaxBorrowRate:        1_000_000_000,       // 0.1%/h hard ceiling
		MaxSideOI:            1_000_000_000_000,   // 1M shares
	}
}

// Validate checks that risk parameters are within valid ranges.
func (c *RiskConfig) Validate() error {
	if c.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be > 0, got %d", c.MaxLeverage)
	}
	if c.MaintenanceRatio <= 0 || c.MaintenanceRatio >= 1_000_000 {
		return fmt.Errorf("maintenance_ratio out of range: %d", c.MaintenanceRatio)
	}
	if c.LiquidationBuffer < 0 {
		return fmt.Errorf("liquidation_buffer must be >= 0, got %d", c.LiquidationBuffer)
	}
	if c.LiquidationPenalty < 0 || c.LiquidationPenalty >= 1_000_000 {
		return fmt.Errorf("liquidation_penalty out of range: %d", c.LiquidationPenalty)
	}
	if c.PartialCloseFraction <= 0 || c.PartialCloseFraction >= 1_000_000 {
		return fmt.Errorf("partial_close_fraction out of range: %d", c.PartialCloseFraction)
	}
	if c.MinBorrowRate < 0 || c.MaxBorrowRate < c.MinBorrowRate {
		return fmt.Errorf("borrow rate bounds invalid: min=%d, max=%d", c.MinBorrowRate, c.MaxBorrowRate)
	}
	if c.MaxSideOI <= 0 {
		return fmt.Errorf("max_side_oi must be > 0, got %d", c.MaxSideOI)
	}
	return nil
}
