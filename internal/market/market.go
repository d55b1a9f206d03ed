package market

import (
	"fmt"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/position"
)

// Market is the per-underlying aggregate state. The ledger is the only
// writer; engines receive markets as read-only snapshots.
type Market struct {
	ID string

	TotalLongOI  int64 // quantity scale, >= 0
	TotalShortOI int64 // quantity scale, >= 0

	BorrowIndex  int64 // index scale, starts at 1.0, non-decreasing
	FundingIndex int64 // index scale, signed, starts at 0

	BorrowRatePerHour int64 // rate scale, EMA-smoothed
	LastAccrual       int64 // epoch micros of last borrow accrual

	ResolutionTime int64 // epoch micros
	Live           bool  // event in progress
	LiveStart      int64 // epoch micros, valid when Live

	Active     bool
	Volatility int64 // fraction scale, current volatility estimate
}

func New(id string, resolutionTime int64) *Market {
	return &Market{
		ID:             id,
		BorrowIndex:    fixedpoint.IndexOne,
		ResolutionTime: resolutionTime,
		Active:         true,
	}
}

// Phase buckets time-to-resolution and live status into OI-cap tiers.
type Phase int32

const (
	PhaseEarly       Phase = iota // more than 24h to resolution
	PhaseApproaching              // 12h-24h to resolution
	PhaseFinal                    // under 12h to resolution
	PhaseLive                     // event in progress
)

func (p Phase) String() string {
	switch p {
	case PhaseEarly:
		return "Early"
	case PhaseApproaching:
		return "Approaching"
	case PhaseFinal:
		return "Final"
	case PhaseLive:
		return "Live"
	default:
		return "Unknown"
	}
}

// CapFraction returns the phase multiplier applied to the global OI cap,
// at fraction scale. Caps tighten as resolution nears or the event goes live.
func (p Phase) CapFraction() int64 {
	switch p {
	case PhaseEarly:
		return 1_000_000
	case PhaseApproaching:
		return 750_000
	case PhaseFinal:
		return 500_000
	case PhaseLive:
		return 250_000
	default:
		return 250_000
	}
}

// PhaseAt derives the current phase from time-to-resolution and live status.
func (m *Market) PhaseAt(now int64) Phase {
	if m.Live {
		return PhaseLive
	}

	const hourMicros = 3_600_000_000
	remaining := m.ResolutionTime - now

	switch {
	case remaining > 24*hourMicros:
		return PhaseEarly
	case remaining > 12*hourMicros:
		return PhaseApproaching
	default:
		return PhaseFinal
	}
}

// SideOI returns the open interest on one side.
func (m *Market) SideOI(side position.Side) int64 {
	switch side {
	case position.SideLong:
		return m.TotalLongOI
	case position.SideShort:
		return m.TotalShortOI
	default:
		return 0
	}
}

// AddOI increases one side's open interest.
func (m *Market) AddOI(side position.Side, qty int64) {
	switch side {
	case position.SideLong:
		m.TotalLongOI += qty
	case position.SideShort:
		m.TotalShortOI += qty
	}
}

// RemoveOI decreases one side's open interest. Going negative means the
// ledger's bookkeeping is broken, so it fails loudly.
func (m *Market) RemoveOI(side position.Side, qty int64) error {
	switch side {
	case position.SideLong:
		if m.TotalLongOI < qty {
			return fmt.Errorf("long OI underflow for %s: have=%d, removing=%d", m.ID, m.TotalLongOI, qty)
		}
		m.TotalLongOI -= qty
	case position.SideShort:
		if m.TotalShortOI < qty {
			return fmt.Errorf("short OI underflow for %s: have=%d, removing=%d", m.ID, m.TotalShortOI, qty)
		}
		m.TotalShortOI -= qty
	}
	return nil
}

// Imbalance returns |long-short| / (long+short) at fraction scale,
// or 0 for an empty book.
func (m *Market) Imbalance() int64 {
	total := m.TotalLongOI + m.TotalShortOI
	if total == 0 {
		return 0
	}

	diff := m.TotalLongOI - m.TotalShortOI
	if diff < 0 {
		diff = -diff
	}

	return fixedpoint.MulDiv(diff, fixedpoint.One, total)
}

// Clone returns a copy safe to hand to read-only consumers.
func (m *Market) Clone() *Market {
	cp := *m
	return &cp
}
