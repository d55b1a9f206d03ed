package position

import (
	"github.com/google/uuid"
)

// Side is an explicit direction tag. Size is always a non-negative
// magnitude; signed arithmetic is derived from the tag, never from the
// sign of the size.
type Side int32

const (
	SideFlat Side = iota
	SideLong
	SideShort
)

func (s Side) String() string {
	switch s {
	case SideFlat:
		return "Flat"
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Opposite returns the opposing direction. Flat opposes itself.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	default:
		return SideFlat
	}
}

// Position is one leveraged exposure record. The ledger is the only writer;
// engines receive positions as read-only snapshots.
type Position struct {
	ID       uuid.UUID
	Trader   uuid.UUID
	MarketID string

	Side Side
	Size int64 // Fixed-point quantity scale, >= 0. Size == 0 means logically closed.

	EntryPrice int64 // Fixed-point price scale, domain (0, 1_000_000]
	Collateral int64 // Fixed-point quote scale, >= 0 at all times

	OpenedAt      int64 // Epoch micros
	LastFeeUpdate int64 // Epoch micros of last settlement

	SettledFees      int64 // Carry-over fees collected but not yet distributed
	LastBorrowIndex  int64 // Index snapshot at last settlement
	LastFundingIndex int64 // Index snapshot at last settlement

	RealizedPnL int64 // Cumulative, quote scale
	Version     int64
}

// IsFlat returns true if the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.Side == SideFlat || p.Size == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat.
func (p *Position) SideSign() int64 {
	switch p.Side {
	case SideLong:
		return 1
	case SideShort:
		return -1
	default:
		return 0
	}
}

// Clone returns a copy safe to hand to read-only consumers.
func (p *Position) Clone() *Position {
	cp := *p
	return &cp
}
