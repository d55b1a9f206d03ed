package market_test

import (
	"testing"

	"github.com/notsatoshii/probledger/internal/fixedpoint"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/position"
)

const hourMicros = int64(3_600_000_000)

func TestPhaseAt(t *testing.T) {
	m := market.New("will-it-rain", 100*hourMicros)

	cases := []struct {
		name string
		now  int64
		want market.Phase
	}{
		{"far out", 0, market.PhaseEarly},
		{"just over 24h", 100*hourMicros - 25*hourMicros, market.PhaseEarly},
		{"inside 24h", 100*hourMicros - 20*hourMicros, market.PhaseApproaching},
		{"inside 12h", 100*hourMicros - 6*hourMicros, market.PhaseFinal},
		{"at resolution", 100 * hourMicros, market.PhaseFinal},
	}
	for _, tc := range cases {
		if got := m.PhaseAt(tc.now); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}

	m.Live = true
	if got := m.PhaseAt(0); got != market.PhaseLive {
		t.Errorf("live market: got %s, want Live", got)
	}
}

func TestCapFractionTightensTowardResolution(t *testing.T) {
	phases := []market.Phase{market.PhaseEarly, market.PhaseApproaching, market.PhaseFinal, market.PhaseLive}
	prev := int64(fixedpoint.One + 1)
	for _, p := range phases {
		f := p.CapFraction()
		if f >= prev {
			t.Errorf("cap fraction for %s (%d) not below previous phase (%d)", p, f, prev)
		}
		prev = f
	}
	if market.PhaseEarly.CapFraction() != fixedpoint.One {
		t.Errorf("early cap fraction: got %d, want 1.0", market.PhaseEarly.CapFraction())
	}
	if market.PhaseLive.CapFraction() != 250_000 {
		t.Errorf("live cap fraction: got %d, want 250_000", market.PhaseLive.CapFraction())
	}
}

func TestOIAccounting(t *testing.T) {
	m := market.New("will-it-rain", 100*hourMicros)

	m.AddOI(position.SideLong, 3_000_000)
	m.AddOI(position.SideShort, 1_000_000)
	if m.SideOI(position.SideLong) != 3_000_000 {
		t.Errorf("long oi: got %d, want 3_000_000", m.SideOI(position.SideLong))
	}

	if err := m.RemoveOI(position.SideLong, 2_000_000); err != nil {
		t.Fatalf("remove oi: %v", err)
	}
	if m.TotalLongOI != 1_000_000 {
		t.Errorf("long oi after remove: got %d, want 1_000_000", m.TotalLongOI)
	}

	if err := m.RemoveOI(position.SideShort, 2_000_000); err == nil {
		t.Error("removing more OI than exists should fail")
	}
}

func TestImbalance(t *testing.T) {
	m := market.New("will-it-rain", 100*hourMicros)
	if m.Imbalance() != 0 {
		t.Errorf("empty book imbalance: got %d, want 0", m.Imbalance())
	}

	m.TotalLongOI = 3_000_000
	m.TotalShortOI = 1_000_000
	if got := m.Imbalance(); got != 500_000 {
		t.Errorf("3:1 book imbalance: got %d, want 500_000", got)
	}

	m.TotalShortOI = 0
	if got := m.Imbalance(); got != fixedpoint.One {
		t.Errorf("one-sided book imbalance: got %d, want 1.0", got)
	}
}

func TestCloneIsolation(t *testing.T) {
	m := market.New("will-it-rain", 100*hourMicros)
	m.TotalLongOI = 5

	cp := m.Clone()
	cp.TotalLongOI = 99
	if m.TotalLongOI != 5 {
		t.Errorf("clone mutated original: got %d, want 5", m.TotalLongOI)
	}
}
