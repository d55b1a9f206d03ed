package liquidation_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/ledger"
	"github.com/notsatoshii/probledger/internal/liquidation"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/position"
	"github.com/notsatoshii/probledger/internal/testutil"
)

const (
	t0         = int64(1_000_000)
	resolution = t0 + 48*3_600_000_000

	marketID = "will-it-rain"
)

// setup lists the test market and opens five 1000-share longs at 0.50:
// three thinly collateralized at $100, two comfortably at $250.
func setup(t *testing.T) (*testutil.Harness, *liquidation.Engine, []uuid.UUID, []uuid.UUID) {
	t.Helper()
	h := testutil.NewHarness(t)

	mkt := market.New(marketID, resolution)
	cfg := market.DefaultRiskConfig(marketID)
	if err := h.Ledger.AddMarket(h.Admin, mkt, cfg); err != nil {
		t.Fatalf("add market: %v", err)
	}
	if err := h.Prices.Put(marketID, 500_000, t0, t0); err != nil {
		t.Fatalf("put price: %v", err)
	}

	open := func(collateral int64) uuid.UUID {
		trader := uuid.New()
		_, err := h.Ledger.Open(h.Engine, ledger.OpenParams{
			Trader: trader, MarketID: marketID,
			Side: position.SideLong, Size: 1_000_000_000, Price: 500_000,
			CollateralDelta: collateral, Now: t0,
		})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return trader
	}

	var thin, safe []uuid.UUID
	for i := 0; i < 3; i++ {
		thin = append(thin, open(100_000_000))
	}
	for i := 0; i < 2; i++ {
		safe = append(safe, open(250_000_000))
	}

	eng := liquidation.NewEngine(h.Ledger, h.Engine, zerolog.Nop())
	return h, eng, thin, safe
}

func crash(t *testing.T, h *testutil.Harness) {
	t.Helper()
	// 0.42 puts the $100-collateral positions underwater and leaves the
	// $250 ones healthy.
	if err := h.Prices.Put(marketID, 420_000, t0+1, t0+1); err != nil {
		t.Fatalf("put price: %v", err)
	}
}

func TestScanFindsUnderwaterPositions(t *testing.T) {
	h, eng, thin, _ := setup(t)

	candidates, err := eng.Scan(marketID)
	if err != nil {
		t.Fatalf("scan healthy market: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("healthy market: got %d candidates, want 0", len(candidates))
	}

	crash(t, h)
	candidates, err = eng.Scan(marketID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(candidates) != len(thin) {
		t.Fatalf("candidates: got %d, want %d", len(candidates), len(thin))
	}

	flagged := make(map[uuid.UUID]bool, len(candidates))
	for _, c := range candidates {
		flagged[c.Trader] = true
	}
	for _, trader := range thin {
		if !flagged[trader] {
			t.Errorf("underwater trader %s not flagged", trader)
		}
	}
}

func TestBatchLiquidateSkipsRecovered(t *testing.T) {
	h, eng, thin, safe := setup(t)
	crash(t, h)

	candidates, err := eng.Scan(marketID)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	// Healthy positions slipped into the batch count as skips, the way a
	// candidate that recovered between scan and execution would.
	for _, trader := range safe {
		candidates = append(candidates, liquidation.Candidate{Trader: trader, MarketID: marketID})
	}

	out := eng.BatchLiquidate(candidates, uuid.New(), t0+1)
	if out.Succeeded != len(thin) {
		t.Errorf("succeeded: got %d, want %d", out.Succeeded, len(thin))
	}
	if out.Skipped != len(safe) {
		t.Errorf("skipped: got %d, want %d", out.Skipped, len(safe))
	}
	if out.Failed != 0 {
		t.Errorf("failed: got %d, want 0; errors: %v", out.Failed, out.Errors)
	}
}

func TestSweepMarket(t *testing.T) {
	h, eng, thin, safe := setup(t)
	crash(t, h)

	out, err := eng.SweepMarket(marketID, uuid.New(), t0+1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if out.Succeeded != len(thin) || out.Failed != 0 {
		t.Errorf("sweep: succeeded=%d failed=%d, want %d/0", out.Succeeded, out.Failed, len(thin))
	}

	for _, trader := range thin {
		if _, ok := h.Ledger.GetPosition(trader, marketID); ok {
			t.Errorf("trader %s still has a position after sweep", trader)
		}
	}
	for _, trader := range safe {
		if _, ok := h.Ledger.GetPosition(trader, marketID); !ok {
			t.Errorf("healthy trader %s was liquidated", trader)
		}
	}

	// A second sweep finds nothing left to do.
	out, err = eng.SweepMarket(marketID, uuid.New(), t0+2)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if out.Succeeded != 0 || out.Skipped != 0 || out.Failed != 0 {
		t.Errorf("second sweep: %+v, want all zero", out)
	}
}
