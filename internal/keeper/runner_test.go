package keeper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/keeper"
	"github.com/notsatoshii/probledger/internal/market"
	"github.com/notsatoshii/probledger/internal/testutil"
)

const (
	t0         = int64(1_000_000)
	resolution = t0 + 48*3_600_000_000

	marketID = "will-it-rain"
)

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memDedup) Record(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

type ackResult int

const (
	acked ackResult = iota
	naked
)

func newRunnerUnderTest(t *testing.T) (*testutil.Harness, chan keeper.RawMsg) {
	t.Helper()
	h := testutil.NewHarness(t)
	if err := h.Ledger.AddMarket(h.Admin, market.New(marketID, resolution), market.DefaultRiskConfig(marketID)); err != nil {
		t.Fatalf("add market: %v", err)
	}

	msgChan := make(chan keeper.RawMsg, 16)
	r := keeper.NewRunner(h.Ledger, h.Prices, h.Keeper, msgChan, &memDedup{seen: make(map[string]bool)},
		zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, msgChan
}

// send delivers one message and waits for its ack or nak.
func send(t *testing.T, ch chan keeper.RawMsg, updateType, msgID string, data string) ackResult {
	t.Helper()
	results := make(chan ackResult, 1)
	ch <- keeper.RawMsg{
		UpdateType: updateType,
		Subject:    "prob." + updateType + ".test",
		MsgID:      msgID,
		Data:       []byte(data),
		Received:   time.Now(),
		Ack:        func() { results <- acked },
		Nak:        func() { results <- naked },
	}
	select {
	case res := <-results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("message was neither acked nor naked")
		return naked
	}
}

func TestRunnerAppliesPriceUpdates(t *testing.T) {
	h, msgChan := newRunnerUnderTest(t)

	res := send(t, msgChan, "price", "", `{"market":"will-it-rain","price":"0.63","sequence":1,"timestamp_us":1000000}`)
	if res != acked {
		t.Fatal("price update was naked")
	}

	got, err := h.Prices.GetMarkPrice(marketID)
	if err != nil {
		t.Fatalf("mark price: %v", err)
	}
	if got != 630_000 {
		t.Errorf("mark price: got %d, want 630_000", got)
	}
}

func TestRunnerAcksUnparseable(t *testing.T) {
	_, msgChan := newRunnerUnderTest(t)

	// Redelivery cannot fix a malformed payload, so it is acked away.
	if res := send(t, msgChan, "price", "", `{broken`); res != acked {
		t.Error("unparseable message was naked")
	}
}

func TestRunnerNaksFailedApply(t *testing.T) {
	_, msgChan := newRunnerUnderTest(t)

	// Unknown market fails validation in the ledger; redelivery might
	// succeed once the market is listed.
	res := send(t, msgChan, "funding", "", `{"market":"not-listed","delta_index":"0.001","timestamp_us":1}`)
	if res != naked {
		t.Error("failed funding apply was acked")
	}
}

func TestRunnerSkipsRedeliveredFunding(t *testing.T) {
	h, msgChan := newRunnerUnderTest(t)

	payload := `{"market":"will-it-rain","delta_index":"0.001","timestamp_us":1}`
	if res := send(t, msgChan, "funding", "funding-tick-77", payload); res != acked {
		t.Fatal("first delivery was naked")
	}
	// Same message ID again: acked, not applied.
	if res := send(t, msgChan, "funding", "funding-tick-77", payload); res != acked {
		t.Fatal("redelivery was naked")
	}

	mkt, _ := h.Ledger.GetMarket(marketID)
	if mkt.FundingIndex != 1_000_000_000 {
		t.Errorf("funding index: got %d, want single application 1_000_000_000", mkt.FundingIndex)
	}
}
