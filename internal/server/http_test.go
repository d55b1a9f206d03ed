package server_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/liquidation"
	"github.com/notsatoshii/probledger/internal/observability"
	"github.com/notsatoshii/probledger/internal/oracle"
	"github.com/notsatoshii/probledger/internal/query"
	"github.com/notsatoshii/probledger/internal/risk"
	"github.com/notsatoshii/probledger/internal/server"
	"github.com/notsatoshii/probledger/internal/testutil"
)

const (
	t0         = int64(1_000_000)
	resolution = t0 + 48*3_600_000_000

	marketID = "will-it-rain"
)

type rig struct {
	h      *testutil.Harness
	health *observability.HealthChecker
	router http.Handler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	h := testutil.NewHarness(t)

	health := observability.NewHealthChecker()
	srv := server.New("127.0.0.1:0", server.Deps{
		Ledger:  h.Ledger,
		Query:   query.NewService(h.Ledger, risk.NewEngine(risk.DefaultConfig(), h.Pool, h.Fund), h.Prices, oracle.NewImpactQuoter(h.Prices, h.Pool), nil),
		Liq:     liquidation.NewEngine(h.Ledger, h.Engine, zerolog.Nop()),
		Policy:  h.Policy,
		Prices:  h.Prices,
		Health:  health,
		Log:     zerolog.Nop(),
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry()),
		NowFn:   func() int64 { return t0 },
	})
	return &rig{h: h, health: health, router: srv.Router()}
}

// do issues a request against the router; callerID may be empty.
func (rg *rig) do(method, path, callerID, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if callerID != "" {
		req.Header.Set(server.CallerHeader, callerID)
	}
	w := httptest.NewRecorder()
	rg.router.ServeHTTP(w, req)
	return w
}

func (rg *rig) addMarket(t *testing.T) {
	t.Helper()
	body := fmt.Sprintf(`{"market_id":%q,"resolution_time_us":%d}`, marketID, resolution)
	w := rg.do("POST", "/v1/admin/markets", testutil.AdminID, body)
	if w.Code != http.StatusCreated {
		t.Fatalf("add market: status %d, body %s", w.Code, w.Body.String())
	}
	if err := rg.h.Prices.Put(marketID, 500_000, t0, t0); err != nil {
		t.Fatalf("put price: %v", err)
	}
}

func fillBody(trader uuid.UUID, size, price, collateral int64) string {
	return fmt.Sprintf(`{"trader":%q,"market_id":%q,"side":"long","size":%d,"price":%d,"collateral_delta":%d}`,
		trader, marketID, size, price, collateral)
}

func TestHealthEndpoints(t *testing.T) {
	rg := newRig(t)

	if w := rg.do("GET", "/healthz", "", ""); w.Code != http.StatusOK {
		t.Errorf("liveness: status %d, want 200", w.Code)
	}
	if w := rg.do("GET", "/readyz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("readiness before ready: status %d, want 503", w.Code)
	}
	rg.health.SetReady(true)
	if w := rg.do("GET", "/readyz", "", ""); w.Code != http.StatusOK {
		t.Errorf("readiness after ready: status %d, want 200", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rg := newRig(t)
	if w := rg.do("GET", "/metrics", "", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: status %d, want 200", w.Code)
	}
}

func TestFillRoundTrip(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)
	trader := uuid.New()

	w := rg.do("POST", "/v1/fills", testutil.EngineID, fillBody(trader, 1_000_000_000, 500_000, 250_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("fill: status %d, body %s", w.Code, w.Body.String())
	}

	var resp struct {
		Sequence int64  `json:"sequence"`
		Op       string `json:"op"`
		MarketID string `json:"market_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Sequence != 1 || resp.Op != "open" || resp.MarketID != marketID {
		t.Errorf("batch response: %+v", resp)
	}

	w = rg.do("GET", "/v1/traders/"+trader.String()+"/positions/"+marketID, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("get position: status %d, body %s", w.Code, w.Body.String())
	}
	w = rg.do("GET", "/v1/markets/"+marketID, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("get market: status %d", w.Code)
	}

	w = rg.do("GET", "/v1/sequence", "", "")
	var seq map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &seq); err != nil {
		t.Fatalf("decode sequence: %v", err)
	}
	if seq["sequence"] != 1 {
		t.Errorf("sequence: got %d, want 1", seq["sequence"])
	}
}

func TestFillWithoutCaller(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)

	w := rg.do("POST", "/v1/fills", "", fillBody(uuid.New(), 1_000_000_000, 500_000, 250_000_000))
	if w.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated fill: status %d, want 403", w.Code)
	}
	var resp struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != "authorization" {
		t.Errorf("error kind: got %q, want authorization", resp.Kind)
	}
}

func TestFillBadRequests(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)

	cases := []struct {
		name string
		body string
	}{
		{"bad trader id", `{"trader":"not-a-uuid","market_id":"m","side":"long","size":1,"price":1}`},
		{"bad side", fmt.Sprintf(`{"trader":%q,"market_id":"m","side":"hold","size":1,"price":1}`, uuid.New())},
		{"unknown field", fmt.Sprintf(`{"trader":%q,"market_id":"m","side":"long","size":1,"price":1,"leverage":50}`, uuid.New())},
		{"malformed json", `{not json`},
	}
	for _, tc := range cases {
		if w := rg.do("POST", "/v1/fills", testutil.EngineID, tc.body); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", tc.name, w.Code)
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)

	// Margin rejection maps to 422.
	w := rg.do("POST", "/v1/fills", testutil.EngineID, fillBody(uuid.New(), 1_000_000_000, 500_000, 1_000_000))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("margin rejection: status %d, want 422", w.Code)
	}

	// Unknown market is a validation error, 400.
	body := fmt.Sprintf(`{"trader":%q,"market_id":"no-such-market","side":"long","size":1,"price":500000,"collateral_delta":1}`, uuid.New())
	if w := rg.do("POST", "/v1/fills", testutil.EngineID, body); w.Code != http.StatusBadRequest {
		t.Errorf("unknown market: status %d, want 400", w.Code)
	}

	// Liquidating a healthy position is a state conflict, 409.
	trader := uuid.New()
	w = rg.do("POST", "/v1/fills", testutil.EngineID, fillBody(trader, 1_000_000_000, 500_000, 250_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("fill: status %d, body %s", w.Code, w.Body.String())
	}
	liqBody := fmt.Sprintf(`{"trader":%q,"market_id":%q,"liquidator":%q}`, trader, marketID, uuid.New())
	if w := rg.do("POST", "/v1/liquidations", testutil.EngineID, liqBody); w.Code != http.StatusConflict {
		t.Errorf("healthy liquidation: status %d, want 409", w.Code)
	}
}

func TestAdminEndpointsRejectNonAdmin(t *testing.T) {
	rg := newRig(t)

	body := fmt.Sprintf(`{"market_id":%q,"resolution_time_us":%d}`, marketID, resolution)
	if w := rg.do("POST", "/v1/admin/markets", testutil.EngineID, body); w.Code != http.StatusForbidden {
		t.Errorf("engine adding market: status %d, want 403", w.Code)
	}
}

func TestSweepEndpoint(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)
	trader := uuid.New()

	w := rg.do("POST", "/v1/fills", testutil.EngineID, fillBody(trader, 1_000_000_000, 500_000, 100_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("fill: status %d, body %s", w.Code, w.Body.String())
	}
	// Crash the mark so the position is underwater at sweep time.
	if err := rg.h.Prices.Put(marketID, 420_000, t0+1, t0+1); err != nil {
		t.Fatalf("put price: %v", err)
	}

	body := fmt.Sprintf(`{"market_id":%q,"liquidator":%q,"timestamp_us":%d}`, marketID, uuid.New(), t0+1)
	w = rg.do("POST", "/v1/liquidations/sweep", testutil.EngineID, body)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Candidates int `json:"candidates"`
		Succeeded  int `json:"succeeded"`
		Failed     int `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Candidates != 1 || resp.Succeeded != 1 || resp.Failed != 0 {
		t.Errorf("sweep outcome: %+v, want 1 candidate liquidated", resp)
	}
}

func TestTransferHistoryWithoutDatabase(t *testing.T) {
	rg := newRig(t)

	w := rg.do("GET", "/v1/traders/"+uuid.New().String()+"/transfers", "", "")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("history without db: status %d, want 500", w.Code)
	}
}

func TestPriceBatchEndpoint(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)

	// One good update and one out-of-range price: the push reports a
	// per-item tally instead of failing outright.
	body := fmt.Sprintf(`{"updates":[{"market_id":%q,"price":630000,"sequence":%d,"timestamp_us":%d},{"market_id":%q,"price":2000000,"sequence":%d,"timestamp_us":%d}]}`,
		marketID, t0+1, t0+1, marketID, t0+2, t0+2)
	w := rg.do("POST", "/v1/keeper/prices", testutil.KeeperID, body)
	if w.Code != http.StatusOK {
		t.Fatalf("price batch: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Succeeded != 1 || resp.Failed != 1 {
		t.Errorf("tally: %+v, want 1 succeeded 1 failed", resp)
	}

	price, err := rg.h.Prices.GetMarkPrice(marketID)
	if err != nil {
		t.Fatalf("GetMarkPrice: %v", err)
	}
	if price != 630_000 {
		t.Errorf("mark price: got %d, want 630000", price)
	}
}

func TestPriceBatchRequiresKeeperRole(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)

	body := fmt.Sprintf(`{"updates":[{"market_id":%q,"price":630000,"sequence":%d}]}`, marketID, t0+1)
	if w := rg.do("POST", "/v1/keeper/prices", testutil.EngineID, body); w.Code != http.StatusForbidden {
		t.Errorf("engine pushing prices: status %d, want 403", w.Code)
	}
	if w := rg.do("POST", "/v1/keeper/prices", testutil.KeeperID, `{"updates":[]}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty updates: status %d, want 400", w.Code)
	}
}

func TestPartialLiquidationEndpoint(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)
	trader := uuid.New()

	w := rg.do("POST", "/v1/fills", testutil.EngineID, fillBody(trader, 1_000_000_000, 500_000, 100_000_000))
	if w.Code != http.StatusOK {
		t.Fatalf("fill: status %d, body %s", w.Code, w.Body.String())
	}
	if err := rg.h.Prices.Put(marketID, 420_000, t0+1, t0+1); err != nil {
		t.Fatalf("put price: %v", err)
	}

	body := fmt.Sprintf(`{"trader":%q,"market_id":%q,"liquidator":%q,"target_size":600000000,"timestamp_us":%d}`,
		trader, marketID, uuid.New(), t0+1)
	w = rg.do("POST", "/v1/liquidations", testutil.EngineID, body)
	if w.Code != http.StatusOK {
		t.Fatalf("partial liquidation: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Kind       string `json:"kind"`
		ClosedSize int64  `json:"closed_size"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Kind != "Partial" || resp.ClosedSize != 400_000_000 {
		t.Errorf("result: %+v, want Partial close of 400_000_000", resp)
	}
}

func TestQuoteEndpoint(t *testing.T) {
	rg := newRig(t)
	rg.addMarket(t)

	w := rg.do("GET", "/v1/markets/"+marketID+"/quote?side=long&size=1000000000", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("quote: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		MarkPrice      int64 `json:"mark_price"`
		ExecutionPrice int64 `json:"execution_price"`
		Impact         int64 `json:"impact"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// $500 notional against $1M of two-sided depth shifts the 0.50 mark
	// by 0.000125.
	if resp.MarkPrice != 500_000 || resp.ExecutionPrice != 500_125 || resp.Impact != 125 {
		t.Errorf("quote: %+v, want mark 500000 exec 500125 impact 125", resp)
	}

	if w := rg.do("GET", "/v1/markets/"+marketID+"/quote?side=hold&size=10", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad side: status %d, want 400", w.Code)
	}
	if w := rg.do("GET", "/v1/markets/"+marketID+"/quote?side=short&size=0", "", ""); w.Code != http.StatusBadRequest {
		t.Errorf("zero size: status %d, want 400", w.Code)
	}
}
