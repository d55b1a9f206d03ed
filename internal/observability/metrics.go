package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// Core ledger
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec
	Sequence    prometheus.Gauge

	// Markets
	BorrowRate   *prometheus.GaugeVec
	BorrowIndex  *prometheus.GaugeVec
	FundingIndex *prometheus.GaugeVec
	OpenInterest *prometheus.GaugeVec

	// Liquidation
	Liquidations       *prometheus.CounterVec
	LiquidationBadDebt *prometheus.CounterVec
	InsuranceBalance   prometheus.Gauge
	PoolUtilization    prometheus.Gauge

	// Keeper ingestion
	KeeperUpdates      *prometheus.CounterVec
	KeeperParseErrors  *prometheus.CounterVec
	KeeperDuplicates   *prometheus.CounterVec
	StalePricesDropped *prometheus.CounterVec

	// Persistence
	PersistBatchesWritten   prometheus.Counter
	PersistTransfersWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge
	PersistBackpressure     prometheus.Counter

	// Query API
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on an explicit registerer. Tests pass a
// fresh registry so repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_ledger_ops_applied_total",
			Help: "Ledger operations successfully committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_ledger_ops_rejected_total",
			Help: "Ledger operations rejected, by error kind",
		}, []string{"op", "kind"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prob_ledger_op_duration_seconds",
			Help:    "Time to apply a single ledger operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "prob_ledger_sequence",
			Help: "Current global sequence number",
		}),

		BorrowRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prob_market_borrow_rate_per_hour",
			Help: "Applied borrow rate per hour, rate scale",
		}, []string{"market_id"}),

		BorrowIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prob_market_borrow_index",
			Help: "Cumulative borrow index, index scale",
		}, []string{"market_id"}),

		FundingIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prob_market_funding_index",
			Help: "Cumulative funding index, index scale",
		}, []string{"market_id"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "prob_market_open_interest",
			Help: "Open interest per side, quantity scale",
		}, []string{"market_id", "side"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_liquidations_total",
			Help: "Liquidations executed, by kind",
		}, []string{"market_id", "kind"}),

		LiquidationBadDebt: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_liquidation_bad_debt_total",
			Help: "Bad debt drawn from the insurance fund",
		}, []string{"market_id"}),

		InsuranceBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "prob_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		PoolUtilization: f.NewGauge(prometheus.GaugeOpts{
			Name: "prob_pool_utilization",
			Help: "LP pool utilization, fraction scale",
		}),

		KeeperUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_keeper_updates_total",
			Help: "Keeper messages applied, by type",
		}, []string{"type"}),

		KeeperParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_keeper_parse_errors_total",
			Help: "Keeper messages dropped as unparseable",
		}, []string{"type"}),

		KeeperDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_keeper_duplicates_total",
			Help: "Keeper messages skipped as already applied",
		}, []string{"type"}),

		StalePricesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_stale_prices_dropped_total",
			Help: "Price updates dropped for stale sequence",
		}, []string{"market_id"}),

		PersistBatchesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "prob_persist_batches_written_total",
			Help: "Transfer batches written to Postgres",
		}),

		PersistTransfersWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "prob_persist_transfers_written_total",
			Help: "Transfers written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "prob_persist_batch_size",
			Help:    "Batches per write",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"kind"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "prob_persist_retries_total",
			Help: "Write retries after transient failure",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "prob_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "prob_persist_backpressure_total",
			Help: "Times the persist channel blocked the core",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prob_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: latencyBuckets,
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "prob_query_errors_total",
			Help: "Query API errors",
		}, []string{"endpoint", "kind"}),
	}
}
