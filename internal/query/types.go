package query

import "github.com/google/uuid"

// PositionResponse is a position for API queries, with derived values
// computed at the live mark price.
type PositionResponse struct {
	Trader     uuid.UUID `json:"trader"`
	MarketID   string    `json:"market_id"`
	Side       string    `json:"side"`
	Size       int64     `json:"size"`
	EntryPrice int64     `json:"entry_price"`
	Collateral int64     `json:"collateral"`

	PendingBorrowFee int64 `json:"pending_borrow_fee"`
	PendingFunding   int64 `json:"pending_funding"` // signed: positive owed

	MarkPrice     int64 `json:"mark_price"`
	UnrealizedPnL int64 `json:"unrealized_pnl"`
	Equity        int64 `json:"equity"`
	RealizedPnL   int64 `json:"realized_pnl"`

	Liquidatable    bool   `json:"liquidatable"`
	LiquidationKind string `json:"liquidation_kind"`

	Version      int64 `json:"version"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// MarketResponse is a market aggregate for API queries.
type MarketResponse struct {
	MarketID     string `json:"market_id"`
	TotalLongOI  int64  `json:"total_long_oi"`
	TotalShortOI int64  `json:"total_short_oi"`

	BorrowIndex       int64 `json:"borrow_index"`
	FundingIndex      int64 `json:"funding_index"`
	BorrowRatePerHour int64 `json:"borrow_rate_per_hour"`

	ResolutionTime int64  `json:"resolution_time"`
	Phase          string `json:"phase"`
	Active         bool   `json:"active"`
	Live           bool   `json:"live"`

	MaxLeverage       int64 `json:"max_leverage"`
	EffectiveLeverage int64 `json:"effective_max_leverage"` // fraction scale
	GlobalOICap       int64 `json:"global_oi_cap"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// QuoteResponse is an execution price estimate for a prospective fill.
type QuoteResponse struct {
	MarketID string `json:"market_id"`
	Side     string `json:"side"`
	Size     int64  `json:"size"`

	MarkPrice      int64 `json:"mark_price"`
	ExecutionPrice int64 `json:"execution_price"`
	Impact         int64 `json:"impact"`

	AsOfSequence int64 `json:"as_of_sequence"`
}

// TransferHistoryEntry is one persisted transfer leg for API queries.
type TransferHistoryEntry struct {
	TransferID  string `json:"transfer_id"`
	BatchID     string `json:"batch_id"`
	Op          string `json:"op"`
	Sequence    int64  `json:"sequence"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      int64  `json:"amount"`
	Kind        int32  `json:"kind"`
	Timestamp   int64  `json:"timestamp_us"`
}
