package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// digestSeed versions the snapshot hashing scheme.
const digestSeed = "probledger:snapshot:v1"

// SnapshotManager persists and restores point-in-time ledger state for
// warm restarts: positions, market indices, cached mark prices, and the
// sequence counter.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence    int64                `json:"sequence"`
	Positions   []PositionSnapshot   `json:"positions"`
	Markets     []MarketSnapshot     `json:"markets"`
	RiskConfigs []RiskConfigSnapshot `json:"risk_configs"`
	MarkPrices  map[string]int64     `json:"mark_prices"` // marketID -> price
	CreatedAt   time.Time            `json:"created_at"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	ID               string `json:"id"`
	Trader           string `json:"trader"`
	MarketID         string `json:"market_id"`
	Side             int32  `json:"side"`
	Size             int64  `json:"size"`
	EntryPrice       int64  `json:"entry_price"`
	Collateral       int64  `json:"collateral"`
	OpenedAt         int64  `json:"opened_at"`
	LastFeeUpdate    int64  `json:"last_fee_update"`
	SettledFees      int64  `json:"settled_fees"`
	LastBorrowIndex  int64  `json:"last_borrow_index"`
	LastFundingIndex int64  `json:"last_funding_index"`
	RealizedPnL      int64  `json:"realized_pnl"`
	Version          int64  `json:"version"`
}

// MarketSnapshot is a serializable market aggregate.
type MarketSnapshot struct {
	ID                string `json:"id"`
	TotalLongOI       int64  `json:"total_long_oi"`
	TotalShortOI      int64  `json:"total_short_oi"`
	BorrowIndex       int64  `json:"borrow_index"`
	FundingIndex      int64  `json:"funding_index"`
	BorrowRatePerHour int64  `json:"borrow_rate_per_hour"`
	LastAccrual       int64  `json:"last_accrual"`
	ResolutionTime    int64  `json:"resolution_time"`
	Live              bool   `json:"live"`
	LiveStart         int64  `json:"live_start"`
	Active            bool   `json:"active"`
	Volatility        int64  `json:"volatility"`
}

// RiskConfigSnapshot is a serializable per-market risk configuration.
type RiskConfigSnapshot struct {
	MarketID             string `json:"market_id"`
	MaxLeverage          int64  `json:"max_leverage"`
	MaintenanceRatio     int64  `json:"maintenance_ratio"`
	LiquidationBuffer    int64  `json:"liquidation_buffer"`
	LiquidationPenalty   int64  `json:"liquidation_penalty"`
	PartialCloseFraction int64  `json:"partial_close_fraction"`
	BaseBorrowRate       int64  `json:"base_borrow_rate"`
	MinBorrowRate        int64  `json:"min_borrow_rate"`
	MaxBorrowRate        int64  `json:"max_borrow_rate"`
	MaxSideOI            int64  `json:"max_side_oi"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// stateDigest computes the snapshot integrity hash:
// SHA-256(seed || sequence LE || payload), hex encoded.
func stateDigest(sequence int64, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(digestSeed))
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	h.Write(seqBuf[:])
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// SaveSnapshot persists a snapshot to Postgres along with its state hash.
// Snapshots are taken periodically and verified before they become restore
// candidates.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, snapshotID, snap.Sequence, data, stateDigest(snap.Sequence, data), formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil for a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM ledger.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified recomputes the stored snapshot's state hash and, if it
// matches, marks the snapshot as a restore candidate. The digest is taken
// over a canonical re-marshal because JSONB storage does not preserve the
// original byte encoding.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, state_hash FROM ledger.snapshots WHERE sequence = $1
	`, sequence)

	var data []byte
	var storedHash string
	if err := row.Scan(&data, &storedHash); err != nil {
		return fmt.Errorf("load snapshot %d for verification: %w", sequence, err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot %d: %w", sequence, err)
	}
	canonical, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("remarshal snapshot %d: %w", sequence, err)
	}

	if got := stateDigest(sequence, canonical); got != strings.TrimSpace(storedHash) {
		return fmt.Errorf("snapshot %d failed integrity check: state hash mismatch", sequence)
	}

	_, err = sm.db.ExecContext(ctx, `
		UPDATE ledger.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadBatchesFrom loads persisted batch headers from a given sequence, for
// audit and recovery tooling.
func (sm *SnapshotManager) LoadBatchesFrom(ctx context.Context, fromSequence int64, limit int) ([]BatchRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT batch_id, sequence, op, market_id, trader, ts_us
		FROM ledger.batches
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []BatchRow
	for rows.Next() {
		var b BatchRow
		if err := rows.Scan(&b.BatchID, &b.Sequence, &b.Op, &b.MarketID, &b.Trader, &b.TimestampUs); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}

	return batches, rows.Err()
}
