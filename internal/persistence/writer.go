package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// BatchWriter writes committed transfer batches to Postgres using multi-row
// INSERT. Writes are idempotent: conflicting primary keys are skipped, so a
// replayed batch never double-books.
type BatchWriter struct {
	db *sql.DB
}

// BatchRow is a row in ledger.batches.
type BatchRow struct {
	BatchID     string
	Sequence    int64
	Op          string
	MarketID    string
	Trader      string
	TimestampUs int64
}

// TransferRow is a row in ledger.transfers.
type TransferRow struct {
	TransferID  string
	BatchID     string
	FromAccount string
	ToAccount   string
	Amount      int64
	Kind        int32
	TimestampUs int64
}

func NewBatchWriter(db *sql.DB) *BatchWriter {
	return &BatchWriter{db: db}
}

// WriteBatchRows inserts batch headers inside the given transaction.
func (w *BatchWriter) WriteBatchRows(ctx context.Context, tx *sql.Tx, batches []BatchRow) error {
	if len(batches) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.batches
		(batch_id, sequence, op, market_id, trader, ts_us)
		VALUES `

	values := make([]string, 0, len(batches))
	args := make([]interface{}, 0, len(batches)*6)

	for i, b := range batches {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, b.BatchID, b.Sequence, b.Op, b.MarketID, b.Trader, b.TimestampUs)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (batch_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteTransferRows inserts transfer legs inside the given transaction.
func (w *BatchWriter) WriteTransferRows(ctx context.Context, tx *sql.Tx, transfers []TransferRow) error {
	if len(transfers) == 0 {
		return nil
	}

	query := `INSERT INTO ledger.transfers
		(transfer_id, batch_id, from_account, to_account, amount, kind, ts_us)
		VALUES `

	values := make([]string, 0, len(transfers))
	args := make([]interface{}, 0, len(transfers)*7)

	for i, t := range transfers {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args, t.TransferID, t.BatchID, t.FromAccount, t.ToAccount, t.Amount, t.Kind, t.TimestampUs)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (transfer_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// IsBatchPersisted reports whether a batch already reached the database,
// used during recovery to find the replay point.
func (w *BatchWriter) IsBatchPersisted(ctx context.Context, batchID string) (bool, error) {
	var exists int
	err := w.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger.batches WHERE batch_id = $1 LIMIT 1`, batchID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LastPersistedSequence returns the highest sequence durably written, or 0
// for an empty log.
func (w *BatchWriter) LastPersistedSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM ledger.batches`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
