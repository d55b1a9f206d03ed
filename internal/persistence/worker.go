package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/notsatoshii/probledger/internal/observability"
	"github.com/notsatoshii/probledger/internal/settle"
)

// Worker drains the batch channel and writes to Postgres. The channel uses
// blocking sends from the ledger: if this worker falls behind, the core
// stalls rather than losing a committed batch.
type Worker struct {
	writer       *BatchWriter
	db           *sql.DB
	inputChan    <-chan *settle.Batch
	batchSize    int
	flushTimeout time.Duration

	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan *settle.Batch,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewBatchWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log.With().Str("component", "persistence").Logger(),
		metrics:      metrics,
	}
}

// Run batches incoming outputs and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled or the channel
// closes; remaining rows are flushed on the way out.
func (w *Worker) Run(ctx context.Context) error {
	batchRows := make([]BatchRow, 0, w.batchSize)
	transferRows := make([]TransferRow, 0, w.batchSize*4)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batchRows) > 0 {
				if err := w.flush(context.Background(), batchRows, transferRows); err != nil {
					w.log.Error().Err(err).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case batch, ok := <-w.inputChan:
			if !ok {
				if len(batchRows) > 0 {
					if err := w.flush(context.Background(), batchRows, transferRows); err != nil {
						w.log.Error().Err(err).Msg("final flush failed")
					}
				}
				return nil
			}

			br, trs := toRows(batch)
			batchRows = append(batchRows, br)
			transferRows = append(transferRows, trs...)

			if len(batchRows) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batchRows, transferRows); err != nil {
					w.log.Error().Err(err).Msg("batch flush failed after retries")
				}
				batchRows = batchRows[:0]
				transferRows = transferRows[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batchRows) > 0 {
				if err := w.flushWithRetry(ctx, batchRows, transferRows); err != nil {
					w.log.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batchRows = batchRows[:0]
				transferRows = transferRows[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops a
// committed batch: it retries until the write succeeds or shutdown forces a
// final attempt.
func (w *Worker) flushWithRetry(ctx context.Context, batches []BatchRow, transfers []TransferRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("batches", len(batches)).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}

			select {
			case <-ctx.Done():
				if finalErr := w.flush(context.Background(), batches, transfers); finalErr != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batches, transfers)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return nil
		}
	}
}

func (w *Worker) flush(ctx context.Context, batches []BatchRow, transfers []TransferRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatchRows(ctx, tx, batches); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_batches").Inc()
		}
		return err
	}

	if err := w.writer.WriteTransferRows(ctx, tx, transfers); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_transfers").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchSize.Observe(float64(len(batches)))
		w.metrics.PersistBatchesWritten.Add(float64(len(batches)))
		w.metrics.PersistTransfersWritten.Add(float64(len(transfers)))
		if len(batches) > 0 {
			w.metrics.PersistLastSequence.Set(float64(batches[len(batches)-1].Sequence))
		}
	}

	return nil
}

// toRows converts one committed batch to its database rows.
func toRows(b *settle.Batch) (BatchRow, []TransferRow) {
	br := BatchRow{
		BatchID:     b.ID.String(),
		Sequence:    b.Sequence,
		Op:          b.Op,
		MarketID:    b.MarketID,
		Trader:      b.Trader.String(),
		TimestampUs: b.Timestamp,
	}

	trs := make([]TransferRow, 0, len(b.Transfers))
	for _, t := range b.Transfers {
		trs = append(trs, TransferRow{
			TransferID:  t.ID.String(),
			BatchID:     t.BatchID.String(),
			FromAccount: t.From.Path(),
			ToAccount:   t.To.Path(),
			Amount:      t.Amount,
			Kind:        int32(t.Kind),
			TimestampUs: t.Timestamp,
		})
	}
	return br, trs
}
