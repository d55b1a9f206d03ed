package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dedup tracks applied keeper message IDs so redelivered messages are
// skipped. Funding deltas are additive; applying one twice corrupts the
// index, so JetStream's at-least-once delivery needs a durable record.
type Dedup struct {
	db *sql.DB
}

func NewDedup(db *sql.DB) *Dedup {
	return &Dedup{db: db}
}

// Seen reports whether the message ID has already been recorded.
func (d *Dedup) Seen(ctx context.Context, msgID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var exists int
	err := d.db.QueryRowContext(ctx,
		`SELECT 1 FROM ledger.keeper_messages WHERE msg_id = $1`, msgID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup for %s: %w", msgID, err)
	}
	return true, nil
}

// Record stores the message ID after its update has been applied.
// Recording an ID twice is harmless.
func (d *Dedup) Record(ctx context.Context, msgID string) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO ledger.keeper_messages (msg_id) VALUES ($1) ON CONFLICT (msg_id) DO NOTHING`, msgID,
	)
	if err != nil {
		return fmt.Errorf("dedup record for %s: %w", msgID, err)
	}
	return nil
}
