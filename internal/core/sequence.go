package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// nextNumber allocates the next document number for a prefix, as
// "<prefix>/<year>/<zero-padded counter>". The counter is a per-year row
// in number_sequences, advanced atomically so numbers are unique even
// under concurrent transactions. Runs inside the caller's transaction:
// a rollback returns the number to the gap, which is acceptable for
// movement and order numbering.
func nextNumber(ctx context.Context, tx pgx.Tx, prefix string, now time.Time) (string, error) {
	year := now.Year()
	var n int64
	err := tx.QueryRow(ctx, `
		INSERT INTO number_sequences (prefix, year, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (prefix, year) DO UPDATE SET last_number = number_sequences.last_number + 1
		RETURNING last_number
	`, prefix, year).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to advance %s/%d sequence: %w", prefix, year, err)
	}
	return fmt.Sprintf("%s/%d/%06d", prefix, year, n), nil
}
