package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateEvent marks an event id that was already recorded by this
// consumer. Handlers roll back and ack; the duplicate is never surfaced.
var ErrDuplicateEvent = errors.New("event already processed")

const uniqueViolationCode = "23505"

// MarkProcessedTx records an event id in the consumer's processed set inside
// the caller's transaction. A unique violation aborts the transaction, so on
// ErrDuplicateEvent the caller must roll back rather than continue.
func MarkProcessedTx(ctx context.Context, tx pgx.Tx, eventID string) error {
	query := `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
	`

	_, err := tx.Exec(ctx, query, eventID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return ErrDuplicateEvent
		}

		return fmt.Errorf("failed to record processed event: %w", err)
	}

	return nil
}
