package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AppendTx writes an outbox row inside the caller's transaction, making the
// state change and the outbound event atomic.
func AppendTx(ctx context.Context, tx pgx.Tx, ev *Event) error {
	query := `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, key, envelope)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := tx.Exec(
		ctx,
		query,
		ev.AggregateType,
		ev.AggregateID,
		ev.EventType,
		ev.Topic,
		ev.Key,
		ev.Envelope,
	)
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}

	return nil
}

// PostgresSource reads pending outbox rows for the relay. One relay per
// service owns the table, so batches are fetched with a plain select.
type PostgresSource struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{
		pool:   pool,
		tracer: otel.Tracer("outbox/postgres"),
	}
}

func (s *PostgresSource) Unpublished(ctx context.Context, batchSize, maxAttempts int) ([]*Event, error) {
	ctx, span := s.tracer.Start(ctx, "PostgresSource.Unpublished")
	defer span.End()

	query := `
		SELECT id, aggregate_type, aggregate_id, event_type, topic, key, envelope, created_at
		FROM outbox
		WHERE published_at IS NULL AND attempts < $2
		ORDER BY created_at ASC, id ASC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, batchSize, maxAttempts)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("failed to query unpublished events: %w", err)
	}
	defer rows.Close()

	var pending []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID,
			&ev.AggregateType,
			&ev.AggregateID,
			&ev.EventType,
			&ev.Topic,
			&ev.Key,
			&ev.Envelope,
			&ev.CreatedAt,
		); err != nil {
			span.RecordError(err)

			return nil, fmt.Errorf("error scanning outbox event: %w", err)
		}

		pending = append(pending, &ev)
	}

	span.SetAttributes(attribute.Int("result_count", len(pending)))

	return pending, rows.Err()
}

func (s *PostgresSource) MarkPublished(ctx context.Context, id int64) error {
	ctx, span := s.tracer.Start(ctx, "PostgresSource.MarkPublished")
	defer span.End()

	query := `
		UPDATE outbox
		SET published_at = NOW(), last_error = NULL
		WHERE id = $1
	`

	_, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		span.RecordError(err)
	}

	return err
}

func (s *PostgresSource) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "PostgresSource.MarkFailed")
	defer span.End()

	span.SetAttributes(attribute.Int64("event_id", id))

	query := `
		UPDATE outbox
		SET attempts = attempts + 1, last_error = $1
		WHERE id = $2
	`

	_, err := s.pool.Exec(ctx, query, errMsg, id)
	if err != nil {
		span.RecordError(err)
	}

	return err
}
