package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("notification/postgres"),
	}
}

func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		cleanupCtx := context.WithoutCancel(ctx)

		if err := tx.Rollback(cleanupCtx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			tracelog.Warn(cleanupCtx, s.logger, "Error rolling back transaction", zap.Error(err))
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

const notificationColumns = `
	id, order_id, user_id, type, status, subject, body, created_at, sent_at
`

func (s *PostgresStore) NotificationsByOrder(ctx context.Context, orderID string) ([]*Notification, error) {
	ctx, span := s.tracer.Start(ctx, "PostgresStore.NotificationsByOrder")
	defer span.End()

	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE order_id = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(
			&n.ID, &n.OrderID, &n.UserID, &n.Type, &n.Status,
			&n.Subject, &n.Body, &n.CreatedAt, &n.SentAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning notification row: %w", err)
		}

		out = append(out, &n)
	}

	return out, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID string) error {
	return outbox.MarkProcessedTx(ctx, t.tx, eventID)
}

func (t *pgTx) NotificationByKey(ctx context.Context, orderID, ntype string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE order_id = $1 AND type = $2 FOR UPDATE`

	var n Notification
	err := t.tx.QueryRow(ctx, query, orderID, ntype).Scan(
		&n.ID, &n.OrderID, &n.UserID, &n.Type, &n.Status,
		&n.Subject, &n.Body, &n.CreatedAt, &n.SentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query notification: %w", err)
	}

	return &n, nil
}

func (t *pgTx) InsertNotification(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (id, order_id, user_id, type, status, subject, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := t.tx.Exec(ctx, query,
		n.ID, n.OrderID, n.UserID, n.Type, n.Status, n.Subject, n.Body, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}

	return nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, n *Notification) error {
	query := `
		UPDATE notifications
		SET status = $2, sent_at = $3
		WHERE id = $1
	`

	tag, err := t.tx.Exec(ctx, query, n.ID, n.Status, n.SentAt)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}

	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, ev *outbox.Event) error {
	return outbox.AppendTx(ctx, t.tx, ev)
}
