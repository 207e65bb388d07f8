package payment

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
		tracer: otel.Tracer("payment/postgres"),
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

const paymentColumns = `
	id, order_id, user_id, amount, method, status,
	COALESCE(transaction_id, ''), COALESCE(failure_reason, ''),
	created_at, updated_at
`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	err := row.Scan(
		&p.ID,
		&p.OrderID,
		&p.UserID,
		&p.Amount,
		&p.Method,
		&p.Status,
		&p.TransactionID,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &p, nil
}

func (s *PostgresStore) PaymentForOrder(ctx context.Context, orderID string) (*Payment, error) {
	ctx, span := s.tracer.Start(ctx, "PostgresStore.PaymentForOrder")
	defer span.End()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1`

	p, err := scanPayment(s.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}

		span.RecordError(err)

		return nil, fmt.Errorf("failed to query payment: %w", err)
	}

	return p, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID string) error {
	return outbox.MarkProcessedTx(ctx, t.tx, eventID)
}

func (t *pgTx) PaymentForOrder(ctx context.Context, orderID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 FOR UPDATE`

	p, err := scanPayment(t.tx.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query payment: %w", err)
	}

	return p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (id, order_id, user_id, amount, method, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := t.tx.Exec(ctx, query,
		p.ID, p.OrderID, p.UserID, p.Amount, p.Method, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return nil
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments
		SET status = $2,
			transaction_id = NULLIF($3, ''),
			failure_reason = NULLIF($4, ''),
			updated_at = $5
		WHERE id = $1
	`

	tag, err := t.tx.Exec(ctx, query, p.ID, p.Status, p.TransactionID, p.FailureReason, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}

	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, ev *outbox.Event) error {
	return outbox.AppendTx(ctx, t.tx, ev)
}
