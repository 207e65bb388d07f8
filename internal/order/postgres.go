package order

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
		tracer: otel.Tracer("order/postgres"),
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

func (s *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := s.tracer.Start(ctx, "PostgresStore.GetOrder")
	defer span.End()

	o, err := queryOrder(ctx, s.pool, orderID, "")
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}

	return o, nil
}

func (s *PostgresStore) OrdersByUser(ctx context.Context, userID string) ([]*Order, error) {
	ctx, span := s.tracer.Start(ctx, "PostgresStore.OrdersByUser")
	defer span.End()

	query := `
		SELECT id, user_id, total_amount, payment_method, status, version, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.TotalAmount, &o.PaymentMethod,
			&o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning order row: %w", err)
		}

		orders = append(orders, &o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range orders {
		items, err := queryItems(ctx, s.pool, o.ID)
		if err != nil {
			return nil, err
		}

		o.Items = items
	}

	return orders, nil
}

// querier covers both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func queryOrder(ctx context.Context, q querier, orderID, lock string) (*Order, error) {
	query := `
		SELECT id, user_id, total_amount, payment_method, status, version, created_at, updated_at
		FROM orders
		WHERE id = $1
	` + lock

	var o Order
	err := q.QueryRow(ctx, query, orderID).Scan(
		&o.ID, &o.UserID, &o.TotalAmount, &o.PaymentMethod,
		&o.Status, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	items, err := queryItems(ctx, q, orderID)
	if err != nil {
		return nil, err
	}

	o.Items = items
	return &o, nil
}

func queryItems(ctx context.Context, q querier, orderID string) ([]Item, error) {
	query := `
		SELECT product_id, name, unit_price, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`

	rows, err := q.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ProductID, &item.Name, &item.UnitPrice, &item.Quantity); err != nil {
			return nil, fmt.Errorf("error scanning order item: %w", err)
		}

		items = append(items, item)
	}

	return items, rows.Err()
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID string) error {
	return outbox.MarkProcessedTx(ctx, t.tx, eventID)
}

func (t *pgTx) OrderForUpdate(ctx context.Context, orderID string) (*Order, error) {
	return queryOrder(ctx, t.tx, orderID, "FOR UPDATE")
}

func (t *pgTx) InsertOrder(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (id, user_id, total_amount, payment_method, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7)
	`

	_, err := t.tx.Exec(ctx, query,
		o.ID, o.UserID, o.TotalAmount, o.PaymentMethod, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	// Repeated lines for the same product collapse into one row, the same
	// way the reservation engine sums them.
	itemQuery := `
		INSERT INTO order_items (order_id, product_id, name, unit_price, quantity)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id, product_id)
		DO UPDATE SET quantity = order_items.quantity + EXCLUDED.quantity
	`

	for _, item := range o.Items {
		_, err := t.tx.Exec(ctx, itemQuery,
			o.ID, item.ProductID, item.Name, item.UnitPrice, item.Quantity,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	return nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, orderID, status string, version int64) error {
	query := `
		UPDATE orders
		SET status = $2, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $3
	`

	tag, err := t.tx.Exec(ctx, query, orderID, status, version)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, ev *outbox.Event) error {
	return outbox.AppendTx(ctx, t.tx, ev)
}
