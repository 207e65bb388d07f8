package inventory

import (
	"context"
	"encoding/json"
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
		tracer: otel.Tracer("inventory/postgres"),
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

func (s *PostgresStore) GetStock(ctx context.Context, productID string) (*StockRecord, error) {
	ctx, span := s.tracer.Start(ctx, "PostgresStore.GetStock")
	defer span.End()

	query := `
		SELECT product_id, name, price, available, version, updated_at
		FROM stock
		WHERE product_id = $1
	`

	var rec StockRecord
	err := s.pool.QueryRow(ctx, query, productID).Scan(
		&rec.ProductID,
		&rec.Name,
		&rec.Price,
		&rec.Available,
		&rec.Version,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}

		span.RecordError(err)

		return nil, fmt.Errorf("failed to query stock: %w", err)
	}

	return &rec, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) MarkEventProcessed(ctx context.Context, eventID string) error {
	return outbox.MarkProcessedTx(ctx, t.tx, eventID)
}

func (t *pgTx) StockForUpdate(ctx context.Context, productIDs []string) (map[string]*StockRecord, error) {
	query := `
		SELECT product_id, name, price, available, version, updated_at
		FROM stock
		WHERE product_id = ANY($1)
		ORDER BY product_id
		FOR UPDATE
	`

	rows, err := t.tx.Query(ctx, query, productIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stock rows: %w", err)
	}
	defer rows.Close()

	stocks := make(map[string]*StockRecord, len(productIDs))
	for rows.Next() {
		var rec StockRecord
		if err := rows.Scan(
			&rec.ProductID,
			&rec.Name,
			&rec.Price,
			&rec.Available,
			&rec.Version,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning stock row: %w", err)
		}

		stocks[rec.ProductID] = &rec
	}

	return stocks, rows.Err()
}

func (t *pgTx) InsertStock(ctx context.Context, rec *StockRecord) error {
	query := `
		INSERT INTO stock (product_id, name, price, available, version, updated_at)
		VALUES ($1, $2, $3, $4, 0, NOW())
	`

	_, err := t.tx.Exec(ctx, query, rec.ProductID, rec.Name, rec.Price, rec.Available)
	if err != nil {
		return fmt.Errorf("failed to insert stock: %w", err)
	}

	return nil
}

func (t *pgTx) UpdateStockQuantity(ctx context.Context, productID string, quantity, version int64) error {
	query := `
		UPDATE stock
		SET available = $2, version = version + 1, updated_at = NOW()
		WHERE product_id = $1 AND version = $3
	`

	tag, err := t.tx.Exec(ctx, query, productID, quantity, version)
	if err != nil {
		return fmt.Errorf("failed to update stock: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	return nil
}

func (t *pgTx) Reservation(ctx context.Context, orderID string) (*Reservation, error) {
	query := `
		SELECT order_id, lines, reserved_at
		FROM reservations
		WHERE order_id = $1
	`

	var res Reservation
	var rawLines []byte
	err := t.tx.QueryRow(ctx, query, orderID).Scan(&res.OrderID, &rawLines, &res.ReservedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query reservation: %w", err)
	}

	if err := json.Unmarshal(rawLines, &res.Lines); err != nil {
		return nil, fmt.Errorf("failed to decode reservation lines: %w", err)
	}

	return &res, nil
}

func (t *pgTx) SaveReservation(ctx context.Context, res *Reservation) error {
	rawLines, err := json.Marshal(res.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode reservation lines: %w", err)
	}

	query := `
		INSERT INTO reservations (order_id, lines, reserved_at)
		VALUES ($1, $2, $3)
	`

	if _, err := t.tx.Exec(ctx, query, res.OrderID, rawLines, res.ReservedAt); err != nil {
		return fmt.Errorf("failed to save reservation: %w", err)
	}

	return nil
}

func (t *pgTx) DeleteReservation(ctx context.Context, orderID string) error {
	query := `
		DELETE FROM reservations
		WHERE order_id = $1
	`

	if _, err := t.tx.Exec(ctx, query, orderID); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}

	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, ev *outbox.Event) error {
	return outbox.AppendTx(ctx, t.tx, ev)
}
