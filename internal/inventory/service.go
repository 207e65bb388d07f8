package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine owns stock counters and the reservation ledger. All mutations are
// all-or-nothing: a reservation either decrements every requested product or
// leaves stock untouched and reports failure as an event.
type Engine struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("inventory/engine"),
	}
}

// Reserve handles OrderPlaced. Duplicate deliveries are discarded by event
// id; a replayed order that already holds a ledger entry is a no-op.
func (e *Engine) Reserve(ctx context.Context, eventID string, ev *events.OrderPlaced) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Reserve")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", ev.OrderID))

	req, err := NewReservationRequest(ev.OrderID, ev.Items)
	if err != nil {
		tracelog.Warn(ctx, e.logger, "Rejecting malformed reservation request",
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)

		return err
	}

	err = e.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.MarkEventProcessed(ctx, eventID); err != nil {
			return err
		}

		existing, err := tx.Reservation(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			tracelog.Info(ctx, e.logger, "Order already reserved, skipping",
				zap.String("order_id", req.OrderID),
			)

			return nil
		}

		stocks, err := tx.StockForUpdate(ctx, req.ProductIDs())
		if err != nil {
			return err
		}

		if reason := shortfall(req, stocks); reason != "" {
			tracelog.Warn(ctx, e.logger, "Reservation failed",
				zap.String("order_id", req.OrderID),
				zap.String("reason", reason),
			)

			return e.emit(ctx, tx, req.OrderID, events.TypeStockReservationFailed, req.OrderID,
				events.StockReservationFailed{
					OrderID:   req.OrderID,
					Reason:    reason,
					Timestamp: time.Now().UTC(),
				})
		}

		lines := make([]events.StockLine, 0, len(req.Lines))
		for _, line := range req.Lines {
			rec := stocks[line.ProductID]

			newQty := rec.Available - line.Qty
			if err := tx.UpdateStockQuantity(ctx, line.ProductID, newQty, rec.Version); err != nil {
				return err
			}

			lines = append(lines, events.StockLine{ProductID: line.ProductID, Qty: line.Qty})

			err := e.emit(ctx, tx, req.OrderID, events.TypeStockChanged, line.ProductID,
				events.StockChanged{
					ProductID:   line.ProductID,
					NewQuantity: newQty,
					Timestamp:   time.Now().UTC(),
				})
			if err != nil {
				return err
			}
		}

		err = tx.SaveReservation(ctx, &Reservation{
			OrderID:    req.OrderID,
			Lines:      req.Lines,
			ReservedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		return e.emit(ctx, tx, req.OrderID, events.TypeStockReserved, req.OrderID,
			events.StockReserved{
				OrderID:       req.OrderID,
				UserID:        ev.UserID,
				Amount:        ev.TotalAmount,
				PaymentMethod: ev.PaymentMethod,
				Lines:         lines,
				Timestamp:     time.Now().UTC(),
			})
	})
	if errors.Is(err, outbox.ErrDuplicateEvent) {
		tracelog.Info(ctx, e.logger, "Duplicate OrderPlaced delivery, skipping",
			zap.String("order_id", req.OrderID),
			zap.String("event_id", eventID),
		)

		return nil
	}

	return err
}

// Release handles OrderCancelled. A missing ledger entry means the order was
// never reserved or was already released, so release is a no-op either way.
func (e *Engine) Release(ctx context.Context, eventID string, ev *events.OrderCancelled) error {
	ctx, span := e.tracer.Start(ctx, "Engine.Release")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", ev.OrderID))

	err := e.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.MarkEventProcessed(ctx, eventID); err != nil {
			return err
		}

		res, err := tx.Reservation(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if res == nil {
			tracelog.Info(ctx, e.logger, "No reservation to release",
				zap.String("order_id", ev.OrderID),
			)

			return nil
		}

		ids := make([]string, len(res.Lines))
		for i, line := range res.Lines {
			ids[i] = line.ProductID
		}

		stocks, err := tx.StockForUpdate(ctx, ids)
		if err != nil {
			return err
		}

		for _, line := range res.Lines {
			rec, ok := stocks[line.ProductID]
			if !ok {
				return fmt.Errorf("release %s: %w", line.ProductID, ErrProductNotFound)
			}

			newQty := rec.Available + line.Qty
			if err := tx.UpdateStockQuantity(ctx, line.ProductID, newQty, rec.Version); err != nil {
				return err
			}

			err := e.emit(ctx, tx, ev.OrderID, events.TypeStockChanged, line.ProductID,
				events.StockChanged{
					ProductID:   line.ProductID,
					NewQuantity: newQty,
					Timestamp:   time.Now().UTC(),
				})
			if err != nil {
				return err
			}
		}

		return tx.DeleteReservation(ctx, ev.OrderID)
	})
	if errors.Is(err, outbox.ErrDuplicateEvent) {
		tracelog.Info(ctx, e.logger, "Duplicate OrderCancelled delivery, skipping",
			zap.String("order_id", ev.OrderID),
			zap.String("event_id", eventID),
		)

		return nil
	}

	return err
}

// CreateProduct registers a product with its opening stock level.
func (e *Engine) CreateProduct(ctx context.Context, name string, price, quantity int64) (*StockRecord, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateProduct")
	defer span.End()

	if quantity < 0 || price <= 0 {
		return nil, fmt.Errorf("invalid product: price and quantity must be positive")
	}

	rec := &StockRecord{
		ProductID: uuid.NewString(),
		Name:      name,
		Price:     price,
		Available: quantity,
		UpdatedAt: time.Now().UTC(),
	}

	err := e.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.InsertStock(ctx, rec); err != nil {
			return err
		}

		return e.emit(ctx, tx, rec.ProductID, events.TypeStockChanged, rec.ProductID,
			events.StockChanged{
				ProductID:   rec.ProductID,
				NewQuantity: rec.Available,
				Timestamp:   time.Now().UTC(),
			})
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// SetStock overrides the available quantity, the admin-facing counterpart of
// the event-driven mutations.
func (e *Engine) SetStock(ctx context.Context, productID string, quantity int64) (*StockRecord, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.SetStock")
	defer span.End()

	span.SetAttributes(attribute.String("product_id", productID))

	if quantity < 0 {
		return nil, fmt.Errorf("quantity must not be negative")
	}

	var updated *StockRecord
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		stocks, err := tx.StockForUpdate(ctx, []string{productID})
		if err != nil {
			return err
		}

		rec, ok := stocks[productID]
		if !ok {
			return ErrProductNotFound
		}

		if err := tx.UpdateStockQuantity(ctx, productID, quantity, rec.Version); err != nil {
			return err
		}

		copied := *rec
		copied.Available = quantity
		copied.Version = rec.Version + 1
		updated = &copied

		return e.emit(ctx, tx, productID, events.TypeStockChanged, productID,
			events.StockChanged{
				ProductID:   productID,
				NewQuantity: quantity,
				Timestamp:   time.Now().UTC(),
			})
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (e *Engine) GetStock(ctx context.Context, productID string) (*StockRecord, error) {
	return e.store.GetStock(ctx, productID)
}

// shortfall reports why the request cannot be satisfied, or "" when every
// product has sufficient stock.
func shortfall(req ReservationRequest, stocks map[string]*StockRecord) string {
	for _, line := range req.Lines {
		rec, ok := stocks[line.ProductID]
		if !ok {
			return fmt.Sprintf("product %s not found", line.ProductID)
		}

		if rec.Available < line.Qty {
			return fmt.Sprintf("product %s has %d available, %d requested",
				line.ProductID, rec.Available, line.Qty)
		}
	}

	return ""
}

func (e *Engine) emit(ctx context.Context, tx Tx, aggregateID, eventType, key string, payload any) error {
	env, err := events.NewEnvelope(eventType, key, payload)
	if err != nil {
		return err
	}

	ev, err := outbox.NewEvent(events.TopicInventoryUpdates, "Stock", aggregateID, env)
	if err != nil {
		return err
	}

	return tx.AppendOutbox(ctx, ev)
}
