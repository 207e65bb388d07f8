package order

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

// Ledger owns the order state machine. It writes orders and their outgoing
// events in the same transaction; everything downstream reacts to those
// events.
type Ledger struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		tracer: otel.Tracer("order/ledger"),
	}
}

func (l *Ledger) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.PlaceOrder")
	defer span.End()

	if err := req.Validate(); err != nil {
		tracelog.Warn(ctx, l.logger, "Rejecting invalid order",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)

		return nil, err
	}

	now := time.Now().UTC()
	o := &Order{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Items:         req.Items,
		TotalAmount:   req.TotalAmount,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	span.SetAttributes(attribute.String("order_id", o.ID))

	err := l.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		return l.emit(ctx, tx, o.ID, events.TypeOrderPlaced, events.OrderPlaced{
			OrderID:       o.ID,
			UserID:        o.UserID,
			Items:         eventItems(o.Items),
			TotalAmount:   o.TotalAmount,
			PaymentMethod: o.PaymentMethod,
			Timestamp:     now,
			Status:        o.Status,
		})
	})
	if err != nil {
		return nil, err
	}

	tracelog.Info(ctx, l.logger, "Order placed",
		zap.String("order_id", o.ID),
		zap.String("user_id", o.UserID),
		zap.Int64("total_amount", o.TotalAmount),
	)

	return o, nil
}

// CancelOrder cancels a non-terminal order and announces it with the full
// item list, so inventory can release exactly what was reserved.
func (l *Ledger) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.CancelOrder")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", orderID))

	var cancelled *Order
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrOrderNotFound
		}

		version := o.Version
		if err := o.Transition(StatusCancelled); err != nil {
			return err
		}

		if err := tx.UpdateStatus(ctx, o.ID, o.Status, version); err != nil {
			return err
		}
		o.Version = version + 1
		cancelled = o

		return l.emit(ctx, tx, o.ID, events.TypeOrderCancelled, events.OrderCancelled{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Items:     eventItems(o.Items),
			Timestamp: time.Now().UTC(),
			Status:    o.Status,
		})
	})
	if err != nil {
		return nil, err
	}

	tracelog.Info(ctx, l.logger, "Order cancelled", zap.String("order_id", orderID))

	return cancelled, nil
}

// AdvanceOrder is the admin-facing progression to SHIPPED or DELIVERED.
func (l *Ledger) AdvanceOrder(ctx context.Context, orderID, status string) (*Order, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.AdvanceOrder")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("status", status),
	)

	if status != StatusShipped && status != StatusDelivered {
		return nil, fmt.Errorf("advance to %s: %w", status, ErrInvalidStateTransition)
	}

	var advanced *Order
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrOrderNotFound
		}

		version := o.Version
		if err := o.Transition(status); err != nil {
			return err
		}

		if err := tx.UpdateStatus(ctx, o.ID, o.Status, version); err != nil {
			return err
		}
		o.Version = version + 1
		advanced = o

		now := time.Now().UTC()
		if status == StatusShipped {
			return l.emit(ctx, tx, o.ID, events.TypeOrderShipped, events.OrderShipped{
				OrderID:   o.ID,
				UserID:    o.UserID,
				Timestamp: now,
				Status:    o.Status,
			})
		}

		return l.emit(ctx, tx, o.ID, events.TypeOrderDelivered, events.OrderDelivered{
			OrderID:   o.ID,
			UserID:    o.UserID,
			Timestamp: now,
			Status:    o.Status,
		})
	})
	if err != nil {
		return nil, err
	}

	tracelog.Info(ctx, l.logger, "Order advanced",
		zap.String("order_id", orderID),
		zap.String("status", status),
	)

	return advanced, nil
}

func (l *Ledger) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return l.store.GetOrder(ctx, orderID)
}

func (l *Ledger) OrdersByUser(ctx context.Context, userID string) ([]*Order, error) {
	return l.store.OrdersByUser(ctx, userID)
}

// HandleStockReserved moves the order to PAYMENT_PENDING.
func (l *Ledger) HandleStockReserved(ctx context.Context, eventID string, ev *events.StockReserved) error {
	return l.applyStatus(ctx, eventID, ev.OrderID, StatusPaymentPending)
}

// HandleStockReservationFailed cancels the order without emitting
// OrderCancelled: nothing was reserved, so there is nothing to compensate.
func (l *Ledger) HandleStockReservationFailed(ctx context.Context, eventID string, ev *events.StockReservationFailed) error {
	tracelog.Warn(ctx, l.logger, "Reservation failed, cancelling order",
		zap.String("order_id", ev.OrderID),
		zap.String("reason", ev.Reason),
	)

	return l.applyStatus(ctx, eventID, ev.OrderID, StatusCancelled)
}

// HandlePaymentSettled moves the order to PROCESSING.
func (l *Ledger) HandlePaymentSettled(ctx context.Context, eventID string, ev *events.PaymentSettled) error {
	return l.applyStatus(ctx, eventID, ev.OrderID, StatusProcessing)
}

// HandlePaymentFailed only records the failure. The order stays in
// PAYMENT_PENDING until an operator cancels it or the customer retries.
// TODO: auto-cancel after a payment retry window once one exists.
func (l *Ledger) HandlePaymentFailed(ctx context.Context, _ string, ev *events.PaymentFailed) error {
	tracelog.Warn(ctx, l.logger, "Payment failed for order",
		zap.String("order_id", ev.OrderID),
		zap.String("reason", ev.Reason),
	)

	return nil
}

func (l *Ledger) applyStatus(ctx context.Context, eventID, orderID, status string) error {
	ctx, span := l.tracer.Start(ctx, "Ledger.applyStatus")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("status", status),
	)

	var stale bool
	err := l.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.MarkEventProcessed(ctx, eventID); err != nil {
			return err
		}

		o, err := tx.OrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return ErrOrderNotFound
		}

		version := o.Version
		if err := o.Transition(status); err != nil {
			stale = o.Terminal() || statusRank[o.Status] >= statusRank[status]
			return err
		}

		return tx.UpdateStatus(ctx, o.ID, o.Status, version)
	})
	switch {
	case errors.Is(err, outbox.ErrDuplicateEvent):
		tracelog.Info(ctx, l.logger, "Duplicate delivery, skipping",
			zap.String("order_id", orderID),
			zap.String("event_id", eventID),
		)

		return nil
	case errors.Is(err, ErrInvalidStateTransition) && stale:
		// The order already moved past this status; nothing to apply.
		tracelog.Warn(ctx, l.logger, "Ignoring stale status change",
			zap.String("order_id", orderID),
			zap.String("status", status),
		)

		return nil
	default:
		// Includes an event that arrived ahead of its prerequisite: the
		// error forces redelivery until the order catches up.
		return err
	}
}

var statusRank = map[string]int{
	StatusCreated:        0,
	StatusPaymentPending: 1,
	StatusProcessing:     2,
	StatusShipped:        3,
	StatusDelivered:      4,
}

func (l *Ledger) emit(ctx context.Context, tx Tx, orderID, eventType string, payload any) error {
	env, err := events.NewEnvelope(eventType, orderID, payload)
	if err != nil {
		return err
	}

	ev, err := outbox.NewEvent(events.TopicOrders, "Order", orderID, env)
	if err != nil {
		return err
	}

	return tx.AppendOutbox(ctx, ev)
}
