package payment

import (
	"context"
	"errors"
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

// Processor charges orders whose stock was reserved. The charge itself runs
// between two transactions: the first claims the order by inserting a
// PROCESSING row, the second settles the outcome. A crash in between leaves a
// PROCESSING row that the next delivery resumes, so the gateway is asked at
// most once per order per attempt and the settled outcome is recorded exactly
// once.
type Processor struct {
	store   Store
	gateway Gateway
	logger  *zap.Logger
	tracer  trace.Tracer
}

func NewProcessor(store Store, gateway Gateway, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		gateway: gateway,
		logger:  logger,
		tracer:  otel.Tracer("payment/processor"),
	}
}

// Process handles StockReserved.
func (p *Processor) Process(ctx context.Context, eventID string, ev *events.StockReserved) error {
	ctx, span := p.tracer.Start(ctx, "Processor.Process")
	defer span.End()

	span.SetAttributes(attribute.String("order_id", ev.OrderID))

	var current *Payment
	err := p.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.MarkEventProcessed(ctx, eventID); err != nil {
			return err
		}

		existing, err := tx.PaymentForOrder(ctx, ev.OrderID)
		if err != nil {
			return err
		}
		if existing != nil {
			current = existing
			return nil
		}

		now := time.Now().UTC()
		current = &Payment{
			ID:        uuid.NewString(),
			OrderID:   ev.OrderID,
			UserID:    ev.UserID,
			Amount:    ev.Amount,
			Method:    ev.PaymentMethod,
			Status:    StatusProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		}

		return tx.InsertPayment(ctx, current)
	})
	if errors.Is(err, outbox.ErrDuplicateEvent) {
		// The event was seen before. If the previous attempt crashed between
		// claiming the payment and settling it, the row is still PROCESSING
		// and this delivery finishes the job; otherwise there is nothing to
		// do.
		existing, lookupErr := p.store.PaymentForOrder(ctx, ev.OrderID)
		if lookupErr != nil {
			if errors.Is(lookupErr, ErrPaymentNotFound) {
				return nil
			}

			return lookupErr
		}

		if existing.Status != StatusProcessing {
			tracelog.Info(ctx, p.logger, "Duplicate StockReserved delivery, payment already settled",
				zap.String("order_id", ev.OrderID),
				zap.String("status", existing.Status),
			)

			return nil
		}

		tracelog.Info(ctx, p.logger, "Resuming unsettled payment",
			zap.String("order_id", ev.OrderID),
			zap.String("payment_id", existing.ID),
		)

		current = existing
	} else if err != nil {
		return err
	}

	if current.Status != StatusProcessing {
		tracelog.Info(ctx, p.logger, "Payment already settled for order, skipping charge",
			zap.String("order_id", ev.OrderID),
			zap.String("status", current.Status),
		)

		return nil
	}

	result, err := p.gateway.Charge(ctx, ChargeRequest{
		OrderID: current.OrderID,
		UserID:  current.UserID,
		Amount:  current.Amount,
		Method:  current.Method,
	})
	if err != nil {
		// An errored charge settles FAILED just like a decline. Retrying
		// could double-charge a provider that failed after capturing, and
		// failed payments are never retried automatically.
		tracelog.Error(ctx, p.logger, "Gateway charge failed, failing payment",
			zap.String("order_id", current.OrderID),
			zap.Error(err),
		)

		result = ChargeResult{Declined: true, Reason: err.Error()}
	}

	return p.settle(ctx, current, result)
}

func (p *Processor) settle(ctx context.Context, payment *Payment, result ChargeResult) error {
	err := p.store.WithinTx(ctx, func(tx Tx) error {
		if result.Declined {
			if err := payment.Transition(StatusFailed); err != nil {
				return err
			}
			payment.FailureReason = result.Reason
		} else {
			if err := payment.Transition(StatusCompleted); err != nil {
				return err
			}
			payment.TransactionID = result.TransactionID
		}

		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		if payment.Status == StatusFailed {
			return p.emit(ctx, tx, payment, events.TypePaymentFailed, events.PaymentFailed{
				PaymentID: payment.ID,
				OrderID:   payment.OrderID,
				UserID:    payment.UserID,
				Reason:    payment.FailureReason,
				Timestamp: time.Now().UTC(),
			})
		}

		return p.emit(ctx, tx, payment, events.TypePaymentSettled, events.PaymentSettled{
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Amount:    payment.Amount,
			Status:    payment.Status,
			Timestamp: time.Now().UTC(),
		})
	})
	if errors.Is(err, ErrInvalidStateTransition) {
		// Another delivery settled the payment first.
		tracelog.Warn(ctx, p.logger, "Payment settled concurrently",
			zap.String("order_id", payment.OrderID),
		)

		return nil
	}
	if err != nil {
		return err
	}

	tracelog.Info(ctx, p.logger, "Payment settled",
		zap.String("order_id", payment.OrderID),
		zap.String("payment_id", payment.ID),
		zap.String("status", payment.Status),
	)

	return nil
}

// HandleOrderCancelled refunds a completed payment when the order is
// cancelled after the charge went through. Orders cancelled earlier in the
// flow have no completed payment and nothing happens.
func (p *Processor) HandleOrderCancelled(ctx context.Context, eventID string, ev *events.OrderCancelled) error {
	ctx, span := p.tracer.Start(ctx, "Processor.HandleOrderCancelled")
	defer span.End()

	err := p.store.WithinTx(ctx, func(tx Tx) error {
		return tx.MarkEventProcessed(ctx, eventID)
	})
	if errors.Is(err, outbox.ErrDuplicateEvent) {
		return nil
	}
	if err != nil {
		return err
	}

	payment, err := p.store.PaymentForOrder(ctx, ev.OrderID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			return nil
		}

		return err
	}

	if payment.Status != StatusCompleted {
		return nil
	}

	// Best effort: a failed refund is logged, not redelivered. The event is
	// already marked processed, so a retry would dedup into a no-op anyway.
	if err := p.refund(ctx, payment); err != nil {
		tracelog.Error(ctx, p.logger, "Refund on cancellation failed",
			zap.String("order_id", ev.OrderID),
			zap.Error(err),
		)
	}

	return nil
}

// Refund is the admin-facing entry point.
func (p *Processor) Refund(ctx context.Context, orderID string) (*Payment, error) {
	ctx, span := p.tracer.Start(ctx, "Processor.Refund")
	defer span.End()

	payment, err := p.store.PaymentForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if payment.Status != StatusCompleted {
		return nil, ErrInvalidStateTransition
	}

	if err := p.refund(ctx, payment); err != nil {
		return nil, err
	}

	return payment, nil
}

func (p *Processor) refund(ctx context.Context, payment *Payment) error {
	if err := p.gateway.Refund(ctx, payment.TransactionID, payment.Amount); err != nil {
		tracelog.Error(ctx, p.logger, "Gateway refund failed",
			zap.String("order_id", payment.OrderID),
			zap.Error(err),
		)

		return err
	}

	err := p.store.WithinTx(ctx, func(tx Tx) error {
		if err := payment.Transition(StatusRefunded); err != nil {
			return err
		}

		if err := tx.UpdatePayment(ctx, payment); err != nil {
			return err
		}

		return p.emit(ctx, tx, payment, events.TypePaymentRefunded, events.PaymentRefunded{
			PaymentID: payment.ID,
			OrderID:   payment.OrderID,
			UserID:    payment.UserID,
			Amount:    payment.Amount,
			Timestamp: time.Now().UTC(),
		})
	})
	if errors.Is(err, ErrInvalidStateTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	tracelog.Info(ctx, p.logger, "Payment refunded",
		zap.String("order_id", payment.OrderID),
		zap.String("payment_id", payment.ID),
	)

	return nil
}

func (p *Processor) PaymentForOrder(ctx context.Context, orderID string) (*Payment, error) {
	return p.store.PaymentForOrder(ctx, orderID)
}

func (p *Processor) emit(ctx context.Context, tx Tx, payment *Payment, eventType string, payload any) error {
	env, err := events.NewEnvelope(eventType, payment.OrderID, payload)
	if err != nil {
		return err
	}

	ev, err := outbox.NewEvent(events.TopicPaymentEvents, "Payment", payment.ID, env)
	if err != nil {
		return err
	}

	return tx.AppendOutbox(ctx, ev)
}
