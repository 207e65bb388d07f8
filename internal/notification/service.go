package notification

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

// Dispatcher turns saga events into customer emails. The (orderID, type)
// key guarantees at most one email per order per notification type no matter
// how often the triggering event is delivered. Sending runs between two
// transactions, like the payment charge: claim PENDING, send, settle SENT or
// FAILED. FAILED is terminal; there is no retry.
type Dispatcher struct {
	store  Store
	sender Sender
	logger *zap.Logger
	tracer trace.Tracer
}

func NewDispatcher(store Store, sender Sender, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		logger: logger,
		tracer: otel.Tracer("notification/dispatcher"),
	}
}

// Dispatch sends the notification of the given type for an order. Detail is
// appended to the message body.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID, ntype, orderID, userID, detail string) error {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Dispatch")
	defer span.End()

	span.SetAttributes(
		attribute.String("order_id", orderID),
		attribute.String("type", ntype),
	)

	subject, body, err := Render(ntype, orderID, detail)
	if err != nil {
		return err
	}

	var current *Notification
	err = d.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.MarkEventProcessed(ctx, eventID); err != nil {
			return err
		}

		existing, err := tx.NotificationByKey(ctx, orderID, ntype)
		if err != nil {
			return err
		}
		if existing != nil {
			current = existing
			return nil
		}

		current = &Notification{
			ID:        uuid.NewString(),
			OrderID:   orderID,
			UserID:    userID,
			Type:      ntype,
			Status:    StatusPending,
			Subject:   subject,
			Body:      body,
			CreatedAt: time.Now().UTC(),
		}

		return tx.InsertNotification(ctx, current)
	})
	if errors.Is(err, outbox.ErrDuplicateEvent) {
		resumed, lookupErr := d.pendingForResume(ctx, orderID, ntype)
		if lookupErr != nil {
			return lookupErr
		}
		if resumed == nil {
			return nil
		}

		tracelog.Info(ctx, d.logger, "Resuming pending notification",
			zap.String("order_id", orderID),
			zap.String("type", ntype),
		)

		current = resumed
	} else if err != nil {
		return err
	}

	if current.Status != StatusPending {
		tracelog.Info(ctx, d.logger, "Notification already dispatched, skipping",
			zap.String("order_id", orderID),
			zap.String("type", ntype),
			zap.String("status", current.Status),
		)

		return nil
	}

	sendErr := d.sender.Send(ctx, recipient(current.UserID), current.Subject, current.Body)
	if sendErr != nil {
		tracelog.Error(ctx, d.logger, "Notification send failed",
			zap.String("order_id", orderID),
			zap.String("type", ntype),
			zap.Error(sendErr),
		)
	}

	return d.settle(ctx, current, sendErr == nil)
}

func (d *Dispatcher) pendingForResume(ctx context.Context, orderID, ntype string) (*Notification, error) {
	var found *Notification
	err := d.store.WithinTx(ctx, func(tx Tx) error {
		n, err := tx.NotificationByKey(ctx, orderID, ntype)
		if err != nil {
			return err
		}

		if n != nil && n.Status == StatusPending {
			found = n
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return found, nil
}

func (d *Dispatcher) settle(ctx context.Context, n *Notification, sent bool) error {
	now := time.Now().UTC()
	if sent {
		n.Status = StatusSent
		n.SentAt = &now
	} else {
		n.Status = StatusFailed
	}

	err := d.store.WithinTx(ctx, func(tx Tx) error {
		if err := tx.UpdateStatus(ctx, n); err != nil {
			return err
		}

		env, err := events.NewEnvelope(events.TypeNotificationSent, n.OrderID, events.NotificationSent{
			NotificationID: n.ID,
			OrderID:        n.OrderID,
			Type:           n.Type,
			Status:         n.Status,
			Timestamp:      now,
		})
		if err != nil {
			return err
		}

		ev, err := outbox.NewEvent(events.TopicNotifications, "Notification", n.ID, env)
		if err != nil {
			return err
		}

		return tx.AppendOutbox(ctx, ev)
	})
	if err != nil {
		return err
	}

	tracelog.Info(ctx, d.logger, "Notification settled",
		zap.String("order_id", n.OrderID),
		zap.String("type", n.Type),
		zap.String("status", n.Status),
	)

	return nil
}

func (d *Dispatcher) NotificationsByOrder(ctx context.Context, orderID string) ([]*Notification, error) {
	return d.store.NotificationsByOrder(ctx, orderID)
}

// recipient derives the customer address from the user id. The user profile
// service owning real addresses sits outside this system.
func recipient(userID string) string {
	return fmt.Sprintf("%s@customers.shopcraft.dev", userID)
}
