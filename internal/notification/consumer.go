package notification

import (
	"context"
	"fmt"

	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/metrics"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

const consumerGroup = "notification-service"

type Consumer struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func NewConsumer(dispatcher *Dispatcher, logger *zap.Logger) *Consumer {
	return &Consumer{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Start subscribes to order lifecycle and payment outcome events; each
// mapped event type owes the customer one email.
func (c *Consumer) Start(ctx context.Context, b bus.Bus) error {
	if err := b.Subscribe(ctx, events.TopicOrders, consumerGroup, c.handler(events.TopicOrders)); err != nil {
		return err
	}

	return b.Subscribe(ctx, events.TopicPaymentEvents, consumerGroup, c.handler(events.TopicPaymentEvents))
}

func (c *Consumer) handler(topic string) bus.Handler {
	return func(ctx context.Context, env *events.Envelope) (err error) {
		defer func() {
			metrics.RecordEventConsumed(consumerGroup, topic, env.Type, err)
		}()

		ntype, ok := TypeForEvent(env.Type)
		if !ok {
			return nil
		}

		orderID, userID, detail, err := extract(env)
		if err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding event",
				zap.String("event_type", env.Type),
				zap.Error(err),
			)

			return err
		}

		return c.dispatcher.Dispatch(ctx, env.ID, ntype, orderID, userID, detail)
	}
}

func extract(env *events.Envelope) (orderID, userID, detail string, err error) {
	switch env.Type {
	case events.TypeOrderPlaced:
		var ev events.OrderPlaced
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, fmt.Sprintf("Total: %d.", ev.TotalAmount), nil
	case events.TypeOrderCancelled:
		var ev events.OrderCancelled
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, "", nil
	case events.TypeOrderShipped:
		var ev events.OrderShipped
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, "", nil
	case events.TypeOrderDelivered:
		var ev events.OrderDelivered
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, "", nil
	case events.TypePaymentSettled:
		var ev events.PaymentSettled
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, fmt.Sprintf("Amount: %d.", ev.Amount), nil
	case events.TypePaymentFailed:
		var ev events.PaymentFailed
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, fmt.Sprintf("Reason: %s.", ev.Reason), nil
	case events.TypePaymentRefunded:
		var ev events.PaymentRefunded
		if err = env.Decode(&ev); err != nil {
			return "", "", "", err
		}

		return ev.OrderID, ev.UserID, fmt.Sprintf("Amount: %d.", ev.Amount), nil
	default:
		return "", "", "", fmt.Errorf("no extractor for event type %s", env.Type)
	}
}
