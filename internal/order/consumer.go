package order

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/metrics"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

const consumerGroup = "order-service"

type Consumer struct {
	ledger *Ledger
	logger *zap.Logger
}

func NewConsumer(ledger *Ledger, logger *zap.Logger) *Consumer {
	return &Consumer{
		ledger: ledger,
		logger: logger,
	}
}

// Start subscribes to reservation outcomes and payment outcomes; both drive
// the order status machine.
func (c *Consumer) Start(ctx context.Context, b bus.Bus) error {
	if err := b.Subscribe(ctx, events.TopicInventoryUpdates, consumerGroup, c.handleInventoryEvent); err != nil {
		return err
	}

	return b.Subscribe(ctx, events.TopicPaymentEvents, consumerGroup, c.handlePaymentEvent)
}

func (c *Consumer) handleInventoryEvent(ctx context.Context, env *events.Envelope) (err error) {
	defer func() {
		metrics.RecordEventConsumed(consumerGroup, events.TopicInventoryUpdates, env.Type, err)
	}()

	switch env.Type {
	case events.TypeStockReserved:
		var ev events.StockReserved
		if err = env.Decode(&ev); err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding StockReserved", zap.Error(err))
			return err
		}

		return c.ledger.HandleStockReserved(ctx, env.ID, &ev)
	case events.TypeStockReservationFailed:
		var ev events.StockReservationFailed
		if err = env.Decode(&ev); err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding StockReservationFailed", zap.Error(err))
			return err
		}

		return c.ledger.HandleStockReservationFailed(ctx, env.ID, &ev)
	default:
		return nil
	}
}

func (c *Consumer) handlePaymentEvent(ctx context.Context, env *events.Envelope) (err error) {
	defer func() {
		metrics.RecordEventConsumed(consumerGroup, events.TopicPaymentEvents, env.Type, err)
	}()

	switch env.Type {
	case events.TypePaymentSettled:
		var ev events.PaymentSettled
		if err = env.Decode(&ev); err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding PaymentSettled", zap.Error(err))
			return err
		}

		return c.ledger.HandlePaymentSettled(ctx, env.ID, &ev)
	case events.TypePaymentFailed:
		var ev events.PaymentFailed
		if err = env.Decode(&ev); err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding PaymentFailed", zap.Error(err))
			return err
		}

		return c.ledger.HandlePaymentFailed(ctx, env.ID, &ev)
	default:
		return nil
	}
}
