package payment

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/metrics"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

const consumerGroup = "payment-service"

type Consumer struct {
	processor *Processor
	logger    *zap.Logger
}

func NewConsumer(processor *Processor, logger *zap.Logger) *Consumer {
	return &Consumer{
		processor: processor,
		logger:    logger,
	}
}

// Start subscribes to reservation outcomes and to order cancellations.
func (c *Consumer) Start(ctx context.Context, b bus.Bus) error {
	if err := b.Subscribe(ctx, events.TopicInventoryUpdates, consumerGroup, c.handleInventoryEvent); err != nil {
		return err
	}

	return b.Subscribe(ctx, events.TopicOrders, consumerGroup, c.handleOrderEvent)
}

func (c *Consumer) handleInventoryEvent(ctx context.Context, env *events.Envelope) (err error) {
	defer func() {
		metrics.RecordEventConsumed(consumerGroup, events.TopicInventoryUpdates, env.Type, err)
	}()

	if env.Type != events.TypeStockReserved {
		return nil
	}

	tracelog.Info(ctx, c.logger, "Processing inventory event",
		zap.String("event_type", env.Type),
		zap.String("event_id", env.ID),
	)

	var ev events.StockReserved
	if err = env.Decode(&ev); err != nil {
		tracelog.Error(ctx, c.logger, "Error decoding StockReserved", zap.Error(err))
		return err
	}

	return c.processor.Process(ctx, env.ID, &ev)
}

func (c *Consumer) handleOrderEvent(ctx context.Context, env *events.Envelope) (err error) {
	defer func() {
		metrics.RecordEventConsumed(consumerGroup, events.TopicOrders, env.Type, err)
	}()

	if env.Type != events.TypeOrderCancelled {
		return nil
	}

	var ev events.OrderCancelled
	if err = env.Decode(&ev); err != nil {
		tracelog.Error(ctx, c.logger, "Error decoding OrderCancelled", zap.Error(err))
		return err
	}

	return c.processor.HandleOrderCancelled(ctx, env.ID, &ev)
}
