package inventory

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/metrics"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

const consumerGroup = "inventory-service"

type Consumer struct {
	engine *Engine
	logger *zap.Logger
}

func NewConsumer(engine *Engine, logger *zap.Logger) *Consumer {
	return &Consumer{
		engine: engine,
		logger: logger,
	}
}

func (c *Consumer) Start(ctx context.Context, b bus.Bus) error {
	return b.Subscribe(ctx, events.TopicOrders, consumerGroup, c.handleOrderEvent)
}

func (c *Consumer) handleOrderEvent(ctx context.Context, env *events.Envelope) (err error) {
	defer func() {
		metrics.RecordEventConsumed(consumerGroup, events.TopicOrders, env.Type, err)
	}()

	tracelog.Info(ctx, c.logger, "Processing order event",
		zap.String("event_type", env.Type),
		zap.String("event_id", env.ID),
	)

	switch env.Type {
	case events.TypeOrderPlaced:
		var ev events.OrderPlaced
		if err = env.Decode(&ev); err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding OrderPlaced", zap.Error(err))
			return err
		}

		return c.engine.Reserve(ctx, env.ID, &ev)
	case events.TypeOrderCancelled:
		var ev events.OrderCancelled
		if err = env.Decode(&ev); err != nil {
			tracelog.Error(ctx, c.logger, "Error decoding OrderCancelled", zap.Error(err))
			return err
		}

		return c.engine.Release(ctx, env.ID, &ev)
	default:
		tracelog.Debug(ctx, c.logger, "Ignored event type", zap.String("event_type", env.Type))
		return nil
	}
}
