package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Bus is the Kafka-backed implementation of bus.Bus. Each Subscribe call
// runs its own consumer group; the read position is committed only after
// the handler returns nil, which keeps delivery at-least-once.
type Bus struct {
	brokers  []string
	producer *Producer
	logger   *zap.Logger
}

func NewBus(brokers []string, logger *zap.Logger) (*Bus, error) {
	producer, err := NewProducer(brokers)
	if err != nil {
		return nil, err
	}

	return &Bus{
		brokers:  brokers,
		producer: producer,
		logger:   logger,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, topic string, env *events.Envelope) error {
	return b.producer.Publish(ctx, topic, env)
}

func (b *Bus) Subscribe(ctx context.Context, topic, group string, handler bus.Handler) error {
	config := sarama.NewConfig()
	config.Version = sarama.V3_0_0_0
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.BalanceStrategyRoundRobin}

	cg, err := sarama.NewConsumerGroup(b.brokers, group, config)
	if err != nil {
		return err
	}

	go func() {
		defer func() {
			if err := cg.Close(); err != nil {
				tracelog.Error(ctx, b.logger, "Error closing consumer group", zap.Error(err))
			}
		}()

		h := &groupHandler{handler: handler, logger: b.logger}

		for {
			if err := cg.Consume(ctx, []string{topic}, h); err != nil {
				tracelog.Error(ctx, b.logger, "Error consuming in consumer loop",
					zap.String("topic", topic),
					zap.Error(err),
				)
			}

			if ctx.Err() != nil {
				tracelog.Info(ctx, b.logger, "Context cancelled, shutting down consumer",
					zap.String("topic", topic),
				)
				return
			}
		}
	}()

	return nil
}

func (b *Bus) Close() error {
	return b.producer.Close()
}

const (
	retryBackoffBase = time.Second
	retryBackoffMax  = 30 * time.Second
)

type groupHandler struct {
	handler bus.Handler
	logger  *zap.Logger
}

func (h *groupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := h.extractTracing(session.Context(), msg)

		var env events.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			tracelog.Error(ctx, h.logger, "Failed to unmarshal envelope, skipping",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			session.MarkMessage(msg, "")
			continue
		}

		// A failing message holds its partition: the offset is never
		// committed past it, so it is retried here with backoff instead of
		// being lost until a rebalance.
		delay := retryBackoffBase
		for {
			err := h.handler(ctx, &env)
			if err == nil {
				break
			}

			tracelog.Error(ctx, h.logger, "Failed to process message, holding partition",
				zap.String("topic", msg.Topic),
				zap.String("event_type", env.Type),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)

			select {
			case <-session.Context().Done():
				return nil
			case <-time.After(delay):
			}

			if delay < retryBackoffMax {
				delay *= 2
				if delay > retryBackoffMax {
					delay = retryBackoffMax
				}
			}
		}

		session.MarkMessage(msg, "")
	}

	return nil
}

func (h *groupHandler) extractTracing(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		carrier[string(header.Key)] = string(header.Value)
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)

	tracer := otel.Tracer("bus/kafka")
	ctx, _ = tracer.Start(ctx, "kafka_process",
		trace.WithSpanKind(trace.SpanKindConsumer),
	)

	return ctx
}
