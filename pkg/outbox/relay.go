package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Relay periodically drains unpublished outbox events into the bus.
// Publishing and marking are separate steps, so a crash in between causes
// republication, never loss.
type Relay struct {
	source      Source
	publisher   bus.Publisher
	logger      *zap.Logger
	batchSize   int
	interval    time.Duration
	maxAttempts int
	tracer      trace.Tracer
}

type RelayConfig struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
}

func NewRelay(source Source, publisher bus.Publisher, logger *zap.Logger, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}

	return &Relay{
		source:      source,
		publisher:   publisher,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		interval:    cfg.Interval,
		maxAttempts: cfg.MaxAttempts,
		tracer:      otel.Tracer("outbox/relay"),
	}
}

func (r *Relay) Start(ctx context.Context) {
	tracelog.Info(ctx, r.logger, "Starting outbox relay")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			tracelog.Info(ctx, r.logger, "Outbox relay stopping")
			return
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				tracelog.Error(ctx, r.logger, "Error processing outbox batch", zap.Error(err))
			}
		}
	}
}

func (r *Relay) processBatch(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "Relay.processBatch")
	defer span.End()

	pending, err := r.source.Unpublished(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		return err
	}

	for _, ev := range pending {
		var env events.Envelope
		if err := json.Unmarshal(ev.Envelope, &env); err != nil {
			tracelog.Error(ctx, r.logger, "Unmarshal of outbox envelope failed",
				zap.Int64("id", ev.ID),
				zap.Error(err),
			)

			if dbErr := r.source.MarkFailed(ctx, ev.ID, err.Error()); dbErr != nil {
				return dbErr
			}
			continue
		}

		if err := r.publisher.Publish(ctx, ev.Topic, &env); err != nil {
			tracelog.Error(ctx, r.logger, "Outbox publish failed",
				zap.Int64("id", ev.ID),
				zap.String("topic", ev.Topic),
				zap.Error(err),
			)

			if dbErr := r.source.MarkFailed(ctx, ev.ID, err.Error()); dbErr != nil {
				return dbErr
			}
			continue
		}

		if err := r.source.MarkPublished(ctx, ev.ID); err != nil {
			return err
		}

		tracelog.Debug(ctx, r.logger, "Outbox event published",
			zap.Int64("id", ev.ID),
			zap.String("event_type", ev.EventType),
		)
	}

	return nil
}
