// Package outbox implements the transactional outbox: services append
// outbound events in the same local transaction as their state change, and
// an independent relay publishes them to the bus at-least-once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopcraft/fulfillment/pkg/events"
)

// Event is one pending outbound message. Envelope holds the serialized
// events.Envelope exactly as it will appear on the bus.
type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Key           string
	Envelope      []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int64
	LastError     *string
}

func NewEvent(topic, aggregateType, aggregateID string, env *events.Envelope) (*Event, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     env.Type,
		Topic:         topic,
		Key:           env.Key,
		Envelope:      raw,
	}, nil
}

// Source is the per-service view of pending outbox rows the relay drains.
type Source interface {
	Unpublished(ctx context.Context, batchSize, maxAttempts int) ([]*Event, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}
