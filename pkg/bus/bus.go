// Package bus abstracts the durable, partitioned event log the services
// coordinate over. Delivery is at-least-once; a handler acks by returning
// nil, and any error means the event will be seen again.
package bus

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/events"
)

type Handler func(ctx context.Context, env *events.Envelope) error

type Publisher interface {
	Publish(ctx context.Context, topic string, env *events.Envelope) error
}

// Bus adds consumption. Subscribe registers handler under a consumer group
// and returns once consumption is running in the background; it stops when
// ctx is cancelled. Events with the same partition key are handled strictly
// in order, distinct keys concurrently.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}
