package notification

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// Store is the persistence boundary of the dispatcher.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	NotificationsByOrder(ctx context.Context, orderID string) ([]*Notification, error)
}

type Tx interface {
	// MarkEventProcessed returns outbox.ErrDuplicateEvent when the event id
	// was already recorded; the transaction must then be rolled back.
	MarkEventProcessed(ctx context.Context, eventID string) error

	// NotificationByKey looks up the (orderID, type) idempotency key;
	// (nil, nil) when absent.
	NotificationByKey(ctx context.Context, orderID, ntype string) (*Notification, error)
	InsertNotification(ctx context.Context, n *Notification) error
	UpdateStatus(ctx context.Context, n *Notification) error

	AppendOutbox(ctx context.Context, ev *outbox.Event) error
}
