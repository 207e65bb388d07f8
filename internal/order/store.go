package order

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// Store is the persistence boundary of the order ledger.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	OrdersByUser(ctx context.Context, userID string) ([]*Order, error)
}

type Tx interface {
	// MarkEventProcessed returns outbox.ErrDuplicateEvent when the event id
	// was already recorded; the transaction must then be rolled back.
	MarkEventProcessed(ctx context.Context, eventID string) error

	OrderForUpdate(ctx context.Context, orderID string) (*Order, error)
	InsertOrder(ctx context.Context, o *Order) error
	// UpdateStatus applies a CAS on (id, version); ErrVersionConflict when
	// the row moved underneath us.
	UpdateStatus(ctx context.Context, orderID, status string, version int64) error

	AppendOutbox(ctx context.Context, ev *outbox.Event) error
}
