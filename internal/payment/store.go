package payment

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// Store is the persistence boundary of the payment processor. WithinTx runs
// fn inside one transaction; a non-nil error rolls everything back.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	PaymentForOrder(ctx context.Context, orderID string) (*Payment, error)
}

type Tx interface {
	// MarkEventProcessed returns outbox.ErrDuplicateEvent when the event id
	// was already recorded; the transaction must then be rolled back.
	MarkEventProcessed(ctx context.Context, eventID string) error

	PaymentForOrder(ctx context.Context, orderID string) (*Payment, error)
	InsertPayment(ctx context.Context, p *Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error

	AppendOutbox(ctx context.Context, ev *outbox.Event) error
}
