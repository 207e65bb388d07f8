package inventory

import (
	"context"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// Store is the durable state owned by the reservation engine. WithinTx runs
// fn in one local transaction; the outbox append participates in the same
// transaction, which is what makes state change and event emission atomic.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	GetStock(ctx context.Context, productID string) (*StockRecord, error)
}

type Tx interface {
	// MarkEventProcessed returns outbox.ErrDuplicateEvent for an event id
	// seen before; the caller must then roll back and ack.
	MarkEventProcessed(ctx context.Context, eventID string) error

	// StockForUpdate locks the requested stock rows in ascending product id
	// order and returns those that exist.
	StockForUpdate(ctx context.Context, productIDs []string) (map[string]*StockRecord, error)
	InsertStock(ctx context.Context, rec *StockRecord) error
	// UpdateStockQuantity sets the available quantity guarded by the record
	// version; ErrVersionConflict when the version moved underneath.
	UpdateStockQuantity(ctx context.Context, productID string, quantity, version int64) error

	Reservation(ctx context.Context, orderID string) (*Reservation, error)
	SaveReservation(ctx context.Context, res *Reservation) error
	DeleteReservation(ctx context.Context, orderID string) error

	AppendOutbox(ctx context.Context, ev *outbox.Event) error
}
