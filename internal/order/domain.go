package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopcraft/fulfillment/pkg/events"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrVersionConflict        = errors.New("order version conflict")
)

const (
	StatusCreated        = "CREATED"
	StatusPaymentPending = "PAYMENT_PENDING"
	StatusProcessing     = "PROCESSING"
	StatusShipped        = "SHIPPED"
	StatusDelivered      = "DELIVERED"
	StatusCancelled      = "CANCELLED"
)

// Order is the ledger entry for one purchase. Items never change after
// creation; everything that happens later is a status change driven by
// events from the other services. Version backs the compare-and-swap in both
// stores.
type Order struct {
	ID            string
	UserID        string
	Items         []Item
	TotalAmount   int64
	PaymentMethod string
	Status        string
	Version       int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item prices are minor units.
type Item struct {
	ProductID string `json:"productId" validate:"required"`
	Name      string `json:"name" validate:"required"`
	UnitPrice int64  `json:"unitPrice" validate:"required,gt=0"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
}

var forward = map[string]string{
	StatusCreated:        StatusPaymentPending,
	StatusPaymentPending: StatusProcessing,
	StatusProcessing:     StatusShipped,
	StatusShipped:        StatusDelivered,
}

// Transition validates and applies a status change. Any non-terminal order
// can be cancelled; otherwise only the next step of the fulfillment chain is
// allowed.
func (o *Order) Transition(next string) error {
	if o.Terminal() {
		return fmt.Errorf("%s -> %s: %w", o.Status, next, ErrInvalidStateTransition)
	}

	if next != StatusCancelled && forward[o.Status] != next {
		return fmt.Errorf("%s -> %s: %w", o.Status, next, ErrInvalidStateTransition)
	}

	o.Status = next
	o.UpdatedAt = time.Now().UTC()

	return nil
}

func (o *Order) Terminal() bool {
	return o.Status == StatusDelivered || o.Status == StatusCancelled
}

// PlaceOrderRequest is the inbound order shape, validated before anything is
// persisted. TotalAmount is the client's claim and must match the computed
// sum of the items.
type PlaceOrderRequest struct {
	UserID        string `json:"userId" validate:"required"`
	Items         []Item `json:"items" validate:"required,min=1,dive"`
	TotalAmount   int64  `json:"totalAmount" validate:"required,gt=0"`
	PaymentMethod string `json:"paymentMethod" validate:"required,oneof=CARD WALLET COD"`
}

var validate = validator.New()

func (r PlaceOrderRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}

	var total int64
	for _, item := range r.Items {
		total += item.UnitPrice * item.Quantity
	}

	if total != r.TotalAmount {
		return fmt.Errorf("total amount %d does not match item sum %d", r.TotalAmount, total)
	}

	return nil
}

func eventItems(items []Item) []events.Item {
	out := make([]events.Item, len(items))
	for i, item := range items {
		out[i] = events.Item{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.UnitPrice,
			Qty:       item.Quantity,
		}
	}

	return out
}
