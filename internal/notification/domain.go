package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopcraft/fulfillment/pkg/events"
)

var ErrNotificationNotFound = errors.New("notification not found")

const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

const (
	TypeOrderConfirmation   = "ORDER_CONFIRMATION"
	TypeOrderCancelled      = "ORDER_CANCELLED"
	TypeOrderShipped        = "ORDER_SHIPPED"
	TypeOrderDelivered      = "ORDER_DELIVERED"
	TypePaymentConfirmation = "PAYMENT_CONFIRMATION"
	TypePaymentFailure      = "PAYMENT_FAILURE"
	TypeRefundIssued        = "REFUND_ISSUED"
)

// Notification is one email owed to a customer. At most one notification
// exists per (orderID, type); that pair is the idempotency key, so replayed
// events never mail twice.
type Notification struct {
	ID      string
	OrderID string
	UserID  string
	Type    string
	Status  string
	Subject string
	Body    string

	CreatedAt time.Time
	SentAt    *time.Time
}

var typeForEvent = map[string]string{
	events.TypeOrderPlaced:     TypeOrderConfirmation,
	events.TypeOrderCancelled:  TypeOrderCancelled,
	events.TypeOrderShipped:    TypeOrderShipped,
	events.TypeOrderDelivered:  TypeOrderDelivered,
	events.TypePaymentSettled:  TypePaymentConfirmation,
	events.TypePaymentFailed:   TypePaymentFailure,
	events.TypePaymentRefunded: TypeRefundIssued,
}

// TypeForEvent maps a bus event type to the notification it triggers. The
// second return is false for events that carry no customer-facing message.
func TypeForEvent(eventType string) (string, bool) {
	t, ok := typeForEvent[eventType]
	return t, ok
}

type template struct {
	subject string
	body    string
}

var templates = map[string]template{
	TypeOrderConfirmation: {
		subject: "Your order %s is confirmed",
		body:    "We received your order %s and started fulfilling it. %s",
	},
	TypeOrderCancelled: {
		subject: "Your order %s was cancelled",
		body:    "Order %s has been cancelled. %s",
	},
	TypeOrderShipped: {
		subject: "Your order %s has shipped",
		body:    "Order %s is on its way. %s",
	},
	TypeOrderDelivered: {
		subject: "Your order %s was delivered",
		body:    "Order %s has been delivered. Enjoy! %s",
	},
	TypePaymentConfirmation: {
		subject: "Payment received for order %s",
		body:    "We successfully charged your payment for order %s. %s",
	},
	TypePaymentFailure: {
		subject: "Payment problem with order %s",
		body:    "We could not charge your payment for order %s. %s",
	},
	TypeRefundIssued: {
		subject: "Refund issued for order %s",
		body:    "Your payment for order %s has been refunded. %s",
	},
}

// Render fills the template for the given type. Detail is free-form extra
// context (amount, failure reason) appended to the body.
func Render(ntype, orderID, detail string) (subject, body string, err error) {
	tpl, ok := templates[ntype]
	if !ok {
		return "", "", fmt.Errorf("no template for notification type %s", ntype)
	}

	return fmt.Sprintf(tpl.subject, orderID), fmt.Sprintf(tpl.body, orderID, detail), nil
}
