// Package events defines the wire contract shared by all services: the
// envelope every message travels in, the typed payloads, and the topics
// with their partition keys.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics. Ordering is guaranteed only within a partition key, never across
// keys or topics.
const (
	// TopicOrders carries order lifecycle events, keyed by order id.
	TopicOrders = "orders"
	// TopicInventoryUpdates carries StockChanged keyed by product id and
	// reservation outcomes keyed by order id.
	TopicInventoryUpdates = "inventory-updates"
	// TopicPaymentEvents carries payment outcomes, keyed by order id.
	TopicPaymentEvents = "payment-events"
	// TopicNotifications carries dispatch results, keyed by order id.
	TopicNotifications = "notifications"
)

const (
	TypeOrderPlaced            = "OrderPlaced"
	TypeOrderCancelled         = "OrderCancelled"
	TypeOrderShipped           = "OrderShipped"
	TypeOrderDelivered         = "OrderDelivered"
	TypeStockReserved          = "StockReserved"
	TypeStockReservationFailed = "StockReservationFailed"
	TypeStockChanged           = "StockChanged"
	TypePaymentSettled         = "PaymentSettled"
	TypePaymentFailed          = "PaymentFailed"
	TypePaymentRefunded        = "PaymentRefunded"
	TypeNotificationSent       = "NotificationSent"
)

// Envelope wraps every event on the bus. ID is the dedup key consumers
// record; Key is the partition key the producer publishes under.
type Envelope struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"event"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, key string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	return &Envelope{
		ID:         uuid.NewString(),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}

	return nil
}

// Item is an ordered line as it appears in order events. Price is in minor
// currency units.
type Item struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Qty       int64  `json:"qty"`
}

type OrderPlaced struct {
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId"`
	Items         []Item    `json:"items"`
	TotalAmount   int64     `json:"totalAmount"`
	PaymentMethod string    `json:"paymentMethod"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
}

type OrderCancelled struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Items     []Item    `json:"items"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type OrderShipped struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type OrderDelivered struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// StockLine records one reserved product quantity.
type StockLine struct {
	ProductID string `json:"productId"`
	Qty       int64  `json:"qty"`
}

// StockReserved carries everything the payment processor needs to charge,
// so that it never reads inventory state directly.
type StockReserved struct {
	OrderID       string      `json:"orderId"`
	UserID        string      `json:"userId"`
	Amount        int64       `json:"amount"`
	PaymentMethod string      `json:"paymentMethod"`
	Lines         []StockLine `json:"lines"`
	Timestamp     time.Time   `json:"timestamp"`
}

type StockReservationFailed struct {
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type StockChanged struct {
	ProductID   string    `json:"productId"`
	NewQuantity int64     `json:"newQuantity"`
	Timestamp   time.Time `json:"timestamp"`
}

type PaymentSettled struct {
	PaymentID string    `json:"paymentId"`
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type PaymentFailed struct {
	PaymentID string    `json:"paymentId"`
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

type PaymentRefunded struct {
	PaymentID string    `json:"paymentId"`
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

type NotificationSent struct {
	NotificationID string    `json:"notificationId"`
	OrderID        string    `json:"orderId"`
	Type           string    `json:"type"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
}
