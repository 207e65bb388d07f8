package payment

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrInvalidStateTransition = errors.New("invalid payment state transition")
)

const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
	StatusRefunded   = "REFUNDED"
)

// Payment records one charge attempt per order. OrderID is unique: a retried
// or replayed StockReserved event lands on the same row instead of charging
// the customer twice.
type Payment struct {
	ID            string
	OrderID       string
	UserID        string
	Amount        int64
	Method        string
	Status        string
	TransactionID string
	FailureReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

var transitions = map[string][]string{
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusRefunded},
}

// Transition validates and applies a status change. FAILED and REFUNDED are
// terminal.
func (p *Payment) Transition(next string) error {
	for _, allowed := range transitions[p.Status] {
		if allowed == next {
			p.Status = next
			p.UpdatedAt = time.Now().UTC()
			return nil
		}
	}

	return fmt.Errorf("%s -> %s: %w", p.Status, next, ErrInvalidStateTransition)
}

// Terminal reports whether the payment reached an end state and no further
// charge attempts may touch it.
func (p *Payment) Terminal() bool {
	return p.Status == StatusFailed || p.Status == StatusRefunded
}
