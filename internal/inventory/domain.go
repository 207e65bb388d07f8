package inventory

import (
	"errors"
	"sort"
	"time"

	"github.com/shopcraft/fulfillment/pkg/events"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrEmptyReservation  = errors.New("reservation request has no items")
	ErrVersionConflict   = errors.New("stock record version conflict")
)

// StockRecord is the per-product counter owned exclusively by this service.
// Available never goes below zero; Version backs the compare-and-swap on
// every mutation.
type StockRecord struct {
	ProductID string
	Name      string
	Price     int64
	Available int64
	Version   int64
	UpdatedAt time.Time
}

// Reservation is the ledger entry recording exactly what an order took, so
// release can reverse it precisely and idempotently.
type Reservation struct {
	OrderID    string
	Lines      []ReservationLine
	ReservedAt time.Time
}

type ReservationLine struct {
	ProductID string
	Qty       int64
}

// ReservationRequest is the immutable per-order demand: duplicate product
// lines summed, lines sorted ascending by product id. The sort order doubles
// as the global lock acquisition order, which rules out deadlock between
// concurrent reservations with overlapping product sets.
type ReservationRequest struct {
	OrderID string
	Lines   []ReservationLine
}

func NewReservationRequest(orderID string, items []events.Item) (ReservationRequest, error) {
	if len(items) == 0 {
		return ReservationRequest{}, ErrEmptyReservation
	}

	byProduct := make(map[string]int64, len(items))
	for _, item := range items {
		if item.Qty <= 0 {
			return ReservationRequest{}, ErrEmptyReservation
		}

		byProduct[item.ProductID] += item.Qty
	}

	lines := make([]ReservationLine, 0, len(byProduct))
	for productID, qty := range byProduct {
		lines = append(lines, ReservationLine{ProductID: productID, Qty: qty})
	}

	sort.Slice(lines, func(i, j int) bool {
		return lines[i].ProductID < lines[j].ProductID
	})

	return ReservationRequest{OrderID: orderID, Lines: lines}, nil
}

func (r ReservationRequest) ProductIDs() []string {
	ids := make([]string, len(r.Lines))
	for i, line := range r.Lines {
		ids[i] = line.ProductID
	}

	return ids
}
