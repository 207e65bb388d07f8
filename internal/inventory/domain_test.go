package inventory

import (
	"testing"

	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReservationRequest_AggregatesDuplicateLines(t *testing.T) {
	req, err := NewReservationRequest("order-1", []events.Item{
		{ProductID: "p-2", Qty: 1},
		{ProductID: "p-1", Qty: 2},
		{ProductID: "p-2", Qty: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "order-1", req.OrderID)
	assert.Equal(t, []ReservationLine{
		{ProductID: "p-1", Qty: 2},
		{ProductID: "p-2", Qty: 4},
	}, req.Lines)
	assert.Equal(t, []string{"p-1", "p-2"}, req.ProductIDs())
}

func TestNewReservationRequest_SortsByProductID(t *testing.T) {
	req, err := NewReservationRequest("order-1", []events.Item{
		{ProductID: "p-9", Qty: 1},
		{ProductID: "p-1", Qty: 1},
		{ProductID: "p-5", Qty: 1},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"p-1", "p-5", "p-9"}, req.ProductIDs())
}

func TestNewReservationRequest_RejectsEmptyItems(t *testing.T) {
	_, err := NewReservationRequest("order-1", nil)
	assert.ErrorIs(t, err, ErrEmptyReservation)
}

func TestNewReservationRequest_RejectsNonPositiveQty(t *testing.T) {
	_, err := NewReservationRequest("order-1", []events.Item{
		{ProductID: "p-1", Qty: 0},
	})
	assert.ErrorIs(t, err, ErrEmptyReservation)

	_, err = NewReservationRequest("order-1", []events.Item{
		{ProductID: "p-1", Qty: -2},
	})
	assert.ErrorIs(t, err, ErrEmptyReservation)
}
