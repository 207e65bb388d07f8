package order

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore, *outbox.Log) {
	t.Helper()

	log := outbox.NewLog()
	store := NewMemoryStore(log)
	return NewLedger(store, zap.NewNop()), store, log
}

func emittedEvents(t *testing.T, log *outbox.Log) []*events.Envelope {
	t.Helper()

	rows, err := log.Unpublished(context.Background(), 1000, 1000)
	require.NoError(t, err)

	envs := make([]*events.Envelope, 0, len(rows))
	for _, row := range rows {
		var env events.Envelope
		require.NoError(t, json.Unmarshal(row.Envelope, &env))
		envs = append(envs, &env)
	}

	return envs
}

func eventsOfType(envs []*events.Envelope, eventType string) []*events.Envelope {
	var out []*events.Envelope
	for _, env := range envs {
		if env.Type == eventType {
			out = append(out, env)
		}
	}

	return out
}

func placeOrder(t *testing.T, ledger *Ledger) *Order {
	t.Helper()

	o, err := ledger.PlaceOrder(context.Background(), validRequest())
	require.NoError(t, err)
	return o
}

func TestPlaceOrder_PersistsAndEmitsOrderPlaced(t *testing.T) {
	ledger, store, log := newTestLedger(t)

	o := placeOrder(t, ledger)
	assert.Equal(t, StatusCreated, o.Status)
	require.NotEmpty(t, o.ID)

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Items, got.Items)

	placed := eventsOfType(emittedEvents(t, log), events.TypeOrderPlaced)
	require.Len(t, placed, 1)
	assert.Equal(t, o.ID, placed[0].Key)

	var payload events.OrderPlaced
	require.NoError(t, placed[0].Decode(&payload))
	assert.Equal(t, o.ID, payload.OrderID)
	assert.EqualValues(t, 10500, payload.TotalAmount)
	assert.Len(t, payload.Items, 2)
}

func TestPlaceOrder_InvalidRequestWritesNothing(t *testing.T) {
	ledger, _, log := newTestLedger(t)

	req := validRequest()
	req.TotalAmount = 1

	_, err := ledger.PlaceOrder(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, emittedEvents(t, log))
}

func TestCancelOrder_EmitsOrderCancelledWithItems(t *testing.T) {
	ledger, store, log := newTestLedger(t)
	o := placeOrder(t, ledger)

	cancelled, err := ledger.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	emitted := eventsOfType(emittedEvents(t, log), events.TypeOrderCancelled)
	require.Len(t, emitted, 1)

	var payload events.OrderCancelled
	require.NoError(t, emitted[0].Decode(&payload))
	assert.Equal(t, o.ID, payload.OrderID)
	assert.Len(t, payload.Items, 2)
}

func TestCancelOrder_TerminalOrderIsRejected(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	_, err := ledger.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)

	_, err = ledger.CancelOrder(context.Background(), o.ID)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelOrder_UnknownOrder(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	_, err := ledger.CancelOrder(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestHandleStockReserved_MovesToPaymentPending(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	ev := &events.StockReserved{OrderID: o.ID, Timestamp: time.Now().UTC()}
	require.NoError(t, ledger.HandleStockReserved(context.Background(), uuid.NewString(), ev))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status)
}

func TestHandleStockReserved_DuplicateDeliveryAppliesOnce(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	ev := &events.StockReserved{OrderID: o.ID, Timestamp: time.Now().UTC()}
	eventID := uuid.NewString()

	require.NoError(t, ledger.HandleStockReserved(context.Background(), eventID, ev))
	require.NoError(t, ledger.HandleStockReserved(context.Background(), eventID, ev))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status)
	assert.EqualValues(t, 1, got.Version)
}

func TestHandleStockReservationFailed_CancelsWithoutEmitting(t *testing.T) {
	ledger, store, log := newTestLedger(t)
	o := placeOrder(t, ledger)

	ev := &events.StockReservationFailed{OrderID: o.ID, Reason: "insufficient stock"}
	require.NoError(t, ledger.HandleStockReservationFailed(context.Background(), uuid.NewString(), ev))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// Nothing was reserved, so no compensation event goes out.
	assert.Empty(t, eventsOfType(emittedEvents(t, log), events.TypeOrderCancelled))
}

func TestHandlePaymentSettled_MovesToProcessing(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	reserved := &events.StockReserved{OrderID: o.ID}
	require.NoError(t, ledger.HandleStockReserved(context.Background(), uuid.NewString(), reserved))

	settled := &events.PaymentSettled{OrderID: o.ID, Status: "COMPLETED"}
	require.NoError(t, ledger.HandlePaymentSettled(context.Background(), uuid.NewString(), settled))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestHandlePaymentSettled_AheadOfReservationIsRetried(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	settled := &events.PaymentSettled{OrderID: o.ID, Status: "COMPLETED"}
	eventID := uuid.NewString()

	// Arrived before StockReserved: rejected so the bus redelivers it.
	require.Error(t, ledger.HandlePaymentSettled(context.Background(), eventID, settled))

	reserved := &events.StockReserved{OrderID: o.ID}
	require.NoError(t, ledger.HandleStockReserved(context.Background(), uuid.NewString(), reserved))

	require.NoError(t, ledger.HandlePaymentSettled(context.Background(), eventID, settled))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestHandlePaymentSettled_CancelledOrderIsStale(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	_, err := ledger.CancelOrder(context.Background(), o.ID)
	require.NoError(t, err)

	settled := &events.PaymentSettled{OrderID: o.ID, Status: "COMPLETED"}
	require.NoError(t, ledger.HandlePaymentSettled(context.Background(), uuid.NewString(), settled))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestHandlePaymentFailed_LeavesOrderUnchanged(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	reserved := &events.StockReserved{OrderID: o.ID}
	require.NoError(t, ledger.HandleStockReserved(context.Background(), uuid.NewString(), reserved))

	failed := &events.PaymentFailed{OrderID: o.ID, Reason: "limit exceeded"}
	require.NoError(t, ledger.HandlePaymentFailed(context.Background(), uuid.NewString(), failed))

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentPending, got.Status)
}

func TestAdvanceOrder_EmitsShippedAndDelivered(t *testing.T) {
	ledger, store, log := newTestLedger(t)
	o := placeOrder(t, ledger)

	require.NoError(t, ledger.HandleStockReserved(context.Background(), uuid.NewString(),
		&events.StockReserved{OrderID: o.ID}))
	require.NoError(t, ledger.HandlePaymentSettled(context.Background(), uuid.NewString(),
		&events.PaymentSettled{OrderID: o.ID}))

	shipped, err := ledger.AdvanceOrder(context.Background(), o.ID, StatusShipped)
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, shipped.Status)

	delivered, err := ledger.AdvanceOrder(context.Background(), o.ID, StatusDelivered)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, delivered.Status)

	got, err := store.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, got.Status)

	envs := emittedEvents(t, log)
	assert.Len(t, eventsOfType(envs, events.TypeOrderShipped), 1)
	assert.Len(t, eventsOfType(envs, events.TypeOrderDelivered), 1)
}

func TestAdvanceOrder_RejectsNonAdminStatuses(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	o := placeOrder(t, ledger)

	_, err := ledger.AdvanceOrder(context.Background(), o.ID, StatusProcessing)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = ledger.AdvanceOrder(context.Background(), o.ID, StatusShipped)
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestOrdersByUser(t *testing.T) {
	ledger, _, _ := newTestLedger(t)

	first := placeOrder(t, ledger)
	second := placeOrder(t, ledger)

	orders, err := ledger.OrdersByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)

	ids := []string{orders[0].ID, orders[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	orders, err = ledger.OrdersByUser(context.Background(), "user-2")
	require.NoError(t, err)
	assert.Empty(t, orders)
}
