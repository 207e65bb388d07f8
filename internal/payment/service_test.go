package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeGateway struct {
	charges     int
	refunds     int
	failCharges int
	declineOver int64
}

func (g *fakeGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	g.charges++

	if g.failCharges > 0 {
		g.failCharges--
		return ChargeResult{}, errors.New("gateway unavailable")
	}

	if g.declineOver > 0 && req.Amount > g.declineOver {
		return ChargeResult{Declined: true, Reason: "limit exceeded"}, nil
	}

	return ChargeResult{TransactionID: transactionID(req.OrderID)}, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ string, _ int64) error {
	g.refunds++
	return nil
}

func newTestProcessor(t *testing.T, gw Gateway) (*Processor, *MemoryStore, *outbox.Log) {
	t.Helper()

	log := outbox.NewLog()
	store := NewMemoryStore(log)
	return NewProcessor(store, gw, zap.NewNop()), store, log
}

func reservedEvent(orderID string, amount int64) *events.StockReserved {
	return &events.StockReserved{
		OrderID:       orderID,
		UserID:        "user-1",
		Amount:        amount,
		PaymentMethod: "CARD",
		Lines:         []events.StockLine{{ProductID: "p-1", Qty: 1}},
		Timestamp:     time.Now().UTC(),
	}
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

func TestProcess_ChargesAndSettles(t *testing.T) {
	gw := &fakeGateway{}
	processor, store, log := newTestProcessor(t, gw)

	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), reservedEvent("order-1", 3000)))

	p, err := store.PaymentForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.NotEmpty(t, p.TransactionID)
	assert.EqualValues(t, 3000, p.Amount)
	assert.Equal(t, 1, gw.charges)

	settled := eventsOfType(emittedEvents(t, log), events.TypePaymentSettled)
	require.Len(t, settled, 1)
	assert.Equal(t, "order-1", settled[0].Key)

	var payload events.PaymentSettled
	require.NoError(t, settled[0].Decode(&payload))
	assert.Equal(t, p.ID, payload.PaymentID)
	assert.Equal(t, StatusCompleted, payload.Status)
}

func TestProcess_DeclineMarksFailed(t *testing.T) {
	gw := &fakeGateway{declineOver: 1000}
	processor, store, log := newTestProcessor(t, gw)

	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), reservedEvent("order-1", 5000)))

	p, err := store.PaymentForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Empty(t, p.TransactionID)
	assert.NotEmpty(t, p.FailureReason)

	envs := emittedEvents(t, log)
	assert.Empty(t, eventsOfType(envs, events.TypePaymentSettled))

	failed := eventsOfType(envs, events.TypePaymentFailed)
	require.Len(t, failed, 1)

	var payload events.PaymentFailed
	require.NoError(t, failed[0].Decode(&payload))
	assert.Equal(t, "order-1", payload.OrderID)
}

func TestProcess_DuplicateDeliveryChargesOnce(t *testing.T) {
	gw := &fakeGateway{}
	processor, _, log := newTestProcessor(t, gw)

	ev := reservedEvent("order-1", 3000)
	eventID := uuid.NewString()

	require.NoError(t, processor.Process(context.Background(), eventID, ev))
	require.NoError(t, processor.Process(context.Background(), eventID, ev))

	assert.Equal(t, 1, gw.charges)
	assert.Len(t, eventsOfType(emittedEvents(t, log), events.TypePaymentSettled), 1)
}

func TestProcess_ReplayedOrderWithNewEventIDChargesOnce(t *testing.T) {
	gw := &fakeGateway{}
	processor, _, log := newTestProcessor(t, gw)

	ev := reservedEvent("order-1", 3000)

	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), ev))
	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), ev))

	assert.Equal(t, 1, gw.charges)
	assert.Len(t, eventsOfType(emittedEvents(t, log), events.TypePaymentSettled), 1)
}

func TestProcess_GatewayErrorMarksFailed(t *testing.T) {
	gw := &fakeGateway{failCharges: 1}
	processor, store, log := newTestProcessor(t, gw)

	ev := reservedEvent("order-1", 3000)
	eventID := uuid.NewString()

	// The gateway is unreachable; the payment settles FAILED and the event
	// is acked, never retried.
	require.NoError(t, processor.Process(context.Background(), eventID, ev))

	p, err := store.PaymentForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Empty(t, p.TransactionID)
	assert.Equal(t, "gateway unavailable", p.FailureReason)

	envs := emittedEvents(t, log)
	assert.Empty(t, eventsOfType(envs, events.TypePaymentSettled))
	require.Len(t, eventsOfType(envs, events.TypePaymentFailed), 1)

	// Redelivery must not reach the gateway again.
	require.NoError(t, processor.Process(context.Background(), eventID, ev))
	assert.Equal(t, 1, gw.charges)
}

func TestProcess_ResumesPaymentClaimedBeforeCrash(t *testing.T) {
	gw := &fakeGateway{}
	processor, store, log := newTestProcessor(t, gw)

	ev := reservedEvent("order-1", 3000)
	eventID := uuid.NewString()

	// A crash between claiming and settling leaves a PROCESSING row behind.
	now := time.Now().UTC()
	require.NoError(t, store.WithinTx(context.Background(), func(tx Tx) error {
		if err := tx.MarkEventProcessed(context.Background(), eventID); err != nil {
			return err
		}

		return tx.InsertPayment(context.Background(), &Payment{
			ID:        uuid.NewString(),
			OrderID:   "order-1",
			UserID:    "user-1",
			Amount:    3000,
			Method:    "CARD",
			Status:    StatusProcessing,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}))

	// Redelivery finds the PROCESSING row and finishes the charge.
	require.NoError(t, processor.Process(context.Background(), eventID, ev))

	p, err := store.PaymentForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, p.Status)
	assert.Equal(t, 1, gw.charges)
	assert.Len(t, eventsOfType(emittedEvents(t, log), events.TypePaymentSettled), 1)
}

func TestHandleOrderCancelled_RefundsCompletedPayment(t *testing.T) {
	gw := &fakeGateway{}
	processor, store, log := newTestProcessor(t, gw)

	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), reservedEvent("order-1", 3000)))

	cancel := &events.OrderCancelled{OrderID: "order-1", Timestamp: time.Now().UTC()}
	require.NoError(t, processor.HandleOrderCancelled(context.Background(), uuid.NewString(), cancel))

	p, err := store.PaymentForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, p.Status)
	assert.Equal(t, 1, gw.refunds)

	refunded := eventsOfType(emittedEvents(t, log), events.TypePaymentRefunded)
	require.Len(t, refunded, 1)
}

func TestHandleOrderCancelled_NoPaymentIsNoOp(t *testing.T) {
	gw := &fakeGateway{}
	processor, _, log := newTestProcessor(t, gw)

	cancel := &events.OrderCancelled{OrderID: "order-1", Timestamp: time.Now().UTC()}
	require.NoError(t, processor.HandleOrderCancelled(context.Background(), uuid.NewString(), cancel))

	assert.Zero(t, gw.refunds)
	assert.Empty(t, emittedEvents(t, log))
}

func TestHandleOrderCancelled_FailedPaymentIsNotRefunded(t *testing.T) {
	gw := &fakeGateway{declineOver: 1000}
	processor, store, _ := newTestProcessor(t, gw)

	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), reservedEvent("order-1", 5000)))

	cancel := &events.OrderCancelled{OrderID: "order-1", Timestamp: time.Now().UTC()}
	require.NoError(t, processor.HandleOrderCancelled(context.Background(), uuid.NewString(), cancel))

	p, err := store.PaymentForOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Zero(t, gw.refunds)
}

func TestRefund_RejectsNonCompletedPayment(t *testing.T) {
	gw := &fakeGateway{declineOver: 1000}
	processor, _, _ := newTestProcessor(t, gw)

	require.NoError(t, processor.Process(context.Background(), uuid.NewString(), reservedEvent("order-1", 5000)))

	_, err := processor.Refund(context.Background(), "order-1")
	assert.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = processor.Refund(context.Background(), "order-missing")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestTransition(t *testing.T) {
	p := &Payment{Status: StatusProcessing}

	require.NoError(t, p.Transition(StatusCompleted))
	require.NoError(t, p.Transition(StatusRefunded))
	assert.True(t, p.Terminal())

	p = &Payment{Status: StatusProcessing}
	require.NoError(t, p.Transition(StatusFailed))
	assert.True(t, p.Terminal())

	assert.ErrorIs(t, p.Transition(StatusCompleted), ErrInvalidStateTransition)

	p = &Payment{Status: StatusCompleted}
	assert.ErrorIs(t, p.Transition(StatusFailed), ErrInvalidStateTransition)
}
