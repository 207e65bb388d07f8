package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *outbox.Log) {
	t.Helper()

	log := outbox.NewLog()
	store := NewMemoryStore(log)
	return NewEngine(store, zap.NewNop()), store, log
}

func seedStock(t *testing.T, store *MemoryStore, productID string, qty int64) {
	t.Helper()

	err := store.WithinTx(context.Background(), func(tx Tx) error {
		return tx.InsertStock(context.Background(), &StockRecord{
			ProductID: productID,
			Name:      "product " + productID,
			Price:     1000,
			Available: qty,
			UpdatedAt: time.Now().UTC(),
		})
	})
	require.NoError(t, err)
}

func placedEvent(orderID string, items ...events.Item) *events.OrderPlaced {
	var total int64
	for _, item := range items {
		total += item.Price * item.Qty
	}

	return &events.OrderPlaced{
		OrderID:       orderID,
		UserID:        "user-1",
		Items:         items,
		TotalAmount:   total,
		PaymentMethod: "CARD",
		Timestamp:     time.Now().UTC(),
		Status:        "CREATED",
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

func TestReserve_DecrementsStockAndEmitsStockReserved(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	ev := placedEvent("order-1", events.Item{ProductID: "p-1", Price: 1500, Qty: 2})
	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))

	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Available)

	envs := emittedEvents(t, log)

	reserved := eventsOfType(envs, events.TypeStockReserved)
	require.Len(t, reserved, 1)
	assert.Equal(t, "order-1", reserved[0].Key)

	var payload events.StockReserved
	require.NoError(t, reserved[0].Decode(&payload))
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Equal(t, "user-1", payload.UserID)
	assert.EqualValues(t, 3000, payload.Amount)
	assert.Equal(t, []events.StockLine{{ProductID: "p-1", Qty: 2}}, payload.Lines)

	changed := eventsOfType(envs, events.TypeStockChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "p-1", changed[0].Key)
}

func TestReserve_DuplicateDeliveryIsDiscarded(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	ev := placedEvent("order-1", events.Item{ProductID: "p-1", Price: 1000, Qty: 2})
	eventID := uuid.NewString()

	require.NoError(t, engine.Reserve(context.Background(), eventID, ev))
	require.NoError(t, engine.Reserve(context.Background(), eventID, ev))

	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Available)

	reserved := eventsOfType(emittedEvents(t, log), events.TypeStockReserved)
	assert.Len(t, reserved, 1)
}

func TestReserve_ReplayedOrderWithNewEventIDIsNoOp(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	ev := placedEvent("order-1", events.Item{ProductID: "p-1", Price: 1000, Qty: 2})

	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))
	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))

	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.Available)

	reserved := eventsOfType(emittedEvents(t, log), events.TypeStockReserved)
	assert.Len(t, reserved, 1)
}

func TestReserve_InsufficientStockLeavesEverythingUntouched(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)
	seedStock(t, store, "p-2", 1)

	ev := placedEvent("order-1",
		events.Item{ProductID: "p-1", Price: 1000, Qty: 2},
		events.Item{ProductID: "p-2", Price: 1000, Qty: 3},
	)
	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))

	// All-or-nothing: p-1 keeps its full quantity even though it alone
	// could have been satisfied.
	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.Available)

	rec, err = store.GetStock(context.Background(), "p-2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.Available)

	envs := emittedEvents(t, log)
	assert.Empty(t, eventsOfType(envs, events.TypeStockReserved))
	assert.Empty(t, eventsOfType(envs, events.TypeStockChanged))

	failed := eventsOfType(envs, events.TypeStockReservationFailed)
	require.Len(t, failed, 1)

	var payload events.StockReservationFailed
	require.NoError(t, failed[0].Decode(&payload))
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Contains(t, payload.Reason, "p-2")
}

func TestReserve_UnknownProductEmitsFailure(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	ev := placedEvent("order-1", events.Item{ProductID: "p-missing", Price: 1000, Qty: 1})
	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))

	failed := eventsOfType(emittedEvents(t, log), events.TypeStockReservationFailed)
	require.Len(t, failed, 1)
}

func TestRelease_RestoresExactlyWhatWasReserved(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)
	seedStock(t, store, "p-2", 4)

	ev := placedEvent("order-1",
		events.Item{ProductID: "p-1", Price: 1000, Qty: 2},
		events.Item{ProductID: "p-2", Price: 1000, Qty: 3},
	)
	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))

	cancel := &events.OrderCancelled{OrderID: "order-1", Timestamp: time.Now().UTC()}
	require.NoError(t, engine.Release(context.Background(), uuid.NewString(), cancel))

	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.Available)

	rec, err = store.GetStock(context.Background(), "p-2")
	require.NoError(t, err)
	assert.EqualValues(t, 4, rec.Available)

	// Reserve, one StockChanged per product on each side of the round trip.
	changed := eventsOfType(emittedEvents(t, log), events.TypeStockChanged)
	assert.Len(t, changed, 4)
}

func TestRelease_SecondCancelDoesNotDoubleRestore(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	ev := placedEvent("order-1", events.Item{ProductID: "p-1", Price: 1000, Qty: 2})
	require.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))

	cancel := &events.OrderCancelled{OrderID: "order-1", Timestamp: time.Now().UTC()}
	require.NoError(t, engine.Release(context.Background(), uuid.NewString(), cancel))
	require.NoError(t, engine.Release(context.Background(), uuid.NewString(), cancel))

	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.Available)
}

func TestRelease_UnknownOrderIsNoOp(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	cancel := &events.OrderCancelled{OrderID: "order-nope", Timestamp: time.Now().UTC()}
	require.NoError(t, engine.Release(context.Background(), uuid.NewString(), cancel))

	rec, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.Available)
	assert.Empty(t, emittedEvents(t, log))
}

func TestReserve_ConcurrentOverlappingOrdersNeverOversell(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 10)
	seedStock(t, store, "p-2", 10)

	const orders = 20

	var wg sync.WaitGroup
	for i := 0; i < orders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			// Alternate line order so overlapping lock sets arrive in
			// both directions.
			items := []events.Item{
				{ProductID: "p-1", Price: 1000, Qty: 1},
				{ProductID: "p-2", Price: 1000, Qty: 1},
			}
			if i%2 == 1 {
				items[0], items[1] = items[1], items[0]
			}

			ev := placedEvent(fmt.Sprintf("order-%d", i), items...)
			assert.NoError(t, engine.Reserve(context.Background(), uuid.NewString(), ev))
		}(i)
	}
	wg.Wait()

	recOne, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	recTwo, err := store.GetStock(context.Background(), "p-2")
	require.NoError(t, err)

	assert.GreaterOrEqual(t, recOne.Available, int64(0))
	assert.GreaterOrEqual(t, recTwo.Available, int64(0))

	// Exactly ten orders can be satisfied; each success drains one unit of
	// both products, each failure drains nothing.
	envs := emittedEvents(t, log)
	reserved := eventsOfType(envs, events.TypeStockReserved)
	failed := eventsOfType(envs, events.TypeStockReservationFailed)

	assert.Len(t, reserved, 10)
	assert.Len(t, failed, orders-10)
	assert.EqualValues(t, 0, recOne.Available)
	assert.EqualValues(t, 0, recTwo.Available)
}

func TestCreateProduct_SeedsStockAndEmitsStockChanged(t *testing.T) {
	engine, store, log := newTestEngine(t)

	rec, err := engine.CreateProduct(context.Background(), "Keyboard", 4500, 12)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ProductID)

	got, err := store.GetStock(context.Background(), rec.ProductID)
	require.NoError(t, err)
	assert.EqualValues(t, 12, got.Available)
	assert.Equal(t, "Keyboard", got.Name)

	changed := eventsOfType(emittedEvents(t, log), events.TypeStockChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, rec.ProductID, changed[0].Key)
}

func TestCreateProduct_RejectsInvalidInput(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.CreateProduct(context.Background(), "Broken", 0, 5)
	assert.Error(t, err)

	_, err = engine.CreateProduct(context.Background(), "Broken", 100, -1)
	assert.Error(t, err)
}

func TestSetStock_OverridesQuantity(t *testing.T) {
	engine, store, log := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	rec, err := engine.SetStock(context.Background(), "p-1", 42)
	require.NoError(t, err)
	assert.EqualValues(t, 42, rec.Available)

	got, err := store.GetStock(context.Background(), "p-1")
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.Available)

	changed := eventsOfType(emittedEvents(t, log), events.TypeStockChanged)
	require.Len(t, changed, 1)
}

func TestSetStock_UnknownProduct(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.SetStock(context.Background(), "p-missing", 1)
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestSetStock_RejectsNegativeQuantity(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	seedStock(t, store, "p-1", 5)

	_, err := engine.SetStock(context.Background(), "p-1", -1)
	assert.Error(t, err)
}
