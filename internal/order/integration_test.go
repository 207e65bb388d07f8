package order_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopcraft/fulfillment/internal/order"
	"github.com/shopcraft/fulfillment/pkg/bus/kafka"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"github.com/shopcraft/fulfillment/pkg/testsuite"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type IntegrationTestSuite struct {
	testsuite.BaseSuite

	Ledger      *order.Ledger
	Bus         *kafka.Bus
	relayCancel context.CancelFunc
}

func (s *IntegrationTestSuite) SetupSuite() {
	s.BaseSuite.SetupInfrastructure("order")
}

func (s *IntegrationTestSuite) TearDownSuite() {
	s.BaseSuite.TearDownInfrastructure()
}

func (s *IntegrationTestSuite) SetupTest() {
	s.BaseSuite.TruncateTables("order_items", "orders", "processed_events", "outbox")

	logger := zap.NewNop()
	store := order.NewPostgresStore(s.DBPool, logger)
	s.Ledger = order.NewLedger(store, logger)

	var err error
	s.Bus, err = kafka.NewBus(s.KafkaBrokers, logger)
	s.Require().NoError(err, "failed to create kafka bus")

	relay := outbox.NewRelay(
		outbox.NewPostgresSource(s.DBPool),
		s.Bus,
		logger,
		outbox.RelayConfig{Interval: 100 * time.Millisecond},
	)

	relayCtx, cancel := context.WithCancel(s.Ctx)
	s.relayCancel = cancel

	go relay.Start(relayCtx)
}

func (s *IntegrationTestSuite) TearDownTest() {
	if s.relayCancel != nil {
		s.relayCancel()
	}
	if s.Bus != nil {
		s.Require().NoError(s.Bus.Close())
	}
}

func (s *IntegrationTestSuite) placeOrder() *order.Order {
	o, err := s.Ledger.PlaceOrder(s.Ctx, order.PlaceOrderRequest{
		UserID: "user-1",
		Items: []order.Item{
			{ProductID: "prod-1", Name: "Kettle", UnitPrice: 2500, Quantity: 2},
		},
		TotalAmount:   5000,
		PaymentMethod: "CARD",
	})
	s.Require().NoError(err)
	s.Require().NotNil(o)

	return o
}

func (s *IntegrationTestSuite) orderStatus(orderID string) string {
	var status string
	err := s.DBPool.QueryRow(s.Ctx, `SELECT status FROM orders WHERE id = $1`, orderID).
		Scan(&status)
	s.Require().NoError(err)

	return status
}

func (s *IntegrationTestSuite) requirePublished(orderID, eventType string) {
	query := `
		SELECT published_at
		FROM outbox
		WHERE aggregate_id = $1 AND event_type = $2
	`

	s.Require().Eventually(func() bool {
		var publishedAt *time.Time
		if err := s.DBPool.QueryRow(s.Ctx, query, orderID, eventType).Scan(&publishedAt); err != nil {
			return false
		}

		return publishedAt != nil
	}, 5*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestPlaceOrder_PersistsAndPublishes() {
	o := s.placeOrder()

	s.Require().Equal(order.StatusCreated, s.orderStatus(o.ID))
	s.requirePublished(o.ID, events.TypeOrderPlaced)
}

func (s *IntegrationTestSuite) TestPlaceOrder_RepeatedProductLines() {
	o, err := s.Ledger.PlaceOrder(s.Ctx, order.PlaceOrderRequest{
		UserID: "user-1",
		Items: []order.Item{
			{ProductID: "prod-1", Name: "Kettle", UnitPrice: 2500, Quantity: 1},
			{ProductID: "prod-1", Name: "Kettle", UnitPrice: 2500, Quantity: 2},
		},
		TotalAmount:   7500,
		PaymentMethod: "CARD",
	})
	s.Require().NoError(err)

	got, err := s.Ledger.GetOrder(s.Ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Items, 1)
	s.Require().EqualValues(3, got.Items[0].Quantity)
}

func (s *IntegrationTestSuite) TestCancelOrder_Success() {
	o := s.placeOrder()

	cancelled, err := s.Ledger.CancelOrder(s.Ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Equal(order.StatusCancelled, cancelled.Status)

	s.Require().Equal(order.StatusCancelled, s.orderStatus(o.ID))
	s.requirePublished(o.ID, events.TypeOrderCancelled)
}

func (s *IntegrationTestSuite) TestCancelOrder_NotFound() {
	_, err := s.Ledger.CancelOrder(s.Ctx, uuid.NewString())
	s.Require().ErrorIs(err, order.ErrOrderNotFound)
}

func (s *IntegrationTestSuite) TestStockReserved_MovesToPaymentPending() {
	o := s.placeOrder()

	eventID := uuid.NewString()
	ev := &events.StockReserved{OrderID: o.ID, UserID: o.UserID, Amount: o.TotalAmount}

	s.Require().NoError(s.Ledger.HandleStockReserved(s.Ctx, eventID, ev))
	s.Require().Equal(order.StatusPaymentPending, s.orderStatus(o.ID))

	// Redelivery of the same event must be a no-op.
	s.Require().NoError(s.Ledger.HandleStockReserved(s.Ctx, eventID, ev))

	got, err := s.Ledger.GetOrder(s.Ctx, o.ID)
	s.Require().NoError(err)
	s.Require().Equal(int64(1), got.Version)
}

func (s *IntegrationTestSuite) TestPaymentSettled_BeforeReservationIsRetried() {
	o := s.placeOrder()

	settled := &events.PaymentSettled{OrderID: o.ID, UserID: o.UserID, Amount: o.TotalAmount}
	eventID := uuid.NewString()

	err := s.Ledger.HandlePaymentSettled(s.Ctx, eventID, settled)
	s.Require().ErrorIs(err, order.ErrInvalidStateTransition)

	reserved := &events.StockReserved{OrderID: o.ID, UserID: o.UserID, Amount: o.TotalAmount}
	s.Require().NoError(s.Ledger.HandleStockReserved(s.Ctx, uuid.NewString(), reserved))

	s.Require().NoError(s.Ledger.HandlePaymentSettled(s.Ctx, eventID, settled))
	s.Require().Equal(order.StatusProcessing, s.orderStatus(o.ID))
}

func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
