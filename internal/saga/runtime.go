// Package saga wires all four services together in one process over the
// in-memory bus and stores. cmd/fulfillmentd runs it as a dev/demo mode and
// the end-to-end tests drive whole order journeys through it.
package saga

import (
	"context"

	"github.com/shopcraft/fulfillment/internal/inventory"
	"github.com/shopcraft/fulfillment/internal/notification"
	"github.com/shopcraft/fulfillment/internal/order"
	"github.com/shopcraft/fulfillment/internal/payment"
	"github.com/shopcraft/fulfillment/pkg/bus/memory"
	"github.com/shopcraft/fulfillment/pkg/outbox"
	"go.uber.org/zap"
)

type Config struct {
	Logger *zap.Logger

	// Gateway defaults to the simulated gateway with DeclineOver applied.
	Gateway     payment.Gateway
	DeclineOver int64

	// Sender defaults to the log-only sender.
	Sender notification.Sender

	BusOptions []memory.Option
	Relay      outbox.RelayConfig
}

// Runtime holds every service of the choreography plus the plumbing between
// them. Each service keeps its own store and outbox log, drained by its own
// relay, exactly like the per-service deployables do with Postgres and
// Kafka.
type Runtime struct {
	Bus *memory.Broker

	Orders        *order.Ledger
	Inventory     *inventory.Engine
	Payments      *payment.Processor
	Notifications *notification.Dispatcher

	OrderStore        *order.MemoryStore
	InventoryStore    *inventory.MemoryStore
	PaymentStore      *payment.MemoryStore
	NotificationStore *notification.MemoryStore

	logger *zap.Logger
	relays []*outbox.Relay
}

func New(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	broker := memory.NewBroker(logger, cfg.BusOptions...)

	orderLog := outbox.NewLog()
	inventoryLog := outbox.NewLog()
	paymentLog := outbox.NewLog()
	notificationLog := outbox.NewLog()

	orderStore := order.NewMemoryStore(orderLog)
	inventoryStore := inventory.NewMemoryStore(inventoryLog)
	paymentStore := payment.NewMemoryStore(paymentLog)
	notificationStore := notification.NewMemoryStore(notificationLog)

	gateway := cfg.Gateway
	if gateway == nil {
		gateway = payment.NewSimulatedGateway(cfg.DeclineOver, logger)
	}

	sender := cfg.Sender
	if sender == nil {
		sender = notification.NewLogSender(logger)
	}

	rt := &Runtime{
		Bus: broker,

		Orders:        order.NewLedger(orderStore, logger),
		Inventory:     inventory.NewEngine(inventoryStore, logger),
		Payments:      payment.NewProcessor(paymentStore, gateway, logger),
		Notifications: notification.NewDispatcher(notificationStore, sender, logger),

		OrderStore:        orderStore,
		InventoryStore:    inventoryStore,
		PaymentStore:      paymentStore,
		NotificationStore: notificationStore,

		logger: logger,
	}

	for _, log := range []*outbox.Log{orderLog, inventoryLog, paymentLog, notificationLog} {
		rt.relays = append(rt.relays, outbox.NewRelay(log, broker, logger, cfg.Relay))
	}

	return rt
}

// Start subscribes every consumer and launches the outbox relays. It returns
// once everything is running; ctx cancellation stops all of it.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := inventory.NewConsumer(rt.Inventory, rt.logger).Start(ctx, rt.Bus); err != nil {
		return err
	}

	if err := order.NewConsumer(rt.Orders, rt.logger).Start(ctx, rt.Bus); err != nil {
		return err
	}

	if err := payment.NewConsumer(rt.Payments, rt.logger).Start(ctx, rt.Bus); err != nil {
		return err
	}

	if err := notification.NewConsumer(rt.Notifications, rt.logger).Start(ctx, rt.Bus); err != nil {
		return err
	}

	for _, relay := range rt.relays {
		go relay.Start(ctx)
	}

	return nil
}
