package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ChargeResult is what the gateway reports back. Declined is the provider
// saying no; an error is the provider being unreachable. The processor
// settles both as FAILED, since a charge is never retried automatically.
type ChargeResult struct {
	TransactionID string
	Declined      bool
	Reason        string
}

type ChargeRequest struct {
	OrderID string
	UserID  string
	Amount  int64
	Method  string
}

type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, transactionID string, amount int64) error
}

// SimulatedGateway stands in for a real payment provider. Charges above the
// decline threshold are rejected; transaction ids are derived from the order
// id so a resumed charge attempt produces the same id.
type SimulatedGateway struct {
	declineOver int64
	logger      *zap.Logger
}

func NewSimulatedGateway(declineOver int64, logger *zap.Logger) *SimulatedGateway {
	return &SimulatedGateway{
		declineOver: declineOver,
		logger:      logger,
	}
}

func (g *SimulatedGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	if g.declineOver > 0 && req.Amount > g.declineOver {
		return ChargeResult{
			Declined: true,
			Reason:   fmt.Sprintf("amount %d exceeds limit %d", req.Amount, g.declineOver),
		}, nil
	}

	return ChargeResult{TransactionID: transactionID(req.OrderID)}, nil
}

func (g *SimulatedGateway) Refund(_ context.Context, transactionID string, amount int64) error {
	g.logger.Info("Refund issued",
		zap.String("transaction_id", transactionID),
		zap.Int64("amount", amount),
	)

	return nil
}

func transactionID(orderID string) string {
	sum := sha256.Sum256([]byte("txn:" + orderID))
	return "txn_" + hex.EncodeToString(sum[:10])
}

// BreakerGateway shields the service from a flapping provider: once the
// breaker opens, charge attempts fail fast instead of piling up on a dead
// upstream.
type BreakerGateway struct {
	next    Gateway
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerGateway(next Gateway, logger *zap.Logger) *BreakerGateway {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Gateway breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerGateway{next: next, breaker: cb}
}

func (g *BreakerGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Charge(ctx, req)
	})
	if err != nil {
		return ChargeResult{}, err
	}

	return res.(ChargeResult), nil
}

func (g *BreakerGateway) Refund(ctx context.Context, transactionID string, amount int64) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.next.Refund(ctx, transactionID, amount)
	})

	return err
}
