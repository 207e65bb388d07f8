// Package memory provides an in-process bus with the same semantics as the
// Kafka transport: at-least-once delivery, strict ordering per partition
// key, independent progress across keys and topics. It backs the all-in-one
// dev binary and deterministic tests; tests can additionally force every
// event to be delivered twice.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/shopcraft/fulfillment/pkg/bus"
	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/shopcraft/fulfillment/pkg/tracelog"
	"go.uber.org/zap"
)

type Option func(*Broker)

// WithDuplicateDelivery makes the broker hand every published event to each
// subscription twice, back to back. Consumers are required to be idempotent,
// so this must be observable as a no-op.
func WithDuplicateDelivery() Option {
	return func(b *Broker) { b.duplicate = true }
}

func WithRetryDelay(d time.Duration) Option {
	return func(b *Broker) { b.retryDelay = d }
}

type Broker struct {
	mu            sync.Mutex
	subs          map[string][]*subscription
	duplicate     bool
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	logger        *zap.Logger
}

func NewBroker(logger *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		subs:          make(map[string][]*subscription),
		retryDelay:    10 * time.Millisecond,
		maxRetryDelay: 2 * time.Second,
		logger:        logger,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

func (b *Broker) Publish(_ context.Context, topic string, env *events.Envelope) error {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(env)
		if b.duplicate {
			sub.enqueue(env)
		}
	}

	return nil
}

func (b *Broker) Subscribe(ctx context.Context, topic, group string, handler bus.Handler) error {
	sub := &subscription{
		broker:  b,
		ctx:     ctx,
		group:   group,
		handler: handler,
		parts:   make(map[string]*partition),
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return nil
}

type subscription struct {
	broker  *Broker
	ctx     context.Context
	group   string
	handler bus.Handler

	mu    sync.Mutex
	parts map[string]*partition
}

type partition struct {
	ch chan *events.Envelope
}

func (s *subscription) enqueue(env *events.Envelope) {
	if s.ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	p, ok := s.parts[env.Key]
	if !ok {
		p = &partition{ch: make(chan *events.Envelope, 1024)}
		s.parts[env.Key] = p
		go s.consume(p)
	}
	s.mu.Unlock()

	select {
	case p.ch <- env:
	case <-s.ctx.Done():
	}
}

// consume drains one partition sequentially; a handler error causes
// redelivery of the same event, with the delay doubling up to a cap, until
// the handler accepts it or the subscription context ends. Events are never
// dropped: consumers that reject an event delivered ahead of its
// prerequisite depend on redelivery to make progress.
func (s *subscription) consume(p *partition) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case env := <-p.ch:
			delay := s.broker.retryDelay
			for attempt := 1; ; attempt++ {
				err := s.handler(s.ctx, env)
				if err == nil {
					break
				}

				tracelog.Warn(s.ctx, s.broker.logger, "Handler failed, redelivering",
					zap.String("group", s.group),
					zap.String("event_type", env.Type),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)

				select {
				case <-s.ctx.Done():
					return
				case <-time.After(delay):
				}

				if delay < s.broker.maxRetryDelay {
					delay *= 2
					if delay > s.broker.maxRetryDelay {
						delay = s.broker.maxRetryDelay
					}
				}
			}
		}
	}
}
