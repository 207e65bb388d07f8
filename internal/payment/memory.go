package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// MemoryStore implements Store for the dev binary and deterministic tests.
// Writes are buffered per transaction and applied on commit only.
type MemoryStore struct {
	mu        sync.Mutex
	payments  map[string]*Payment
	processed map[string]struct{}
	log       *outbox.Log
}

func NewMemoryStore(log *outbox.Log) *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*Payment),
		processed: make(map[string]struct{}),
		log:       log,
	}
}

func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (s *MemoryStore) PaymentForOrder(_ context.Context, orderID string) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}

	copied := *p
	return &copied, nil
}

type memTx struct {
	store *MemoryStore

	processed []string
	inserted  []*Payment
	updated   []*Payment
	pending   []*outbox.Event
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string) error {
	if _, seen := t.store.processed[eventID]; seen {
		return outbox.ErrDuplicateEvent
	}

	t.processed = append(t.processed, eventID)
	return nil
}

func (t *memTx) PaymentForOrder(_ context.Context, orderID string) (*Payment, error) {
	p, ok := t.store.payments[orderID]
	if !ok {
		return nil, nil
	}

	copied := *p
	return &copied, nil
}

func (t *memTx) InsertPayment(_ context.Context, p *Payment) error {
	if _, exists := t.store.payments[p.OrderID]; exists {
		return fmt.Errorf("payment for order %s already exists", p.OrderID)
	}

	copied := *p
	t.inserted = append(t.inserted, &copied)
	return nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *Payment) error {
	if _, exists := t.store.payments[p.OrderID]; !exists {
		return ErrPaymentNotFound
	}

	copied := *p
	t.updated = append(t.updated, &copied)
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, ev *outbox.Event) error {
	t.pending = append(t.pending, ev)
	return nil
}

func (t *memTx) commit() {
	for _, id := range t.processed {
		t.store.processed[id] = struct{}{}
	}

	for _, p := range t.inserted {
		t.store.payments[p.OrderID] = p
	}

	for _, p := range t.updated {
		t.store.payments[p.OrderID] = p
	}

	t.store.log.Append(t.pending...)
}
