package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// MemoryStore implements Store for the dev binary and deterministic tests.
// Writes are buffered per transaction and applied on commit only.
type MemoryStore struct {
	mu        sync.Mutex
	orders    map[string]*Order
	processed map[string]struct{}
	log       *outbox.Log
}

func NewMemoryStore(log *outbox.Log) *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*Order),
		processed: make(map[string]struct{}),
		log:       log,
	}
}

func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, statuses: make(map[string]string)}

	if err := fn(tx); err != nil {
		return err
	}

	tx.commit()
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}

	return copyOrder(o), nil
}

func (s *MemoryStore) OrdersByUser(_ context.Context, userID string) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []*Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, copyOrder(o))
		}
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})

	return orders, nil
}

func copyOrder(o *Order) *Order {
	copied := *o
	copied.Items = append([]Item(nil), o.Items...)
	return &copied
}

type memTx struct {
	store *MemoryStore

	processed []string
	inserted  []*Order
	statuses  map[string]string
	pending   []*outbox.Event
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string) error {
	if _, seen := t.store.processed[eventID]; seen {
		return outbox.ErrDuplicateEvent
	}

	t.processed = append(t.processed, eventID)
	return nil
}

func (t *memTx) OrderForUpdate(_ context.Context, orderID string) (*Order, error) {
	o, ok := t.store.orders[orderID]
	if !ok {
		return nil, nil
	}

	return copyOrder(o), nil
}

func (t *memTx) InsertOrder(_ context.Context, o *Order) error {
	if _, exists := t.store.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}

	t.inserted = append(t.inserted, copyOrder(o))
	return nil
}

func (t *memTx) UpdateStatus(_ context.Context, orderID, status string, version int64) error {
	o, ok := t.store.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}

	if o.Version != version {
		return ErrVersionConflict
	}

	t.statuses[orderID] = status
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

	for _, o := range t.inserted {
		t.store.orders[o.ID] = o
	}

	for orderID, status := range t.statuses {
		o := t.store.orders[orderID]
		o.Status = status
		o.Version++
		o.UpdatedAt = time.Now().UTC()
	}

	t.store.log.Append(t.pending...)
}
