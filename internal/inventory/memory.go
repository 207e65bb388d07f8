package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// MemoryStore implements Store for the dev binary and deterministic tests.
// Per-product mutexes are acquired in ascending product id order, mirroring
// the row-lock order of the Postgres store; buffered writes apply only on
// commit, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu           sync.Mutex
	locks        map[string]*sync.Mutex
	stock        map[string]*StockRecord
	reservations map[string]*Reservation
	processed    map[string]struct{}
	log          *outbox.Log
}

func NewMemoryStore(log *outbox.Log) *MemoryStore {
	return &MemoryStore{
		locks:        make(map[string]*sync.Mutex),
		stock:        make(map[string]*StockRecord),
		reservations: make(map[string]*Reservation),
		processed:    make(map[string]struct{}),
		log:          log,
	}
}

func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		store:        s,
		stockUpdates: make(map[string]int64),
	}
	defer tx.unlock()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.commit()
}

func (s *MemoryStore) GetStock(_ context.Context, productID string) (*StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.stock[productID]
	if !ok {
		return nil, ErrProductNotFound
	}

	copied := *rec
	return &copied, nil
}

type memTx struct {
	store  *MemoryStore
	locked []*sync.Mutex

	processed    []string
	stockUpdates map[string]int64
	inserted     []*StockRecord
	saved        []*Reservation
	deleted      []string
	pending      []*outbox.Event
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, seen := t.store.processed[eventID]; seen {
		return outbox.ErrDuplicateEvent
	}

	t.processed = append(t.processed, eventID)
	return nil
}

func (t *memTx) StockForUpdate(_ context.Context, productIDs []string) (map[string]*StockRecord, error) {
	ids := append([]string(nil), productIDs...)
	sort.Strings(ids)

	t.store.mu.Lock()
	mutexes := make([]*sync.Mutex, 0, len(ids))
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			continue
		}

		m, ok := t.store.locks[id]
		if !ok {
			m = &sync.Mutex{}
			t.store.locks[id] = m
		}
		mutexes = append(mutexes, m)
	}
	t.store.mu.Unlock()

	// Ascending id order across all products of this transaction, never
	// while holding the store mutex.
	for _, m := range mutexes {
		m.Lock()
		t.locked = append(t.locked, m)
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	stocks := make(map[string]*StockRecord, len(ids))
	for _, id := range ids {
		if rec, ok := t.store.stock[id]; ok {
			copied := *rec
			stocks[id] = &copied
		}
	}

	return stocks, nil
}

func (t *memTx) InsertStock(_ context.Context, rec *StockRecord) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	if _, exists := t.store.stock[rec.ProductID]; exists {
		return fmt.Errorf("product %s already exists", rec.ProductID)
	}

	copied := *rec
	t.inserted = append(t.inserted, &copied)
	return nil
}

func (t *memTx) UpdateStockQuantity(_ context.Context, productID string, quantity, version int64) error {
	if quantity < 0 {
		return fmt.Errorf("stock for %s would go negative", productID)
	}

	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	rec, ok := t.store.stock[productID]
	if !ok {
		return ErrProductNotFound
	}

	if rec.Version != version {
		return ErrVersionConflict
	}

	t.stockUpdates[productID] = quantity
	return nil
}

func (t *memTx) Reservation(_ context.Context, orderID string) (*Reservation, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	res, ok := t.store.reservations[orderID]
	if !ok {
		return nil, nil
	}

	copied := *res
	copied.Lines = append([]ReservationLine(nil), res.Lines...)
	return &copied, nil
}

func (t *memTx) SaveReservation(_ context.Context, res *Reservation) error {
	copied := *res
	copied.Lines = append([]ReservationLine(nil), res.Lines...)
	t.saved = append(t.saved, &copied)
	return nil
}

func (t *memTx) DeleteReservation(_ context.Context, orderID string) error {
	t.deleted = append(t.deleted, orderID)
	return nil
}

func (t *memTx) AppendOutbox(_ context.Context, ev *outbox.Event) error {
	t.pending = append(t.pending, ev)
	return nil
}

func (t *memTx) commit() error {
	t.store.mu.Lock()

	for _, id := range t.processed {
		t.store.processed[id] = struct{}{}
	}

	for productID, quantity := range t.stockUpdates {
		rec := t.store.stock[productID]
		rec.Available = quantity
		rec.Version++
		rec.UpdatedAt = time.Now().UTC()
	}

	for _, rec := range t.inserted {
		t.store.stock[rec.ProductID] = rec
	}

	for _, res := range t.saved {
		t.store.reservations[res.OrderID] = res
	}

	for _, orderID := range t.deleted {
		delete(t.store.reservations, orderID)
	}

	t.store.mu.Unlock()

	t.store.log.Append(t.pending...)
	return nil
}

func (t *memTx) unlock() {
	for i := len(t.locked) - 1; i >= 0; i-- {
		t.locked[i].Unlock()
	}
	t.locked = nil
}
