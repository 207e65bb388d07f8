package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopcraft/fulfillment/pkg/outbox"
)

// MemoryStore implements Store for the dev binary and deterministic tests.
type MemoryStore struct {
	mu            sync.Mutex
	notifications map[string]*Notification // keyed by orderID+"/"+type
	processed     map[string]struct{}
	log           *outbox.Log
}

func NewMemoryStore(log *outbox.Log) *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*Notification),
		processed:     make(map[string]struct{}),
		log:           log,
	}
}

func key(orderID, ntype string) string {
	return orderID + "/" + ntype
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

func (s *MemoryStore) NotificationsByOrder(_ context.Context, orderID string) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Notification
	for _, n := range s.notifications {
		if n.OrderID == orderID {
			copied := *n
			out = append(out, &copied)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

type memTx struct {
	store *MemoryStore

	processed []string
	inserted  []*Notification
	updated   []*Notification
	pending   []*outbox.Event
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string) error {
	if _, seen := t.store.processed[eventID]; seen {
		return outbox.ErrDuplicateEvent
	}

	t.processed = append(t.processed, eventID)
	return nil
}

func (t *memTx) NotificationByKey(_ context.Context, orderID, ntype string) (*Notification, error) {
	n, ok := t.store.notifications[key(orderID, ntype)]
	if !ok {
		return nil, nil
	}

	copied := *n
	return &copied, nil
}

func (t *memTx) InsertNotification(_ context.Context, n *Notification) error {
	if _, exists := t.store.notifications[key(n.OrderID, n.Type)]; exists {
		return fmt.Errorf("notification %s/%s already exists", n.OrderID, n.Type)
	}

	copied := *n
	t.inserted = append(t.inserted, &copied)
	return nil
}

func (t *memTx) UpdateStatus(_ context.Context, n *Notification) error {
	if _, exists := t.store.notifications[key(n.OrderID, n.Type)]; !exists {
		return ErrNotificationNotFound
	}

	copied := *n
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

	for _, n := range t.inserted {
		t.store.notifications[key(n.OrderID, n.Type)] = n
	}

	for _, n := range t.updated {
		t.store.notifications[key(n.OrderID, n.Type)] = n
	}

	t.store.log.Append(t.pending...)
}
