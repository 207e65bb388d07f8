package outbox

import (
	"context"
	"sync"
	"time"
)

// Log is the in-memory outbox shared between a memory store and the relay.
// Memory store transactions buffer appends and call Append only on commit.
type Log struct {
	mu     sync.Mutex
	nextID int64
	rows   []*Event
}

func NewLog() *Log {
	return &Log{nextID: 1}
}

func (l *Log) Append(evs ...*Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range evs {
		ev.ID = l.nextID
		l.nextID++
		ev.CreatedAt = time.Now().UTC()
		l.rows = append(l.rows, ev)
	}
}

func (l *Log) Unpublished(_ context.Context, batchSize, maxAttempts int) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var pending []*Event
	for _, ev := range l.rows {
		if ev.PublishedAt != nil || ev.Attempts >= int64(maxAttempts) {
			continue
		}

		pending = append(pending, ev)
		if len(pending) == batchSize {
			break
		}
	}

	return pending, nil
}

func (l *Log) MarkPublished(_ context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range l.rows {
		if ev.ID == id {
			now := time.Now().UTC()
			ev.PublishedAt = &now
			ev.LastError = nil
			break
		}
	}

	return nil
}

func (l *Log) MarkFailed(_ context.Context, id int64, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, ev := range l.rows {
		if ev.ID == id {
			ev.Attempts++
			msg := errMsg
			ev.LastError = &msg
			break
		}
	}

	return nil
}
