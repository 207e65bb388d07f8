package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopcraft/fulfillment/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func envelope(t *testing.T, key string) *events.Envelope {
	t.Helper()

	env, err := events.NewEnvelope("SomethingHappened", key, map[string]string{"key": key})
	require.NoError(t, err)

	return env
}

func TestRedeliversUntilHandlerAccepts(t *testing.T) {
	broker := NewBroker(zap.NewNop(), WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})

	err := broker.Subscribe(ctx, "topic", "group", func(context.Context, *events.Envelope) error {
		mu.Lock()
		defer mu.Unlock()

		attempts++
		if attempts < 6 {
			return errors.New("prerequisite not met")
		}

		close(done)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "topic", envelope(t, "key-1")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event was dropped instead of redelivered")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 6, attempts)
}

func TestFailingEventBlocksItsKey(t *testing.T) {
	broker := NewBroker(zap.NewNop(), WithRetryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := envelope(t, "key-1")
	second := envelope(t, "key-1")

	var mu sync.Mutex
	firstFailures := 0
	var accepted []string
	done := make(chan struct{})

	err := broker.Subscribe(ctx, "topic", "group", func(_ context.Context, env *events.Envelope) error {
		mu.Lock()
		defer mu.Unlock()

		if env.ID == first.ID && firstFailures < 3 {
			firstFailures++
			return errors.New("not yet")
		}

		accepted = append(accepted, env.ID)
		if len(accepted) == 2 {
			close(done)
		}

		return nil
	})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, "topic", first))
	require.NoError(t, broker.Publish(ctx, "topic", second))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("events for the key did not all arrive")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID}, accepted)
}
