package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewMemBus(MemBusConfig{})
	defer bus.Close()

	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Publish(TypeWorkerAdded, map[string]string{"name": "fetch"})

	for _, sub := range []Subscription{sub1, sub2} {
		ev := receiveOne(t, sub)
		assert.Equal(t, TypeWorkerAdded, ev.Type)
		assert.NotZero(t, ev.TS)
	}
}

func TestPublishPreservesPerEmitterOrder(t *testing.T) {
	t.Parallel()

	bus := NewMemBus(MemBusConfig{SubscriberBufferSize: 16})
	defer bus.Close()

	sub := bus.Subscribe()
	types := []Type{TypeWorkerState, TypeToolCall, TypeToolResult, TypeWorkerRemoved}
	for _, typ := range types {
		bus.Publish(typ, nil)
	}

	for _, want := range types {
		assert.Equal(t, want, receiveOne(t, sub).Type)
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	t.Parallel()

	bus := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer bus.Close()

	slow := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		// 10 events into a 2-slot buffer with no reader must not block.
		for i := 0; i < 10; i++ {
			bus.Publish(TypeToolCall, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}

	// The first two events are buffered, the rest were dropped for this
	// subscriber only.
	assert.Equal(t, 0, receiveOne(t, slow).Data)
	assert.Equal(t, 1, receiveOne(t, slow).Data)
	select {
	case ev := <-slow.Events():
		t.Fatalf("expected no more events, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribedReceiverGetsNothing(t *testing.T) {
	t.Parallel()

	bus := NewMemBus(MemBusConfig{})
	defer bus.Close()

	sub := bus.Subscribe()
	require.NoError(t, sub.Close())

	bus.Publish(TypeSessionOpened, nil)

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestCloseShutsDownSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewMemBus(MemBusConfig{})
	sub := bus.Subscribe()

	require.NoError(t, bus.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after close is a no-op, not a panic.
	bus.Publish(TypeSessionClosed, nil)
	require.NoError(t, bus.Close())
}
