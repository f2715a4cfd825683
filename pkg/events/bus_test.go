package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/relayer/pkg/types"
)

func envelope(eventType types.EventType) *types.EventEnvelope {
	return &types.EventEnvelope{
		EventType: eventType,
		ChainID:   1,
		RelayerID: "r-1",
		Timestamp: time.Now().UTC(),
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	bus := NewEventBus(4)
	first := bus.Subscribe("first")
	second := bus.Subscribe("second")

	bus.Publish(envelope(types.EventTransactionQueued))

	require.Equal(t, types.EventTransactionQueued, (<-first).EventType)
	require.Equal(t, types.EventTransactionQueued, (<-second).EventType)
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	bus := NewEventBus(1)
	slow := bus.Subscribe("slow")

	done := make(chan struct{})
	go func() {
		bus.Publish(envelope(types.EventTransactionQueued))
		bus.Publish(envelope(types.EventTransactionMined))
		bus.Publish(envelope(types.EventTransactionConfirmed))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	// Only the first event fit; the overflow was dropped, not queued.
	require.Equal(t, types.EventTransactionQueued, (<-slow).EventType)
	require.Empty(t, slow, "overflow events are dropped, not queued")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus(1)
	ch := bus.Subscribe("gone")
	bus.Unsubscribe("gone")

	_, open := <-ch
	require.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(envelope(types.EventTransactionQueued))
}

func TestCloseShutsDownAllSubscribers(t *testing.T) {
	bus := NewEventBus(1)
	first := bus.Subscribe("first")
	second := bus.Subscribe("second")
	bus.Close()

	_, open := <-first
	require.False(t, open)
	_, open = <-second
	require.False(t, open)
}
