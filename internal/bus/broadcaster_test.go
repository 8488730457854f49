// ABOUTME: Tests for the agent event broadcaster.
// ABOUTME: Covers fan-out, unsubscription, slow-subscriber drops, and close.

package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_PublishToSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe()

	b.Publish(&Event{RunID: "run-1", Seq: 1, Stream: StreamAssistant})

	select {
	case ev := <-ch:
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, StreamAssistant, ev.Stream)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}
}

func TestBroadcaster_FanOutToAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe()
	ch2, _ := b.Subscribe()

	b.Publish(&Event{RunID: "run-1", Stream: StreamLifecycle})

	for _, ch := range []<-chan *Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "run-1", ev.RunID)
		case <-time.After(time.Second):
			t.Fatal("expected event on every subscriber channel")
		}
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe()
	b.Unsubscribe(subID)

	_, open := <-ch
	assert.False(t, open, "channel closed after unsubscribe")

	// Publishing after unsubscribe must not panic.
	b.Publish(&Event{RunID: "run-1"})
}

func TestBroadcaster_UnsubscribeUnknown(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	b.Unsubscribe("no-such-subscription")
}

func TestBroadcaster_SlowSubscriberDropsEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe()

	// Nobody reads ch; overflow past the buffer must not block Publish.
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(&Event{RunID: "run-1", Seq: int64(i)})
	}

	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_CloseClosesChannels(t *testing.T) {
	b := NewBroadcaster(nil)

	ch, _ := b.Subscribe()
	b.Close()

	_, open := <-ch
	assert.False(t, open)

	// Idempotent, and publish after close is a no-op.
	b.Close()
	b.Publish(&Event{RunID: "run-1"})
}

func TestBroadcaster_SubscribeAfterClose(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Close()

	ch, subID := b.Subscribe()
	require.NotEmpty(t, subID)

	_, open := <-ch
	assert.False(t, open, "subscription after close yields a closed channel")
}
