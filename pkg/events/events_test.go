package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&Event{
		Type:    EventTaskSubmitted,
		Message: "task accepted",
	})

	select {
	case event := <-sub:
		assert.Equal(t, EventTaskSubmitted, event.Type)
		assert.Equal(t, "task accepted", event.Message)
		assert.False(t, event.Timestamp.IsZero(), "timestamp should be set on publish")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()
	defer broker.Unsubscribe(sub1)
	defer broker.Unsubscribe(sub2)

	require.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(&Event{Type: EventServiceStarted, Message: "rest-api up"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case event := <-sub:
			assert.Equal(t, EventServiceStarted, event.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerSlowSubscriberDropped(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	// Fill the subscriber buffer without draining; overflow must not block
	// the broker.
	for i := 0; i < 60; i++ {
		broker.Publish(&Event{Type: EventTaskStarted})
	}

	// The broker loop is still responsive.
	done := make(chan struct{})
	go func() {
		broker.Publish(&Event{Type: EventTaskCompleted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}
