package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(&Event{Type: VMChanged, Key: "abc"})

	for _, sub := range []Subscriber{s1, s2} {
		select {
		case ev := <-sub:
			assert.Equal(t, VMChanged, ev.Type)
			assert.Equal(t, "abc", ev.Key)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	// Fill the subscriber buffer well past capacity; Publish must not
	// stall the broker.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Event{Type: KeepaliveTick})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	_ = sub
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)
}

func TestStopClosesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()

	s1 := b.Subscribe()
	b.Stop()
	b.Stop() // idempotent

	_, open := <-s1
	assert.False(t, open)
}
