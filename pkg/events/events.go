// Package events implements the central pub-sub bus that multiplexes KV
// watch notifications and internal timers out to the node state machine,
// keepalive engine, fence controller, and the VM/network/storage
// controllers. No component blocks another: publishing never waits on a
// slow subscriber.
package events

import (
	"sync"
	"time"
)

// Type identifies the category of an event.
type Type string

const (
	// KV-watch-derived events, one per table in the schema.
	NodeChanged    Type = "node.changed"
	VMChanged      Type = "vm.changed"
	NetworkChanged Type = "network.changed"
	StorageChanged Type = "storage.changed"
	TaskChanged    Type = "task.changed"

	// Leader-election derived events.
	LeaderAcquired Type = "leader.acquired"
	LeaderLost     Type = "leader.lost"

	// Connectivity events the KV client raises for all controllers.
	KVAvailable   Type = "kv.available"
	KVUnavailable Type = "kv.unavailable"

	// Internal timer events.
	KeepaliveTick Type = "timer.keepalive"
)

// Event is one notification carried on the bus.
type Event struct {
	Type      Type
	Timestamp time.Time
	Key       string // KV path for *Changed events, empty otherwise
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker fans out published events to all current subscribers. A full
// subscriber buffer drops the event for that subscriber rather than
// blocking the publisher — reconcilers re-derive state from the next
// watch or tick, so a dropped notification is never correctness-critical.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes all subscriber channels.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			close(sub)
		}
		b.subscribers = make(map[Subscriber]bool)
	})
}

// Subscribe creates a new subscription and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for distribution. Safe to call concurrently.
func (b *Broker) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- ev:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case ev := <-b.eventCh:
			b.broadcast(ev)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(ev *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
