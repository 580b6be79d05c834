// Package bus provides a lightweight in-process event bus. Components
// publish dispatch, queue, and daemon lifecycle events; subscribers such
// as the metrics recorder consume them without the publishers knowing who
// is listening.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is a published message with a hierarchical dot-separated topic.
type Event struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Subscription is a handle to a topic subscription. Events are delivered
// on Ch; a slow consumer drops events rather than blocking publishers.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel events are delivered on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

const subscriptionBuffer = 100

// Bus fans published events out to matching subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in all topics beginning with prefix.
// The empty prefix matches every event.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, subscriptionBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers the event to every subscriber whose prefix matches
// topic. Delivery is non-blocking: if a subscriber's buffer is full the
// event is dropped for that subscriber.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
