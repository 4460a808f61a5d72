// Package broadcaster fans published events out to live subscribers such as
// console websocket clients.
package broadcaster

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jamesainslie/forgevisor/pkg/forge/events"
)

// DefaultBacklog is the number of recent events replayed to new subscribers.
const DefaultBacklog = 100

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 256

// Subscriber represents a client subscribed to events.
type Subscriber struct {
	ID     string
	Filter []string // event names; empty means all
	Events chan events.Envelope

	dropped atomic.Int64
}

// Dropped returns the number of events dropped because the subscriber lagged.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Broadcaster manages subscribers and distributes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool

	backlog []events.Envelope
	size    int
}

// New creates a new Broadcaster that keeps backlog recent events.
func New(backlog int) *Broadcaster {
	if backlog < 0 {
		backlog = 0
	}
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		size:        backlog,
	}
}

// Subscribe creates a new subscription. Matching backlog events are queued
// on the channel before any live event.
func (b *Broadcaster) Subscribe(filter ...string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Filter: slices.Clone(filter),
		Events: make(chan events.Envelope, subscriberBuffer+b.size),
	}
	for _, env := range b.backlog {
		if matches(sub, env.Event) {
			sub.Events <- env
		}
	}

	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Record sends an event to all matching subscribers. It implements
// events.Recorder and never blocks.
func (b *Broadcaster) Record(env events.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	if b.size > 0 {
		if len(b.backlog) == b.size {
			copy(b.backlog, b.backlog[1:])
			b.backlog = b.backlog[:b.size-1]
		}
		b.backlog = append(b.backlog, env)
	}

	for _, sub := range b.subscribers {
		if !matches(sub, env.Event) {
			continue
		}
		select {
		case sub.Events <- env:
		default:
			sub.dropped.Add(1)
		}
	}
}

// matches checks if an event matches a subscriber's filter.
func matches(sub *Subscriber, event string) bool {
	return len(sub.Filter) == 0 || slices.Contains(sub.Filter, event)
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
	b.backlog = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
