package events

import (
	"sync"
)

const defaultBufSize = 256

// EventBus is a channel-based pub-sub bus for scheduler events.
// Supports topic subscriptions and SubscribeAll for cross-topic consumption.
// A nil *EventBus accepts and drops every event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event
	closed  bool
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel receiving events published to topic.
// bufSize defaults to 256 if <= 0.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubscription(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubscription(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

func newSubscription(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return make(chan Event, bufSize)
}

// Unsubscribe removes a subscription and closes its channel.
// Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for topic, channels := range b.subs {
		if rest, ch := remove(channels, sub); ch != nil {
			b.subs[topic] = rest
			close(ch)
			return
		}
	}
	if rest, ch := remove(b.allSubs, sub); ch != nil {
		b.allSubs = rest
		close(ch)
	}
}

func remove(channels []chan Event, sub <-chan Event) ([]chan Event, chan Event) {
	for i, ch := range channels {
		if (<-chan Event)(ch) == sub {
			return append(channels[:i:i], channels[i+1:]...), ch
		}
	}
	return channels, nil
}

// Emit publishes event on its own topic.
func (b *EventBus) Emit(event Event) {
	if b == nil || event == nil {
		return
	}
	b.Publish(event.Topic(), event)
}

// Publish sends an event to all subscribers of the given topic and to every
// SubscribeAll channel. Non-blocking: a full subscriber misses the event.
func (b *EventBus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes the bus and all subscriber channels. Idempotent.
func (b *EventBus) Close() {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
