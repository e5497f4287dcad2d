package events

import (
	"sync"
)

// Sink receives events from producers. Producers fire and forget: Emit must
// never block on a slow consumer.
type Sink interface {
	Emit(event Event)
}

// Bus is a channel-based pub-sub event bus.
// Supports topic-based subscriptions and SubscribeAll for cross-topic consumption.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]chan Event),
		allSubs: make([]chan Event, 0),
	}
}

// Subscribe creates a subscription to a specific topic.
// Returns a read-only channel that receives events published to that topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.subs[topic] = append(b.subs[topic], ch)

	return ch
}

// SubscribeAll creates a subscription to ALL topics.
// Returns a single read-only channel that receives events from every topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}

	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.allSubs = append(b.allSubs, ch)

	return ch
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: if a subscriber's channel is full, the event is dropped for
// that subscriber. Also sends to all SubscribeAll channels.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// Channel full, drop event for this subscriber
		}
	}

	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit implements Sink by routing the event to its topic: worker lifecycle
// events go to TopicWorkers, the run summary and deadlock report to
// TopicRun, everything else to TopicTasks.
func (b *Bus) Emit(event Event) {
	switch event.EventType() {
	case TypeWorkerCreated, TypeWorkerRetired:
		b.Publish(TopicWorkers, event)
	case TypeRunSummary, TypeDeadlockDetected:
		b.Publish(TopicRun, event)
	default:
		b.Publish(TopicTasks, event)
	}
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *Bus) Close() {
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

// NopSink discards all events. Useful in tests and headless tools that do
// not observe the event stream.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// CaptureSink records every emitted event in order. Test helper.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *CaptureSink) Emit(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of everything emitted so far.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// ByType returns captured events matching the given type, in emission order.
func (s *CaptureSink) ByType(eventType string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Event
	for _, e := range s.events {
		if e.EventType() == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}
