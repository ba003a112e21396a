// Package bus is the client-side event bus. Components publish typed events
// on named topics; subscribers own a handle whose Close unhooks them, so a
// torn-down component can never leave a dangling handler.
package bus

import (
	"sync"

	"go.uber.org/zap"
)

// Topic names one event stream.
type Topic string

const (
	// TopicRelay carries every envelope received from the relay.
	TopicRelay Topic = "relay"
	// TopicSession carries session state changes and end reasons.
	TopicSession Topic = "session"
	// TopicMedia carries degrade-ladder warnings and remote track status.
	TopicMedia Topic = "media"
	// TopicTransport carries relay-connection liveness changes.
	TopicTransport Topic = "transport"
)

// Event is one published value.
type Event struct {
	Topic   Topic
	Payload any
}

// Subscription is one listener's handle. Events arrive on C; Close detaches
// the subscription and closes C.
type Subscription struct {
	C      chan Event
	bus    *Bus
	topic  Topic
	closed bool
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	subs := s.bus.subs[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.C)
}

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[Topic][]*Subscription
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[Topic][]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a listener on one topic. The channel is buffered; a
// subscriber that stops draining loses newest events rather than blocking
// publishers.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		C:     make(chan Event, 64),
		bus:   b,
		topic: topic,
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers the event to every current subscriber of the topic
// without blocking. Sends happen under the bus lock so a concurrent Close
// can never race a send on a closed channel.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, sub := range b.subs[topic] {
		select {
		case sub.C <- ev:
		default:
			b.logger.Warn("event dropped, slow subscriber", zap.String("topic", string(topic)))
		}
	}
}
